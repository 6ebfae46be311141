package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fieldlink/metric"
)

// ShardedPool processes work items on a fixed set of lanes, one goroutine per
// lane, each fed by its own bounded queue. The lane is chosen by hashing the
// submission key, so items sharing a key are processed by a single goroutine
// in submission order. Submit never blocks: when the owning lane's queue is
// full the item is dropped and ErrQueueFull returned.
type ShardedPool[T any] struct {
	laneQueue int
	processor func(context.Context, T) error

	lanes []chan T
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metrics *poolMetrics
}

// ShardedOption configures a ShardedPool.
type ShardedOption[T any] func(*ShardedPool[T])

// WithShardedMetrics registers lane gauges and counters under the given
// component name with the platform registry.
func WithShardedMetrics[T any](registry *metric.Registry, component string) ShardedOption[T] {
	return func(p *ShardedPool[T]) {
		p.metrics = newPoolMetrics(registry, component)
	}
}

// NewShardedPool creates a sharded pool with the given number of lanes, each
// queueing up to laneQueue pending items. The processor must not be nil.
func NewShardedPool[T any](lanes, laneQueue int, processor func(context.Context, T) error, opts ...ShardedOption[T]) *ShardedPool[T] {
	if lanes <= 0 {
		lanes = 4
	}
	if laneQueue <= 0 {
		laneQueue = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &ShardedPool[T]{
		laneQueue: laneQueue,
		processor: processor,
		lanes:     make([]chan T, lanes),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan T, laneQueue)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches one worker per lane. It is an error to start a pool twice.
func (p *ShardedPool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for _, lane := range p.lanes {
		p.wg.Add(1)
		go p.run(ctx, lane)
	}

	p.started = true
	return nil
}

// Submit routes work to the lane owning key without blocking. Items sharing
// a key land on the same lane and are processed in submission order. Returns
// ErrQueueFull when that lane's queue cannot accept the item.
func (p *ShardedPool[T]) Submit(key string, work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	lane := p.lanes[p.laneFor(key)]
	select {
	case lane <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(p.depth()))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

func (p *ShardedPool[T]) laneFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(p.lanes))
}

func (p *ShardedPool[T]) depth() int {
	n := 0
	for _, lane := range p.lanes {
		n += len(lane)
	}
	return n
}

// Stop closes every lane and waits up to timeout for in-flight work to drain.
func (p *ShardedPool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	for _, lane := range p.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.stopped = true
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of pool counters. QueueSize is the total capacity
// across lanes.
func (p *ShardedPool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    len(p.lanes),
		QueueSize:  len(p.lanes) * p.laneQueue,
		QueueDepth: p.depth(),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

func (p *ShardedPool[T]) run(ctx context.Context, lane <-chan T) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-lane:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			elapsed := time.Since(start)

			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.duration.WithLabelValues(status).Observe(elapsed.Seconds())
				p.metrics.queueDepth.Set(float64(p.depth()))
			}
		}
	}
}
