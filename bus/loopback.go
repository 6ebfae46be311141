package bus

import (
	"context"
	"sync"

	"github.com/c360/fieldlink/model"
)

// Loopback is an in-process Bus for single-node deployments and tests.
// Handlers run synchronously on the publisher's goroutine, preserving the
// per-sensor ordering guarantee without a broker.
type Loopback struct {
	mu      sync.RWMutex
	nextID  int
	closed  bool
	reading map[int]func(model.Reading)
	alert   map[int]func(AlertEvent)
	health  map[int]func(HealthEvent)
}

// NewLoopback creates an empty in-process bus.
func NewLoopback() *Loopback {
	return &Loopback{
		reading: make(map[int]func(model.Reading)),
		alert:   make(map[int]func(AlertEvent)),
		health:  make(map[int]func(HealthEvent)),
	}
}

type loopbackSub struct {
	cancel func()
}

func (s *loopbackSub) Unsubscribe() error {
	s.cancel()
	return nil
}

// PublishReading dispatches r to all reading subscribers.
func (b *Loopback) PublishReading(_ context.Context, r model.Reading) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.reading {
		h(r)
	}
	return nil
}

// PublishAlert dispatches ev to all alert subscribers.
func (b *Loopback) PublishAlert(_ context.Context, ev AlertEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.alert {
		h(ev)
	}
	return nil
}

// PublishHealth dispatches ev to all health subscribers.
func (b *Loopback) PublishHealth(_ context.Context, ev HealthEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.health {
		h(ev)
	}
	return nil
}

// SubscribeReadings registers handler for reading events.
func (b *Loopback) SubscribeReadings(handler func(model.Reading)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.reading[id] = handler
	return &loopbackSub{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.reading, id)
	}}, nil
}

// SubscribeAlerts registers handler for alert events.
func (b *Loopback) SubscribeAlerts(handler func(AlertEvent)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.alert[id] = handler
	return &loopbackSub{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.alert, id)
	}}, nil
}

// SubscribeHealth registers handler for health events.
func (b *Loopback) SubscribeHealth(handler func(HealthEvent)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.health[id] = handler
	return &loopbackSub{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.health, id)
	}}, nil
}

// Close drops all subscriptions.
func (b *Loopback) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.reading = make(map[int]func(model.Reading))
	b.alert = make(map[int]func(AlertEvent))
	b.health = make(map[int]func(HealthEvent))
	return nil
}
