// Package ingest is the single write path for readings. Adapters hand raw
// samples to the pipeline; the pipeline validates them, tags quality, runs
// the anomaly detector, and then persists, so detection sees data before
// the persistence commit. Samples are sharded across workers by sensor, so
// one sensor's readings reach the detector in submission order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/pkg/worker"
	"github.com/c360/fieldlink/store"
	"github.com/c360/fieldlink/store/rediscache"
)

// Detector consumes accepted readings in sensor order. The anomaly detector
// implements it; BAD readings never reach it.
type Detector interface {
	Observe(ctx context.Context, r model.Reading, sensor *model.Sensor)
}

// Pipeline validates, tags, fans out, and persists readings.
type Pipeline struct {
	store    store.Store
	cache    *rediscache.Cache // optional
	detector Detector
	eventBus bus.Bus
	cfg      config.IngestConfig
	metrics  *metric.CoreMetrics
	monitor  *health.Monitor
	logger   *slog.Logger

	pool *worker.ShardedPool[adapter.RawSample]
}

// New creates the pipeline. cache may be nil when Redis is disabled.
func New(st store.Store, cache *rediscache.Cache, detector Detector, eventBus bus.Bus,
	cfg config.IngestConfig, registry *metric.Registry, monitor *health.Monitor,
	logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		store:    st,
		cache:    cache,
		detector: detector,
		eventBus: eventBus,
		cfg:      cfg,
		metrics:  registry.Core,
		monitor:  monitor,
		logger:   logger.With("component", "ingest"),
	}
	p.pool = worker.NewShardedPool(cfg.Workers, cfg.QueueSize, p.process,
		worker.WithShardedMetrics[adapter.RawSample](registry, "ingest"))
	return p
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "IngestPipeline", "Start", "start worker pool")
	}
	p.monitor.UpdateHealthy("ingest", "pipeline running")
	return nil
}

// Stop drains the worker pool.
func (p *Pipeline) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// Stats exposes pool counters for the monitoring read models.
func (p *Pipeline) Stats() worker.PoolStats { return p.pool.Stats() }

// Accept enqueues a raw sample without blocking. Samples are keyed by
// sensor identity so one sensor's readings stay on one worker lane and
// reach the detector in order. A full lane is back pressure to the
// adapter, reported as ErrQueueFull.
func (p *Pipeline) Accept(_ context.Context, sample adapter.RawSample) error {
	if err := p.pool.Submit(sample.EquipmentID+"/"+sample.SensorType, sample); err != nil {
		p.metrics.ReadingsRejected.WithLabelValues("queue_full").Inc()
		return errors.WrapTransient(errors.ErrQueueFull, "IngestPipeline", "Accept",
			"ingest queue full")
	}
	return nil
}

// process runs on a pool worker: validate, tag, detect, persist.
func (p *Pipeline) process(ctx context.Context, sample adapter.RawSample) error {
	started := time.Now()

	sensor, err := p.store.SensorByEquipmentAndType(ctx, sample.EquipmentID, sample.SensorType)
	if err != nil {
		p.reject("unknown_sensor", sample, "no sensor registered for type")
		return nil
	}

	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		p.reject("non_finite_value", sample, "value is not finite")
		return nil
	}

	now := time.Now()
	skew := sample.Timestamp.Sub(now)
	if p.cfg.MaxFutureSkew > 0 && skew > p.cfg.MaxFutureSkew {
		p.reject("future_timestamp", sample,
			fmt.Sprintf("timestamp %s ahead of ingest time", skew))
		return nil
	}

	reading := model.Reading{
		SensorID:       sensor.SensorID,
		EquipmentID:    sample.EquipmentID,
		Timestamp:      sample.Timestamp,
		Value:          sample.Value,
		Quality:        p.tagQuality(sample, skew),
		SourceProtocol: sample.Protocol,
	}

	// Detection before persistence: an alert and its triggering reading
	// commit together, or the alert survives a failed persist.
	if reading.Quality != model.QualityBad && p.detector != nil {
		p.detector.Observe(ctx, reading, sensor)
	}

	if err := p.store.InsertReading(ctx, reading); err != nil {
		// Persistence down while alerting still works is the dual fault:
		// degrade system health, keep the process alive.
		p.metrics.StoreErrors.WithLabelValues("insert_reading").Inc()
		p.monitor.UpdateDegraded("ingest",
			fmt.Sprintf("persistence failing for sensor %s: %v", sensor.SensorID, err))
		p.logger.Error("failed to persist reading",
			"sensor_id", sensor.SensorID, "error", err)
		return err
	}
	p.monitor.UpdateHealthy("ingest", "pipeline running")

	if err := p.store.TouchHeartbeat(ctx, sample.EquipmentID, now); err != nil {
		p.logger.Warn("failed to update heartbeat",
			"equipment_id", sample.EquipmentID, "error", err)
	}
	if p.cache != nil {
		if err := p.cache.SetLatest(ctx, reading); err != nil {
			p.logger.Warn("failed to cache latest reading",
				"sensor_id", sensor.SensorID, "error", err)
		}
	}
	if err := p.eventBus.PublishReading(ctx, reading); err != nil {
		p.logger.Warn("failed to publish reading", "sensor_id", sensor.SensorID, "error", err)
	}

	p.metrics.ReadingsIngested.WithLabelValues(string(sample.Protocol), string(reading.Quality)).Inc()
	p.metrics.IngestLatency.Observe(time.Since(started).Seconds())
	return nil
}

// tagQuality decides the stored quality. Transport-reported BAD/SUSPECT
// stands; otherwise a timestamp inside the suspect skew band downgrades an
// otherwise good reading.
func (p *Pipeline) tagQuality(sample adapter.RawSample, skew time.Duration) model.Quality {
	switch sample.Quality {
	case model.QualityBad:
		return model.QualityBad
	case model.QualitySuspect:
		return model.QualitySuspect
	}
	if p.cfg.SuspectSkew > 0 && skew > p.cfg.SuspectSkew {
		return model.QualitySuspect
	}
	return model.QualityGood
}

func (p *Pipeline) reject(reason string, sample adapter.RawSample, detail string) {
	p.metrics.ReadingsRejected.WithLabelValues(reason).Inc()
	p.logger.Warn("reading rejected",
		"reason", reason,
		"equipment_id", sample.EquipmentID,
		"sensor_type", sample.SensorType,
		"detail", detail)
}
