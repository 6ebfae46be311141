package ingest

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store/memory"
)

type recordingDetector struct {
	mu       sync.Mutex
	observed []model.Reading
}

func (d *recordingDetector) Observe(_ context.Context, r model.Reading, _ *model.Sensor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed = append(d.observed, r)
}

func (d *recordingDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observed)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fixture struct {
	pipeline *Pipeline
	store    *memory.Store
	detector *recordingDetector
	monitor  *health.Monitor
}

func newFixture(t *testing.T, cfg config.IngestConfig) *fixture {
	t.Helper()
	st := memory.New()
	det := &recordingDetector{}
	mon := health.NewMonitor()
	p := New(st, nil, det, bus.NewLoopback(), cfg, metric.NewRegistry(), mon, quietLogger())

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(2 * time.Second) })

	ctx := context.Background()
	require.NoError(t, st.CreateEquipment(ctx, &model.Equipment{
		EquipmentID: "eq-1", Name: "Pump", Type: "pump",
		Protocol: model.ProtocolMQTT, Endpoint: "tcp://b:1883", Active: true,
	}))
	require.NoError(t, st.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-1", EquipmentID: "eq-1", Name: "temp", Type: "temperature", Active: true,
	}))
	return &fixture{pipeline: p, store: st, detector: det, monitor: mon}
}

func defaultCfg() config.IngestConfig {
	return config.IngestConfig{
		Workers:       1,
		QueueSize:     64,
		MaxFutureSkew: time.Minute,
		SuspectSkew:   10 * time.Second,
	}
}

func waitForReadings(t *testing.T, st *memory.Store, n int) []model.Reading {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.QueryReadings(context.Background(), model.QuerySpec{})
		require.NoError(t, err)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d readings, store never caught up", n)
	return nil
}

func sample(v float64) adapter.RawSample {
	return adapter.RawSample{
		EquipmentID: "eq-1",
		SensorType:  "temperature",
		Protocol:    model.ProtocolMQTT,
		Value:       v,
		Timestamp:   time.Now(),
	}
}

func TestAcceptedReadingIsQueryable(t *testing.T) {
	f := newFixture(t, defaultCfg())

	require.NoError(t, f.pipeline.Accept(context.Background(), sample(21.5)))

	got := waitForReadings(t, f.store, 1)
	assert.Equal(t, "sn-1", got[0].SensorID)
	assert.Equal(t, 21.5, got[0].Value)
	assert.Equal(t, model.QualityGood, got[0].Quality)
	assert.Equal(t, model.ProtocolMQTT, got[0].SourceProtocol)

	// Heartbeat was touched on accept.
	eq, err := f.store.GetEquipment(context.Background(), "eq-1")
	require.NoError(t, err)
	assert.NotNil(t, eq.LastHeartbeat)
}

func TestDetectionRunsBeforePersistence(t *testing.T) {
	f := newFixture(t, defaultCfg())

	require.NoError(t, f.pipeline.Accept(context.Background(), sample(99)))
	waitForReadings(t, f.store, 1)
	assert.Equal(t, 1, f.detector.count())
}

func TestRejectsUnknownSensorAndNonFiniteValues(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	unknown := sample(1)
	unknown.SensorType = "humidity"
	require.NoError(t, f.pipeline.Accept(ctx, unknown))
	require.NoError(t, f.pipeline.Accept(ctx, sample(math.NaN())))
	require.NoError(t, f.pipeline.Accept(ctx, sample(math.Inf(1))))

	// A valid trailing sample proves the rejects are done processing.
	require.NoError(t, f.pipeline.Accept(ctx, sample(20)))
	got := waitForReadings(t, f.store, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, 20.0, got[0].Value)
	assert.Equal(t, 1, f.detector.count())
}

func TestFutureSkewRejectsAndSuspects(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	tooFar := sample(1)
	tooFar.Timestamp = time.Now().Add(5 * time.Minute)
	require.NoError(t, f.pipeline.Accept(ctx, tooFar))

	slightlyAhead := sample(2)
	slightlyAhead.Timestamp = time.Now().Add(30 * time.Second)
	require.NoError(t, f.pipeline.Accept(ctx, slightlyAhead))

	got := waitForReadings(t, f.store, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, model.QualitySuspect, got[0].Quality)
}

func TestBadQualityStoredButNotDetected(t *testing.T) {
	f := newFixture(t, defaultCfg())

	bad := sample(9999)
	bad.Quality = model.QualityBad
	require.NoError(t, f.pipeline.Accept(context.Background(), bad))

	got := waitForReadings(t, f.store, 1)
	assert.Equal(t, model.QualityBad, got[0].Quality)
	assert.Zero(t, f.detector.count())
}

func TestQueueFullIsBackpressure(t *testing.T) {
	cfg := defaultCfg()
	cfg.QueueSize = 1

	st := memory.New()
	// A detector that blocks keeps the single worker busy so the queue fills.
	release := make(chan struct{})
	blocking := &blockingDetector{release: release}
	p := New(st, nil, blocking, bus.NewLoopback(), cfg, metric.NewRegistry(),
		health.NewMonitor(), quietLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(2 * time.Second)
	defer close(release)

	ctx := context.Background()
	require.NoError(t, st.CreateEquipment(ctx, &model.Equipment{
		EquipmentID: "eq-1", Name: "Pump", Type: "pump",
		Protocol: model.ProtocolMQTT, Endpoint: "tcp://b:1883", Active: true,
	}))
	require.NoError(t, st.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-1", EquipmentID: "eq-1", Name: "temp", Type: "temperature", Active: true,
	}))

	// Fill worker + queue, then expect a rejection.
	var sawReject bool
	for i := 0; i < 16; i++ {
		if err := p.Accept(ctx, sample(float64(i))); err != nil {
			sawReject = true
			break
		}
	}
	assert.True(t, sawReject)
}

type blockingDetector struct {
	release chan struct{}
}

func (d *blockingDetector) Observe(context.Context, model.Reading, *model.Sensor) {
	<-d.release
}

func (d *recordingDetector) snapshot() []model.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Reading, len(d.observed))
	copy(out, d.observed)
	return out
}

func TestSensorOrderPreservedAcrossWorkers(t *testing.T) {
	cfg := defaultCfg()
	cfg.Workers = 4
	cfg.QueueSize = 2048
	f := newFixture(t, cfg)
	ctx := context.Background()

	// A second sensor keeps more than one lane busy.
	require.NoError(t, f.store.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-2", EquipmentID: "eq-1", Name: "pres", Type: "pressure", Active: true,
	}))

	const perSensor = 400
	base := time.Now().Add(-time.Hour)
	for i := 0; i < perSensor; i++ {
		for _, st := range []string{"temperature", "pressure"} {
			s := sample(float64(i))
			s.SensorType = st
			s.Timestamp = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, f.pipeline.Accept(ctx, s))
		}
	}

	waitForReadings(t, f.store, 2*perSensor)
	require.Equal(t, 2*perSensor, f.detector.count())

	last := make(map[string]time.Time)
	for i, r := range f.detector.snapshot() {
		if prev, ok := last[r.SensorID]; ok {
			require.False(t, r.Timestamp.Before(prev),
				"sensor %s observed out of order at position %d", r.SensorID, i)
		}
		last[r.SensorID] = r.Timestamp
	}
}
