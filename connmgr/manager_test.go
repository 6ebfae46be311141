package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
	"github.com/c360/fieldlink/store/memory"
)

type fakeSession struct {
	samples chan adapter.RawSample
	once    sync.Once
	err     error
}

func newFakeSession() *fakeSession {
	return &fakeSession{samples: make(chan adapter.RawSample, 16)}
}

func (s *fakeSession) Samples() <-chan adapter.RawSample { return s.samples }
func (s *fakeSession) Err() error                        { return s.err }
func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.samples) })
	return nil
}

// fakeAdapter scripts Open outcomes: each call pops the next result.
type fakeAdapter struct {
	mu       sync.Mutex
	results  []error
	sessions []*fakeSession
	opens    int
}

func (a *fakeAdapter) Protocol() model.Protocol { return model.ProtocolMQTT }

func (a *fakeAdapter) Open(_ context.Context, eq *model.Equipment) (adapter.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	var err error
	if len(a.results) > 0 {
		err = a.results[0]
		a.results = a.results[1:]
	}
	if err != nil && !stdIs(err, adapter.ErrNodeValidation) {
		return nil, err
	}
	s := newFakeSession()
	a.sessions = append(a.sessions, s)
	return s, err
}

func (a *fakeAdapter) TestConnection(context.Context, *model.Equipment) error { return nil }

func (a *fakeAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

func (a *fakeAdapter) session(i int) *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.sessions) {
		return nil
	}
	return a.sessions[i]
}

func stdIs(err, target error) bool { return err != nil && target != nil && err == target }

type recordingSink struct {
	mu      sync.Mutex
	samples []adapter.RawSample
}

func (s *recordingSink) Accept(_ context.Context, sample adapter.RawSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		GracePeriod:           500 * time.Millisecond,
		MissedIntervals:       2,
		DefaultSampleInterval: 25 * time.Millisecond,
		MaxRetries:            2,
		InitialBackoff:        5 * time.Millisecond,
		MaxBackoff:            20 * time.Millisecond,
		OpenTimeout:           time.Second,
	}
}

type fixture struct {
	mgr   *Manager
	store *memory.Store
	adp   *fakeAdapter
	sink  *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	adp := &fakeAdapter{}
	sink := &recordingSink{}
	mgr := New(st, adapter.NewRegistry(adp), bus.NewLoopback(), sink,
		testConfig(), metric.NewRegistry().Core, health.NewMonitor(), quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})
	return &fixture{mgr: mgr, store: st, adp: adp, sink: sink}
}

func registerEquipment(t *testing.T, st *memory.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateEquipment(context.Background(), &model.Equipment{
		EquipmentID: id,
		Name:        id,
		Type:        "pump",
		Protocol:    model.ProtocolMQTT,
		Endpoint:    "tcp://broker:1883",
		Active:      true,
	}))
}

func waitForSession(t *testing.T, adp *fakeAdapter, i int) *fakeSession {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := adp.session(i); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %d never opened", i)
	return nil
}

func waitForState(t *testing.T, st *memory.Store, id string, want model.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		eq, err := st.GetEquipment(context.Background(), id)
		require.NoError(t, err)
		if eq.ConnectionState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	eq, _ := st.GetEquipment(context.Background(), id)
	t.Fatalf("equipment %s never reached %s (stuck at %s)", id, want, eq.ConnectionState)
}

func TestConnectReachesConnectedOnFirstSample(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))

	// The equipment sits in CONNECTING until a sample arrives.
	waitForState(t, f.store, "pump-001", model.StateConnecting)
	sess := waitForSession(t, f.adp, 0)
	sess.samples <- adapter.RawSample{EquipmentID: "pump-001", SensorType: "temperature", Value: 20, Timestamp: time.Now()}

	waitForState(t, f.store, "pump-001", model.StateConnected)
	assert.Equal(t, 1, f.sink.count())
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateConnecting)

	// A second connect on supervised equipment must not open a new session.
	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.adp.openCount())
	assert.True(t, f.mgr.Supervising("pump-001"))
}

func TestSilenceDegradesAndSampleRestores(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateConnecting)
	sess := waitForSession(t, f.adp, 0)

	sess.samples <- adapter.RawSample{EquipmentID: "pump-001", SensorType: "temperature", Value: 20, Timestamp: time.Now()}
	waitForState(t, f.store, "pump-001", model.StateConnected)

	// Silence past missed_intervals * sample_interval degrades the equipment.
	waitForState(t, f.store, "pump-001", model.StateDegraded)

	// A new sample restores CONNECTED.
	sess.samples <- adapter.RawSample{EquipmentID: "pump-001", SensorType: "temperature", Value: 21, Timestamp: time.Now()}
	waitForState(t, f.store, "pump-001", model.StateConnected)
}

func TestRetryExhaustionDisconnectsAndAlerts(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	f.adp.mu.Lock()
	f.adp.results = []error{
		errors.WrapTransient(errors.ErrConnectionLost, "t", "t", "dial"),
		errors.WrapTransient(errors.ErrConnectionLost, "t", "t", "dial"),
		errors.WrapTransient(errors.ErrConnectionLost, "t", "t", "dial"),
	}
	f.adp.mu.Unlock()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateDisconnected)

	alerts, err := f.store.ListAlerts(ctx, store.AlertFilter{EquipmentID: "pump-001", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)

	// The unit is gone; supervision has to be restarted explicitly.
	deadline := time.Now().Add(time.Second)
	for f.mgr.Supervising("pump-001") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, f.mgr.Supervising("pump-001"))
}

func TestConfigurationErrorReturnsToRegistered(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	f.adp.mu.Lock()
	f.adp.results = []error{
		errors.WrapInvalid(errors.ErrInvalidConfig, "t", "t", "missing node_ids"),
	}
	f.adp.mu.Unlock()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateRegistered)
	assert.Equal(t, 1, f.adp.openCount())
}

func TestDegradedOpenLandsInDegraded(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	f.adp.mu.Lock()
	f.adp.results = []error{adapter.ErrNodeValidation}
	f.adp.mu.Unlock()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateConnecting)
	sess := waitForSession(t, f.adp, 0)

	sess.samples <- adapter.RawSample{EquipmentID: "pump-001", SensorType: "temperature", Value: 20, Timestamp: time.Now()}
	waitForState(t, f.store, "pump-001", model.StateDegraded)
}

func TestDisconnectCancelsUnit(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	ctx := context.Background()

	require.NoError(t, f.mgr.Connect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateConnecting)
	sess := waitForSession(t, f.adp, 0)
	sess.samples <- adapter.RawSample{EquipmentID: "pump-001", SensorType: "temperature", Value: 20, Timestamp: time.Now()}
	waitForState(t, f.store, "pump-001", model.StateConnected)

	require.NoError(t, f.mgr.Disconnect(ctx, "pump-001"))
	waitForState(t, f.store, "pump-001", model.StateDisconnected)
	assert.False(t, f.mgr.Supervising("pump-001"))
}

func TestStartResumesLiveEquipment(t *testing.T) {
	f := newFixture(t)
	registerEquipment(t, f.store, "pump-001")
	registerEquipment(t, f.store, "pump-002")
	ctx := context.Background()

	// pump-001 was connected before the restart; pump-002 never was.
	require.NoError(t, f.store.SetConnectionState(ctx, "pump-001", model.StateConnected))

	require.NoError(t, f.mgr.Start(ctx))
	waitForState(t, f.store, "pump-001", model.StateConnecting)
	assert.True(t, f.mgr.Supervising("pump-001"))
	assert.False(t, f.mgr.Supervising("pump-002"))

	eq, err := f.store.GetEquipment(ctx, "pump-002")
	require.NoError(t, err)
	assert.Equal(t, model.StateRegistered, eq.ConnectionState)
}
