// Package connmgr supervises equipment connections. One supervision unit
// runs per equipment so a stuck protocol session cannot block others; units
// share nothing except the store and the event bus.
//
// State machine per equipment:
//
//	REGISTERED → CONNECTING → CONNECTED ⇄ DEGRADED → DISCONNECTED
//
// DISCONNECTED is reachable from any state on de-registration, and from
// CONNECTING when the retry budget is exhausted.
package connmgr

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/health"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/pkg/retry"
	"github.com/c360/fieldlink/store"
)

// Sink receives normalized raw samples from supervised sessions. The
// ingestion pipeline implements it.
type Sink interface {
	Accept(ctx context.Context, sample adapter.RawSample) error
}

// Manager owns all supervision units.
type Manager struct {
	store    store.Store
	adapters *adapter.Registry
	eventBus bus.Bus
	sink     Sink
	cfg      config.ConnectionConfig
	metrics  *metric.CoreMetrics
	monitor  *health.Monitor
	logger   *slog.Logger

	mu     sync.Mutex
	units  map[string]*unit
	closed bool
	wg     sync.WaitGroup
}

type unit struct {
	equipmentID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a connection manager.
func New(st store.Store, adapters *adapter.Registry, eventBus bus.Bus, sink Sink,
	cfg config.ConnectionConfig, metrics *metric.CoreMetrics, monitor *health.Monitor,
	logger *slog.Logger) *Manager {
	return &Manager{
		store:    st,
		adapters: adapters,
		eventBus: eventBus,
		sink:     sink,
		cfg:      cfg,
		metrics:  metrics,
		monitor:  monitor,
		logger:   logger.With("component", "connmgr"),
		units:    make(map[string]*unit),
	}
}

// Start rebuilds supervision units for equipment that was live before the
// last shutdown. Sessions are transient; only Equipment records survive a
// restart.
func (m *Manager) Start(ctx context.Context) error {
	active := true
	list, err := m.store.ListEquipment(ctx, store.EquipmentFilter{Active: &active})
	if err != nil {
		return errors.Wrap(err, "ConnectionManager", "Start", "list equipment")
	}

	for _, eq := range list {
		if !eq.ConnectionState.Live() {
			continue
		}
		if err := m.Connect(ctx, eq.EquipmentID); err != nil {
			m.logger.Error("failed to resume supervision",
				"equipment_id", eq.EquipmentID, "error", err)
		}
	}
	m.monitor.UpdateHealthy("connmgr", "supervision running")
	return nil
}

// Connect starts supervision for the equipment. Connecting already-supervised
// equipment is a no-op: one session per equipment, never two.
func (m *Manager) Connect(ctx context.Context, equipmentID string) error {
	eq, err := m.store.GetEquipment(ctx, equipmentID)
	if err != nil {
		return err
	}
	if eq.Deleted {
		return errors.ErrEquipmentNotFound
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.WrapFatal(errors.ErrConnectionLost, "ConnectionManager", "Connect",
			"manager is shut down")
	}
	if _, exists := m.units[equipmentID]; exists {
		m.mu.Unlock()
		return nil
	}

	unitCtx, cancel := context.WithCancel(context.Background())
	u := &unit{equipmentID: equipmentID, cancel: cancel, done: make(chan struct{})}
	m.units[equipmentID] = u
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(u.done)
		defer m.removeUnit(equipmentID)
		m.supervise(unitCtx, eq)
	}()
	return nil
}

// Disconnect stops supervision and marks the equipment DISCONNECTED. Used
// for explicit disconnects and de-registration.
func (m *Manager) Disconnect(ctx context.Context, equipmentID string) error {
	m.mu.Lock()
	u, exists := m.units[equipmentID]
	m.mu.Unlock()

	if exists {
		u.cancel()
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	eq, err := m.store.GetEquipment(ctx, equipmentID)
	if err != nil {
		return err
	}
	if eq.ConnectionState != model.StateDisconnected {
		m.transition(ctx, eq, model.StateDisconnected, "explicit disconnect")
	}
	return nil
}

// Supervising reports whether a unit is running for the equipment.
func (m *Manager) Supervising(equipmentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.units[equipmentID]
	return ok
}

// Stop cancels every unit and waits for them to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, u := range m.units {
		u.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) removeUnit(equipmentID string) {
	m.mu.Lock()
	delete(m.units, equipmentID)
	m.mu.Unlock()
}

// sampleInterval is the expected cadence for the equipment: the fastest
// declared sensor sampling rate, or the configured default.
func (m *Manager) sampleInterval(ctx context.Context, equipmentID string) time.Duration {
	interval := m.cfg.DefaultSampleInterval
	sensors, err := m.store.ListSensors(ctx, equipmentID)
	if err != nil {
		return interval
	}
	for _, sn := range sensors {
		if sn.SamplingRate <= 0 {
			continue
		}
		d := time.Duration(sn.SamplingRate) * time.Millisecond
		if d < interval {
			interval = d
		}
	}
	return interval
}

// supervise runs the connect-read-retry loop until the unit is cancelled or
// the retry budget is exhausted.
func (m *Manager) supervise(ctx context.Context, eq *model.Equipment) {
	logger := m.logger.With("equipment_id", eq.EquipmentID, "protocol", eq.Protocol)

	adp, err := m.adapters.Get(eq.Protocol)
	if err != nil {
		logger.Error("unsupported protocol", "error", err)
		return
	}

	backoff := retry.NewBackoff(retry.Config{
		MaxAttempts:  m.cfg.MaxRetries,
		InitialDelay: m.cfg.InitialBackoff,
		MaxDelay:     m.cfg.MaxBackoff,
		AddJitter:    true,
	})

	for {
		if ctx.Err() != nil {
			return
		}
		m.transition(ctx, eq, model.StateConnecting, "connection attempt")

		session, degradedOpen, err := m.open(ctx, adp, eq)
		if err != nil {
			if !errors.IsTransient(err) {
				// Configuration problems don't improve by retrying. The
				// equipment returns to REGISTERED for the operator to fix.
				logger.Error("open failed with non-retryable error", "error", err)
				m.transition(ctx, eq, model.StateRegistered, "configuration error: "+err.Error())
				return
			}
			logger.Warn("open failed", "error", err, "attempt", backoff.Attempt()+1)
			if m.retryOrGiveUp(ctx, eq, backoff, logger) {
				return
			}
			continue
		}

		firstState := model.StateConnected
		reason := "first sample received"
		if degradedOpen {
			firstState = model.StateDegraded
			reason = "open succeeded with node validation failures"
		}

		ok := m.waitFirstSample(ctx, eq, session, firstState, reason, logger)
		if !ok {
			session.Close()
			if ctx.Err() != nil {
				return
			}
			if m.retryOrGiveUp(ctx, eq, backoff, logger) {
				return
			}
			continue
		}
		backoff.Reset()

		lost := m.readLoop(ctx, eq, session, logger)
		session.Close()
		if !lost {
			return // cancelled
		}
		if m.retryOrGiveUp(ctx, eq, backoff, logger) {
			return
		}
	}
}

func (m *Manager) open(ctx context.Context, adp adapter.Adapter, eq *model.Equipment) (adapter.Session, bool, error) {
	openCtx := ctx
	if m.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, m.cfg.OpenTimeout)
		defer cancel()
	}
	session, err := adp.Open(openCtx, eq)
	if stderrors.Is(err, adapter.ErrNodeValidation) {
		return session, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

// waitFirstSample holds the equipment in CONNECTING until the first sample
// arrives. No sample within the grace period means the open did not really
// succeed.
func (m *Manager) waitFirstSample(ctx context.Context, eq *model.Equipment, session adapter.Session,
	state model.ConnectionState, reason string, logger *slog.Logger) bool {
	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-grace.C:
		logger.Warn("no sample within grace period")
		return false
	case sample, ok := <-session.Samples():
		if !ok {
			logger.Warn("session ended before first sample", "error", session.Err())
			return false
		}
		m.transition(ctx, eq, state, reason)
		m.forward(ctx, sample, logger)
		return true
	}
}

// readLoop forwards samples until the session dies (returns true) or the
// unit is cancelled (returns false). Silence beyond the missed-interval
// threshold degrades the equipment without tearing down the transport.
func (m *Manager) readLoop(ctx context.Context, eq *model.Equipment, session adapter.Session, logger *slog.Logger) bool {
	interval := m.sampleInterval(ctx, eq.EquipmentID)
	idleAfter := time.Duration(m.cfg.MissedIntervals) * interval
	idle := time.NewTimer(idleAfter)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case <-idle.C:
			if eq.ConnectionState == model.StateConnected {
				m.transition(ctx, eq, model.StateDegraded,
					fmt.Sprintf("no sample for %s", idleAfter))
			}
			idle.Reset(idleAfter)

		case sample, ok := <-session.Samples():
			if !ok {
				logger.Warn("session lost", "error", session.Err())
				return true
			}
			if eq.ConnectionState != model.StateConnected {
				m.transition(ctx, eq, model.StateConnected, "sample received")
			}
			m.forward(ctx, sample, logger)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleAfter)
		}
	}
}

func (m *Manager) forward(ctx context.Context, sample adapter.RawSample, logger *slog.Logger) {
	if err := m.sink.Accept(ctx, sample); err != nil {
		// Queue pressure is the pipeline's problem to report; the supervisor
		// only logs the drop.
		logger.Warn("sample not accepted", "sensor_type", sample.SensorType, "error", err)
	}
}

// retryOrGiveUp sleeps out the backoff. It returns true when the retry
// budget is exhausted, after marking the equipment DISCONNECTED and raising
// a critical alert for the operator.
func (m *Manager) retryOrGiveUp(ctx context.Context, eq *model.Equipment, backoff *retry.Backoff, logger *slog.Logger) bool {
	if backoff.Exhausted() {
		logger.Error("retry budget exhausted", "attempts", backoff.Attempt())
		m.transition(ctx, eq, model.StateDisconnected, "retry budget exhausted")
		m.raiseConnectionAlert(ctx, eq)
		return true
	}
	if err := backoff.Sleep(ctx); err != nil {
		return true
	}
	return false
}

// raiseConnectionAlert records the operator-facing alert when equipment is
// given up on.
func (m *Manager) raiseConnectionAlert(ctx context.Context, eq *model.Equipment) {
	now := time.Now()
	alert := &model.Alert{
		AlertID:     uuid.NewString(),
		EquipmentID: eq.EquipmentID,
		Severity:    model.SeverityCritical,
		Title:       fmt.Sprintf("equipment %s disconnected", eq.EquipmentID),
		Message: fmt.Sprintf("connection retries exhausted after %d attempts; operator intervention required",
			m.cfg.MaxRetries),
		RaisedAt: now,
	}
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		m.logger.Error("failed to persist disconnect alert",
			"equipment_id", eq.EquipmentID, "error", err)
		return
	}
	m.metrics.AlertsRaised.WithLabelValues(string(model.SeverityCritical), "connection").Inc()
	if err := m.eventBus.PublishAlert(ctx, bus.AlertEvent{Alert: *alert}); err != nil {
		m.logger.Warn("failed to publish disconnect alert", "error", err)
	}
}

// transition applies a state change: store update, metrics, health event.
// Illegal transitions are logged and skipped, never forced.
func (m *Manager) transition(ctx context.Context, eq *model.Equipment, to model.ConnectionState, reason string) {
	from := eq.ConnectionState
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		m.logger.Error("illegal state transition",
			"equipment_id", eq.EquipmentID, "from", from, "to", to)
		return
	}

	if err := m.store.SetConnectionState(ctx, eq.EquipmentID, to); err != nil {
		m.logger.Error("failed to persist state transition",
			"equipment_id", eq.EquipmentID, "from", from, "to", to, "error", err)
	}
	eq.ConnectionState = to

	m.metrics.ConnectionTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to == model.StateConnected {
		m.metrics.EquipmentConnected.Inc()
	} else if from == model.StateConnected {
		m.metrics.EquipmentConnected.Dec()
	}

	m.logger.Info("connection state changed",
		"equipment_id", eq.EquipmentID, "from", from, "to", to, "reason", reason)

	if err := m.eventBus.PublishHealth(ctx, bus.HealthEvent{
		EquipmentID: eq.EquipmentID,
		From:        from,
		To:          to,
		Reason:      reason,
		At:          time.Now(),
	}); err != nil {
		m.logger.Warn("failed to publish health event", "error", err)
	}
}
