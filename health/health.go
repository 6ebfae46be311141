// Package health tracks the health of FieldLink components and aggregates
// them into a single system status served by the API. The ingestion pipeline
// reports here when persistence degrades to alert-only mode (a dual fault is
// a system health degradation, not a crash).
package health

import (
	"sync"
	"time"
)

// Level is the coarse health of a component.
type Level string

const (
	Healthy   Level = "healthy"
	Degraded  Level = "degraded"
	Unhealthy Level = "unhealthy"
)

// Status is the health of one component at a point in time.
type Status struct {
	Component string    `json:"component"`
	Level     Level     `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy reports whether the status level is Healthy.
func (s Status) IsHealthy() bool { return s.Level == Healthy }

// Monitor tracks health of multiple components in a thread-safe manner.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, level Level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[name] = Status{
		Component: name,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) { m.Update(name, Healthy, message) }

// UpdateDegraded marks a component degraded.
func (m *Monitor) UpdateDegraded(name, message string) { m.Update(name, Degraded, message) }

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, Unhealthy, message) }

// Get retrieves the health status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[name]
	return s, ok
}

// All returns a copy of all current component statuses.
func (m *Monitor) All() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Remove drops a component from monitoring, used on equipment de-registration.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Aggregate reduces all component statuses to one system status: unhealthy
// if any component is unhealthy, degraded if any is degraded, else healthy.
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := Status{Component: system, Level: Healthy, Timestamp: time.Now()}
	for _, s := range m.statuses {
		switch s.Level {
		case Unhealthy:
			agg.Level = Unhealthy
			agg.Message = s.Component + ": " + s.Message
			return agg
		case Degraded:
			agg.Level = Degraded
			agg.Message = s.Component + ": " + s.Message
		}
	}
	return agg
}
