package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("pipeline", "running")

	s, ok := m.Get("pipeline")
	require.True(t, ok)
	assert.Equal(t, Healthy, s.Level)
	assert.True(t, s.IsHealthy())
	assert.False(t, s.Timestamp.IsZero())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestAggregatePrecedence(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("pipeline", "")
	m.UpdateHealthy("connmgr", "")
	assert.Equal(t, Healthy, m.Aggregate("fieldlink").Level)

	m.UpdateDegraded("store", "persistence errors, alert-only mode")
	agg := m.Aggregate("fieldlink")
	assert.Equal(t, Degraded, agg.Level)
	assert.Contains(t, agg.Message, "store")

	m.UpdateUnhealthy("bus", "connection lost")
	assert.Equal(t, Unhealthy, m.Aggregate("fieldlink").Level)
}

func TestRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("equipment:pump-001", "retries exhausted")
	m.Remove("equipment:pump-001")

	_, ok := m.Get("equipment:pump-001")
	assert.False(t, ok)
	assert.Equal(t, Healthy, m.Aggregate("fieldlink").Level)
}

func TestAllReturnsCopy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")

	all := m.All()
	all["b"] = Status{Component: "b"}

	_, ok := m.Get("b")
	assert.False(t, ok)
}
