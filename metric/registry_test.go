package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldlink/errors"
)

func TestNewRegistryCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Core)

	// Core metrics must be usable immediately.
	r.Core.ReadingsIngested.WithLabelValues("MQTT", "GOOD").Inc()
	r.Core.ConnectionTransitions.WithLabelValues("CONNECTED", "DEGRADED").Inc()
	r.Core.EquipmentConnected.Set(3)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Name: "test_counter_total", Help: "test",
	})
	require.NoError(t, r.RegisterCounter("pipeline", "test_counter", c))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace, Name: "other_counter_total", Help: "test",
	})
	err := r.RegisterCounter("pipeline", "test_counter", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "test_gauge", Help: "test",
	})
	require.NoError(t, r.RegisterGauge("connmgr", "test_gauge", g))

	assert.True(t, r.Unregister("connmgr", "test_gauge"))
	assert.False(t, r.Unregister("connmgr", "test_gauge"))

	// Re-registration after unregister succeeds.
	require.NoError(t, r.RegisterGauge("connmgr", "test_gauge", g))
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.Core.AlertsResolved.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fieldlink_anomaly_alerts_resolved_total")
}
