// Package metric manages Prometheus metric registration for FieldLink
// components. A single Registry owns the platform-level metrics and hands
// out namespaced registration for component-specific collectors.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/fieldlink/errors"
)

// Namespace prefixes every metric exported by the platform.
const Namespace = "fieldlink"

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prom       *prometheus.Registry
	Core       *CoreMetrics
	registered map[string]prometheus.Collector
	mu         sync.RWMutex
}

// NewRegistry creates a metrics registry with core platform metrics and the
// Go runtime collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}

	r.Core = newCoreMetrics()
	r.prom.MustRegister(
		r.Core.ReadingsIngested,
		r.Core.ReadingsRejected,
		r.Core.AlertsRaised,
		r.Core.AlertsResolved,
		r.Core.ConnectionTransitions,
		r.Core.EquipmentConnected,
		r.Core.RateLimitRejections,
		r.Core.ExportJobs,
		r.Core.IngestLatency,
		r.Core.StoreErrors,
		r.Core.BusConnected,
		r.Core.BusReconnects,
	)

	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// register adds a collector under component.name, rejecting duplicates.
func (r *Registry) register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", "register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "register", "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.register(component, name, c)
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.register(component, name, g)
}

// RegisterHistogram registers a histogram metric for a component.
func (r *Registry) RegisterHistogram(component, name string, h prometheus.Histogram) error {
	return r.register(component, name, h)
}

// RegisterCounterVec registers a counter vector metric for a component.
func (r *Registry) RegisterCounterVec(component, name string, cv *prometheus.CounterVec) error {
	return r.register(component, name, cv)
}

// RegisterGaugeVec registers a gauge vector metric for a component.
func (r *Registry) RegisterGaugeVec(component, name string, gv *prometheus.GaugeVec) error {
	return r.register(component, name, gv)
}

// RegisterHistogramVec registers a histogram vector metric for a component.
func (r *Registry) RegisterHistogramVec(component, name string, hv *prometheus.HistogramVec) error {
	return r.register(component, name, hv)
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	ok := r.prom.Unregister(c)
	if ok {
		delete(r.registered, key)
	}
	return ok
}

// CoreMetrics contains platform-level metrics shared by all components.
type CoreMetrics struct {
	ReadingsIngested      *prometheus.CounterVec
	ReadingsRejected      *prometheus.CounterVec
	AlertsRaised          *prometheus.CounterVec
	AlertsResolved        prometheus.Counter
	ConnectionTransitions *prometheus.CounterVec
	EquipmentConnected    prometheus.Gauge
	RateLimitRejections   *prometheus.CounterVec
	ExportJobs            *prometheus.CounterVec
	IngestLatency         prometheus.Histogram
	StoreErrors           *prometheus.CounterVec
	BusConnected          prometheus.Gauge
	BusReconnects         prometheus.Counter
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "readings_total",
			Help:      "Total readings accepted by the ingestion pipeline",
		}, []string{"protocol", "quality"}),

		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Total readings rejected at the ingestion boundary",
		}, []string{"reason"}),

		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "anomaly",
			Name:      "alerts_raised_total",
			Help:      "Total alerts raised by the anomaly detector",
		}, []string{"severity", "rule"}),

		AlertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "anomaly",
			Name:      "alerts_resolved_total",
			Help:      "Total resolution facts emitted",
		}),

		ConnectionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connmgr",
			Name:      "transitions_total",
			Help:      "Total equipment connection state transitions",
		}, []string{"from", "to"}),

		EquipmentConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connmgr",
			Name:      "equipment_connected",
			Help:      "Number of equipment currently in CONNECTED state",
		}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Total requests rejected by rate limiting",
		}, []string{"scope"}),

		ExportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "export",
			Name:      "jobs_total",
			Help:      "Export jobs by terminal status",
		}, []string{"status"}),

		IngestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "latency_seconds",
			Help:      "End-to-end processing time per reading",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total persistence errors by operation",
		}, []string{"operation"}),

		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Event bus connection status (0 or 1)",
		}),

		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total event bus reconnections",
		}),
	}
}
