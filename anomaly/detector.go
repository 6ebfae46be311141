// Package anomaly evaluates accepted readings against per-sensor threshold
// and statistical rules, raising, escalating, and resolving alerts.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

const (
	ruleThreshold   = "threshold"
	ruleStatistical = "statistical"
)

// Detector keeps a count-bounded rolling window per sensor and applies two
// trigger rules in order, threshold first, then statistical. The windows are
// exclusively owned here; they are rebuilt empty on restart and warm up as
// readings arrive.
type Detector struct {
	store    store.Store
	eventBus bus.Bus
	cfg      config.AnomalyConfig
	metrics  *metric.CoreMetrics
	logger   *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a detector. The windows map is keyed by sensor ID.
func New(st store.Store, eventBus bus.Bus, cfg config.AnomalyConfig,
	registry *metric.Registry, logger *slog.Logger) *Detector {
	return &Detector{
		store:    st,
		eventBus: eventBus,
		cfg:      cfg,
		metrics:  registry.Core,
		logger:   logger.With("component", "anomaly"),
		windows:  make(map[string]*window),
	}
}

// window is a fixed-capacity ring with running sum and sum of squares.
type window struct {
	values []float64
	head   int
	count  int
	sum    float64
	sumSq  float64

	// inRange counts consecutive readings that triggered nothing, for the
	// resolve-after-M rule.
	inRange int
}

func (w *window) push(v float64) {
	if w.count == len(w.values) {
		old := w.values[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.values[w.head] = v
	w.head = (w.head + 1) % len(w.values)
	w.sum += v
	w.sumSq += v * v
}

func (w *window) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *window) stddev() float64 {
	if w.count == 0 {
		return 0
	}
	m := w.mean()
	v := w.sumSq/float64(w.count) - m*m
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// trigger is the outcome of rule evaluation for one reading.
type trigger struct {
	severity model.Severity
	rule     string
	message  string
}

// Observe implements the ingestion pipeline's detector hook. It must see
// readings for a given sensor in timestamp order; BAD readings never arrive
// here.
func (d *Detector) Observe(ctx context.Context, r model.Reading, sensor *model.Sensor) {
	d.mu.Lock()
	w, ok := d.windows[sensor.SensorID]
	if !ok {
		w = &window{values: make([]float64, d.cfg.WindowSize)}
		d.windows[sensor.SensorID] = w
	}

	trg := d.evaluate(r.Value, sensor, w)
	w.push(r.Value)

	var resolve bool
	if trg == nil {
		w.inRange++
		if w.inRange >= d.cfg.ResolveAfter {
			resolve = true
			w.inRange = 0
		}
	} else {
		w.inRange = 0
	}
	d.mu.Unlock()

	switch {
	case trg != nil:
		d.raiseOrEscalate(ctx, r, sensor, trg)
	case resolve:
		d.resolveActive(ctx, r, sensor)
	}
}

// evaluate applies the threshold rule, then the statistical rule against the
// window as it stood before this reading. First match wins.
func (d *Detector) evaluate(value float64, sensor *model.Sensor, w *window) *trigger {
	if t := d.thresholdRule(value, sensor); t != nil {
		return t
	}
	return d.statisticalRule(value, sensor, w)
}

func (d *Detector) thresholdRule(value float64, sensor *model.Sensor) *trigger {
	if sensor.WarningThreshold == nil || sensor.CriticalThreshold == nil {
		return nil
	}
	warn, crit := *sensor.WarningThreshold, *sensor.CriticalThreshold

	if sensor.AlertsOnLow() {
		switch {
		case value <= crit:
			return &trigger{model.SeverityCritical, ruleThreshold,
				fmt.Sprintf("%s %.4g at or below critical threshold %.4g", sensor.Type, value, crit)}
		case value <= warn:
			return &trigger{model.SeverityWarning, ruleThreshold,
				fmt.Sprintf("%s %.4g at or below warning threshold %.4g", sensor.Type, value, warn)}
		}
		return nil
	}
	switch {
	case value >= crit:
		return &trigger{model.SeverityCritical, ruleThreshold,
			fmt.Sprintf("%s %.4g at or above critical threshold %.4g", sensor.Type, value, crit)}
	case value >= warn:
		return &trigger{model.SeverityWarning, ruleThreshold,
			fmt.Sprintf("%s %.4g at or above warning threshold %.4g", sensor.Type, value, warn)}
	}
	return nil
}

func (d *Detector) statisticalRule(value float64, sensor *model.Sensor, w *window) *trigger {
	if w.count < d.cfg.MinSamples {
		return nil
	}
	sd := w.stddev()
	if sd == 0 {
		return nil
	}
	mean := w.mean()
	dev := math.Abs(value - mean)
	k := d.cfg.SigmaMultiplier

	switch {
	case dev > 2*k*sd:
		return &trigger{model.SeverityCritical, ruleStatistical,
			fmt.Sprintf("%s %.4g deviates %.1f sigma from rolling mean %.4g", sensor.Type, value, dev/sd, mean)}
	case dev > k*sd:
		return &trigger{model.SeverityWarning, ruleStatistical,
			fmt.Sprintf("%s %.4g deviates %.1f sigma from rolling mean %.4g", sensor.Type, value, dev/sd, mean)}
	}
	return nil
}

// raiseOrEscalate applies the suppression rule: an unacknowledged active
// alert of equal-or-higher severity absorbs the trigger, a lower one is
// escalated in place, otherwise a new alert is raised.
func (d *Detector) raiseOrEscalate(ctx context.Context, r model.Reading,
	sensor *model.Sensor, trg *trigger) {

	active, err := d.store.ActiveAlertForSensor(ctx, sensor.SensorID)
	switch {
	case err == nil:
		if active.Severity.Rank() >= trg.severity.Rank() {
			return
		}
		if err := d.store.EscalateAlert(ctx, active.AlertID, trg.severity, trg.message); err != nil {
			d.logger.Error("escalation failed", "alert_id", active.AlertID, "error", err)
			d.metrics.StoreErrors.WithLabelValues("escalate_alert").Inc()
			return
		}
		active.Severity = trg.severity
		active.Message = trg.message
		d.metrics.AlertsRaised.WithLabelValues(string(trg.severity), trg.rule).Inc()
		d.logger.Warn("alert escalated",
			"alert_id", active.AlertID, "sensor_id", sensor.SensorID,
			"severity", trg.severity, "rule", trg.rule)
		d.publishAlert(ctx, bus.AlertEvent{Alert: *active, Escalated: true})
		return

	case !errors.IsNotFound(err):
		d.logger.Error("active alert lookup failed", "sensor_id", sensor.SensorID, "error", err)
		d.metrics.StoreErrors.WithLabelValues("lookup_alert").Inc()
		return
	}

	alert := &model.Alert{
		AlertID:     uuid.NewString(),
		EquipmentID: sensor.EquipmentID,
		SensorID:    sensor.SensorID,
		Severity:    trg.severity,
		Title:       fmt.Sprintf("%s anomaly on %s", sensor.Type, sensor.EquipmentID),
		Message:     trg.message,
		RaisedAt:    r.Timestamp,
	}
	if err := d.store.InsertAlert(ctx, alert); err != nil {
		d.logger.Error("alert persistence failed", "sensor_id", sensor.SensorID, "error", err)
		d.metrics.StoreErrors.WithLabelValues("insert_alert").Inc()
		return
	}
	d.metrics.AlertsRaised.WithLabelValues(string(trg.severity), trg.rule).Inc()
	d.logger.Warn("alert raised",
		"alert_id", alert.AlertID, "sensor_id", sensor.SensorID,
		"severity", trg.severity, "rule", trg.rule, "value", r.Value)
	d.publishAlert(ctx, bus.AlertEvent{Alert: *alert})
}

// resolveActive records a resolution fact for the sensor's active alert, if
// any. The original alert stays in history.
func (d *Detector) resolveActive(ctx context.Context, r model.Reading, sensor *model.Sensor) {
	active, err := d.store.ActiveAlertForSensor(ctx, sensor.SensorID)
	if err != nil {
		if !errors.IsNotFound(err) {
			d.logger.Error("active alert lookup failed", "sensor_id", sensor.SensorID, "error", err)
			d.metrics.StoreErrors.WithLabelValues("lookup_alert").Inc()
		}
		return
	}

	resolution := &model.Alert{
		AlertID:     uuid.NewString(),
		EquipmentID: sensor.EquipmentID,
		SensorID:    sensor.SensorID,
		Severity:    model.SeverityInfo,
		Title:       fmt.Sprintf("%s back in range on %s", sensor.Type, sensor.EquipmentID),
		Message: fmt.Sprintf("%d consecutive readings in range, last value %.4g",
			d.cfg.ResolveAfter, r.Value),
		RaisedAt: r.Timestamp,
	}
	if err := d.store.ResolveAlert(ctx, active.AlertID, resolution); err != nil {
		d.logger.Error("resolution failed", "alert_id", active.AlertID, "error", err)
		d.metrics.StoreErrors.WithLabelValues("resolve_alert").Inc()
		return
	}
	resolution.ResolvesAlertID = active.AlertID
	d.metrics.AlertsResolved.Inc()
	d.logger.Info("alert resolved",
		"alert_id", active.AlertID, "sensor_id", sensor.SensorID)
	d.publishAlert(ctx, bus.AlertEvent{Alert: *resolution, Resolution: true})
}

func (d *Detector) publishAlert(ctx context.Context, ev bus.AlertEvent) {
	if err := d.eventBus.PublishAlert(ctx, ev); err != nil {
		d.logger.Warn("alert publish failed", "alert_id", ev.Alert.AlertID, "error", err)
	}
}

// Finding is one reading flagged by an on-demand scan.
type Finding struct {
	SensorID    string    `json:"sensor_id"`
	EquipmentID string    `json:"equipment_id"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	// Sigma is the deviation of Value from Mean in standard deviations.
	Sigma float64 `json:"sigma"`
}

// Scan runs a one-shot statistical pass over stored readings matching spec,
// flagging values more than multiplier standard deviations from the per-sensor
// mean. A zero multiplier falls back to the configured one. BAD readings are
// excluded. No alerts are raised; the findings go back to the caller.
func (d *Detector) Scan(ctx context.Context, spec model.QuerySpec, multiplier float64) ([]Finding, error) {
	if multiplier <= 0 {
		multiplier = d.cfg.SigmaMultiplier
	}
	spec.Aggregation = model.AggRaw

	readings, err := d.store.QueryReadings(ctx, spec)
	if err != nil {
		return nil, errors.Wrap(err, "AnomalyDetector", "Scan", "query readings")
	}

	bySensor := make(map[string][]model.Reading)
	for _, r := range readings {
		if r.Quality == model.QualityBad {
			continue
		}
		bySensor[r.SensorID] = append(bySensor[r.SensorID], r)
	}

	var findings []Finding
	for _, series := range bySensor {
		if len(series) < d.cfg.MinSamples {
			continue
		}
		var sum, sumSq float64
		for _, r := range series {
			sum += r.Value
			sumSq += r.Value * r.Value
		}
		n := float64(len(series))
		mean := sum / n
		variance := sumSq/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		sd := math.Sqrt(variance)
		if sd == 0 {
			continue
		}
		for _, r := range series {
			dev := math.Abs(r.Value - mean)
			if dev > multiplier*sd {
				findings = append(findings, Finding{
					SensorID:    r.SensorID,
					EquipmentID: r.EquipmentID,
					Timestamp:   r.Timestamp,
					Value:       r.Value,
					Mean:        mean,
					StdDev:      sd,
					Sigma:       dev / sd,
				})
			}
		}
	}
	return findings, nil
}
