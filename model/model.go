// Package model defines the canonical domain types shared across FieldLink:
// equipment, sensors, readings, alerts, and export jobs. All components exchange
// these types; protocol-specific payloads never cross a package boundary.
package model

import (
	"fmt"
	"time"
)

// Protocol identifies the wire protocol an equipment speaks.
type Protocol string

const (
	ProtocolOPCUA Protocol = "OPC_UA"
	ProtocolMQTT  Protocol = "MQTT"
	ProtocolREST  Protocol = "REST"
)

// Valid reports whether the protocol is one of the supported set.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOPCUA, ProtocolMQTT, ProtocolREST:
		return true
	}
	return false
}

// ConnectionState is the lifecycle state of an equipment connection.
type ConnectionState string

const (
	StateRegistered   ConnectionState = "REGISTERED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateDegraded     ConnectionState = "DEGRADED"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// connectionTransitions enumerates the legal state machine edges.
// CONNECTING may fall back to REGISTERED on a configuration error and land
// in DEGRADED on a partially validated open. DISCONNECTED is additionally
// reachable from any state on explicit de-registration; that edge is
// handled by ConnectionState.CanTransition.
var connectionTransitions = map[ConnectionState][]ConnectionState{
	StateRegistered:   {StateConnecting},
	StateConnecting:   {StateConnected, StateDegraded, StateConnecting, StateRegistered, StateDisconnected},
	StateConnected:    {StateDegraded, StateConnecting, StateDisconnected},
	StateDegraded:     {StateConnected, StateConnecting, StateDisconnected},
	StateDisconnected: {StateConnecting},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if next == StateDisconnected {
		// De-registration and retry exhaustion may disconnect from anywhere.
		return true
	}
	for _, t := range connectionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Live reports whether a connection session may exist in this state.
func (s ConnectionState) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateDegraded
}

// Quality classifies a reading for downstream consumers. BAD readings are
// stored for audit but excluded from aggregation and anomaly input.
type Quality string

const (
	QualityGood    Quality = "GOOD"
	QualitySuspect Quality = "SUSPECT"
	QualityBad     Quality = "BAD"
)

// Severity ranks an alert. INFO is reserved for resolution facts; the
// detector only raises WARNING and CRITICAL.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns an ordinal for severity comparison (higher is more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Equipment is a registered industrial asset and its connection details.
type Equipment struct {
	EquipmentID  string `json:"equipment_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Location     string `json:"location,omitempty"`
	Description  string `json:"description,omitempty"`

	Protocol         Protocol          `json:"protocol"`
	Endpoint         string            `json:"endpoint"`
	ConnectionConfig map[string]any    `json:"connection_config,omitempty"`
	ConnectionState  ConnectionState   `json:"connection_state"`

	Active        bool       `json:"is_active"`
	Deleted       bool       `json:"-"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks registration input. Connection config contents are
// validated per-protocol by the owning adapter at open time.
func (e *Equipment) Validate() error {
	if e.EquipmentID == "" {
		return fmt.Errorf("equipment_id is required")
	}
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !e.Protocol.Valid() {
		return fmt.Errorf("unsupported protocol %q", e.Protocol)
	}
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

// Sensor is one measurement channel owned by exactly one equipment.
type Sensor struct {
	SensorID    string `json:"sensor_id"`
	EquipmentID string `json:"equipment_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Unit        string `json:"unit,omitempty"`

	MinValue          *float64 `json:"min_value,omitempty"`
	MaxValue          *float64 `json:"max_value,omitempty"`
	WarningThreshold  *float64 `json:"warning_threshold,omitempty"`
	CriticalThreshold *float64 `json:"critical_threshold,omitempty"`

	// SamplingRate is the expected interval between readings, in milliseconds.
	SamplingRate int  `json:"sampling_rate"`
	Active       bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertsOnLow reports the threshold polarity: true when the sensor alerts on
// falling values (critical below warning).
func (s *Sensor) AlertsOnLow() bool {
	if s.WarningThreshold == nil || s.CriticalThreshold == nil {
		return false
	}
	return *s.CriticalThreshold < *s.WarningThreshold
}

// Validate checks sensor registration input, including the threshold
// polarity invariant: critical must sit strictly on the alerting side
// of warning.
func (s *Sensor) Validate() error {
	if s.SensorID == "" {
		return fmt.Errorf("sensor_id is required")
	}
	if s.EquipmentID == "" {
		return fmt.Errorf("equipment_id is required")
	}
	if s.Type == "" {
		return fmt.Errorf("type is required")
	}
	if s.WarningThreshold != nil && s.CriticalThreshold != nil &&
		*s.WarningThreshold == *s.CriticalThreshold {
		return fmt.Errorf("warning_threshold and critical_threshold must differ")
	}
	if (s.WarningThreshold == nil) != (s.CriticalThreshold == nil) {
		return fmt.Errorf("warning_threshold and critical_threshold must be set together")
	}
	return nil
}

// Reading is one immutable normalized fact produced by the ingestion pipeline.
type Reading struct {
	SensorID       string    `json:"sensor_id"`
	EquipmentID    string    `json:"equipment_id"`
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	Quality        Quality   `json:"quality"`
	SourceProtocol Protocol  `json:"source_protocol,omitempty"`
}

// Alert is a raised anomaly incident. It is mutated only by acknowledgement
// (one-way) and by in-place severity escalation; a return to normal readings
// is recorded as a separate resolution fact referencing the alert.
type Alert struct {
	AlertID     string   `json:"alert_id"`
	EquipmentID string   `json:"equipment_id"`
	SensorID    string   `json:"sensor_id"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`

	Acknowledged   bool       `json:"is_acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	// ResolvesAlertID marks this record as a resolution fact for another alert.
	ResolvesAlertID string     `json:"resolves_alert_id,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`

	RaisedAt  time.Time `json:"triggered_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportJobStatus tracks the asynchronous export lifecycle.
type ExportJobStatus string

const (
	JobPending   ExportJobStatus = "PENDING"
	JobRunning   ExportJobStatus = "RUNNING"
	JobDone      ExportJobStatus = "DONE"
	JobFailed    ExportJobStatus = "FAILED"
	JobCancelled ExportJobStatus = "CANCELLED"
)

// Aggregation selects how queried readings are reduced.
type Aggregation string

const (
	AggRaw Aggregation = "raw"
	AggAvg Aggregation = "avg"
	AggMin Aggregation = "min"
	AggMax Aggregation = "max"
)

// Valid reports whether the aggregation mode is supported.
func (a Aggregation) Valid() bool {
	switch a {
	case AggRaw, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// QuerySpec is the shared filter shape for queries and exports.
type QuerySpec struct {
	EquipmentIDs []string    `json:"equipment_ids,omitempty"`
	SensorTypes  []string    `json:"sensor_types,omitempty"`
	Start        time.Time   `json:"start_time"`
	End          time.Time   `json:"end_time"`
	Aggregation  Aggregation `json:"aggregation,omitempty"`
	// Interval is the bucket width for aggregated queries.
	Interval time.Duration `json:"interval,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	Offset   int           `json:"offset,omitempty"`
}

// Validate normalizes defaults and rejects inconsistent specs.
func (q *QuerySpec) Validate() error {
	if q.Aggregation == "" {
		q.Aggregation = AggRaw
	}
	if !q.Aggregation.Valid() {
		return fmt.Errorf("unsupported aggregation %q", q.Aggregation)
	}
	if !q.End.IsZero() && !q.Start.IsZero() && q.End.Before(q.Start) {
		return fmt.Errorf("end_time precedes start_time")
	}
	if q.Aggregation != AggRaw && q.Interval <= 0 {
		q.Interval = time.Hour
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("limit and offset must be non-negative")
	}
	return nil
}

// AggregatePoint is one bucketed result of an aggregated query.
type AggregatePoint struct {
	SensorID    string    `json:"sensor_id"`
	BucketStart time.Time `json:"bucket_start"`
	Value       float64   `json:"value"`
	Count       int64     `json:"count"`
}

// ExportJob is an asynchronous unit of work producing a downloadable result.
type ExportJob struct {
	JobID  string          `json:"job_id"`
	Spec   QuerySpec       `json:"query_spec"`
	Format string          `json:"format"`
	Status ExportJobStatus `json:"status"`

	IncludeMetadata  bool   `json:"include_metadata"`
	ResultLocation   string `json:"result_location,omitempty"`
	RecordsProcessed int64  `json:"records_processed"`
	ErrorMessage     string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SensorStats summarizes stored readings for one sensor over a window.
type SensorStats struct {
	SensorID string  `json:"sensor_id"`
	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	StdDev   float64 `json:"std_dev"`
}
