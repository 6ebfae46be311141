// Package store defines the repository interfaces through which every
// component accesses persistent state. The interfaces are the only shared
// mutable surface between components; implementations provide per-entity
// row-level consistency but no cross-entity transactions.
package store

import (
	"context"
	"time"

	"github.com/c360/fieldlink/model"
)

// EquipmentFilter narrows equipment listings.
type EquipmentFilter struct {
	Protocol *model.Protocol
	Active   *bool
	State    *model.ConnectionState
	Limit    int
	Offset   int
}

// AlertFilter narrows alert listings. ActiveOnly excludes acknowledged and
// resolved alerts as well as resolution facts.
type AlertFilter struct {
	EquipmentID string
	SensorID    string
	Severity    *model.Severity
	ActiveOnly  bool
	Limit       int
	Offset      int
}

// EquipmentRepo persists registered equipment.
type EquipmentRepo interface {
	CreateEquipment(ctx context.Context, e *model.Equipment) error
	GetEquipment(ctx context.Context, equipmentID string) (*model.Equipment, error)
	ListEquipment(ctx context.Context, f EquipmentFilter) ([]*model.Equipment, error)
	UpdateEquipment(ctx context.Context, e *model.Equipment) error
	SetConnectionState(ctx context.Context, equipmentID string, state model.ConnectionState) error
	TouchHeartbeat(ctx context.Context, equipmentID string, at time.Time) error
	// SoftDeleteEquipment marks the equipment deleted, preserving historical
	// readings' foreign reference, and cascades a terminal state to its sensors.
	SoftDeleteEquipment(ctx context.Context, equipmentID string) error
}

// SensorRepo persists sensor configuration.
type SensorRepo interface {
	CreateSensor(ctx context.Context, s *model.Sensor) error
	GetSensor(ctx context.Context, sensorID string) (*model.Sensor, error)
	ListSensors(ctx context.Context, equipmentID string) ([]*model.Sensor, error)
	UpdateSensor(ctx context.Context, s *model.Sensor) error
	// SensorByEquipmentAndType resolves the sensor addressed by protocol
	// payloads that carry a sensor type rather than a sensor ID.
	SensorByEquipmentAndType(ctx context.Context, equipmentID, sensorType string) (*model.Sensor, error)
}

// ReadingRepo persists immutable readings and answers time-series queries.
type ReadingRepo interface {
	InsertReading(ctx context.Context, r model.Reading) error
	// QueryReadings returns raw readings matching spec, ordered by timestamp
	// ascending, honoring Limit/Offset.
	QueryReadings(ctx context.Context, spec model.QuerySpec) ([]model.Reading, error)
	// AggregateReadings buckets matching GOOD/SUSPECT readings by spec.Interval
	// and reduces each bucket per spec.Aggregation. BAD readings are excluded.
	AggregateReadings(ctx context.Context, spec model.QuerySpec) ([]model.AggregatePoint, error)
	// LatestReadings returns the most recent reading per sensor, optionally
	// filtered by equipment.
	LatestReadings(ctx context.Context, equipmentIDs []string, limit int) ([]model.Reading, error)
	// SensorStats summarizes GOOD/SUSPECT readings for one sensor since a time.
	SensorStats(ctx context.Context, sensorID string, since time.Time) (model.SensorStats, error)
	CountReadingsSince(ctx context.Context, since time.Time) (int64, error)
	// CountMatching sizes a query without materializing it, used by the
	// export runner to enforce the row cap.
	CountMatching(ctx context.Context, spec model.QuerySpec) (int64, error)
}

// AlertRepo persists alerts and resolution facts.
type AlertRepo interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, alertID string) (*model.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*model.Alert, error)
	// AcknowledgeAlert is a one-way transition; acknowledging twice fails.
	AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) error
	// EscalateAlert raises severity in place, keeping the alert ID.
	EscalateAlert(ctx context.Context, alertID string, severity model.Severity, message string) error
	// ResolveAlert stamps the original alert and records the resolution fact.
	ResolveAlert(ctx context.Context, alertID string, resolution *model.Alert) error
	// ActiveAlertForSensor returns the unacknowledged, unresolved raise for a
	// sensor, or ErrAlertNotFound.
	ActiveAlertForSensor(ctx context.Context, sensorID string) (*model.Alert, error)
	// CountActiveAlerts returns total and critical unacknowledged alert counts.
	CountActiveAlerts(ctx context.Context) (total, critical int64, err error)
}

// ExportJobRepo persists asynchronous export jobs.
type ExportJobRepo interface {
	CreateJob(ctx context.Context, j *model.ExportJob) error
	GetJob(ctx context.Context, jobID string) (*model.ExportJob, error)
	UpdateJob(ctx context.Context, j *model.ExportJob) error
	// CancelJob succeeds only while the job is still PENDING.
	CancelJob(ctx context.Context, jobID string) error
	ListJobsByStatus(ctx context.Context, status model.ExportJobStatus) ([]*model.ExportJob, error)
}

// Store aggregates all repositories behind one handle.
type Store interface {
	EquipmentRepo
	SensorRepo
	ReadingRepo
	AlertRepo
	ExportJobRepo

	Ping(ctx context.Context) error
	Close() error
}
