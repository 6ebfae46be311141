// Package memory provides an in-memory Store implementation. It backs unit
// tests and single-node development runs; production deployments use the
// sqlite store with the redis read cache in front.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

// Store keeps all entities in maps guarded by a single RWMutex. Reads copy
// values out so callers can never alias internal state.
type Store struct {
	mu        sync.RWMutex
	equipment map[string]*model.Equipment
	sensors   map[string]*model.Sensor
	readings  []model.Reading
	alerts    map[string]*model.Alert
	alertIDs  []string // insertion order for stable listings
	jobs      map[string]*model.ExportJob
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		equipment: make(map[string]*model.Equipment),
		sensors:   make(map[string]*model.Sensor),
		alerts:    make(map[string]*model.Alert),
		jobs:      make(map[string]*model.ExportJob),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func copyEquipment(e *model.Equipment) *model.Equipment {
	cp := *e
	if e.ConnectionConfig != nil {
		cp.ConnectionConfig = make(map[string]any, len(e.ConnectionConfig))
		for k, v := range e.ConnectionConfig {
			cp.ConnectionConfig[k] = v
		}
	}
	return &cp
}

func copySensor(sn *model.Sensor) *model.Sensor {
	cp := *sn
	return &cp
}

func copyAlert(a *model.Alert) *model.Alert {
	cp := *a
	return &cp
}

func copyJob(j *model.ExportJob) *model.ExportJob {
	cp := *j
	return &cp
}

// CreateEquipment registers new equipment.
func (s *Store) CreateEquipment(_ context.Context, e *model.Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.equipment[e.EquipmentID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "MemoryStore", "CreateEquipment", e.EquipmentID)
	}

	now := time.Now()
	cp := copyEquipment(e)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.ConnectionState == "" {
		cp.ConnectionState = model.StateRegistered
	}
	s.equipment[e.EquipmentID] = cp

	e.CreatedAt = now
	e.UpdatedAt = now
	e.ConnectionState = cp.ConnectionState
	return nil
}

// GetEquipment returns equipment by ID, including soft-deleted records.
func (s *Store) GetEquipment(_ context.Context, equipmentID string) (*model.Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.equipment[equipmentID]
	if !ok {
		return nil, errors.ErrEquipmentNotFound
	}
	return copyEquipment(e), nil
}

// ListEquipment returns non-deleted equipment matching the filter.
func (s *Store) ListEquipment(_ context.Context, f store.EquipmentFilter) ([]*model.Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Equipment
	for _, e := range s.equipment {
		if e.Deleted {
			continue
		}
		if f.Protocol != nil && e.Protocol != *f.Protocol {
			continue
		}
		if f.Active != nil && e.Active != *f.Active {
			continue
		}
		if f.State != nil && e.ConnectionState != *f.State {
			continue
		}
		out = append(out, copyEquipment(e))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentID < out[j].EquipmentID })
	return paginate(out, f.Limit, f.Offset), nil
}

// UpdateEquipment replaces mutable equipment fields.
func (s *Store) UpdateEquipment(_ context.Context, e *model.Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.equipment[e.EquipmentID]
	if !ok || cur.Deleted {
		return errors.ErrEquipmentNotFound
	}

	cp := copyEquipment(e)
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now()
	s.equipment[e.EquipmentID] = cp
	return nil
}

// SetConnectionState updates only the connection state.
func (s *Store) SetConnectionState(_ context.Context, equipmentID string, state model.ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.equipment[equipmentID]
	if !ok {
		return errors.ErrEquipmentNotFound
	}
	e.ConnectionState = state
	e.UpdatedAt = time.Now()
	return nil
}

// TouchHeartbeat records data arrival for the equipment.
func (s *Store) TouchHeartbeat(_ context.Context, equipmentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.equipment[equipmentID]
	if !ok {
		return errors.ErrEquipmentNotFound
	}
	t := at
	e.LastHeartbeat = &t
	return nil
}

// SoftDeleteEquipment marks equipment deleted and deactivates its sensors.
func (s *Store) SoftDeleteEquipment(_ context.Context, equipmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.equipment[equipmentID]
	if !ok || e.Deleted {
		return errors.ErrEquipmentNotFound
	}
	e.Deleted = true
	e.Active = false
	e.ConnectionState = model.StateDisconnected
	e.UpdatedAt = time.Now()

	for _, sn := range s.sensors {
		if sn.EquipmentID == equipmentID {
			sn.Active = false
			sn.UpdatedAt = time.Now()
		}
	}
	return nil
}

// CreateSensor registers a sensor under existing equipment.
func (s *Store) CreateSensor(_ context.Context, sn *model.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sensors[sn.SensorID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "MemoryStore", "CreateSensor", sn.SensorID)
	}
	e, ok := s.equipment[sn.EquipmentID]
	if !ok || e.Deleted {
		return errors.ErrEquipmentNotFound
	}

	now := time.Now()
	cp := copySensor(sn)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.sensors[sn.SensorID] = cp

	sn.CreatedAt = now
	sn.UpdatedAt = now
	return nil
}

// GetSensor returns a sensor by ID.
func (s *Store) GetSensor(_ context.Context, sensorID string) (*model.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sn, ok := s.sensors[sensorID]
	if !ok {
		return nil, errors.ErrSensorNotFound
	}
	return copySensor(sn), nil
}

// ListSensors returns sensors, optionally filtered by equipment.
func (s *Store) ListSensors(_ context.Context, equipmentID string) ([]*model.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Sensor
	for _, sn := range s.sensors {
		if equipmentID != "" && sn.EquipmentID != equipmentID {
			continue
		}
		out = append(out, copySensor(sn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

// UpdateSensor replaces mutable sensor fields.
func (s *Store) UpdateSensor(_ context.Context, sn *model.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sensors[sn.SensorID]
	if !ok {
		return errors.ErrSensorNotFound
	}
	cp := copySensor(sn)
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now()
	s.sensors[sn.SensorID] = cp
	return nil
}

// SensorByEquipmentAndType resolves a sensor addressed by type.
func (s *Store) SensorByEquipmentAndType(_ context.Context, equipmentID, sensorType string) (*model.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sn := range s.sensors {
		if sn.EquipmentID == equipmentID && sn.Type == sensorType {
			return copySensor(sn), nil
		}
	}
	return nil, errors.ErrSensorNotFound
}

// InsertReading appends an immutable reading.
func (s *Store) InsertReading(_ context.Context, r model.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

// matchSpec needs sensor metadata to filter on sensor type; callers hold the lock.
func (s *Store) matchSpec(r model.Reading, spec model.QuerySpec) bool {
	if len(spec.EquipmentIDs) > 0 && !containsString(spec.EquipmentIDs, r.EquipmentID) {
		return false
	}
	if len(spec.SensorTypes) > 0 {
		sn, ok := s.sensors[r.SensorID]
		if !ok || !containsString(spec.SensorTypes, sn.Type) {
			return false
		}
	}
	if !spec.Start.IsZero() && r.Timestamp.Before(spec.Start) {
		return false
	}
	if !spec.End.IsZero() && r.Timestamp.After(spec.End) {
		return false
	}
	return true
}

// QueryReadings returns raw matching readings in ascending timestamp order.
func (s *Store) QueryReadings(_ context.Context, spec model.QuerySpec) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Reading
	for _, r := range s.readings {
		if s.matchSpec(r, spec) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return paginate(out, spec.Limit, spec.Offset), nil
}

// AggregateReadings buckets matching readings by interval. BAD readings are
// excluded from aggregation per the quality contract.
func (s *Store) AggregateReadings(_ context.Context, spec model.QuerySpec) ([]model.AggregatePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	interval := spec.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	type bucketKey struct {
		sensorID string
		start    int64
	}
	type agg struct {
		sum, min, max float64
		count         int64
	}
	buckets := make(map[bucketKey]*agg)

	for _, r := range s.readings {
		if r.Quality == model.QualityBad || !s.matchSpec(r, spec) {
			continue
		}
		start := r.Timestamp.Truncate(interval)
		key := bucketKey{sensorID: r.SensorID, start: start.UnixNano()}
		b, ok := buckets[key]
		if !ok {
			b = &agg{min: r.Value, max: r.Value}
			buckets[key] = b
		}
		b.sum += r.Value
		b.count++
		if r.Value < b.min {
			b.min = r.Value
		}
		if r.Value > b.max {
			b.max = r.Value
		}
	}

	out := make([]model.AggregatePoint, 0, len(buckets))
	for key, b := range buckets {
		p := model.AggregatePoint{
			SensorID:    key.sensorID,
			BucketStart: time.Unix(0, key.start),
			Count:       b.count,
		}
		switch spec.Aggregation {
		case model.AggMin:
			p.Value = b.min
		case model.AggMax:
			p.Value = b.max
		default:
			p.Value = b.sum / float64(b.count)
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return paginate(out, spec.Limit, spec.Offset), nil
}

// LatestReadings returns the newest reading per sensor.
func (s *Store) LatestReadings(_ context.Context, equipmentIDs []string, limit int) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]model.Reading)
	for _, r := range s.readings {
		if len(equipmentIDs) > 0 && !containsString(equipmentIDs, r.EquipmentID) {
			continue
		}
		cur, ok := latest[r.SensorID]
		if !ok || r.Timestamp.After(cur.Timestamp) {
			latest[r.SensorID] = r
		}
	}

	out := make([]model.Reading, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SensorStats summarizes GOOD/SUSPECT readings since a time.
func (s *Store) SensorStats(_ context.Context, sensorID string, since time.Time) (model.SensorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.SensorStats{SensorID: sensorID}
	var sum, sumSq float64
	first := true

	for _, r := range s.readings {
		if r.SensorID != sensorID || r.Quality == model.QualityBad || r.Timestamp.Before(since) {
			continue
		}
		stats.Count++
		sum += r.Value
		sumSq += r.Value * r.Value
		if first || r.Value < stats.Min {
			stats.Min = r.Value
		}
		if first || r.Value > stats.Max {
			stats.Max = r.Value
		}
		first = false
	}

	if stats.Count > 0 {
		n := float64(stats.Count)
		stats.Mean = sum / n
		variance := sumSq/n - stats.Mean*stats.Mean
		if variance > 0 {
			stats.StdDev = math.Sqrt(variance)
		}
	}
	return stats, nil
}

// CountReadingsSince counts all readings at or after since.
func (s *Store) CountReadingsSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.readings {
		if !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountMatching sizes a query without pagination.
func (s *Store) CountMatching(_ context.Context, spec model.QuerySpec) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.readings {
		if s.matchSpec(r, spec) {
			n++
		}
	}
	return n, nil
}

// InsertAlert records a raise or a resolution fact.
func (s *Store) InsertAlert(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[a.AlertID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "MemoryStore", "InsertAlert", a.AlertID)
	}
	cp := copyAlert(a)
	cp.CreatedAt = time.Now()
	s.alerts[a.AlertID] = cp
	s.alertIDs = append(s.alertIDs, a.AlertID)
	return nil
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(_ context.Context, alertID string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, errors.ErrAlertNotFound
	}
	return copyAlert(a), nil
}

// ListAlerts returns alerts newest-first.
func (s *Store) ListAlerts(_ context.Context, f store.AlertFilter) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Alert
	for i := len(s.alertIDs) - 1; i >= 0; i-- {
		a := s.alerts[s.alertIDs[i]]
		if f.EquipmentID != "" && a.EquipmentID != f.EquipmentID {
			continue
		}
		if f.SensorID != "" && a.SensorID != f.SensorID {
			continue
		}
		if f.Severity != nil && a.Severity != *f.Severity {
			continue
		}
		if f.ActiveOnly && (a.Acknowledged || a.ResolvedAt != nil || a.ResolvesAlertID != "") {
			continue
		}
		out = append(out, copyAlert(a))
	}
	return paginate(out, f.Limit, f.Offset), nil
}

// AcknowledgeAlert performs the one-way acknowledgement transition.
func (s *Store) AcknowledgeAlert(_ context.Context, alertID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return errors.ErrAlertNotFound
	}
	if a.Acknowledged {
		return errors.WrapInvalid(errors.ErrValidationFailed, "MemoryStore", "AcknowledgeAlert",
			"alert already acknowledged")
	}
	a.Acknowledged = true
	a.AcknowledgedBy = by
	t := at
	a.AcknowledgedAt = &t
	return nil
}

// EscalateAlert raises severity in place.
func (s *Store) EscalateAlert(_ context.Context, alertID string, severity model.Severity, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return errors.ErrAlertNotFound
	}
	if severity.Rank() <= a.Severity.Rank() {
		return errors.WrapInvalid(errors.ErrValidationFailed, "MemoryStore", "EscalateAlert",
			"severity may only increase in place")
	}
	a.Severity = severity
	if message != "" {
		a.Message = message
	}
	return nil
}

// ResolveAlert stamps the original and records the resolution fact.
func (s *Store) ResolveAlert(_ context.Context, alertID string, resolution *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return errors.ErrAlertNotFound
	}
	if a.ResolvedAt != nil {
		return errors.ErrAlreadyResolved
	}

	now := time.Now()
	a.ResolvedAt = &now

	cp := copyAlert(resolution)
	cp.ResolvesAlertID = alertID
	cp.CreatedAt = now
	s.alerts[cp.AlertID] = cp
	s.alertIDs = append(s.alertIDs, cp.AlertID)
	return nil
}

// ActiveAlertForSensor returns the unacknowledged, unresolved raise for sensorID.
func (s *Store) ActiveAlertForSensor(_ context.Context, sensorID string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.alertIDs) - 1; i >= 0; i-- {
		a := s.alerts[s.alertIDs[i]]
		if a.SensorID != sensorID || a.ResolvesAlertID != "" {
			continue
		}
		if a.Acknowledged || a.ResolvedAt != nil {
			continue
		}
		return copyAlert(a), nil
	}
	return nil, errors.ErrAlertNotFound
}

// CountActiveAlerts counts unacknowledged, unresolved raises.
func (s *Store) CountActiveAlerts(_ context.Context) (total, critical int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.Acknowledged || a.ResolvedAt != nil || a.ResolvesAlertID != "" {
			continue
		}
		total++
		if a.Severity == model.SeverityCritical {
			critical++
		}
	}
	return total, critical, nil
}

// CreateJob records a new export job.
func (s *Store) CreateJob(_ context.Context, j *model.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.JobID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "MemoryStore", "CreateJob", j.JobID)
	}
	cp := copyJob(j)
	cp.CreatedAt = time.Now()
	s.jobs[j.JobID] = cp
	j.CreatedAt = cp.CreatedAt
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (*model.ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return copyJob(j), nil
}

// UpdateJob replaces the stored job record.
func (s *Store) UpdateJob(_ context.Context, j *model.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.JobID]; !ok {
		return errors.ErrJobNotFound
	}
	s.jobs[j.JobID] = copyJob(j)
	return nil
}

// CancelJob cancels a job only while it is still PENDING.
func (s *Store) CancelJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return errors.ErrJobNotFound
	}
	if j.Status != model.JobPending {
		return errors.ErrJobNotCancellable
	}
	j.Status = model.JobCancelled
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *Store) ListJobsByStatus(_ context.Context, status model.ExportJobStatus) ([]*model.ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ExportJob
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
