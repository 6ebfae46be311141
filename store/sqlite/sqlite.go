// Package sqlite implements the durable Store on an embedded SQLite
// database. It is the durability boundary for the platform: equipment,
// sensors, readings, alerts, and export jobs all land here.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS equipment (
	equipment_id      TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	type              TEXT NOT NULL,
	manufacturer      TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	protocol          TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	connection_config TEXT NOT NULL DEFAULT '{}',
	connection_state  TEXT NOT NULL DEFAULT 'REGISTERED',
	active            INTEGER NOT NULL DEFAULT 1,
	deleted           INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_ns INTEGER,
	created_at_ns     INTEGER NOT NULL,
	updated_at_ns     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sensors (
	sensor_id          TEXT PRIMARY KEY,
	equipment_id       TEXT NOT NULL REFERENCES equipment(equipment_id),
	name               TEXT NOT NULL,
	type               TEXT NOT NULL,
	unit               TEXT NOT NULL DEFAULT '',
	min_value          REAL,
	max_value          REAL,
	warning_threshold  REAL,
	critical_threshold REAL,
	sampling_rate      INTEGER NOT NULL DEFAULT 0,
	active             INTEGER NOT NULL DEFAULT 1,
	created_at_ns      INTEGER NOT NULL,
	updated_at_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sensors_equipment ON sensors(equipment_id, type);

CREATE TABLE IF NOT EXISTS readings (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id       TEXT NOT NULL,
	equipment_id    TEXT NOT NULL,
	ts_ns           INTEGER NOT NULL,
	value           REAL NOT NULL,
	quality         TEXT NOT NULL,
	source_protocol TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(sensor_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_readings_equipment_ts ON readings(equipment_id, ts_ns);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id          TEXT PRIMARY KEY,
	seq               INTEGER NOT NULL,
	equipment_id      TEXT NOT NULL,
	sensor_id         TEXT NOT NULL,
	severity          TEXT NOT NULL,
	title             TEXT NOT NULL,
	message           TEXT NOT NULL DEFAULT '',
	acknowledged      INTEGER NOT NULL DEFAULT 0,
	acknowledged_by   TEXT NOT NULL DEFAULT '',
	acknowledged_at_ns INTEGER,
	resolves_alert_id TEXT NOT NULL DEFAULT '',
	resolved_at_ns    INTEGER,
	raised_at_ns      INTEGER NOT NULL,
	created_at_ns     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_sensor ON alerts(sensor_id, seq);

CREATE TABLE IF NOT EXISTS export_jobs (
	job_id            TEXT PRIMARY KEY,
	spec              TEXT NOT NULL,
	format            TEXT NOT NULL,
	status            TEXT NOT NULL,
	include_metadata  INTEGER NOT NULL DEFAULT 0,
	result_location   TEXT NOT NULL DEFAULT '',
	records_processed INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at_ns     INTEGER NOT NULL,
	started_at_ns     INTEGER,
	completed_at_ns   INTEGER
);
`

// Store is the SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at dsn and bootstraps the
// schema. The dsn is a go-sqlite3 DSN, e.g. "file:fieldlink.db?_busy_timeout=5000".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "open database")
	}
	// SQLite allows a single writer; keeping one connection avoids
	// SQLITE_BUSY under concurrent ingest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "apply pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "bootstrap schema")
	}
	return &Store{db: db}, nil
}

// Ping checks database liveness.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "SQLiteStore", "Ping", err.Error())
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func nsOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNS(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(0, ns.Int64)
	return &t
}

// CreateEquipment registers new equipment.
func (s *Store) CreateEquipment(ctx context.Context, e *model.Equipment) error {
	cfg, err := json.Marshal(e.ConnectionConfig)
	if err != nil {
		return errors.WrapInvalid(err, "SQLiteStore", "CreateEquipment", "encode connection config")
	}
	now := time.Now()
	state := e.ConnectionState
	if state == "" {
		state = model.StateRegistered
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO equipment (equipment_id, name, type, manufacturer, model, location, description,
			protocol, endpoint, connection_config, connection_state, active, deleted, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.EquipmentID, e.Name, e.Type, e.Manufacturer, e.Model, e.Location, e.Description,
		string(e.Protocol), e.Endpoint, string(cfg), string(state), e.Active,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errors.WrapInvalid(errors.ErrDuplicateID, "SQLiteStore", "CreateEquipment", e.EquipmentID)
		}
		return errors.WrapTransient(err, "SQLiteStore", "CreateEquipment", "insert equipment")
	}

	e.ConnectionState = state
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

const equipmentColumns = `equipment_id, name, type, manufacturer, model, location, description,
	protocol, endpoint, connection_config, connection_state, active, deleted,
	last_heartbeat_ns, created_at_ns, updated_at_ns`

func scanEquipment(row interface{ Scan(...any) error }) (*model.Equipment, error) {
	var (
		e           model.Equipment
		proto       string
		state       string
		cfg         string
		heartbeatNS sql.NullInt64
		createdNS   int64
		updatedNS   int64
	)
	err := row.Scan(&e.EquipmentID, &e.Name, &e.Type, &e.Manufacturer, &e.Model, &e.Location,
		&e.Description, &proto, &e.Endpoint, &cfg, &state, &e.Active, &e.Deleted,
		&heartbeatNS, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}
	e.Protocol = model.Protocol(proto)
	e.ConnectionState = model.ConnectionState(state)
	e.LastHeartbeat = timeFromNS(heartbeatNS)
	e.CreatedAt = time.Unix(0, createdNS)
	e.UpdatedAt = time.Unix(0, updatedNS)
	if cfg != "" && cfg != "{}" && cfg != "null" {
		if err := json.Unmarshal([]byte(cfg), &e.ConnectionConfig); err != nil {
			return nil, fmt.Errorf("decode connection config for %s: %w", e.EquipmentID, err)
		}
	}
	return &e, nil
}

// GetEquipment returns equipment by ID, including soft-deleted records.
func (s *Store) GetEquipment(ctx context.Context, equipmentID string) (*model.Equipment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+equipmentColumns+` FROM equipment WHERE equipment_id = ?`, equipmentID)
	e, err := scanEquipment(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrEquipmentNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "GetEquipment", "query equipment")
	}
	return e, nil
}

// ListEquipment returns non-deleted equipment matching the filter.
func (s *Store) ListEquipment(ctx context.Context, f store.EquipmentFilter) ([]*model.Equipment, error) {
	q := `SELECT ` + equipmentColumns + ` FROM equipment WHERE deleted = 0`
	var args []any
	if f.Protocol != nil {
		q += ` AND protocol = ?`
		args = append(args, string(*f.Protocol))
	}
	if f.Active != nil {
		q += ` AND active = ?`
		args = append(args, *f.Active)
	}
	if f.State != nil {
		q += ` AND connection_state = ?`
		args = append(args, string(*f.State))
	}
	q += ` ORDER BY equipment_id`
	q, args = appendPagination(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ListEquipment", "query equipment")
	}
	defer rows.Close()

	var out []*model.Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "ListEquipment", "scan row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEquipment replaces mutable equipment fields.
func (s *Store) UpdateEquipment(ctx context.Context, e *model.Equipment) error {
	cfg, err := json.Marshal(e.ConnectionConfig)
	if err != nil {
		return errors.WrapInvalid(err, "SQLiteStore", "UpdateEquipment", "encode connection config")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE equipment SET name = ?, type = ?, manufacturer = ?, model = ?, location = ?,
			description = ?, protocol = ?, endpoint = ?, connection_config = ?,
			connection_state = ?, active = ?, updated_at_ns = ?
		WHERE equipment_id = ? AND deleted = 0`,
		e.Name, e.Type, e.Manufacturer, e.Model, e.Location, e.Description,
		string(e.Protocol), e.Endpoint, string(cfg), string(e.ConnectionState), e.Active,
		time.Now().UnixNano(), e.EquipmentID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "UpdateEquipment", "update equipment")
	}
	return requireRow(res, errors.ErrEquipmentNotFound)
}

// SetConnectionState updates only the connection state.
func (s *Store) SetConnectionState(ctx context.Context, equipmentID string, state model.ConnectionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE equipment SET connection_state = ?, updated_at_ns = ? WHERE equipment_id = ?`,
		string(state), time.Now().UnixNano(), equipmentID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "SetConnectionState", "update state")
	}
	return requireRow(res, errors.ErrEquipmentNotFound)
}

// TouchHeartbeat records data arrival for the equipment.
func (s *Store) TouchHeartbeat(ctx context.Context, equipmentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE equipment SET last_heartbeat_ns = ? WHERE equipment_id = ?`,
		at.UnixNano(), equipmentID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "TouchHeartbeat", "update heartbeat")
	}
	return requireRow(res, errors.ErrEquipmentNotFound)
}

// SoftDeleteEquipment marks equipment deleted and deactivates its sensors.
func (s *Store) SoftDeleteEquipment(ctx context.Context, equipmentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "SoftDeleteEquipment", "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		UPDATE equipment SET deleted = 1, active = 0, connection_state = ?, updated_at_ns = ?
		WHERE equipment_id = ? AND deleted = 0`,
		string(model.StateDisconnected), now, equipmentID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "SoftDeleteEquipment", "mark deleted")
	}
	if err := requireRow(res, errors.ErrEquipmentNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sensors SET active = 0, updated_at_ns = ? WHERE equipment_id = ?`,
		now, equipmentID); err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "SoftDeleteEquipment", "deactivate sensors")
	}
	return tx.Commit()
}

// CreateSensor registers a sensor under existing, non-deleted equipment.
func (s *Store) CreateSensor(ctx context.Context, sn *model.Sensor) error {
	var deleted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT deleted FROM equipment WHERE equipment_id = ?`, sn.EquipmentID).Scan(&deleted)
	if stderrors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return errors.ErrEquipmentNotFound
	}
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "CreateSensor", "check equipment")
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sensors (sensor_id, equipment_id, name, type, unit, min_value, max_value,
			warning_threshold, critical_threshold, sampling_rate, active, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.SensorID, sn.EquipmentID, sn.Name, sn.Type, sn.Unit,
		sn.MinValue, sn.MaxValue, sn.WarningThreshold, sn.CriticalThreshold,
		sn.SamplingRate, sn.Active, now.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errors.WrapInvalid(errors.ErrDuplicateID, "SQLiteStore", "CreateSensor", sn.SensorID)
		}
		return errors.WrapTransient(err, "SQLiteStore", "CreateSensor", "insert sensor")
	}
	sn.CreatedAt = now
	sn.UpdatedAt = now
	return nil
}

const sensorColumns = `sensor_id, equipment_id, name, type, unit, min_value, max_value,
	warning_threshold, critical_threshold, sampling_rate, active, created_at_ns, updated_at_ns`

func scanSensor(row interface{ Scan(...any) error }) (*model.Sensor, error) {
	var (
		sn                   model.Sensor
		createdNS, updatedNS int64
	)
	err := row.Scan(&sn.SensorID, &sn.EquipmentID, &sn.Name, &sn.Type, &sn.Unit,
		&sn.MinValue, &sn.MaxValue, &sn.WarningThreshold, &sn.CriticalThreshold,
		&sn.SamplingRate, &sn.Active, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}
	sn.CreatedAt = time.Unix(0, createdNS)
	sn.UpdatedAt = time.Unix(0, updatedNS)
	return &sn, nil
}

// GetSensor returns a sensor by ID.
func (s *Store) GetSensor(ctx context.Context, sensorID string) (*model.Sensor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE sensor_id = ?`, sensorID)
	sn, err := scanSensor(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSensorNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "GetSensor", "query sensor")
	}
	return sn, nil
}

// ListSensors returns sensors, optionally filtered by equipment.
func (s *Store) ListSensors(ctx context.Context, equipmentID string) ([]*model.Sensor, error) {
	q := `SELECT ` + sensorColumns + ` FROM sensors`
	var args []any
	if equipmentID != "" {
		q += ` WHERE equipment_id = ?`
		args = append(args, equipmentID)
	}
	q += ` ORDER BY sensor_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ListSensors", "query sensors")
	}
	defer rows.Close()

	var out []*model.Sensor
	for rows.Next() {
		sn, err := scanSensor(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "ListSensors", "scan row")
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// UpdateSensor replaces mutable sensor fields.
func (s *Store) UpdateSensor(ctx context.Context, sn *model.Sensor) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sensors SET name = ?, type = ?, unit = ?, min_value = ?, max_value = ?,
			warning_threshold = ?, critical_threshold = ?, sampling_rate = ?, active = ?, updated_at_ns = ?
		WHERE sensor_id = ?`,
		sn.Name, sn.Type, sn.Unit, sn.MinValue, sn.MaxValue,
		sn.WarningThreshold, sn.CriticalThreshold, sn.SamplingRate, sn.Active,
		time.Now().UnixNano(), sn.SensorID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "UpdateSensor", "update sensor")
	}
	return requireRow(res, errors.ErrSensorNotFound)
}

// SensorByEquipmentAndType resolves a sensor addressed by type.
func (s *Store) SensorByEquipmentAndType(ctx context.Context, equipmentID, sensorType string) (*model.Sensor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE equipment_id = ? AND type = ? LIMIT 1`,
		equipmentID, sensorType)
	sn, err := scanSensor(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrSensorNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "SensorByEquipmentAndType", "query sensor")
	}
	return sn, nil
}

// InsertReading appends an immutable reading.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (sensor_id, equipment_id, ts_ns, value, quality, source_protocol)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.SensorID, r.EquipmentID, r.Timestamp.UnixNano(), r.Value,
		string(r.Quality), string(r.SourceProtocol))
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "InsertReading", "insert reading")
	}
	return nil
}

// specWhere builds the WHERE clause shared by reading queries. The sensor
// type filter joins through the sensors table.
func specWhere(spec model.QuerySpec, excludeBad bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(spec.EquipmentIDs) > 0 {
		conds = append(conds, `r.equipment_id IN (`+placeholders(len(spec.EquipmentIDs))+`)`)
		for _, id := range spec.EquipmentIDs {
			args = append(args, id)
		}
	}
	if len(spec.SensorTypes) > 0 {
		conds = append(conds,
			`r.sensor_id IN (SELECT sensor_id FROM sensors WHERE type IN (`+placeholders(len(spec.SensorTypes))+`))`)
		for _, st := range spec.SensorTypes {
			args = append(args, st)
		}
	}
	if !spec.Start.IsZero() {
		conds = append(conds, `r.ts_ns >= ?`)
		args = append(args, spec.Start.UnixNano())
	}
	if !spec.End.IsZero() {
		conds = append(conds, `r.ts_ns <= ?`)
		args = append(args, spec.End.UnixNano())
	}
	if excludeBad {
		conds = append(conds, `r.quality != ?`)
		args = append(args, string(model.QualityBad))
	}
	if len(conds) == 0 {
		return "", args
	}
	return ` WHERE ` + strings.Join(conds, " AND "), args
}

// QueryReadings returns raw matching readings in ascending timestamp order.
func (s *Store) QueryReadings(ctx context.Context, spec model.QuerySpec) ([]model.Reading, error) {
	where, args := specWhere(spec, false)
	q := `SELECT r.sensor_id, r.equipment_id, r.ts_ns, r.value, r.quality, r.source_protocol
		FROM readings r` + where + ` ORDER BY r.ts_ns, r.id`
	q, args = appendPagination(q, args, spec.Limit, spec.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "QueryReadings", "query readings")
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "QueryReadings", "scan row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReading(rows *sql.Rows) (model.Reading, error) {
	var (
		r       model.Reading
		tsNS    int64
		quality string
		proto   string
	)
	if err := rows.Scan(&r.SensorID, &r.EquipmentID, &tsNS, &r.Value, &quality, &proto); err != nil {
		return model.Reading{}, err
	}
	r.Timestamp = time.Unix(0, tsNS)
	r.Quality = model.Quality(quality)
	r.SourceProtocol = model.Protocol(proto)
	return r, nil
}

// AggregateReadings buckets matching readings by interval, excluding BAD
// quality. Buckets align to the interval on the epoch.
func (s *Store) AggregateReadings(ctx context.Context, spec model.QuerySpec) ([]model.AggregatePoint, error) {
	interval := spec.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	var valueExpr string
	switch spec.Aggregation {
	case model.AggMin:
		valueExpr = "MIN(r.value)"
	case model.AggMax:
		valueExpr = "MAX(r.value)"
	default:
		valueExpr = "AVG(r.value)"
	}

	where, args := specWhere(spec, true)
	q := fmt.Sprintf(`
		SELECT r.sensor_id, (r.ts_ns / %d) * %d AS bucket, %s, COUNT(*)
		FROM readings r%s
		GROUP BY r.sensor_id, bucket
		ORDER BY bucket, r.sensor_id`,
		interval.Nanoseconds(), interval.Nanoseconds(), valueExpr, where)
	q, args = appendPagination(q, args, spec.Limit, spec.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "AggregateReadings", "query aggregates")
	}
	defer rows.Close()

	var out []model.AggregatePoint
	for rows.Next() {
		var (
			p        model.AggregatePoint
			bucketNS int64
		)
		if err := rows.Scan(&p.SensorID, &bucketNS, &p.Value, &p.Count); err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "AggregateReadings", "scan row")
		}
		p.BucketStart = time.Unix(0, bucketNS)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestReadings returns the newest reading per sensor.
func (s *Store) LatestReadings(ctx context.Context, equipmentIDs []string, limit int) ([]model.Reading, error) {
	q := `SELECT r.sensor_id, r.equipment_id, r.ts_ns, r.value, r.quality, r.source_protocol
		FROM readings r
		JOIN (SELECT sensor_id, MAX(ts_ns) AS max_ts FROM readings`
	var args []any
	if len(equipmentIDs) > 0 {
		q += ` WHERE equipment_id IN (` + placeholders(len(equipmentIDs)) + `)`
		for _, id := range equipmentIDs {
			args = append(args, id)
		}
	}
	q += ` GROUP BY sensor_id) latest
		ON r.sensor_id = latest.sensor_id AND r.ts_ns = latest.max_ts
		ORDER BY r.sensor_id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "LatestReadings", "query latest")
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "LatestReadings", "scan row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SensorStats summarizes non-BAD readings since a time.
func (s *Store) SensorStats(ctx context.Context, sensorID string, since time.Time) (model.SensorStats, error) {
	stats := model.SensorStats{SensorID: sensorID}
	var (
		mean, minV, maxV, sumSq sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(value), MIN(value), MAX(value), AVG(value * value)
		FROM readings
		WHERE sensor_id = ? AND ts_ns >= ? AND quality != ?`,
		sensorID, since.UnixNano(), string(model.QualityBad)).
		Scan(&stats.Count, &mean, &minV, &maxV, &sumSq)
	if err != nil {
		return stats, errors.WrapTransient(err, "SQLiteStore", "SensorStats", "query stats")
	}
	if stats.Count > 0 {
		stats.Mean = mean.Float64
		stats.Min = minV.Float64
		stats.Max = maxV.Float64
		if v := sumSq.Float64 - mean.Float64*mean.Float64; v > 0 {
			stats.StdDev = math.Sqrt(v)
		}
	}
	return stats, nil
}

// CountReadingsSince counts all readings at or after since.
func (s *Store) CountReadingsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM readings WHERE ts_ns >= ?`, since.UnixNano()).Scan(&n)
	if err != nil {
		return 0, errors.WrapTransient(err, "SQLiteStore", "CountReadingsSince", "count readings")
	}
	return n, nil
}

// CountMatching sizes a query without pagination.
func (s *Store) CountMatching(ctx context.Context, spec model.QuerySpec) (int64, error) {
	where, args := specWhere(spec, false)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings r`+where, args...).Scan(&n)
	if err != nil {
		return 0, errors.WrapTransient(err, "SQLiteStore", "CountMatching", "count readings")
	}
	return n, nil
}

// InsertAlert records a raise or a resolution fact.
func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, seq, equipment_id, sensor_id, severity, title, message,
			acknowledged, acknowledged_by, acknowledged_at_ns, resolves_alert_id, resolved_at_ns,
			raised_at_ns, created_at_ns)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM alerts), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.EquipmentID, a.SensorID, string(a.Severity), a.Title, a.Message,
		a.Acknowledged, a.AcknowledgedBy, nsOrNil(a.AcknowledgedAt),
		a.ResolvesAlertID, nsOrNil(a.ResolvedAt), a.RaisedAt.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errors.WrapInvalid(errors.ErrDuplicateID, "SQLiteStore", "InsertAlert", a.AlertID)
		}
		return errors.WrapTransient(err, "SQLiteStore", "InsertAlert", "insert alert")
	}
	a.CreatedAt = now
	return nil
}

const alertColumns = `alert_id, equipment_id, sensor_id, severity, title, message,
	acknowledged, acknowledged_by, acknowledged_at_ns, resolves_alert_id, resolved_at_ns,
	raised_at_ns, created_at_ns`

func scanAlert(row interface{ Scan(...any) error }) (*model.Alert, error) {
	var (
		a                    model.Alert
		severity             string
		ackNS, resolvedNS    sql.NullInt64
		raisedNS, createdNS  int64
	)
	err := row.Scan(&a.AlertID, &a.EquipmentID, &a.SensorID, &severity, &a.Title, &a.Message,
		&a.Acknowledged, &a.AcknowledgedBy, &ackNS, &a.ResolvesAlertID, &resolvedNS,
		&raisedNS, &createdNS)
	if err != nil {
		return nil, err
	}
	a.Severity = model.Severity(severity)
	a.AcknowledgedAt = timeFromNS(ackNS)
	a.ResolvedAt = timeFromNS(resolvedNS)
	a.RaisedAt = time.Unix(0, raisedNS)
	a.CreatedAt = time.Unix(0, createdNS)
	return &a, nil
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
	a, err := scanAlert(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrAlertNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "GetAlert", "query alert")
	}
	return a, nil
}

// ListAlerts returns alerts newest-first.
func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]*model.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []any
	if f.EquipmentID != "" {
		q += ` AND equipment_id = ?`
		args = append(args, f.EquipmentID)
	}
	if f.SensorID != "" {
		q += ` AND sensor_id = ?`
		args = append(args, f.SensorID)
	}
	if f.Severity != nil {
		q += ` AND severity = ?`
		args = append(args, string(*f.Severity))
	}
	if f.ActiveOnly {
		q += ` AND acknowledged = 0 AND resolved_at_ns IS NULL AND resolves_alert_id = ''`
	}
	q += ` ORDER BY seq DESC`
	q, args = appendPagination(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ListAlerts", "query alerts")
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "ListAlerts", "scan row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert performs the one-way acknowledgement transition.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at_ns = ?
		WHERE alert_id = ? AND acknowledged = 0`,
		by, at.UnixNano(), alertID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "AcknowledgeAlert", "update alert")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetAlert(ctx, alertID); err != nil {
			return err
		}
		return errors.WrapInvalid(errors.ErrValidationFailed, "SQLiteStore", "AcknowledgeAlert",
			"alert already acknowledged")
	}
	return nil
}

// EscalateAlert raises severity in place. Severity may only increase.
func (s *Store) EscalateAlert(ctx context.Context, alertID string, severity model.Severity, message string) error {
	a, err := s.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if severity.Rank() <= a.Severity.Rank() {
		return errors.WrapInvalid(errors.ErrValidationFailed, "SQLiteStore", "EscalateAlert",
			"severity may only increase in place")
	}
	if message == "" {
		message = a.Message
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE alerts SET severity = ?, message = ? WHERE alert_id = ?`,
		string(severity), message, alertID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "EscalateAlert", "update alert")
	}
	return nil
}

// ResolveAlert stamps the original and records the resolution fact in one
// transaction.
func (s *Store) ResolveAlert(ctx context.Context, alertID string, resolution *model.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "ResolveAlert", "begin tx")
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE alerts SET resolved_at_ns = ? WHERE alert_id = ? AND resolved_at_ns IS NULL`,
		now.UnixNano(), alertID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "ResolveAlert", "stamp alert")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetAlert(ctx, alertID); err != nil {
			return err
		}
		return errors.ErrAlreadyResolved
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, seq, equipment_id, sensor_id, severity, title, message,
			acknowledged, resolves_alert_id, raised_at_ns, created_at_ns)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM alerts), ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		resolution.AlertID, resolution.EquipmentID, resolution.SensorID,
		string(resolution.Severity), resolution.Title, resolution.Message,
		alertID, resolution.RaisedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "ResolveAlert", "insert resolution")
	}
	return tx.Commit()
}

// ActiveAlertForSensor returns the unacknowledged, unresolved raise for sensorID.
func (s *Store) ActiveAlertForSensor(ctx context.Context, sensorID string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE sensor_id = ? AND acknowledged = 0 AND resolved_at_ns IS NULL AND resolves_alert_id = ''
		ORDER BY seq DESC LIMIT 1`, sensorID)
	a, err := scanAlert(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrAlertNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ActiveAlertForSensor", "query alert")
	}
	return a, nil
}

// CountActiveAlerts counts unacknowledged, unresolved raises.
func (s *Store) CountActiveAlerts(ctx context.Context) (total, critical int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(severity = ?), 0) FROM alerts
		WHERE acknowledged = 0 AND resolved_at_ns IS NULL AND resolves_alert_id = ''`,
		string(model.SeverityCritical)).Scan(&total, &critical)
	if err != nil {
		return 0, 0, errors.WrapTransient(err, "SQLiteStore", "CountActiveAlerts", "count alerts")
	}
	return total, critical, nil
}

// CreateJob records a new export job.
func (s *Store) CreateJob(ctx context.Context, j *model.ExportJob) error {
	specJSON, err := json.Marshal(j.Spec)
	if err != nil {
		return errors.WrapInvalid(err, "SQLiteStore", "CreateJob", "encode query spec")
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (job_id, spec, format, status, include_metadata,
			result_location, records_processed, error_message, created_at_ns, started_at_ns, completed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, string(specJSON), j.Format, string(j.Status), j.IncludeMetadata,
		j.ResultLocation, j.RecordsProcessed, j.ErrorMessage,
		now.UnixNano(), nsOrNil(j.StartedAt), nsOrNil(j.CompletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errors.WrapInvalid(errors.ErrDuplicateID, "SQLiteStore", "CreateJob", j.JobID)
		}
		return errors.WrapTransient(err, "SQLiteStore", "CreateJob", "insert job")
	}
	j.CreatedAt = now
	return nil
}

const jobColumns = `job_id, spec, format, status, include_metadata, result_location,
	records_processed, error_message, created_at_ns, started_at_ns, completed_at_ns`

func scanJob(row interface{ Scan(...any) error }) (*model.ExportJob, error) {
	var (
		j                      model.ExportJob
		specJSON, status       string
		createdNS              int64
		startedNS, completedNS sql.NullInt64
	)
	err := row.Scan(&j.JobID, &specJSON, &j.Format, &status, &j.IncludeMetadata,
		&j.ResultLocation, &j.RecordsProcessed, &j.ErrorMessage,
		&createdNS, &startedNS, &completedNS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
		return nil, fmt.Errorf("decode query spec for %s: %w", j.JobID, err)
	}
	j.Status = model.ExportJobStatus(status)
	j.CreatedAt = time.Unix(0, createdNS)
	j.StartedAt = timeFromNS(startedNS)
	j.CompletedAt = timeFromNS(completedNS)
	return &j, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.ExportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "GetJob", "query job")
	}
	return j, nil
}

// UpdateJob replaces the stored job record.
func (s *Store) UpdateJob(ctx context.Context, j *model.ExportJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, result_location = ?, records_processed = ?,
			error_message = ?, started_at_ns = ?, completed_at_ns = ?
		WHERE job_id = ?`,
		string(j.Status), j.ResultLocation, j.RecordsProcessed, j.ErrorMessage,
		nsOrNil(j.StartedAt), nsOrNil(j.CompletedAt), j.JobID)
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "UpdateJob", "update job")
	}
	return requireRow(res, errors.ErrJobNotFound)
}

// CancelJob cancels a job only while it is still PENDING.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET status = ?, completed_at_ns = ?
		WHERE job_id = ? AND status = ?`,
		string(model.JobCancelled), time.Now().UnixNano(), jobID, string(model.JobPending))
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "CancelJob", "update job")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return errors.ErrJobNotCancellable
	}
	return nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status model.ExportJobStatus) ([]*model.ExportJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE status = ? ORDER BY created_at_ns`,
		string(status))
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ListJobsByStatus", "query jobs")
	}
	defer rows.Close()

	var out []*model.ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLiteStore", "ListJobsByStatus", "scan row")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendPagination(q string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		q += ` LIMIT -1`
	}
	if offset > 0 {
		q += ` OFFSET ?`
		args = append(args, offset)
	}
	return q, args
}
