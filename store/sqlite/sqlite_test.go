package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fleerrors "github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, context.Background()
}

func TestOpenBootstrapsSchema(t *testing.T) {
	s, ctx := openTestStore(t)
	require.NoError(t, s.Ping(ctx))

	// A fresh database answers queries against every table.
	_, err := s.ListEquipment(ctx, store.EquipmentFilter{})
	assert.NoError(t, err)
	_, err = s.ListJobsByStatus(ctx, model.JobPending)
	assert.NoError(t, err)
}

func TestEquipmentRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)

	eq := &model.Equipment{
		EquipmentID: "eq-1",
		Name:        "Press 4",
		Type:        "hydraulic_press",
		Protocol:    model.ProtocolMQTT,
		Endpoint:    "tcp://broker:1883",
		ConnectionConfig: map[string]any{
			"client_id": "fieldlink-eq-1",
			"qos":       float64(1),
		},
		Active: true,
	}
	require.NoError(t, s.CreateEquipment(ctx, eq))
	assert.Equal(t, model.StateRegistered, eq.ConnectionState)

	err := s.CreateEquipment(ctx, &model.Equipment{EquipmentID: "eq-1", Protocol: model.ProtocolREST})
	require.Error(t, err)
	assert.True(t, fleerrors.IsInvalid(err))

	got, err := s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "Press 4", got.Name)
	assert.Equal(t, "fieldlink-eq-1", got.ConnectionConfig["client_id"])
	assert.Equal(t, float64(1), got.ConnectionConfig["qos"])

	require.NoError(t, s.SetConnectionState(ctx, "eq-1", model.StateConnecting))
	at := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.TouchHeartbeat(ctx, "eq-1", at))

	got, err = s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateConnecting, got.ConnectionState)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, got.LastHeartbeat.Equal(at))
}

func TestSoftDeleteHidesFromListings(t *testing.T) {
	s, ctx := openTestStore(t)

	require.NoError(t, s.CreateEquipment(ctx, &model.Equipment{
		EquipmentID: "eq-1", Name: "Lathe", Type: "lathe",
		Protocol: model.ProtocolOPCUA, Endpoint: "opc.tcp://host:4840", Active: true,
	}))
	require.NoError(t, s.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-1", EquipmentID: "eq-1", Name: "spindle temp", Type: "temperature", Active: true,
	}))

	require.NoError(t, s.SoftDeleteEquipment(ctx, "eq-1"))

	list, err := s.ListEquipment(ctx, store.EquipmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	sn, err := s.GetSensor(ctx, "sn-1")
	require.NoError(t, err)
	assert.False(t, sn.Active)

	assert.ErrorIs(t, s.SoftDeleteEquipment(ctx, "eq-1"), fleerrors.ErrEquipmentNotFound)
	assert.ErrorIs(t, s.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-2", EquipmentID: "eq-1", Type: "pressure",
	}), fleerrors.ErrEquipmentNotFound)
}

func seedReadingSeries(t *testing.T, s *Store, ctx context.Context) time.Time {
	t.Helper()
	require.NoError(t, s.CreateEquipment(ctx, &model.Equipment{
		EquipmentID: "eq-1", Name: "Pump", Type: "pump",
		Protocol: model.ProtocolOPCUA, Endpoint: "opc.tcp://host:4840", Active: true,
	}))
	require.NoError(t, s.CreateSensor(ctx, &model.Sensor{
		SensorID: "sn-1", EquipmentID: "eq-1", Name: "inlet temp", Type: "temperature", Active: true,
	}))

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	for i, v := range []float64{10, 20, 30, 40} {
		require.NoError(t, s.InsertReading(ctx, model.Reading{
			SensorID: "sn-1", EquipmentID: "eq-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     v, Quality: model.QualityGood,
			SourceProtocol: model.ProtocolOPCUA,
		}))
	}
	require.NoError(t, s.InsertReading(ctx, model.Reading{
		SensorID: "sn-1", EquipmentID: "eq-1",
		Timestamp: base.Add(4 * time.Minute),
		Value:     -999, Quality: model.QualityBad,
	}))
	return base
}

func TestQueryAndAggregateReadings(t *testing.T) {
	s, ctx := openTestStore(t)
	base := seedReadingSeries(t, s, ctx)

	got, err := s.QueryReadings(ctx, model.QuerySpec{
		EquipmentIDs: []string{"eq-1"},
		SensorTypes:  []string{"temperature"},
		Start:        base,
		End:          base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 5) // raw queries include BAD readings
	assert.Equal(t, 10.0, got[0].Value)
	assert.Equal(t, model.ProtocolOPCUA, got[0].SourceProtocol)

	got, err = s.QueryReadings(ctx, model.QuerySpec{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20.0, got[0].Value)

	points, err := s.AggregateReadings(ctx, model.QuerySpec{
		Aggregation: model.AggAvg,
		Interval:    2 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, points, 2) // the BAD reading's bucket is dropped entirely
	assert.InDelta(t, 15.0, points[0].Value, 1e-9)
	assert.InDelta(t, 35.0, points[1].Value, 1e-9)
	assert.Equal(t, int64(2), points[0].Count)

	n, err := s.CountMatching(ctx, model.QuerySpec{EquipmentIDs: []string{"eq-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	latest, err := s.LatestReadings(ctx, []string{"eq-1"}, 0)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, -999.0, latest[0].Value)
}

func TestSensorStatsExcludesBad(t *testing.T) {
	s, ctx := openTestStore(t)
	base := seedReadingSeries(t, s, ctx)

	stats, err := s.SensorStats(ctx, "sn-1", base)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Count)
	assert.InDelta(t, 25.0, stats.Mean, 1e-9)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 40.0, stats.Max)
	assert.InDelta(t, 11.1803398875, stats.StdDev, 1e-6)
}

func TestAlertLifecycle(t *testing.T) {
	s, ctx := openTestStore(t)

	raise := &model.Alert{
		AlertID: "al-1", EquipmentID: "eq-1", SensorID: "sn-1",
		Severity: model.SeverityWarning, Title: "vibration above threshold",
		RaisedAt: time.Now(),
	}
	require.NoError(t, s.InsertAlert(ctx, raise))

	active, err := s.ActiveAlertForSensor(ctx, "sn-1")
	require.NoError(t, err)
	assert.Equal(t, "al-1", active.AlertID)

	require.NoError(t, s.EscalateAlert(ctx, "al-1", model.SeverityCritical, "worsening"))
	assert.Error(t, s.EscalateAlert(ctx, "al-1", model.SeverityInfo, ""))

	require.NoError(t, s.AcknowledgeAlert(ctx, "al-1", "operator-3", time.Now()))
	err = s.AcknowledgeAlert(ctx, "al-1", "operator-3", time.Now())
	require.Error(t, err)
	assert.True(t, fleerrors.IsInvalid(err))

	resolution := &model.Alert{
		AlertID: "al-2", EquipmentID: "eq-1", SensorID: "sn-1",
		Severity: model.SeverityInfo, Title: "vibration back in range",
		RaisedAt: time.Now(),
	}
	require.NoError(t, s.ResolveAlert(ctx, "al-1", resolution))
	assert.ErrorIs(t, s.ResolveAlert(ctx, "al-1", resolution), fleerrors.ErrAlreadyResolved)

	fact, err := s.GetAlert(ctx, "al-2")
	require.NoError(t, err)
	assert.Equal(t, "al-1", fact.ResolvesAlertID)

	all, err := s.ListAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "al-2", all[0].AlertID) // newest first

	total, critical, err := s.CountActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, critical)
}

func TestExportJobRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)

	job := &model.ExportJob{
		JobID:  "job-1",
		Spec:   model.QuerySpec{EquipmentIDs: []string{"eq-1"}, Aggregation: model.AggRaw},
		Format: "csv",
		Status: model.JobPending,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eq-1"}, got.Spec.EquipmentIDs)

	started := time.Now()
	got.Status = model.JobRunning
	got.StartedAt = &started
	require.NoError(t, s.UpdateJob(ctx, got))

	assert.ErrorIs(t, s.CancelJob(ctx, "job-1"), fleerrors.ErrJobNotCancellable)

	require.NoError(t, s.CreateJob(ctx, &model.ExportJob{
		JobID: "job-2", Format: "json", Status: model.JobPending,
	}))
	require.NoError(t, s.CancelJob(ctx, "job-2"))

	pending, err := s.ListJobsByStatus(ctx, model.JobPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
