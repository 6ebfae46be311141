package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
	"github.com/c360/fieldlink/store/memory"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newService(t *testing.T, maxRows int64) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	dir := t.TempDir()
	cfg := config.ExportConfig{Dir: dir, MaxRows: maxRows, Workers: 2}
	svc := New(st, cfg, metric.NewRegistry(), quietLogger(),
		NewCSVSink(dir), NewJSONSink(dir))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop(5 * time.Second) })
	return svc, st
}

func seedReadings(t *testing.T, st *memory.Store, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, st.InsertReading(ctx, model.Reading{
			SensorID:    "sn-1",
			EquipmentID: "eq-1",
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Value:       float64(i),
			Quality:     model.QualityGood,
		}))
	}
}

func waitForTerminal(t *testing.T, svc *Service, jobID string) *model.ExportJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Job(context.Background(), jobID)
		require.NoError(t, err)
		switch job.Status {
		case model.JobDone, model.JobFailed, model.JobCancelled:
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestLargeExportResolvesAsynchronously(t *testing.T) {
	svc, st := newService(t, 1_000_000)
	seedReadings(t, st, 10_000)

	job, err := svc.Submit(context.Background(), model.QuerySpec{
		EquipmentIDs: []string{"eq-1"},
	}, "csv", false)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status, "submit returns immediately in PENDING")

	done := waitForTerminal(t, svc, job.JobID)
	require.Equal(t, model.JobDone, done.Status)
	assert.EqualValues(t, 10_000, done.RecordsProcessed)
	require.NotEmpty(t, done.ResultLocation)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	f, err := os.Open(done.ResultLocation)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 10_001) // header + rows
	assert.Equal(t, []string{"sensor_id", "timestamp", "value", "equipment_id", "quality", "source_protocol"}, records[0])
}

func TestRowCapFailsViaJobStatus(t *testing.T) {
	svc, st := newService(t, 50)
	seedReadings(t, st, 100)

	job, err := svc.Submit(context.Background(), model.QuerySpec{}, "csv", false)
	require.NoError(t, err)

	done := waitForTerminal(t, svc, job.JobID)
	assert.Equal(t, model.JobFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "export size cap")
	assert.Empty(t, done.ResultLocation)
}

// countingStore counts raw reads so tests can assert the runner sized a job
// without materializing it.
type countingStore struct {
	store.Store
	queries atomic.Int64
}

func (s *countingStore) QueryReadings(ctx context.Context, spec model.QuerySpec) ([]model.Reading, error) {
	s.queries.Add(1)
	return s.Store.QueryReadings(ctx, spec)
}

func TestRowCapRejectsWithoutMaterializing(t *testing.T) {
	mem := memory.New()
	seedReadings(t, mem, 100)
	st := &countingStore{Store: mem}

	dir := t.TempDir()
	svc := New(st, config.ExportConfig{Dir: dir, MaxRows: 50, Workers: 1},
		metric.NewRegistry(), quietLogger(), NewCSVSink(dir))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop(5 * time.Second) })

	job, err := svc.Submit(context.Background(), model.QuerySpec{}, "csv", false)
	require.NoError(t, err)

	done := waitForTerminal(t, svc, job.JobID)
	assert.Equal(t, model.JobFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "export size cap")
	assert.Zero(t, st.queries.Load(), "oversized job must be sized by count, not by reading rows")
}

func TestUnsupportedFormatRejectedOnSubmit(t *testing.T) {
	svc, _ := newService(t, 100)

	_, err := svc.Submit(context.Background(), model.QuerySpec{}, "parquet", false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCancelOnlyWhilePending(t *testing.T) {
	svc, st := newService(t, 100)
	seedReadings(t, st, 5)

	job, err := svc.Submit(context.Background(), model.QuerySpec{}, "json", false)
	require.NoError(t, err)

	done := waitForTerminal(t, svc, job.JobID)
	require.Equal(t, model.JobDone, done.Status)

	err = svc.Cancel(context.Background(), job.JobID)
	assert.ErrorIs(t, err, errors.ErrJobNotCancellable)
}

func TestJSONSinkHonorsMetadataFlag(t *testing.T) {
	svc, st := newService(t, 100)
	seedReadings(t, st, 3)

	job, err := svc.Submit(context.Background(), model.QuerySpec{
		EquipmentIDs: []string{"eq-1"},
	}, "json", true)
	require.NoError(t, err)

	done := waitForTerminal(t, svc, job.JobID)
	require.Equal(t, model.JobDone, done.Status)

	raw, err := os.ReadFile(done.ResultLocation)
	require.NoError(t, err)
	var doc struct {
		JobID   string           `json:"job_id"`
		Records int              `json:"records"`
		Query   *model.QuerySpec `json:"query"`
		Rows    []Row            `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, job.JobID, doc.JobID)
	assert.Equal(t, 3, doc.Records)
	require.NotNil(t, doc.Query)
	assert.Equal(t, []string{"eq-1"}, doc.Query.EquipmentIDs)
	assert.Len(t, doc.Rows, 3)
}

func TestQueryAggregatedBuckets(t *testing.T) {
	svc, st := newService(t, 100)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []float64{10, 20, 30, 40} {
		require.NoError(t, st.InsertReading(ctx, model.Reading{
			SensorID: "sn-1", EquipmentID: "eq-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     v, Quality: model.QualityGood,
		}))
	}

	rows, err := svc.Query(ctx, model.QuerySpec{
		EquipmentIDs: []string{"eq-1"},
		Aggregation:  model.AggAvg,
		Interval:     2 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 15.0, rows[0].Value)
	assert.Equal(t, 35.0, rows[1].Value)
	assert.EqualValues(t, 2, rows[0].Count)
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
}

func TestStartResumesPendingJobs(t *testing.T) {
	st := memory.New()
	dir := t.TempDir()
	seedReadings(t, st, 4)

	// A job left behind by a previous run.
	stale := &model.ExportJob{
		JobID:     "job-stale",
		Spec:      model.QuerySpec{},
		Format:    "csv",
		Status:    model.JobPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.CreateJob(context.Background(), stale))

	cfg := config.ExportConfig{Dir: dir, MaxRows: 100, Workers: 1}
	svc := New(st, cfg, metric.NewRegistry(), quietLogger(), NewCSVSink(dir))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(5 * time.Second)

	done := waitForTerminal(t, svc, "job-stale")
	assert.Equal(t, model.JobDone, done.Status)
}
