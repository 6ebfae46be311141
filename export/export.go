// Package export runs read queries against the stores and executes
// asynchronous export jobs that write query results to a sink.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fieldlink/config"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/pkg/worker"
	"github.com/c360/fieldlink/store"
)

// Row is one exported record. Raw exports carry quality and protocol;
// aggregated exports carry the bucket count instead.
type Row struct {
	SensorID    string    `json:"sensor_id"`
	EquipmentID string    `json:"equipment_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`

	Quality  model.Quality  `json:"quality,omitempty"`
	Protocol model.Protocol `json:"source_protocol,omitempty"`

	// Count is set on aggregated rows only.
	Count int64 `json:"count,omitempty"`
}

// Sink persists an export result and returns a location the caller can
// retrieve it from later.
type Sink interface {
	// Format is the job format this sink serves, e.g. "csv".
	Format() string
	Write(ctx context.Context, job *model.ExportJob, rows []Row) (location string, err error)
}

// Service answers queries synchronously and runs export jobs on a small
// worker pool. Failures of a running job surface through job status,
// never to the submitting caller.
type Service struct {
	store   store.Store
	cfg     config.ExportConfig
	metrics *metric.CoreMetrics
	logger  *slog.Logger
	sinks   map[string]Sink

	pool *worker.Pool[string]
}

// New wires the service. Jobs queue behind cfg.Workers runners.
func New(st store.Store, cfg config.ExportConfig, registry *metric.Registry,
	logger *slog.Logger, sinks ...Sink) *Service {
	s := &Service{
		store:   st,
		cfg:     cfg,
		metrics: registry.Core,
		logger:  logger.With("component", "export"),
		sinks:   make(map[string]Sink, len(sinks)),
	}
	for _, sink := range sinks {
		s.sinks[sink.Format()] = sink
	}
	s.pool = worker.NewPool(cfg.Workers, cfg.Workers*8, s.run,
		worker.WithMetrics[string](registry, "export"))
	return s
}

// Start launches the job runners and re-enqueues jobs that were still
// PENDING when the service last stopped.
func (s *Service) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "ExportService", "Start", "start job runners")
	}
	pending, err := s.store.ListJobsByStatus(ctx, model.JobPending)
	if err != nil {
		return errors.Wrap(err, "ExportService", "Start", "list pending jobs")
	}
	for _, j := range pending {
		if err := s.pool.Submit(j.JobID); err != nil {
			s.logger.Warn("pending job re-enqueue failed", "job_id", j.JobID, "error", err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("resumed pending export jobs", "count", len(pending))
	}
	return nil
}

// Stop drains the runner pool.
func (s *Service) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

// Query answers a synchronous read. Raw mode returns stored readings as-is,
// aggregated modes return one point per granularity bucket, both ascending
// by timestamp.
func (s *Service) Query(ctx context.Context, spec model.QuerySpec) ([]Row, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "ExportService", "Query", "validate query")
	}
	return s.execute(ctx, spec)
}

func (s *Service) execute(ctx context.Context, spec model.QuerySpec) ([]Row, error) {
	if spec.Aggregation == model.AggRaw {
		readings, err := s.store.QueryReadings(ctx, spec)
		if err != nil {
			return nil, err
		}
		rows := make([]Row, len(readings))
		for i, r := range readings {
			rows[i] = Row{
				SensorID:    r.SensorID,
				EquipmentID: r.EquipmentID,
				Timestamp:   r.Timestamp,
				Value:       r.Value,
				Quality:     r.Quality,
				Protocol:    r.SourceProtocol,
			}
		}
		return rows, nil
	}

	points, err := s.store.AggregateReadings(ctx, spec)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(points))
	for i, p := range points {
		rows[i] = Row{
			SensorID:  p.SensorID,
			Timestamp: p.BucketStart,
			Value:     p.Value,
			Count:     p.Count,
		}
	}
	return rows, nil
}

// Submit records a new export job and enqueues it. The returned job is in
// PENDING state; callers poll Job for progress.
func (s *Service) Submit(ctx context.Context, spec model.QuerySpec, format string,
	includeMetadata bool) (*model.ExportJob, error) {

	if err := spec.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "ExportService", "Submit", "validate query")
	}
	if _, ok := s.sinks[format]; !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported export format %q", format),
			"ExportService", "Submit", "select sink")
	}

	job := &model.ExportJob{
		JobID:           uuid.NewString(),
		Spec:            spec,
		Format:          format,
		Status:          model.JobPending,
		IncludeMetadata: includeMetadata,
		CreatedAt:       time.Now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "ExportService", "Submit", "persist job")
	}
	if err := s.pool.Submit(job.JobID); err != nil {
		// The job stays PENDING and is picked up on the next restart.
		s.logger.Warn("job enqueue deferred, queue full", "job_id", job.JobID)
	}
	s.metrics.ExportJobs.WithLabelValues(string(model.JobPending)).Inc()
	return job, nil
}

// Job returns current job state.
func (s *Service) Job(ctx context.Context, jobID string) (*model.ExportJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// Cancel cancels a job that has not started running yet.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	s.metrics.ExportJobs.WithLabelValues(string(model.JobCancelled)).Inc()
	return nil
}

// run executes one job on a pool worker. All failures are reported through
// job status.
func (s *Service) run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("job load failed", "job_id", jobID, "error", err)
		return err
	}
	if job.Status != model.JobPending {
		// Cancelled while queued.
		return nil
	}

	now := time.Now()
	job.Status = model.JobRunning
	job.StartedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("job transition to RUNNING failed", "job_id", jobID, "error", err)
		return err
	}

	// For raw exports the matching row count is the result size; size the
	// job up front so an oversized result is never materialized. Aggregated
	// results emit one row per bucket and are checked after execution.
	if job.Spec.Aggregation == model.AggRaw {
		n, err := s.store.CountMatching(ctx, job.Spec)
		if err != nil {
			return s.fail(ctx, job, err)
		}
		if job.Spec.Limit > 0 && int64(job.Spec.Limit) < n {
			n = int64(job.Spec.Limit)
		}
		if n > s.cfg.MaxRows {
			return s.fail(ctx, job, errors.WrapInvalid(errors.ErrResultTooLarge,
				"ExportService", "run",
				fmt.Sprintf("%d rows over cap %d", n, s.cfg.MaxRows)))
		}
	}

	rows, err := s.execute(ctx, job.Spec)
	if err != nil {
		return s.fail(ctx, job, err)
	}
	if int64(len(rows)) > s.cfg.MaxRows {
		return s.fail(ctx, job, errors.WrapInvalid(errors.ErrResultTooLarge,
			"ExportService", "run",
			fmt.Sprintf("%d rows over cap %d", len(rows), s.cfg.MaxRows)))
	}

	location, err := s.sinks[job.Format].Write(ctx, job, rows)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	done := time.Now()
	job.Status = model.JobDone
	job.ResultLocation = location
	job.RecordsProcessed = int64(len(rows))
	job.CompletedAt = &done
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("job transition to DONE failed", "job_id", jobID, "error", err)
		return err
	}
	s.metrics.ExportJobs.WithLabelValues(string(model.JobDone)).Inc()
	s.logger.Info("export job done",
		"job_id", jobID, "rows", len(rows), "location", location)
	return nil
}

func (s *Service) fail(ctx context.Context, job *model.ExportJob, cause error) error {
	done := time.Now()
	job.Status = model.JobFailed
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &done
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("job transition to FAILED failed", "job_id", job.JobID, "error", err)
		return err
	}
	s.metrics.ExportJobs.WithLabelValues(string(model.JobFailed)).Inc()
	s.logger.Warn("export job failed", "job_id", job.JobID, "error", cause)
	return nil
}
