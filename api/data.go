package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/fieldlink/model"
)

// queryRequest is the wire shape of query, export, and scan requests.
// Granularity is expressed in seconds to keep the JSON numeric and unit-fixed.
type queryRequest struct {
	EquipmentIDs    []string  `json:"equipment_ids,omitempty"`
	SensorTypes     []string  `json:"sensor_types,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	EndTime         time.Time `json:"end_time,omitempty"`
	Aggregation     string    `json:"aggregation,omitempty"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	Limit           int       `json:"limit,omitempty"`
	Offset          int       `json:"offset,omitempty"`
}

func (q queryRequest) spec() model.QuerySpec {
	return model.QuerySpec{
		EquipmentIDs: q.EquipmentIDs,
		SensorTypes:  q.SensorTypes,
		Start:        q.StartTime,
		End:          q.EndTime,
		Aggregation:  model.Aggregation(q.Aggregation),
		Interval:     time.Duration(q.IntervalSeconds) * time.Second,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	rows, err := s.exports.Query(r.Context(), req.spec())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":  rows,
		"count": len(rows),
	})
}

type exportRequest struct {
	queryRequest
	Format          string `json:"format"`
	IncludeMetadata bool   `json:"include_metadata,omitempty"`
}

// handleSubmitExport returns the job immediately in PENDING state; progress
// is polled via GET /data/export/{jobID}.
func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	job, err := s.exports.Submit(r.Context(), req.spec(), req.Format, req.IncludeMetadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.exports.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.exports.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelled"})
}

// handleStatistics computes count/mean/min/max/stddev for one sensor over a
// lookback window (default 24 hours).
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sensorID := q.Get("sensor_id")
	if sensorID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "sensor_id is required")
		return
	}
	hours := 24
	if h := q.Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error",
				"hours must be a positive integer")
			return
		}
		hours = parsed
	}

	if _, err := s.store.GetSensor(r.Context(), sensorID); err != nil {
		writeDomainError(w, err)
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	stats, err := s.store.SensorStats(r.Context(), sensorID, since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":     stats,
		"lookback_hours": hours,
	})
}

type anomalyScanRequest struct {
	queryRequest
	SigmaMultiplier float64 `json:"sigma_multiplier,omitempty"`
}

// handleAnomalyScan runs an on-demand statistical pass over stored readings.
// Nothing is alerted; findings go back to the caller.
func (s *Server) handleAnomalyScan(w http.ResponseWriter, r *http.Request) {
	var req anomalyScanRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	findings, err := s.detector.Scan(r.Context(), req.spec(), req.SigmaMultiplier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": findings,
		"count":     len(findings),
	})
}
