package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

type dashboardResponse struct {
	Equipment struct {
		Total     int64                           `json:"total"`
		ByState   map[model.ConnectionState]int64 `json:"by_state"`
		Connected int64                           `json:"connected"`
	} `json:"equipment"`
	Alerts struct {
		Active   int64 `json:"active"`
		Critical int64 `json:"critical"`
	} `json:"alerts"`
	Ingestion struct {
		ReadingsLastHour int64 `json:"readings_last_hour"`
		QueueDepth       int   `json:"queue_depth"`
		Processed        int64 `json:"processed"`
		Failed           int64 `json:"failed"`
	} `json:"ingestion"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var resp dashboardResponse
	resp.GeneratedAt = time.Now()
	resp.Equipment.ByState = make(map[model.ConnectionState]int64)

	list, err := s.store.ListEquipment(r.Context(), store.EquipmentFilter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, eq := range list {
		resp.Equipment.Total++
		resp.Equipment.ByState[eq.ConnectionState]++
		if eq.ConnectionState == model.StateConnected {
			resp.Equipment.Connected++
		}
	}

	total, critical, err := s.store.CountActiveAlerts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.Alerts.Active = total
	resp.Alerts.Critical = critical

	lastHour, err := s.store.CountReadingsSince(r.Context(), time.Now().Add(-time.Hour))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.Ingestion.ReadingsLastHour = lastHour

	stats := s.pipeline.Stats()
	resp.Ingestion.QueueDepth = stats.QueueDepth
	resp.Ingestion.Processed = stats.Processed
	resp.Ingestion.Failed = stats.Failed

	writeJSON(w, http.StatusOK, resp)
}

// readingStatus derives the display status of a latest reading from its
// sensor's thresholds, polarity-aware.
func readingStatus(value float64, sn *model.Sensor) string {
	if sn == nil || sn.WarningThreshold == nil || sn.CriticalThreshold == nil {
		return "NORMAL"
	}
	warn, crit := *sn.WarningThreshold, *sn.CriticalThreshold
	if sn.AlertsOnLow() {
		switch {
		case value <= crit:
			return "CRITICAL"
		case value <= warn:
			return "WARNING"
		}
		return "NORMAL"
	}
	switch {
	case value >= crit:
		return "CRITICAL"
	case value >= warn:
		return "WARNING"
	}
	return "NORMAL"
}

type realtimePoint struct {
	model.Reading
	SensorType string `json:"sensor_type,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Status     string `json:"status"`
}

// handleRealtimeData returns the latest reading per sensor with a derived
// NORMAL/WARNING/CRITICAL status, scoped to one equipment when equipment_id
// is given, to all live equipment otherwise.
func (s *Server) handleRealtimeData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ids []string
	if id := r.URL.Query().Get("equipment_id"); id != "" {
		if _, err := s.store.GetEquipment(ctx, id); err != nil {
			writeDomainError(w, err)
			return
		}
		ids = []string{id}
	} else {
		list, err := s.store.ListEquipment(ctx, store.EquipmentFilter{})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, eq := range list {
			if eq.ConnectionState.Live() {
				ids = append(ids, eq.EquipmentID)
			}
		}
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"data": []realtimePoint{}, "count": 0})
		return
	}

	sensors := make(map[string]*model.Sensor)
	sensorIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		list, err := s.store.ListSensors(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, sn := range list {
			sensors[sn.SensorID] = sn
			sensorIDs = append(sensorIDs, sn.SensorID)
		}
	}

	latest, err := s.latestBySensor(ctx, ids, sensorIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sort.Strings(sensorIDs)
	points := make([]realtimePoint, 0, len(latest))
	for _, sensorID := range sensorIDs {
		rd, ok := latest[sensorID]
		if !ok {
			continue
		}
		sn := sensors[sensorID]
		p := realtimePoint{Reading: rd, Status: readingStatus(rd.Value, sn)}
		if sn != nil {
			p.SensorType = sn.Type
			p.Unit = sn.Unit
		}
		points = append(points, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": points, "count": len(points)})
}

// latestBySensor answers latest-reading lookups from the cache first. A nil
// or failing cache, and any sensor the cache misses, falls back to one store
// query; a cache hit is never overwritten by the store copy.
func (s *Server) latestBySensor(ctx context.Context, equipmentIDs, sensorIDs []string) (map[string]model.Reading, error) {
	latest := make(map[string]model.Reading, len(sensorIDs))
	if s.cache != nil {
		hits, err := s.cache.LatestMany(ctx, sensorIDs)
		if err != nil {
			s.logger.Warn("latest-reading cache unavailable, serving from store", "error", err)
		}
		for id, rd := range hits {
			latest[id] = rd
		}
	}

	if len(latest) == len(sensorIDs) {
		return latest, nil
	}
	stored, err := s.store.LatestReadings(ctx, equipmentIDs, 0)
	if err != nil {
		return nil, err
	}
	for _, rd := range stored {
		if _, ok := latest[rd.SensorID]; !ok {
			latest[rd.SensorID] = rd
		}
	}
	return latest, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.AlertFilter
	f.Limit, f.Offset = parsePagination(r)
	f.EquipmentID = q.Get("equipment_id")
	f.SensorID = q.Get("sensor_id")
	f.ActiveOnly = q.Get("active") == "true"
	if sev := q.Get("severity"); sev != "" {
		severity := model.Severity(sev)
		f.Severity = &severity
	}

	alerts, err := s.store.ListAlerts(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.AcknowledgedBy == "" {
		writeError(w, http.StatusBadRequest, "validation_error",
			"acknowledged_by is required")
		return
	}

	id := chi.URLParam(r, "alertID")
	if err := s.store.AcknowledgeAlert(r.Context(), id, req.AcknowledgedBy, time.Now()); err != nil {
		writeDomainError(w, err)
		return
	}
	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("alert acknowledged", "alert_id", id, "by", req.AcknowledgedBy)
	writeJSON(w, http.StatusOK, alert)
}

type equipmentHealthEntry struct {
	EquipmentID     string                `json:"equipment_id"`
	Name            string                `json:"name"`
	ConnectionState model.ConnectionState `json:"connection_state"`
	Supervised      bool                  `json:"supervised"`
	LastHeartbeat   *time.Time            `json:"last_heartbeat,omitempty"`
	HeartbeatAge    string                `json:"heartbeat_age,omitempty"`
}

func (s *Server) handleEquipmentHealth(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListEquipment(r.Context(), store.EquipmentFilter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries := make([]equipmentHealthEntry, 0, len(list))
	for _, eq := range list {
		entry := equipmentHealthEntry{
			EquipmentID:     eq.EquipmentID,
			Name:            eq.Name,
			ConnectionState: eq.ConnectionState,
			Supervised:      s.manager.Supervising(eq.EquipmentID),
			LastHeartbeat:   eq.LastHeartbeat,
		}
		if eq.LastHeartbeat != nil {
			entry.HeartbeatAge = time.Since(*eq.LastHeartbeat).Round(time.Second).String()
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"equipment": entries,
		"system":    s.monitor.Aggregate("fieldlink"),
	})
}
