package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
	"github.com/c360/fieldlink/store"
)

func parsePagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func (s *Server) handleListEquipment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.EquipmentFilter
	f.Limit, f.Offset = parsePagination(r)

	if p := q.Get("protocol"); p != "" {
		proto := model.Protocol(p)
		if !proto.Valid() {
			writeError(w, http.StatusBadRequest, "validation_error",
				"unsupported protocol "+p)
			return
		}
		f.Protocol = &proto
	}
	if a := q.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error",
				"active must be a boolean")
			return
		}
		f.Active = &active
	}
	if st := q.Get("state"); st != "" {
		state := model.ConnectionState(st)
		f.State = &state
	}

	list, err := s.store.ListEquipment(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"equipment": list,
		"count":     len(list),
	})
}

func (s *Server) handleCreateEquipment(w http.ResponseWriter, r *http.Request) {
	var eq model.Equipment
	if err := decodeBody(r, &eq); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := eq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if _, err := s.adapters.Get(eq.Protocol); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error",
			"no adapter available for protocol "+string(eq.Protocol))
		return
	}

	eq.ConnectionState = model.StateRegistered
	eq.Active = true
	eq.Deleted = false
	if err := s.store.CreateEquipment(r.Context(), &eq); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("equipment registered",
		"equipment_id", eq.EquipmentID, "protocol", eq.Protocol)
	writeJSON(w, http.StatusCreated, eq)
}

func (s *Server) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	eq, err := s.store.GetEquipment(r.Context(), chi.URLParam(r, "equipmentID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// updateEquipmentRequest is the mutable subset; identity, protocol, and
// connection state never change through this endpoint.
type updateEquipmentRequest struct {
	Name             *string         `json:"name,omitempty"`
	Manufacturer     *string         `json:"manufacturer,omitempty"`
	Model            *string         `json:"model,omitempty"`
	Location         *string         `json:"location,omitempty"`
	Description      *string         `json:"description,omitempty"`
	Endpoint         *string         `json:"endpoint,omitempty"`
	ConnectionConfig *map[string]any `json:"connection_config,omitempty"`
	Active           *bool           `json:"is_active,omitempty"`
}

func (s *Server) handleUpdateEquipment(w http.ResponseWriter, r *http.Request) {
	var req updateEquipmentRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	eq, err := s.store.GetEquipment(r.Context(), chi.URLParam(r, "equipmentID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Name != nil {
		eq.Name = *req.Name
	}
	if req.Manufacturer != nil {
		eq.Manufacturer = *req.Manufacturer
	}
	if req.Model != nil {
		eq.Model = *req.Model
	}
	if req.Location != nil {
		eq.Location = *req.Location
	}
	if req.Description != nil {
		eq.Description = *req.Description
	}
	if req.Endpoint != nil {
		eq.Endpoint = *req.Endpoint
	}
	if req.ConnectionConfig != nil {
		eq.ConnectionConfig = *req.ConnectionConfig
	}
	if req.Active != nil {
		eq.Active = *req.Active
	}
	if err := eq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.store.UpdateEquipment(r.Context(), eq); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eq)
}

// handleDeleteEquipment soft-deletes the record. Its supervision unit is
// cancelled first so readings stop before the record disappears from lists.
func (s *Server) handleDeleteEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "equipmentID")
	if err := s.manager.Disconnect(r.Context(), id); err != nil && !errors.IsNotFound(err) {
		writeDomainError(w, err)
		return
	}
	if err := s.store.SoftDeleteEquipment(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("equipment deregistered", "equipment_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"equipment_id": id, "status": "deleted"})
}

type equipmentStatus struct {
	EquipmentID     string                `json:"equipment_id"`
	ConnectionState model.ConnectionState `json:"connection_state"`
	Supervised      bool                  `json:"supervised"`
	LastHeartbeat   *time.Time            `json:"last_heartbeat,omitempty"`
	ActiveSensors   int                   `json:"active_sensors"`
	LatestReadings  []model.Reading       `json:"latest_readings"`
}

func (s *Server) handleEquipmentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "equipmentID")
	eq, err := s.store.GetEquipment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sensors, err := s.store.ListSensors(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	active := 0
	for _, sn := range sensors {
		if sn.Active {
			active++
		}
	}
	latest, err := s.store.LatestReadings(r.Context(), []string{id}, len(sensors))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, equipmentStatus{
		EquipmentID:     eq.EquipmentID,
		ConnectionState: eq.ConnectionState,
		Supervised:      s.manager.Supervising(id),
		LastHeartbeat:   eq.LastHeartbeat,
		ActiveSensors:   active,
		LatestReadings:  latest,
	})
}

func (s *Server) handleConnectEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "equipmentID")
	if err := s.manager.Connect(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"equipment_id": id,
		"status":       "connecting",
	})
}

func (s *Server) handleDisconnectEquipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "equipmentID")
	if err := s.manager.Disconnect(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"equipment_id": id,
		"status":       "disconnected",
	})
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "equipmentID")
	if _, err := s.store.GetEquipment(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	sensors, err := s.store.ListSensors(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

func (s *Server) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	var sn model.Sensor
	if err := decodeBody(r, &sn); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := sn.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if _, err := s.store.GetEquipment(r.Context(), sn.EquipmentID); err != nil {
		writeDomainError(w, err)
		return
	}
	sn.Active = true
	if err := s.store.CreateSensor(r.Context(), &sn); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("sensor registered",
		"sensor_id", sn.SensorID, "equipment_id", sn.EquipmentID, "type", sn.Type)
	writeJSON(w, http.StatusCreated, sn)
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	sn, err := s.store.GetSensor(r.Context(), chi.URLParam(r, "sensorID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

type updateSensorRequest struct {
	Name              *string  `json:"name,omitempty"`
	Unit              *string  `json:"unit,omitempty"`
	MinValue          *float64 `json:"min_value,omitempty"`
	MaxValue          *float64 `json:"max_value,omitempty"`
	WarningThreshold  *float64 `json:"warning_threshold,omitempty"`
	CriticalThreshold *float64 `json:"critical_threshold,omitempty"`
	SamplingRate      *int     `json:"sampling_rate,omitempty"`
	Active            *bool    `json:"is_active,omitempty"`
}

func (s *Server) handleUpdateSensor(w http.ResponseWriter, r *http.Request) {
	var req updateSensorRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	sn, err := s.store.GetSensor(r.Context(), chi.URLParam(r, "sensorID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Name != nil {
		sn.Name = *req.Name
	}
	if req.Unit != nil {
		sn.Unit = *req.Unit
	}
	if req.MinValue != nil {
		sn.MinValue = req.MinValue
	}
	if req.MaxValue != nil {
		sn.MaxValue = req.MaxValue
	}
	if req.WarningThreshold != nil {
		sn.WarningThreshold = req.WarningThreshold
	}
	if req.CriticalThreshold != nil {
		sn.CriticalThreshold = req.CriticalThreshold
	}
	if req.SamplingRate != nil {
		sn.SamplingRate = *req.SamplingRate
	}
	if req.Active != nil {
		sn.Active = *req.Active
	}
	if err := sn.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.store.UpdateSensor(r.Context(), sn); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}
