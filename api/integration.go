package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/c360/fieldlink/adapter/opcuaadp"
	"github.com/c360/fieldlink/model"
)

type protocolInfo struct {
	Protocol    model.Protocol `json:"protocol"`
	Description string         `json:"description"`
}

var protocolDescriptions = map[model.Protocol]string{
	model.ProtocolOPCUA: "OPC UA subscription with polled fallback",
	model.ProtocolMQTT:  "MQTT topic subscription, QoS 1",
	model.ProtocolREST:  "HTTP polling against a JSON endpoint",
}

func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	protocols := s.adapters.Protocols()
	out := make([]protocolInfo, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, protocolInfo{Protocol: p, Description: protocolDescriptions[p]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocols": out})
}

// testConnectionRequest probes either a registered equipment or an inline
// definition that has not been registered yet.
type testConnectionRequest struct {
	EquipmentID      string         `json:"equipment_id,omitempty"`
	Protocol         model.Protocol `json:"protocol,omitempty"`
	Endpoint         string         `json:"endpoint,omitempty"`
	ConnectionConfig map[string]any `json:"connection_config,omitempty"`
}

type testConnectionResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	var eq *model.Equipment
	if req.EquipmentID != "" {
		loaded, err := s.store.GetEquipment(r.Context(), req.EquipmentID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		eq = loaded
	} else {
		eq = &model.Equipment{
			EquipmentID:      "probe",
			Name:             "probe",
			Protocol:         req.Protocol,
			Endpoint:         req.Endpoint,
			ConnectionConfig: req.ConnectionConfig,
		}
		if err := eq.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}

	adp, err := s.adapters.Get(eq.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error",
			"no adapter available for protocol "+string(eq.Protocol))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	started := time.Now()
	probeErr := adp.TestConnection(ctx, eq)
	resp := testConnectionResponse{
		Success:    probeErr == nil,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if probeErr != nil {
		resp.Message = probeErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOPCUABrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint := q.Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "endpoint is required")
		return
	}
	nodeID := q.Get("node_id")

	adp, err := s.adapters.Get(model.ProtocolOPCUA)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error",
			"OPC UA adapter is not available")
		return
	}
	browser, ok := adp.(interface {
		BrowseNode(ctx context.Context, endpoint, nodeID string) ([]opcuaadp.BrowsedNode, error)
	})
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error",
			"the OPC UA adapter does not support browsing")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	nodes, err := browser.BrowseNode(ctx, endpoint, nodeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

type mqttPublishRequest struct {
	EquipmentID string          `json:"equipment_id"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// handleMQTTPublish sends a command to a field device. Outbound traffic is
// rate limited per equipment so a burst of dashboard commands cannot
// overwhelm a device.
func (s *Server) handleMQTTPublish(w http.ResponseWriter, r *http.Request) {
	var req mqttPublishRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.EquipmentID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "validation_error",
			"equipment_id and command are required")
		return
	}

	eq, err := s.store.GetEquipment(r.Context(), req.EquipmentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if eq.Protocol != model.ProtocolMQTT {
		writeError(w, http.StatusBadRequest, "validation_error",
			"equipment does not speak MQTT")
		return
	}

	if !s.commands.Allow(req.EquipmentID) {
		s.registry.Core.RateLimitRejections.WithLabelValues("command").Inc()
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
			"command rate limit for this equipment exceeded")
		return
	}

	adp, err := s.adapters.Get(model.ProtocolMQTT)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error",
			"MQTT adapter is not available")
		return
	}
	publisher, ok := adp.(interface {
		Publish(ctx context.Context, eq *model.Equipment, command string, body []byte) error
	})
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error",
			"the MQTT adapter does not support publishing")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := publisher.Publish(ctx, eq, req.Command, req.Payload); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("command published",
		"equipment_id", req.EquipmentID, "command", req.Command)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"equipment_id": req.EquipmentID,
		"command":      req.Command,
		"status":       "published",
	})
}
