// Package opcuaadp implements the OPC UA protocol adapter. Equipment
// connection config maps sensor types to node IDs; the adapter validates the
// nodes once at open, then subscribes for data changes, falling back to
// interval polling when the server rejects the subscription.
package opcuaadp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

const (
	defaultInterval = time.Second
	sampleBuffer    = 64
)

// Adapter opens OPC UA sessions.
type Adapter struct {
	logger *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the OPC UA adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger.With("adapter", "opc_ua")}
}

// Protocol reports OPC_UA.
func (a *Adapter) Protocol() model.Protocol { return model.ProtocolOPCUA }

type nodeBinding struct {
	sensorType string
	id         *ua.NodeID
	handle     uint32
}

// parseConfig reads node_ids (sensorType -> node ID string) and the optional
// poll_interval_ms from the equipment connection config.
func parseConfig(eq *model.Equipment) ([]nodeBinding, time.Duration, error) {
	nodes, err := adapter.ConfigStringMap(eq.ConnectionConfig, "node_ids")
	if err != nil {
		return nil, 0, err
	}
	if len(nodes) == 0 {
		return nil, 0, errors.WrapInvalid(errors.ErrInvalidConfig, "OPCUAAdapter", "parseConfig",
			"node_ids is empty")
	}
	interval, err := adapter.ConfigDuration(eq.ConnectionConfig, "poll_interval_ms", defaultInterval)
	if err != nil {
		return nil, 0, err
	}

	bindings := make([]nodeBinding, 0, len(nodes))
	var handle uint32
	for sensorType, raw := range nodes {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, 0, errors.WrapInvalid(errors.ErrInvalidConfig, "OPCUAAdapter", "parseConfig",
				fmt.Sprintf("node_ids[%q]: %v", sensorType, err))
		}
		handle++
		bindings = append(bindings, nodeBinding{sensorType: sensorType, id: id, handle: handle})
	}
	return bindings, interval, nil
}

// Open connects to the server, validates the configured nodes, and starts
// the data flow. Node validation failures return ErrNodeValidation together
// with a session limited to the nodes that did validate.
func (a *Adapter) Open(ctx context.Context, eq *model.Equipment) (adapter.Session, error) {
	bindings, interval, err := parseConfig(eq)
	if err != nil {
		return nil, err
	}

	client, err := opcua.NewClient(eq.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "OPCUAAdapter", "Open", "build client")
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.WrapTransient(err, "OPCUAAdapter", "Open", "connect to server")
	}

	valid, invalid := a.validateNodes(ctx, client, bindings)
	if len(valid) == 0 {
		client.Close(ctx)
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "OPCUAAdapter", "Open",
			"no configured node validated")
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		equipmentID: eq.EquipmentID,
		client:      client,
		bindings:    valid,
		interval:    interval,
		samples:     make(chan adapter.RawSample, sampleBuffer),
		logger:      a.logger.With("equipment_id", eq.EquipmentID),
		cancel:      cancel,
	}
	s.wg.Add(1)
	go s.run(sessCtx)

	if len(invalid) > 0 {
		a.logger.Warn("some nodes failed validation",
			"equipment_id", eq.EquipmentID,
			"invalid_nodes", invalid)
		return s, adapter.ErrNodeValidation
	}
	return s, nil
}

// validateNodes reads the BrowseName attribute of each node once. Nodes that
// fail are dropped from the session rather than failing the open.
func (a *Adapter) validateNodes(ctx context.Context, client *opcua.Client, bindings []nodeBinding) (valid []nodeBinding, invalid []string) {
	for _, b := range bindings {
		req := &ua.ReadRequest{
			NodesToRead: []*ua.ReadValueID{{NodeID: b.id, AttributeID: ua.AttributeIDBrowseName}},
		}
		resp, err := client.Read(ctx, req)
		if err != nil || len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK {
			invalid = append(invalid, b.id.String())
			continue
		}
		valid = append(valid, b)
	}
	return valid, invalid
}

// TestConnection dials the server and closes immediately.
func (a *Adapter) TestConnection(ctx context.Context, eq *model.Equipment) error {
	if _, _, err := parseConfig(eq); err != nil {
		return err
	}
	client, err := opcua.NewClient(eq.Endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		return errors.WrapInvalid(err, "OPCUAAdapter", "TestConnection", "build client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "OPCUAAdapter", "TestConnection", "connect to server")
	}
	return client.Close(ctx)
}

// BrowseNode reads the display name and child references of a node, for the
// integration browse endpoint.
func (a *Adapter) BrowseNode(ctx context.Context, endpoint, nodeID string) ([]BrowsedNode, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, errors.WrapInvalid(err, "OPCUAAdapter", "BrowseNode", "parse node id")
	}
	client, err := opcua.NewClient(endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		return nil, errors.WrapInvalid(err, "OPCUAAdapter", "BrowseNode", "build client")
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.WrapTransient(err, "OPCUAAdapter", "BrowseNode", "connect to server")
	}
	defer client.Close(ctx)

	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          id,
			BrowseDirection: ua.BrowseDirectionForward,
			IncludeSubtypes: true,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	resp, err := client.Browse(ctx, req)
	if err != nil {
		return nil, errors.WrapTransient(err, "OPCUAAdapter", "BrowseNode", "browse node")
	}

	var out []BrowsedNode
	for _, res := range resp.Results {
		for _, ref := range res.References {
			out = append(out, BrowsedNode{
				NodeID:      ref.NodeID.String(),
				BrowseName:  ref.BrowseName.Name,
				DisplayName: ref.DisplayName.Text,
				NodeClass:   ref.NodeClass.String(),
			})
		}
	}
	return out, nil
}

// BrowsedNode is one entry returned by the integration browse endpoint.
type BrowsedNode struct {
	NodeID      string `json:"node_id"`
	BrowseName  string `json:"browse_name"`
	DisplayName string `json:"display_name"`
	NodeClass   string `json:"node_class"`
}

type session struct {
	equipmentID string
	client      *opcua.Client
	bindings    []nodeBinding
	interval    time.Duration
	samples     chan adapter.RawSample
	logger      *slog.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ adapter.Session = (*session)(nil)

func (s *session) Samples() <-chan adapter.RawSample { return s.samples }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) Close() error {
	s.cancel()
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Close(ctx)
}

// run prefers a server-side subscription and falls back to polling when the
// server refuses it.
func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.samples)

	if err := s.subscribe(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("subscription unavailable, falling back to polling", "error", err)
		s.poll(ctx)
	}
}

func (s *session) subscribe(ctx context.Context) error {
	notifyCh := make(chan *opcua.PublishNotificationData, sampleBuffer)
	sub, err := s.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.interval,
	}, notifyCh)
	if err != nil {
		return err
	}
	defer sub.Cancel(ctx)

	byHandle := make(map[uint32]string, len(s.bindings))
	for _, b := range s.bindings {
		byHandle[b.handle] = b.sensorType
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(b.id, ua.AttributeIDValue, b.handle)
		if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case notif, ok := <-notifyCh:
			if !ok {
				s.setErr(errors.WrapTransient(errors.ErrConnectionLost, "OPCUAAdapter", "subscribe",
					"notification channel closed"))
				return nil
			}
			if notif.Error != nil {
				s.setErr(errors.WrapTransient(notif.Error, "OPCUAAdapter", "subscribe",
					"publish notification failed"))
				return nil
			}
			s.dispatch(ctx, notif, byHandle)
		}
	}
}

func (s *session) dispatch(ctx context.Context, notif *opcua.PublishNotificationData, byHandle map[uint32]string) {
	dcn, ok := notif.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range dcn.MonitoredItems {
		sensorType, ok := byHandle[item.ClientHandle]
		if !ok || item.Value == nil || item.Value.Value == nil {
			continue
		}
		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		s.emit(ctx, adapter.RawSample{
			EquipmentID: s.equipmentID,
			Protocol:    model.ProtocolOPCUA,
			SensorType:  sensorType,
			Value:       item.Value.Value.Float(),
			Timestamp:   ts,
			Quality:     qualityFromStatus(item.Value.Status),
		})
	}
}

func (s *session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range s.bindings {
				resp, err := s.client.Read(ctx, &ua.ReadRequest{
					NodesToRead: []*ua.ReadValueID{{NodeID: b.id, AttributeID: ua.AttributeIDValue}},
				})
				if err != nil {
					s.setErr(errors.WrapTransient(err, "OPCUAAdapter", "poll", "read node"))
					return
				}
				if len(resp.Results) == 0 || resp.Results[0].Value == nil {
					continue
				}
				dv := resp.Results[0]
				ts := dv.SourceTimestamp
				if ts.IsZero() {
					ts = time.Now()
				}
				s.emit(ctx, adapter.RawSample{
					EquipmentID: s.equipmentID,
					Protocol:    model.ProtocolOPCUA,
					SensorType:  b.sensorType,
					Value:       dv.Value.Float(),
					Timestamp:   ts,
					Quality:     qualityFromStatus(dv.Status),
				})
			}
		}
	}
}

func (s *session) emit(ctx context.Context, sample adapter.RawSample) {
	select {
	case s.samples <- sample:
	case <-ctx.Done():
	}
}

// qualityFromStatus maps OPC UA status codes onto the reading quality scale.
func qualityFromStatus(status ua.StatusCode) model.Quality {
	switch {
	case status == ua.StatusOK:
		return model.QualityGood
	case status&ua.StatusUncertain != 0:
		return model.QualitySuspect
	default:
		return model.QualityBad
	}
}
