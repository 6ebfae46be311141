// Package mqttadp implements the MQTT protocol adapter. Equipment publishes
// measurements on `equipment/<equipment_id>/<sensor_type>` with a JSON
// payload `{value, timestamp, quality}`; the adapter subscribes with a fixed
// QoS and resubscribes automatically after broker reconnects. Outbound
// commands go to `equipment/<equipment_id>/commands/<command>`.
package mqttadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

const (
	subscribeQoS   = 1
	connectTimeout = 10 * time.Second
	sampleBuffer   = 64
)

// payload is the wire envelope carried on data topics.
type payload struct {
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
	Quality   string  `json:"quality"`
}

// Adapter opens MQTT sessions and publishes commands.
type Adapter struct {
	logger *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the MQTT adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger.With("adapter", "mqtt")}
}

// Protocol reports MQTT.
func (a *Adapter) Protocol() model.Protocol { return model.ProtocolMQTT }

func dataTopic(equipmentID string) string {
	return fmt.Sprintf("equipment/%s/+", equipmentID)
}

func commandTopic(equipmentID, command string) string {
	return fmt.Sprintf("equipment/%s/commands/%s", equipmentID, command)
}

func clientOptions(eq *model.Equipment, suffix string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(eq.Endpoint).
		SetClientID("fieldlink-" + eq.EquipmentID + suffix).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)
	if user, err := adapter.ConfigString(eq.ConnectionConfig, "username"); err == nil {
		opts.SetUsername(user)
		if pass, err := adapter.ConfigString(eq.ConnectionConfig, "password"); err == nil {
			opts.SetPassword(pass)
		}
	}
	return opts
}

// Open connects to the broker and subscribes to the equipment's data topics.
// The subscription is installed from the OnConnect handler so broker
// reconnects restore it without adapter involvement.
func (a *Adapter) Open(ctx context.Context, eq *model.Equipment) (adapter.Session, error) {
	s := &session{
		equipmentID: eq.EquipmentID,
		samples:     make(chan adapter.RawSample, sampleBuffer),
		logger:      a.logger.With("equipment_id", eq.EquipmentID),
	}

	opts := clientOptions(eq, "")
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(dataTopic(eq.EquipmentID), subscribeQoS, s.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("resubscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("broker connection lost, auto-reconnect pending", "error", err)
	})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		// On ctx cancellation the connect may still complete in the
		// background; force the client down so a late success cannot
		// leave an ownerless subscribed session.
		client.Disconnect(0)
		return nil, errors.WrapTransient(err, "MQTTAdapter", "Open", "connect to broker")
	}
	s.client = client
	return s, nil
}

// TestConnection dials the broker and disconnects immediately.
func (a *Adapter) TestConnection(ctx context.Context, eq *model.Equipment) error {
	opts := clientOptions(eq, "-test")
	opts.SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return errors.WrapTransient(err, "MQTTAdapter", "TestConnection", "connect to broker")
	}
	client.Disconnect(250)
	return nil
}

// Publish sends one command payload to the equipment. Rate limiting is the
// caller's concern; the adapter only moves bytes.
func (a *Adapter) Publish(ctx context.Context, eq *model.Equipment, command string, body []byte) error {
	opts := clientOptions(eq, "-pub")
	opts.SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return errors.WrapTransient(err, "MQTTAdapter", "Publish", "connect to broker")
	}
	defer client.Disconnect(250)

	token := client.Publish(commandTopic(eq.EquipmentID, command), subscribeQoS, false, body)
	if err := waitToken(ctx, token); err != nil {
		return errors.WrapTransient(err, "MQTTAdapter", "Publish", "publish command")
	}
	return nil
}

// waitToken waits for a paho token respecting context cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	equipmentID string
	client      mqtt.Client
	samples     chan adapter.RawSample
	logger      *slog.Logger

	// mu guards closed and err; sends race with Close otherwise.
	mu     sync.Mutex
	closed bool
	err    error
}

var _ adapter.Session = (*session)(nil)

func (s *session) Samples() <-chan adapter.RawSample { return s.samples }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.samples)
	s.mu.Unlock()

	s.client.Disconnect(250)
	return nil
}

// onMessage parses `equipment/<id>/<sensor_type>` messages. Malformed
// payloads are dropped with a log line; the pipeline never sees them.
func (s *session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 || parts[2] == "commands" {
		return
	}
	sensorType := parts[2]

	var p payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		s.logger.Warn("dropping malformed payload", "topic", msg.Topic(), "error", err)
		return
	}

	ts := time.Now()
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			s.logger.Warn("dropping payload with bad timestamp", "topic", msg.Topic(), "error", err)
			return
		}
		ts = parsed
	}

	sample := adapter.RawSample{
		EquipmentID: s.equipmentID,
		Protocol:    model.ProtocolMQTT,
		SensorType:  sensorType,
		Value:       p.Value,
		Timestamp:   ts,
		Quality:     model.Quality(strings.ToUpper(p.Quality)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.samples <- sample:
	default:
		s.logger.Warn("sample buffer full, dropping message", "topic", msg.Topic())
	}
}
