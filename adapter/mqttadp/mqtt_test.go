package mqttadp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/model"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestSession() *session {
	return &session{
		equipmentID: "pump-001",
		samples:     make(chan adapter.RawSample, 8),
		logger:      discardLogger(),
	}
}

func TestOpenAbandonedConnectTearsDownClient(t *testing.T) {
	a := New(discardLogger())
	eq := &model.Equipment{
		EquipmentID: "pump-001",
		Protocol:    model.ProtocolMQTT,
		Endpoint:    "tcp://203.0.113.1:1883", // TEST-NET, never answers
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The cancelled context abandons the in-flight connect; Open must
	// error and tear the client down rather than hang or leak it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := a.Open(ctx, eq)
		assert.Nil(t, s)
		assert.Error(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after context cancellation")
	}
}

func TestOnMessageParsesEnvelope(t *testing.T) {
	s := newTestSession()

	s.onMessage(nil, &fakeMessage{
		topic:   "equipment/pump-001/temperature",
		payload: []byte(`{"value": 72.4, "timestamp": "2026-04-02T10:00:00Z", "quality": "good"}`),
	})

	require.Len(t, s.samples, 1)
	got := <-s.samples
	assert.Equal(t, "pump-001", got.EquipmentID)
	assert.Equal(t, "temperature", got.SensorType)
	assert.Equal(t, 72.4, got.Value)
	assert.Equal(t, model.QualityGood, got.Quality)
	assert.Equal(t, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC), got.Timestamp.UTC())
}

func TestOnMessageDefaultsTimestamp(t *testing.T) {
	s := newTestSession()
	before := time.Now()

	s.onMessage(nil, &fakeMessage{
		topic:   "equipment/pump-001/pressure",
		payload: []byte(`{"value": 3.2}`),
	})

	require.Len(t, s.samples, 1)
	got := <-s.samples
	assert.False(t, got.Timestamp.Before(before))
	assert.Empty(t, got.Quality)
}

func TestOnMessageDropsMalformed(t *testing.T) {
	s := newTestSession()

	// Not JSON.
	s.onMessage(nil, &fakeMessage{
		topic:   "equipment/pump-001/temperature",
		payload: []byte(`not json`),
	})
	// Bad timestamp.
	s.onMessage(nil, &fakeMessage{
		topic:   "equipment/pump-001/temperature",
		payload: []byte(`{"value": 1, "timestamp": "yesterday"}`),
	})
	// Wrong topic depth.
	s.onMessage(nil, &fakeMessage{
		topic:   "equipment/pump-001/commands/restart",
		payload: []byte(`{"value": 1}`),
	})

	assert.Empty(t, s.samples)
}

func TestOnMessageAfterCloseIsIgnored(t *testing.T) {
	s := newTestSession()
	s.client = nil

	s.mu.Lock()
	s.closed = true
	close(s.samples)
	s.mu.Unlock()

	assert.NotPanics(t, func() {
		s.onMessage(nil, &fakeMessage{
			topic:   "equipment/pump-001/temperature",
			payload: []byte(`{"value": 1}`),
		})
	})
}

func TestTopicShapes(t *testing.T) {
	assert.Equal(t, "equipment/pump-001/+", dataTopic("pump-001"))
	assert.Equal(t, "equipment/pump-001/commands/restart", commandTopic("pump-001", "restart"))
}

func TestClientOptionsCredentials(t *testing.T) {
	eq := &model.Equipment{
		EquipmentID: "pump-001",
		Endpoint:    "tcp://broker:1883",
		ConnectionConfig: map[string]any{
			"username": "plant",
			"password": "secret",
		},
	}
	opts := clientOptions(eq, "")
	assert.Equal(t, "plant", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "fieldlink-pump-001", opts.ClientID)
	assert.True(t, opts.AutoReconnect)
}
