// Package restadp implements the REST polling adapter. The equipment
// endpoint is polled at a fixed interval and must answer with a JSON array
// of samples: `[{"sensor_type": "...", "value": 1.2, "timestamp": "...",
// "quality": "GOOD"}]`. Non-2xx responses and timeouts are the same
// transient failure.
package restadp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c360/fieldlink/adapter"
	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

const (
	defaultInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	sampleBuffer    = 64
	maxBodyBytes    = 1 << 20
)

// wireSample is one entry in the polled JSON array.
type wireSample struct {
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Timestamp  string  `json:"timestamp"`
	Quality    string  `json:"quality"`
}

// Adapter polls REST endpoints.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates the REST adapter. A nil client gets a default with a request
// timeout.
func New(client *http.Client, logger *slog.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Adapter{client: client, logger: logger.With("adapter", "rest")}
}

// Protocol reports REST.
func (a *Adapter) Protocol() model.Protocol { return model.ProtocolREST }

// Open starts the polling loop against the equipment endpoint.
func (a *Adapter) Open(ctx context.Context, eq *model.Equipment) (adapter.Session, error) {
	interval, err := adapter.ConfigDuration(eq.ConnectionConfig, "poll_interval_ms", defaultInterval)
	if err != nil {
		return nil, err
	}

	// Probe once so a dead endpoint fails the open instead of the first tick.
	if _, err := a.fetch(ctx, eq.Endpoint); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		equipmentID: eq.EquipmentID,
		endpoint:    eq.Endpoint,
		interval:    interval,
		adapter:     a,
		samples:     make(chan adapter.RawSample, sampleBuffer),
		cancel:      cancel,
		logger:      a.logger.With("equipment_id", eq.EquipmentID),
	}
	s.wg.Add(1)
	go s.run(sessCtx)
	return s, nil
}

// TestConnection performs a single poll.
func (a *Adapter) TestConnection(ctx context.Context, eq *model.Equipment) error {
	_, err := a.fetch(ctx, eq.Endpoint)
	return err
}

// fetch polls the endpoint once. Timeouts and non-2xx statuses are both
// transient; the connection manager handles them identically.
func (a *Adapter) fetch(ctx context.Context, endpoint string) ([]wireSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RESTAdapter", "fetch", "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "RESTAdapter", "fetch", "poll endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "RESTAdapter", "fetch",
			fmt.Sprintf("endpoint answered %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.WrapTransient(err, "RESTAdapter", "fetch", "read body")
	}

	var samples []wireSample
	if err := json.Unmarshal(body, &samples); err != nil {
		return nil, errors.WrapInvalid(err, "RESTAdapter", "fetch", "decode samples")
	}
	return samples, nil
}

type session struct {
	equipmentID string
	endpoint    string
	interval    time.Duration
	adapter     *Adapter
	samples     chan adapter.RawSample
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger

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

func (s *session) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.samples)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wire, err := s.adapter.fetch(ctx, s.endpoint)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return
			}
			s.emit(ctx, wire)
		}
	}
}

func (s *session) emit(ctx context.Context, wire []wireSample) {
	for _, w := range wire {
		ts := time.Now()
		if w.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
			if err != nil {
				s.logger.Warn("dropping sample with bad timestamp",
					"sensor_type", w.SensorType, "error", err)
				continue
			}
			ts = parsed
		}
		sample := adapter.RawSample{
			EquipmentID: s.equipmentID,
			Protocol:    model.ProtocolREST,
			SensorType:  w.SensorType,
			Value:       w.Value,
			Timestamp:   ts,
			Quality:     model.Quality(strings.ToUpper(w.Quality)),
		}
		select {
		case s.samples <- sample:
		case <-ctx.Done():
			return
		}
	}
}
