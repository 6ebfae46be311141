// Package adapter defines the protocol adapter contract. Each adapter owns
// exactly one wire protocol and turns its traffic into RawSamples; everything
// downstream of the ingestion pipeline is protocol-agnostic.
package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

// RawSample is one measurement as produced by an adapter, before the
// ingestion pipeline validates it and tags quality. Samples address sensors
// by equipment and sensor type; the pipeline resolves the sensor record.
type RawSample struct {
	EquipmentID string
	SensorType  string
	Protocol    model.Protocol
	Value       float64
	Timestamp   time.Time
	// Quality is the transport-reported quality, if the protocol carries
	// one. Empty means unreported; the pipeline decides the final tag.
	Quality model.Quality
}

// Session is one live protocol connection. Samples delivers measurements
// until the session ends; the channel is closed when the transport fails or
// Close is called. Err reports the terminal transport error, if any, once
// Samples is closed.
type Session interface {
	Samples() <-chan RawSample
	Err() error
	Close() error
}

// ErrNodeValidation marks a partial open: the transport is up but one or
// more configured data points failed validation. Open returns it alongside
// a usable Session; the connection manager marks the equipment DEGRADED
// instead of tearing it down.
var ErrNodeValidation = stderrors.New("one or more configured nodes failed validation")

// Adapter opens sessions for one protocol.
type Adapter interface {
	Protocol() model.Protocol

	// Open establishes a session for the equipment. On ErrNodeValidation
	// the returned Session is non-nil and usable; any other error returns
	// a nil Session.
	Open(ctx context.Context, eq *model.Equipment) (Session, error)

	// TestConnection verifies reachability without leaving a session open.
	TestConnection(ctx context.Context, eq *model.Equipment) error
}

// Registry resolves adapters by protocol.
type Registry struct {
	adapters map[model.Protocol]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Protocol()] = a
	}
	return r
}

// Get returns the adapter for a protocol.
func (r *Registry) Get(p model.Protocol) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "AdapterRegistry", "Get",
			fmt.Sprintf("no adapter for protocol %q", p))
	}
	return a, nil
}

// Protocols lists the registered protocols.
func (r *Registry) Protocols() []model.Protocol {
	out := make([]model.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// ConfigString extracts a required string from an equipment connection
// config map.
func ConfigString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigString",
			fmt.Sprintf("missing %q in connection config", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigString",
			fmt.Sprintf("%q must be a non-empty string", key))
	}
	return s, nil
}

// ConfigStringMap extracts a map[string]string from a connection config map.
// JSON decoding yields map[string]any, so both shapes are accepted.
func ConfigStringMap(cfg map[string]any, key string) (map[string]string, error) {
	v, ok := cfg[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigStringMap",
			fmt.Sprintf("missing %q in connection config", key))
	}
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, raw := range m {
			s, ok := raw.(string)
			if !ok {
				return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigStringMap",
					fmt.Sprintf("%q[%q] must be a string", key, k))
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigStringMap",
			fmt.Sprintf("%q must be a string map", key))
	}
}

// ConfigDuration extracts an optional duration (given in milliseconds or as
// a duration string) with a default.
func ConfigDuration(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch d := v.(type) {
	case float64: // JSON numbers
		if d <= 0 {
			return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigDuration",
				fmt.Sprintf("%q must be positive", key))
		}
		return time.Duration(d) * time.Millisecond, nil
	case int:
		if d <= 0 {
			return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigDuration",
				fmt.Sprintf("%q must be positive", key))
		}
		return time.Duration(d) * time.Millisecond, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil || parsed <= 0 {
			return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigDuration",
				fmt.Sprintf("%q is not a valid duration", key))
		}
		return parsed, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Adapter", "ConfigDuration",
			fmt.Sprintf("%q must be a duration", key))
	}
}
