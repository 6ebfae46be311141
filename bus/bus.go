// Package bus carries FieldLink's internal events: normalized readings,
// alerts, and connection health transitions. The API's push channel and any
// external integration consume these events; persistence never depends on
// them. Two implementations exist: a NATS-backed bus for deployments with a
// broker, and an in-process loopback bus for single-node and test use.
package bus

import (
	"context"
	"time"

	"github.com/c360/fieldlink/model"
)

// AlertEvent wraps an alert with its lifecycle context.
type AlertEvent struct {
	Alert model.Alert `json:"alert"`
	// Escalated marks an in-place severity escalation of an existing alert,
	// which counts as a new raise for notification purposes.
	Escalated bool `json:"escalated,omitempty"`
	// Resolution marks a resolution fact rather than a raise.
	Resolution bool `json:"resolution,omitempty"`
}

// HealthEvent records one equipment connection state transition.
type HealthEvent struct {
	EquipmentID string                `json:"equipment_id"`
	From        model.ConnectionState `json:"from"`
	To          model.ConnectionState `json:"to"`
	Reason      string                `json:"reason,omitempty"`
	At          time.Time             `json:"at"`
}

// Subscription is a handle to an active event subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes FieldLink events. Publishing is fire-and-forget:
// a bus failure must never fail the operation that produced the event.
type Bus interface {
	PublishReading(ctx context.Context, r model.Reading) error
	PublishAlert(ctx context.Context, ev AlertEvent) error
	PublishHealth(ctx context.Context, ev HealthEvent) error

	SubscribeReadings(handler func(model.Reading)) (Subscription, error)
	SubscribeAlerts(handler func(AlertEvent)) (Subscription, error)
	SubscribeHealth(handler func(HealthEvent)) (Subscription, error)

	Close(ctx context.Context) error
}
