package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/metric"
	"github.com/c360/fieldlink/model"
)

// Subject layout. Readings carry equipment and sensor tokens so external
// consumers can subscribe selectively.
const (
	subjectReadingPrefix = "fieldlink.readings"
	subjectAlerts        = "fieldlink.alerts"
	subjectHealth        = "fieldlink.health"
)

// NATSBus implements Bus on a core NATS connection.
type NATSBus struct {
	nc      *nats.Conn
	logger  *slog.Logger
	metrics *metric.CoreMetrics
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	ReconnectWait time.Duration
	ClientName    string
}

// ConnectNATS establishes the bus connection with infinite reconnects; the
// bus is best-effort and must ride out broker restarts on its own.
func ConnectNATS(opts NATSOptions, logger *slog.Logger, metrics *metric.CoreMetrics) (*NATSBus, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "fieldlink"
	}

	b := &NATSBus{logger: logger, metrics: metrics}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if metrics != nil {
				metrics.BusConnected.Set(0)
			}
			logger.Warn("event bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if metrics != nil {
				metrics.BusConnected.Set(1)
				metrics.BusReconnects.Inc()
			}
			logger.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if metrics != nil {
				metrics.BusConnected.Set(0)
			}
			logger.Info("event bus connection closed")
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "ConnectNATS", "broker connect")
	}

	b.nc = nc
	if metrics != nil {
		metrics.BusConnected.Set(1)
	}
	return b, nil
}

func readingSubject(r model.Reading) string {
	return fmt.Sprintf("%s.%s.%s", subjectReadingPrefix, r.EquipmentID, r.SensorID)
}

func (b *NATSBus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "NATSBus", "publish", "encode event")
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "NATSBus", "publish", "publish event")
	}
	return nil
}

// PublishReading publishes a normalized reading event.
func (b *NATSBus) PublishReading(_ context.Context, r model.Reading) error {
	return b.publish(readingSubject(r), r)
}

// PublishAlert publishes an alert lifecycle event.
func (b *NATSBus) PublishAlert(_ context.Context, ev AlertEvent) error {
	return b.publish(subjectAlerts, ev)
}

// PublishHealth publishes a connection state transition.
func (b *NATSBus) PublishHealth(_ context.Context, ev HealthEvent) error {
	return b.publish(subjectHealth, ev)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// SubscribeReadings delivers every reading on the bus to handler. Events that
// fail to decode are logged and dropped; the subscription survives.
func (b *NATSBus) SubscribeReadings(handler func(model.Reading)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subjectReadingPrefix+".>", func(msg *nats.Msg) {
		var r model.Reading
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			b.logger.Warn("dropping undecodable reading event", "subject", msg.Subject, "error", err)
			return
		}
		handler(r)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "SubscribeReadings", "subscribe")
	}
	return &natsSubscription{sub: sub}, nil
}

// SubscribeAlerts delivers alert events to handler.
func (b *NATSBus) SubscribeAlerts(handler func(AlertEvent)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subjectAlerts, func(msg *nats.Msg) {
		var ev AlertEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping undecodable alert event", "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "SubscribeAlerts", "subscribe")
	}
	return &natsSubscription{sub: sub}, nil
}

// SubscribeHealth delivers connection transitions to handler.
func (b *NATSBus) SubscribeHealth(handler func(HealthEvent)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subjectHealth, func(msg *nats.Msg) {
		var ev HealthEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping undecodable health event", "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSBus", "SubscribeHealth", "subscribe")
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.nc.Drain() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.nc.Close()
		return ctx.Err()
	}
}
