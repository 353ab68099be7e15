// Package eventbus is a RabbitMQ-backed cache-event bus: the
// Orchestrator publishes miss/bump/fallback/integrity-error events for
// observability and cmd/eventsink consumes them. Built around an
// amqpConnection/amqpChannel interface pair with
// QueueDeclare/PublishWithContext/Consume usage and ack/nack-with-retry
// discipline.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventType enumerates the cache events the bus carries.
type EventType string

const (
	EventCacheMiss      EventType = "cache_miss"
	EventVersionBumped  EventType = "version_bumped"
	EventFallback       EventType = "fallback_triggered"
	EventIntegrityError EventType = "integrity_error"
)

// Event is a single cache-lifecycle event.
type Event struct {
	Type        EventType `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	Version     int       `json:"version,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  int64     `json:"occurredAt"` // unix ms
	RetryCount  int       `json:"retryCount,omitempty"`
}

// ClientConfig configures the bus connection.
type ClientConfig struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
	Prefetch   int
}

// DefaultClientConfig returns sensible defaults for the cache-event queue.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:        url,
		QueueName:  "cache_events",
		Exchange:   "",
		RoutingKey: "cache_events",
		Prefetch:   10,
	}
}

type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Bus publishes and consumes cache events over RabbitMQ.
type Bus struct {
	conn    amqpConnection
	channel amqpChannel
	config  ClientConfig
	logger  *slog.Logger
}

// NewBus dials RabbitMQ and declares the cache-events queue.
func NewBus(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Bus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connecting to RabbitMQ: %w", err)
	}
	return newBusWithConnection(ctx, conn, cfg, logger)
}

func newBusWithConnection(ctx context.Context, conn amqpConnection, cfg ClientConfig, logger *slog.Logger) (*Bus, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: opening channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: setting QoS: %w", err)
	}
	_, err = ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: declaring queue: %w", err)
	}
	return &Bus{conn: conn, channel: ch, config: cfg, logger: logger}, nil
}

// Publish emits a cache event. Publish failures are the caller's to
// decide on; the Orchestrator treats them as non-fatal (logged, never
// propagated to the client response).
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshaling event: %w", err)
	}
	err = b.channel.PublishWithContext(ctx, b.config.Exchange, b.config.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("eventbus: publishing event: %w", err)
	}
	return nil
}

// maxRetries bounds how many times a failed handler invocation is
// requeued with an incremented RetryCount before being dropped.
const maxRetries = 5

// Consume runs handler for every event received until ctx is cancelled.
// Malformed payloads are nack'd without requeue; handler failures are
// republished with an incremented RetryCount up to maxRetries, then
// dropped.
func (b *Bus) Consume(ctx context.Context, handler func(Event) error) error {
	msgs, err := b.channel.Consume(b.config.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("eventbus: registering consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("eventbus: delivery channel closed unexpectedly")
			}

			var evt Event
			if err := json.Unmarshal(msg.Body, &evt); err != nil {
				_ = msg.Nack(false, false)
				continue
			}

			if err := handler(evt); err != nil {
				if evt.RetryCount >= maxRetries {
					b.logger.Error("eventbus: dropping event after max retries",
						slog.String("type", string(evt.Type)), slog.String("fingerprint", evt.Fingerprint))
					_ = msg.Nack(false, false)
					continue
				}
				evt.RetryCount++
				if pubErr := b.Publish(ctx, evt); pubErr != nil {
					b.logger.Error("eventbus: failed to republish event for retry", slog.Any("error", pubErr))
					_ = msg.Nack(false, false)
				} else {
					_ = msg.Ack(false)
				}
				continue
			}

			_ = msg.Ack(false)
		}
	}
}

// Close closes the channel and connection.
func (b *Bus) Close() error {
	var errs []error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
