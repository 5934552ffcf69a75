// Package events publishes security audit entries to a RabbitMQ topic
// exchange so downstream consumers (fraud scoring, notification fan-out) can
// react to authorization and account-linking activity.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"vitrine.store/internal/audit"
	"vitrine.store/internal/obs"
)

const exchangeName = "vitrine.security"

// Publisher implements audit.Sink over AMQP. The audit event type doubles as
// the routing key, so consumers bind on patterns like "linking.*" or
// "authz.denied".
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	enabled bool
}

var _ audit.Sink = (*Publisher)(nil)

// NewPublisher connects to the broker and declares the security exchange.
// An empty URL yields a disabled publisher whose Record is a no-op, so
// deployments without a broker keep working.
func NewPublisher(amqpURL string) (*Publisher, error) {
	if amqpURL == "" {
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "amqp url empty, event publishing disabled",
		})
		return &Publisher{}, nil
	}

	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{conn: conn, channel: channel, enabled: true}, nil
}

// Record publishes the entry as a persistent JSON message.
func (p *Publisher) Record(ctx context.Context, eventType, subjectID string, success bool, payload map[string]any) error {
	if !p.enabled {
		return nil
	}

	entry := audit.NewEntry(eventType, subjectID, success, payload)
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.channel.PublishWithContext(pubCtx, exchangeName, eventType, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    entry.OccurredAt,
		MessageId:    entry.ID,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			obs.LogEvent(map[string]any{
				"level": "error",
				"msg":   "close amqp channel",
				"error": err.Error(),
			})
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close broker connection: %w", err)
		}
	}
	return nil
}
