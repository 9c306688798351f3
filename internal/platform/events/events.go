// Package events publishes billing hold lifecycle notifications so the claims
// module can react when a note becomes blocked or billable again.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	HoldCreated  = "hold.created"
	HoldResolved = "hold.resolved"
)

type HoldEvent struct {
	Type           string    `json:"type"`
	TenantID       string    `json:"tenant_id"`
	HoldID         string    `json:"hold_id"`
	ClinicalNoteID string    `json:"clinical_note_id"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	SourceRuleID   *string   `json:"source_rule_id,omitempty"`
	ResolvedBy     *string   `json:"resolved_by,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt HoldEvent) error
}

// AMQPPublisher publishes persistent messages to a durable topic exchange and
// waits for the broker's confirm. Routing key is the event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt HoldEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}

	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("amqp channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("broker nacked %s", evt.Type)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt HoldEvent) error {
	p.Logger.Info().
		Str("event", evt.Type).
		Str("tenant_id", evt.TenantID).
		Str("hold_id", evt.HoldID).
		Str("clinical_note_id", evt.ClinicalNoteID).
		Str("reason", evt.Reason).
		Msg("hold event")
	return nil
}
