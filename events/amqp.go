package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// confirmation is the broker's answer to one publish.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// channel is the slice of *amqp.Channel the dispatcher uses.
type channel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type amqpChannel struct{ *amqp.Channel }

func (c amqpChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

// AMQP publishes events to a topic exchange, routed by event name. Each
// publish waits for its own broker confirmation.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	log      *zap.Logger
}

// DialAMQP connects, declares a durable topic exchange and enables
// publisher confirms.
func DialAMQP(url, exchange string, log *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}
	d := newAMQP(amqpChannel{ch}, exchange, log)
	d.conn = conn
	return d, nil
}

func newAMQP(ch channel, exchange string, log *zap.Logger) *AMQP {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQP{ch: ch, exchange: exchange, log: log}
}

func (d *AMQP) Dispatch(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Type:         string(e.Name),
	}

	// Publishes are serialized so delivery tags follow dispatch order; the
	// wait for the broker is not.
	d.mu.Lock()
	conf, err := d.ch.publish(ctx, d.exchange, string(e.Name), msg)
	d.mu.Unlock()
	if err != nil {
		d.log.Error("events.AMQP.Dispatch publish failed", zap.String("name", string(e.Name)), zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", e.Name, err)
	}

	ack, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirmation of %s: %w", e.Name, err)
	}
	if !ack {
		return fmt.Errorf("event %s not confirmed by broker", e.Name)
	}
	return nil
}

func (d *AMQP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ch.Close(); err != nil {
		d.log.Warn("events.AMQP.Close channel", zap.Error(err))
	}
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
