// Package transport provides outbox.Transport implementations: an AMQP
// publisher for production and an in-process transport for tests and
// single-binary deployments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrChannelRequired  = errors.New("transport: amqp channel is required")
	ErrPublishNacked    = errors.New("transport: message was nacked by broker")
	ErrConfirmTimeout   = errors.New("transport: confirmation timed out")
	ErrTransportClosed  = errors.New("transport: closed")
	ErrExchangeRequired = errors.New("transport: exchange name is required")
)

const (
	defaultConfirmTimeout = 5 * time.Second

	// confirmBuffer must cover the max unconfirmed messages in flight;
	// publishes are serialized so one slot would do, the headroom is for
	// late confirms after a timeout.
	confirmBuffer = 16
)

// AMQPChannel is the slice of amqp091.Channel the transport uses. Narrowed
// to an interface so tests can run without a broker.
type AMQPChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig tunes the AMQP transport.
type AMQPConfig struct {
	// Exchange is the topic exchange events are published to. Declared
	// durable on construction.
	Exchange string
	// ConfirmTimeout bounds the wait for broker confirmation per publish.
	ConfirmTimeout time.Duration
}

// AMQP delivers outbox events to a RabbitMQ topic exchange with publisher
// confirms: Publish returns nil only after the broker acknowledged the
// message, which is what lets the outbox mark the record PUBLISHED.
//
// Publishes are serialized so confirmations correlate to publishes without
// delivery-tag bookkeeping. The outbox publisher already partitions work, so
// per-transport serialization does not reorder anything.
type AMQP struct {
	ch             AMQPChannel
	exchange       string
	confirmTimeout time.Duration
	confirms       chan amqp.Confirmation

	mu     sync.Mutex
	closed bool
}

// NewAMQP puts ch into confirm mode, declares the topic exchange, and
// returns the transport. The channel must be dedicated to this transport.
func NewAMQP(ch AMQPChannel, cfg AMQPConfig) (*AMQP, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if cfg.Exchange == "" {
		return nil, ErrExchangeRequired
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	confirms := make(chan amqp.Confirmation, confirmBuffer)
	ch.NotifyPublish(confirms)

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	return &AMQP{
		ch:             ch,
		exchange:       cfg.Exchange,
		confirmTimeout: cfg.ConfirmTimeout,
		confirms:       confirms,
	}, nil
}

// Publish sends one event, routed by its event type, and waits for the
// broker's confirmation.
func (t *AMQP) Publish(ctx context.Context, eventType string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         eventType,
		Body:         payload,
	}

	if err := t.ch.PublishWithContext(ctx, t.exchange, eventType, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	return t.waitConfirm(ctx)
}

// Close closes the underlying channel. Pending publishes fail.
func (t *AMQP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	return t.ch.Close()
}

func (t *AMQP) waitConfirm(ctx context.Context) error {
	timeout := time.NewTimer(t.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-t.confirms:
		if !ok {
			return ErrTransportClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
