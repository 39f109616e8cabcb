// ABOUTME: RabbitMQ topic-exchange publisher with confirms and dial retry
// ABOUTME: Envelopes are published as persistent JSON messages keyed by event type

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// maxDialDelay caps the backoff between dial attempts.
const maxDialDelay = 60 * time.Second

// Publisher sends envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// Options configures the AMQP publisher.
type Options struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *slog.Logger
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(ctx context.Context, opts Options) (*AMQPPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "events")

	conn, err := DialWithRetry(ctx, opts.URL, opts.RetryAttempts, opts.RetryDelay, logger)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", opts.Exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: opts.Exchange,
		logger:   logger,
	}, nil
}

// DialWithRetry connects with exponential backoff, giving up after attempts
// tries or when ctx is done.
func DialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay << (i - 1)
		if sleep > maxDialDelay || sleep <= 0 {
			sleep = maxDialDelay
		}
		logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", attempts, lastErr)
}

// Publish sends env with routing key key and waits for the broker confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	if p.conn.IsClosed() {
		return ErrPublisherClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enabling confirms: %w", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Meta.Type, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", env.Meta.Type, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s", env.Meta.ID)
	}

	p.logger.Debug("published", "key", key, "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
