package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms and retries
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish including retries when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the number of retries after the first attempt
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher borrowing channels from pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it. Mandatory
// publishes that cannot be routed fail with ErrPublishReturned.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Attempts: attempts, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		attempts++
		lastErr = p.publishOnce(ctx, exchange, routingKey, mandatory, msg)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			break
		}
		p.logger.Warn("publish failed", "exchange", exchange, "routingKey", routingKey, "attempt", attempts, "error", lastErr)
	}

	return &PublishError{Exchange: exchange, RoutingKey: routingKey, Attempts: attempts, Err: lastErr, Timestamp: time.Now()}
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	// confirm mode cannot be turned off again, so the channel is not reused
	defer p.pool.Discard(ch)

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("rabbitmq: enabling confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publishing: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	// a return always precedes the confirm of the same message
	var returned *amqp.Return
	for {
		select {
		case ret := <-returns:
			returned = &ret
		case confirm, ok := <-confirms:
			if !ok {
				return ErrConnectionClosed
			}
			if returned == nil {
				select {
				case ret := <-returns:
					returned = &ret
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("%w: %s", ErrPublishReturned, returned.ReplyText)
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
