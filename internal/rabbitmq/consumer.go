package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a delivery. A nil error acks it, an error nacks it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues, one dedicated channel per queue
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	requeue       bool
	handleTimeout time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithRequeue makes failed deliveries go back to the queue instead of being
// dead-lettered
func WithRequeue(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = requeue
	}
}

// WithHandleTimeout bounds a single handler call
func WithHandleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handleTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer borrowing channels from pool
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		handleTimeout: 30 * time.Second,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue. Deliveries are handled one at a time.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[queue]; exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed, Timestamp: time.Now()}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	tag := "mmate-bridge-" + ch.ID()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.active[queue] = sub
	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "consumerTag", tag, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.pool.Discard(sub.channel)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				c.mu.Lock()
				if c.active[sub.queue] == sub {
					delete(c.active, sub.queue)
				}
				c.mu.Unlock()
				return
			}
			c.handle(ctx, sub.queue, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()

	err := c.safeHandle(msgCtx, delivery, handler)
	if err != nil {
		c.logger.Error("failed to handle message", "error", err, "queue", queue, "messageId", delivery.MessageId)
		if nackErr := delivery.Nack(false, c.requeue); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr, "queue", queue)
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr, "queue", queue)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rabbitmq: handler panic: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

// Unsubscribe stops consuming queue and waits for the in-flight delivery
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	delete(c.active, queue)
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotSubscribed, Timestamp: time.Now()}
	}

	if err := sub.channel.Cancel(sub.tag, false); err != nil {
		c.logger.Debug("consumer cancel failed", "queue", queue, "error", err)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Queues returns the queues being consumed
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
