// Package rabbitmq connects router endpoints to RabbitMQ queues.
//
// The uri rabbitmq:<queue>?exchange=<x>&routingKey=<k> consumes <queue> and
// publishes to exchange <x> with key <k>. Without an exchange the default
// exchange is used and the routing key defaults to the queue name.
//
// Deliveries carrying a ReplyTo property are handled as request/reply: the
// result of the route is published back to ReplyTo with the same correlation
// id. Producers on InOut exchanges do the reverse through direct reply-to.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/router"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Scheme is the uri scheme of the component
const Scheme = "rabbitmq"

// Headers set on consumed exchanges
const (
	HeaderExchange      = "RabbitMQExchange"
	HeaderRoutingKey    = "RabbitMQRoutingKey"
	HeaderMessageID     = "RabbitMQMessageId"
	HeaderCorrelationID = "RabbitMQCorrelationId"
	HeaderReplyTo       = "RabbitMQReplyTo"
	HeaderContentType   = "RabbitMQContentType"

	// HeaderError is set on replies to failed requests
	HeaderError = "x-mmate-error"
)

const directReplyTo = "amq.rabbitmq.reply-to"

var (
	// ErrNotConnected is returned when the component has not been started
	ErrNotConnected = errors.New("rabbitmq: component is not started")

	// ErrRequestTimeout is returned when no reply arrives in time
	ErrRequestTimeout = errors.New("rabbitmq: timed out waiting for reply")
)

// RemoteError is a failure reported by the replying side of a request
type RemoteError struct {
	Queue   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rabbitmq: request to %s failed: %s", e.Queue, e.Message)
}

// Component creates rabbitmq endpoints sharing one connection
type Component struct {
	url            string
	logger         *slog.Logger
	connOptions    []rabbitmq.ConnectionOption
	poolOptions    []rabbitmq.ChannelPoolOption
	pubOptions     []rabbitmq.PublisherOption
	consumeOptions []rabbitmq.ConsumerOption
	requestTimeout time.Duration

	mu        sync.RWMutex
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

// Option configures the component
type Option func(*Component)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) Option {
	return func(c *Component) {
		c.connOptions = append(c.connOptions, options...)
	}
}

// WithPoolOptions passes options to the channel pool
func WithPoolOptions(options ...rabbitmq.ChannelPoolOption) Option {
	return func(c *Component) {
		c.poolOptions = append(c.poolOptions, options...)
	}
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(options ...rabbitmq.PublisherOption) Option {
	return func(c *Component) {
		c.pubOptions = append(c.pubOptions, options...)
	}
}

// WithConsumerOptions passes options to the consumer
func WithConsumerOptions(options ...rabbitmq.ConsumerOption) Option {
	return func(c *Component) {
		c.consumeOptions = append(c.consumeOptions, options...)
	}
}

// WithRequestTimeout bounds how long InOut producers wait for a reply
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Component) {
		c.requestTimeout = timeout
	}
}

// NewComponent creates a component for the broker at url
func NewComponent(url string, options ...Option) *Component {
	c := &Component{
		url:            url,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Start connects to the broker
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manager != nil {
		return nil
	}

	connOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(c.logger)}, c.connOptions...)
	manager := rabbitmq.NewConnectionManager(c.url, connOptions...)
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	poolOptions := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(c.logger)}, c.poolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOptions...)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOptions := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(c.logger)}, c.pubOptions...)
	consumeOptions := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(c.logger)}, c.consumeOptions...)

	c.manager = manager
	c.pool = pool
	c.publisher = rabbitmq.NewPublisher(pool, pubOptions...)
	c.consumer = rabbitmq.NewConsumer(pool, consumeOptions...)
	c.topology = rabbitmq.NewTopologyManager(pool)
	return nil
}

// Stop closes the channel pool and the connection
func (c *Component) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manager == nil {
		return nil
	}
	for _, queue := range c.consumer.Queues() {
		_ = c.consumer.Unsubscribe(queue)
	}
	err := errors.Join(c.pool.Close(), c.manager.Close())
	c.manager, c.pool, c.publisher, c.consumer, c.topology = nil, nil, nil, nil, nil
	return err
}

// Connection returns the connection manager, nil before Start
func (c *Component) Connection() *rabbitmq.ConnectionManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

// Topology returns the topology manager, nil before Start
func (c *Component) Topology() *rabbitmq.TopologyManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology
}

type clients struct {
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

func (c *Component) clients() (clients, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.manager == nil {
		return clients{}, ErrNotConnected
	}
	return clients{pool: c.pool, publisher: c.publisher, consumer: c.consumer, topology: c.topology}, nil
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	if uri.Path == "" {
		return nil, fmt.Errorf("%w: rabbitmq queue is required", router.ErrInvalidURI)
	}
	ep := &Endpoint{
		BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String()),
		component:    c,
		queue:        uri.Path,
		exchange:     uri.Param("exchange", ""),
		exchangeType: uri.Param("exchangeType", amqp.ExchangeDirect),
		declare:      uri.BoolParam("declare", false),
		durable:      uri.BoolParam("durable", true),
		mandatory:    uri.BoolParam("mandatory", false),
	}
	ep.routingKey = uri.Param("routingKey", "")
	if ep.routingKey == "" && ep.exchange == "" {
		ep.routingKey = ep.queue
	}
	return ep, nil
}

// Endpoint is a queue for consumers and an exchange/routing key for producers
type Endpoint struct {
	*router.BaseEndpoint
	component    *Component
	queue        string
	exchange     string
	exchangeType string
	routingKey   string
	declare      bool
	durable      bool
	mandatory    bool
}

// Queue returns the consumed queue
func (e *Endpoint) Queue() string { return e.queue }

// Exchange returns the exchange producers publish to
func (e *Endpoint) Exchange() string { return e.exchange }

// RoutingKey returns the key producers publish with
func (e *Endpoint) RoutingKey() string { return e.routingKey }

// CreateConsumer implements router.Endpoint
func (e *Endpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	return &consumer{endpoint: e, processor: processor}, nil
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

func (e *Endpoint) topology() rabbitmq.Topology {
	var t rabbitmq.Topology
	if !e.declare {
		return t
	}
	t.Queues = append(t.Queues, rabbitmq.QueueDeclaration{Name: e.queue, Durable: e.durable})
	if e.exchange != "" {
		t.Exchanges = append(t.Exchanges, rabbitmq.ExchangeDeclaration{Name: e.exchange, Type: e.exchangeType, Durable: e.durable})
		t.Bindings = append(t.Bindings, rabbitmq.Binding{Queue: e.queue, Exchange: e.exchange, RoutingKey: e.routingKey})
	}
	return t
}

type consumer struct {
	endpoint  *Endpoint
	processor router.Processor

	mu      sync.Mutex
	running bool
}

func (c *consumer) Endpoint() router.Endpoint { return c.endpoint }

func (c *consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	cl, err := c.endpoint.component.clients()
	if err != nil {
		return err
	}
	if err := cl.topology.Declare(ctx, c.endpoint.topology()); err != nil {
		return err
	}
	if err := cl.consumer.Subscribe(ctx, c.endpoint.queue, c.handle); err != nil {
		return err
	}
	c.running = true
	return nil
}

func (c *consumer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	cl, err := c.endpoint.component.clients()
	if err != nil {
		// the component already unsubscribed everything
		return nil
	}
	return cl.consumer.Unsubscribe(c.endpoint.queue)
}

func (c *consumer) handle(ctx context.Context, d amqp.Delivery) error {
	pattern := router.InOnly
	if d.ReplyTo != "" {
		pattern = router.InOut
	}

	ex := c.endpoint.CreateExchange(pattern)
	ex.WithContext(ctx)
	in := ex.In()
	in.SetBody(d.Body)
	in.SetHeaders(TableToHeaders(d.Headers))
	in.SetHeader(HeaderExchange, d.Exchange)
	in.SetHeader(HeaderRoutingKey, d.RoutingKey)
	if d.MessageId != "" {
		in.SetHeader(HeaderMessageID, d.MessageId)
	}
	if d.CorrelationId != "" {
		in.SetHeader(HeaderCorrelationID, d.CorrelationId)
	}
	if d.ReplyTo != "" {
		in.SetHeader(HeaderReplyTo, d.ReplyTo)
	}
	if d.ContentType != "" {
		in.SetHeader(HeaderContentType, d.ContentType)
	}

	if err := c.processor.Process(ex).Wait(ctx); err != nil {
		return err
	}

	if pattern == router.InOnly {
		return ex.Err()
	}
	return c.reply(ctx, d, ex)
}

func (c *consumer) reply(ctx context.Context, d amqp.Delivery, ex *router.Exchange) error {
	cl, err := c.endpoint.component.clients()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{CorrelationId: d.CorrelationId}
	if ex.Failed() {
		msg.Headers = amqp.Table{HeaderError: ex.Err().Error()}
	} else {
		result := ex.Result()
		body, err := router.ConvertTo[[]byte](ex.Router().TypeConverter(), result.Body())
		if err != nil {
			msg.Headers = amqp.Table{HeaderError: err.Error()}
		} else {
			msg.Body = body
			msg.Headers = HeadersToTable(result.Headers())
		}
	}

	// replies go through the default exchange straight to the reply queue
	if err := cl.publisher.Publish(ctx, "", d.ReplyTo, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: replying to %s: %w", d.ReplyTo, err)
	}
	return nil
}

type producer struct {
	endpoint *Endpoint
}

func (p *producer) Endpoint() router.Endpoint   { return p.endpoint }
func (p *producer) Start(context.Context) error { return nil }
func (p *producer) Stop(context.Context) error  { return nil }

func (p *producer) Process(ex *router.Exchange) *router.Completion {
	done := router.NewCompletion()
	go func() {
		defer done.Complete()
		var err error
		if ex.Pattern() == router.InOut {
			err = p.request(ex)
		} else {
			err = p.publish(ex)
		}
		if err != nil {
			ex.SetErr(err)
		}
	}()
	return done
}

func (p *producer) publishing(ex *router.Exchange) (amqp.Publishing, error) {
	body, err := router.ConvertTo[[]byte](ex.Router().TypeConverter(), ex.In().Body())
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      HeadersToTable(ex.In().Headers()),
	}, nil
}

func (p *producer) publish(ex *router.Exchange) error {
	cl, err := p.endpoint.component.clients()
	if err != nil {
		return err
	}
	msg, err := p.publishing(ex)
	if err != nil {
		return err
	}
	return cl.publisher.Publish(ex.Context(), p.endpoint.exchange, p.endpoint.routingKey, p.endpoint.mandatory, msg)
}

// request publishes with direct reply-to and waits for the correlated reply.
// The reply consumer must be registered on the publishing channel first.
func (p *producer) request(ex *router.Exchange) error {
	cl, err := p.endpoint.component.clients()
	if err != nil {
		return err
	}
	msg, err := p.publishing(ex)
	if err != nil {
		return err
	}
	msg.CorrelationId = uuid.NewString()
	msg.ReplyTo = directReplyTo

	ctx, cancel := context.WithTimeout(ex.Context(), p.endpoint.component.requestTimeout)
	defer cancel()

	ch, err := cl.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer cl.pool.Discard(ch)

	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consuming replies: %w", err)
	}
	if err := ch.PublishWithContext(ctx, p.endpoint.exchange, p.endpoint.routingKey, p.endpoint.mandatory, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publishing request: %w", err)
	}

	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return rabbitmq.ErrConnectionClosed
			}
			if d.CorrelationId != msg.CorrelationId {
				continue
			}
			if reason, failed := d.Headers[HeaderError]; failed {
				return &RemoteError{Queue: p.endpoint.routingKey, Message: fmt.Sprint(reason)}
			}
			out := router.NewMessage(d.Body)
			out.SetHeaders(TableToHeaders(d.Headers))
			ex.SetOut(out)
			return nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrRequestTimeout
			}
			return ctx.Err()
		}
	}
}
