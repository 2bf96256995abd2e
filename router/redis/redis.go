// Package redis bridges router exchanges to redis pub/sub channels. The uri
// redis:<channel> consumes by subscribing and produces by publishing.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/router"
	"github.com/redis/go-redis/v9"
)

// Scheme is the uri scheme of the component
const Scheme = "redis"

// HeaderChannel carries the channel a message was received on
const HeaderChannel = "RedisChannel"

// ErrNotConnected is returned when the component has no client yet
var ErrNotConnected = errors.New("redis: component is not started")

// Config holds connection settings used when no client is injected
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Component creates redis endpoints sharing one client
type Component struct {
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	client redis.UniversalClient
	owned  bool
}

// Option configures the component
type Option func(*Component)

// WithClient injects a client; the component does not close it
func WithClient(client redis.UniversalClient) Option {
	return func(c *Component) {
		c.client = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// NewComponent creates the component
func NewComponent(config Config, options ...Option) *Component {
	c := &Component{config: config, logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Client returns the shared client, nil before Start
func (c *Component) Client() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Start connects and pings the server
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		if c.config.Addr == "" {
			c.mu.Unlock()
			return errors.New("redis: addr is required")
		}
		c.client = redis.NewClient(&redis.Options{
			Addr:         c.config.Addr,
			Username:     c.config.Username,
			Password:     c.config.Password,
			DB:           c.config.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		c.owned = true
	}
	client := c.client
	c.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	c.logger.Info("connected to redis", "addr", c.config.Addr)
	return nil
}

// Stop closes the client when the component created it
func (c *Component) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil || !c.owned {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.owned = false
	return err
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	if uri.Path == "" {
		return nil, errors.New("redis: channel is required")
	}
	return &Endpoint{
		BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String()),
		component:    c,
		channel:      uri.Path,
	}, nil
}

// Endpoint is a redis channel
type Endpoint struct {
	*router.BaseEndpoint
	component *Component
	channel   string
}

// Channel returns the channel name
func (e *Endpoint) Channel() string { return e.channel }

// CreateConsumer implements router.Endpoint
func (e *Endpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	return &consumer{endpoint: e, processor: processor}, nil
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

type consumer struct {
	endpoint  *Endpoint
	processor router.Processor

	mu   sync.Mutex
	sub  *redis.PubSub
	done chan struct{}
}

func (c *consumer) Endpoint() router.Endpoint { return c.endpoint }

func (c *consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return nil
	}
	client := c.endpoint.component.Client()
	if client == nil {
		return ErrNotConnected
	}

	sub := client.Subscribe(context.Background(), c.endpoint.channel)
	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis: subscribing to %s: %w", c.endpoint.channel, err)
	}

	c.sub = sub
	c.done = make(chan struct{})
	go c.run(sub.Channel(), c.done)
	return nil
}

func (c *consumer) Stop(context.Context) error {
	c.mu.Lock()
	sub := c.sub
	done := c.done
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}

func (c *consumer) run(messages <-chan *redis.Message, done chan<- struct{}) {
	defer close(done)

	for msg := range messages {
		if msg == nil {
			continue
		}
		ex := c.endpoint.CreateExchange(router.InOnly)
		ex.In().SetBody([]byte(msg.Payload))
		ex.In().SetHeader(HeaderChannel, msg.Channel)

		<-c.processor.Process(ex).Done()
		if ex.Failed() {
			c.endpoint.component.logger.Error("processing redis message failed",
				"channel", msg.Channel, "error", ex.Err())
		}
	}
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
		if err := p.publish(ex); err != nil {
			ex.SetErr(err)
		}
	}()
	return done
}

func (p *producer) publish(ex *router.Exchange) error {
	client := p.endpoint.component.Client()
	if client == nil {
		return ErrNotConnected
	}
	payload, err := router.ConvertTo[[]byte](ex.Router().TypeConverter(), ex.In().Body())
	if err != nil {
		return err
	}
	receivers, err := client.Publish(ex.Context(), p.endpoint.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis: publishing to %s: %w", p.endpoint.channel, err)
	}
	if ex.Pattern() == router.InOut {
		out := ex.In().Copy()
		out.SetHeader("RedisReceivers", receivers)
		ex.SetOut(out)
	}
	return nil
}
