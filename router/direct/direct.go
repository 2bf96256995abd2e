// Package direct provides synchronous in-process endpoints. A producer hands
// the exchange to the single consumer of the same endpoint on the calling
// goroutine.
package direct

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-bridge/router"
)

// Scheme is the uri scheme of the component
const Scheme = "direct"

// ErrConsumerExists is returned when a second consumer starts on an endpoint
var ErrConsumerExists = errors.New("direct: endpoint already has a consumer")

// NoConsumersError is set on exchanges sent to an endpoint without consumer
type NoConsumersError struct {
	URI string
}

func (e *NoConsumersError) Error() string {
	return fmt.Sprintf("no consumers available on endpoint: %s", e.URI)
}

// Component creates direct endpoints
type Component struct{}

// NewComponent creates the component
func NewComponent() *Component {
	return &Component{}
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	if uri.Path == "" {
		return nil, fmt.Errorf("direct: endpoint name is required")
	}
	return &Endpoint{BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String())}, nil
}

// Endpoint is a direct endpoint
type Endpoint struct {
	*router.BaseEndpoint

	mu     sync.RWMutex
	active *consumer
}

// CreateConsumer implements router.Endpoint
func (e *Endpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	return &consumer{endpoint: e, processor: processor}, nil
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

// HasConsumer reports whether a consumer is started
func (e *Endpoint) HasConsumer() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active != nil
}

type consumer struct {
	endpoint  *Endpoint
	processor router.Processor
}

func (c *consumer) Endpoint() router.Endpoint { return c.endpoint }

func (c *consumer) Start(context.Context) error {
	c.endpoint.mu.Lock()
	defer c.endpoint.mu.Unlock()

	if c.endpoint.active != nil && c.endpoint.active != c {
		return fmt.Errorf("%w: %s", ErrConsumerExists, c.endpoint.URI())
	}
	c.endpoint.active = c
	return nil
}

func (c *consumer) Stop(context.Context) error {
	c.endpoint.mu.Lock()
	defer c.endpoint.mu.Unlock()

	if c.endpoint.active == c {
		c.endpoint.active = nil
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
	p.endpoint.mu.RLock()
	active := p.endpoint.active
	p.endpoint.mu.RUnlock()

	if active == nil {
		ex.SetErr(&NoConsumersError{URI: p.endpoint.URI()})
		return router.Completed()
	}
	return active.processor.Process(ex)
}
