// Package stream provides producer-only endpoints writing bodies to an
// io.Writer, one line per exchange.
package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/glimte/mmate-bridge/router"
)

// Scheme is the uri scheme of the component
const Scheme = "stream"

// Component creates stream endpoints. stream:out and stream:err write to the
// process's stdout and stderr; other names must be registered with WithWriter.
type Component struct {
	mu      sync.Mutex
	writers map[string]io.Writer
}

// Option configures the component
type Option func(*Component)

// WithWriter makes stream:<name> write to w
func WithWriter(name string, w io.Writer) Option {
	return func(c *Component) {
		c.writers[name] = w
	}
}

// NewComponent creates the component
func NewComponent(options ...Option) *Component {
	c := &Component{
		writers: map[string]io.Writer{
			"out": os.Stdout,
			"err": os.Stderr,
		},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	c.mu.Lock()
	w, ok := c.writers[uri.Path]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("stream: unknown stream %q", uri.Path)
	}
	return &Endpoint{BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String()), writer: w}, nil
}

// Endpoint is a stream endpoint
type Endpoint struct {
	*router.BaseEndpoint
	mu     sync.Mutex
	writer io.Writer
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

type producer struct {
	endpoint *Endpoint
}

func (p *producer) Endpoint() router.Endpoint   { return p.endpoint }
func (p *producer) Start(context.Context) error { return nil }
func (p *producer) Stop(context.Context) error  { return nil }

func (p *producer) Process(ex *router.Exchange) *router.Completion {
	body, err := router.ConvertTo[string](ex.Router().TypeConverter(), ex.In().Body())
	if err != nil {
		ex.SetErr(err)
		return router.Completed()
	}

	p.endpoint.mu.Lock()
	defer p.endpoint.mu.Unlock()
	if _, err := fmt.Fprintln(p.endpoint.writer, body); err != nil {
		ex.SetErr(fmt.Errorf("stream: write to %s: %w", p.endpoint.URI(), err))
	}
	return router.Completed()
}
