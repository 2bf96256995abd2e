package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Expression evaluates a value against an exchange
type Expression func(ex *Exchange) (any, error)

// Constant returns an expression that always yields v
func Constant(v any) Expression {
	return func(*Exchange) (any, error) { return v, nil }
}

// Body returns an expression yielding the In body
func Body() Expression {
	return func(ex *Exchange) (any, error) { return ex.In().Body(), nil }
}

// Header returns an expression yielding an In header
func Header(name string) Expression {
	return func(ex *Exchange) (any, error) { return ex.In().Header(name), nil }
}

type stepKind int

const (
	stepProcess stepKind = iota
	stepTo
)

type stepDef struct {
	kind      stepKind
	processor Processor
	uri       string
}

// RouteBuilder describes a route: one consuming endpoint followed by a
// pipeline of steps
type RouteBuilder struct {
	id    string
	from  string
	steps []stepDef
}

// From starts a route consuming from uri
func From(uri string) *RouteBuilder {
	return &RouteBuilder{from: uri}
}

// ID sets the route id
func (b *RouteBuilder) ID(id string) *RouteBuilder {
	b.id = id
	return b
}

// Transform sets the Out message to a copy of In with the evaluated body
func (b *RouteBuilder) Transform(expr Expression) *RouteBuilder {
	return b.Process(SyncProcessor(func(ex *Exchange) error {
		v, err := expr(ex)
		if err != nil {
			return err
		}
		out := ex.In().Copy()
		out.SetBody(v)
		ex.SetOut(out)
		return nil
	}))
}

// SetBody replaces the In body with the evaluated value
func (b *RouteBuilder) SetBody(expr Expression) *RouteBuilder {
	return b.Process(SyncProcessor(func(ex *Exchange) error {
		v, err := expr(ex)
		if err != nil {
			return err
		}
		ex.In().SetBody(v)
		return nil
	}))
}

// SetHeader sets an In header to the evaluated value
func (b *RouteBuilder) SetHeader(name string, expr Expression) *RouteBuilder {
	return b.Process(SyncProcessor(func(ex *Exchange) error {
		v, err := expr(ex)
		if err != nil {
			return err
		}
		ex.In().SetHeader(name, v)
		return nil
	}))
}

// ProcessFunc appends a synchronous step
func (b *RouteBuilder) ProcessFunc(fn func(ex *Exchange) error) *RouteBuilder {
	return b.Process(SyncProcessor(fn))
}

// Process appends a processor step
func (b *RouteBuilder) Process(p Processor) *RouteBuilder {
	b.steps = append(b.steps, stepDef{kind: stepProcess, processor: p})
	return b
}

// To sends the exchange to the producer of uri
func (b *RouteBuilder) To(uri string) *RouteBuilder {
	b.steps = append(b.steps, stepDef{kind: stepTo, uri: uri})
	return b
}

func (b *RouteBuilder) build(rctx *Context) (*Route, error) {
	id := b.id
	if id == "" {
		id = "route-" + uuid.New().String()[:8]
	}

	from, err := rctx.Endpoint(b.from)
	if err != nil {
		return nil, fmt.Errorf("router: route %s: %w", id, err)
	}

	route := &Route{id: id, from: from, router: rctx}
	for _, def := range b.steps {
		switch def.kind {
		case stepProcess:
			route.pipeline.steps = append(route.pipeline.steps, def.processor)
		case stepTo:
			ep, err := rctx.Endpoint(def.uri)
			if err != nil {
				return nil, fmt.Errorf("router: route %s: %w", id, err)
			}
			producer, err := ep.CreateProducer()
			if err != nil {
				return nil, fmt.Errorf("router: route %s: %w", id, err)
			}
			route.producers = append(route.producers, producer)
			route.pipeline.steps = append(route.pipeline.steps, producer)
		}
	}
	return route, nil
}

// Route is a built route: a consumer feeding a pipeline
type Route struct {
	id        string
	from      Endpoint
	router    *Context
	pipeline  pipeline
	producers []Producer

	mu       sync.Mutex
	consumer Consumer
	started  bool
}

// ID returns the route id
func (r *Route) ID() string { return r.id }

// From returns the consuming endpoint
func (r *Route) From() Endpoint { return r.from }

// Start starts the producers, then the consumer
func (r *Route) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	for _, p := range r.producers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("router: route %s: starting producer %s: %w", r.id, p.Endpoint().URI(), err)
		}
	}
	if r.consumer == nil {
		consumer, err := r.from.CreateConsumer(&r.pipeline)
		if err != nil {
			return fmt.Errorf("router: route %s: %w", r.id, err)
		}
		r.consumer = consumer
	}
	if err := r.consumer.Start(ctx); err != nil {
		return fmt.Errorf("router: route %s: starting consumer: %w", r.id, err)
	}
	r.started = true
	r.router.logger.Debug("route started", "route", r.id, "from", r.from.URI())
	return nil
}

// Stop stops the consumer, then the producers
func (r *Route) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	var errs []error
	if err := r.consumer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, p := range r.producers {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pipeline runs steps in order; the Out of one step becomes the In of the next
type pipeline struct {
	steps []Processor
}

func (p *pipeline) Process(ex *Exchange) *Completion {
	done := NewCompletion()
	p.run(ex, 0, done)
	return done
}

func (p *pipeline) run(ex *Exchange, i int, done *Completion) {
	for ; i < len(p.steps); i++ {
		if ex.Failed() {
			break
		}
		if i > 0 {
			ex.promoteOut()
		}
		c := safeProcess(p.steps[i], ex)
		if !c.IsDone() {
			next := i + 1
			c.OnComplete(func() { p.run(ex, next, done) })
			return
		}
	}
	done.Complete()
}
