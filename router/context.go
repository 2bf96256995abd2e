package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrContextStopped is returned when using a stopped router context
var ErrContextStopped = errors.New("router: context is stopped")

// StartupListener runs once the router context has fully started
type StartupListener func(ctx context.Context) error

type contextState int

const (
	stateCreated contextState = iota
	stateStarting
	stateStarted
	stateStopped
)

// Context owns components, endpoints and routes
type Context struct {
	name      string
	logger    *slog.Logger
	converter *TypeConverter

	mu         sync.RWMutex
	state      contextState
	components map[string]Component
	endpoints  map[string]Endpoint
	routes     []*Route
	listeners  []StartupListener
}

// ContextOption configures a Context
type ContextOption func(*Context)

// WithName sets the context name used in logs
func WithName(name string) ContextOption {
	return func(c *Context) {
		c.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithComponent registers a component for scheme
func WithComponent(scheme string, component Component) ContextOption {
	return func(c *Context) {
		c.components[scheme] = component
	}
}

// NewContext creates a router context
func NewContext(options ...ContextOption) *Context {
	c := &Context{
		name:       "router",
		logger:     slog.Default(),
		converter:  NewTypeConverter(),
		components: make(map[string]Component),
		endpoints:  make(map[string]Endpoint),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Name returns the context name
func (c *Context) Name() string { return c.name }

// Logger returns the context logger
func (c *Context) Logger() *slog.Logger { return c.logger }

// TypeConverter returns the body conversion registry
func (c *Context) TypeConverter() *TypeConverter { return c.converter }

// AddComponent registers component for scheme, replacing any previous one
func (c *Context) AddComponent(scheme string, component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[scheme] = component
}

// Component returns the component registered for scheme
func (c *Context) Component(scheme string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[scheme]
	return comp, ok
}

// AddEndpoint registers a ready-made endpoint under its uri
func (c *Context) AddEndpoint(ep Endpoint) error {
	u, err := ParseURI(ep.URI())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[u.String()] = ep
	return nil
}

// Endpoint resolves uri, creating and caching the endpoint on first use
func (c *Context) Endpoint(uri string) (Endpoint, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	key := u.String()

	c.mu.RLock()
	ep, ok := c.endpoints[key]
	c.mu.RUnlock()
	if ok {
		return ep, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ep, ok := c.endpoints[key]; ok {
		return ep, nil
	}

	comp, ok := c.components[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s (no component for scheme %q)", ErrEndpointNotFound, uri, u.Scheme)
	}
	ep, err = comp.CreateEndpoint(c, u)
	if err != nil {
		return nil, fmt.Errorf("router: creating endpoint %s: %w", uri, err)
	}
	if ep == nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, uri)
	}

	c.endpoints[key] = ep
	c.logger.Debug("endpoint created", "uri", key, "context", c.name)
	return ep, nil
}

// AddRoutes builds the given routes. On a started context they start at once.
func (c *Context) AddRoutes(ctx context.Context, builders ...*RouteBuilder) error {
	var routes []*Route
	for _, b := range builders {
		route, err := b.build(c)
		if err != nil {
			return err
		}
		routes = append(routes, route)
	}

	c.mu.Lock()
	state := c.state
	if state == stateStopped {
		c.mu.Unlock()
		return ErrContextStopped
	}
	c.routes = append(c.routes, routes...)
	c.mu.Unlock()

	if state != stateStarted {
		return nil
	}
	for _, route := range routes {
		if err := route.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Routes returns the registered routes
func (c *Context) Routes() []*Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Route, len(c.routes))
	copy(out, c.routes)
	return out
}

// OnStarted registers listener to run after Start has started every
// component and route. On an already started context it runs immediately.
func (c *Context) OnStarted(ctx context.Context, listener StartupListener) error {
	c.mu.Lock()
	if c.state != stateStarted {
		c.listeners = append(c.listeners, listener)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return listener(ctx)
}

// IsStarted reports whether Start completed
func (c *Context) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateStarted
}

// Start starts the components that are services, then every route, then
// runs the startup listeners
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateStarted, stateStarting:
		c.mu.Unlock()
		return nil
	case stateStopped:
		c.mu.Unlock()
		return ErrContextStopped
	}
	c.state = stateStarting
	components := c.componentServices()
	routes := append([]*Route(nil), c.routes...)
	c.mu.Unlock()

	for scheme, svc := range components {
		if err := svc.Start(ctx); err != nil {
			c.setState(stateCreated)
			return fmt.Errorf("router: starting component %s: %w", scheme, err)
		}
	}
	for _, route := range routes {
		if err := route.Start(ctx); err != nil {
			c.setState(stateCreated)
			return err
		}
	}

	c.mu.Lock()
	c.state = stateStarted
	listeners := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	c.logger.Info("router context started", "context", c.name, "routes", len(routes))

	var errs []error
	for _, listener := range listeners {
		if err := listener(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops every route, then the components that are services
func (c *Context) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	components := c.componentServices()
	routes := append([]*Route(nil), c.routes...)
	c.mu.Unlock()

	var errs []error
	for i := len(routes) - 1; i >= 0; i-- {
		if err := routes[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for scheme, svc := range components {
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("router: stopping component %s: %w", scheme, err))
		}
	}

	c.logger.Info("router context stopped", "context", c.name)
	return errors.Join(errs...)
}

func (c *Context) setState(s contextState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// componentServices must be called with c.mu held
func (c *Context) componentServices() map[string]Service {
	out := make(map[string]Service)
	for scheme, comp := range c.components {
		if svc, ok := comp.(Service); ok {
			out[scheme] = svc
		}
	}
	return out
}
