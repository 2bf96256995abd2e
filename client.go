// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/health"
	"github.com/glimte/mmate-bridge/router"
	"github.com/glimte/mmate-bridge/router/direct"
	"github.com/glimte/mmate-bridge/router/stream"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// ErrClientClosed is returned when using a closed client
var ErrClientClosed = errors.New("mmate: client is closed")

// Client owns an event bus, a router context and the bridges between them
type Client struct {
	bus      *eventbus.LocalBus
	router   *router.Context
	registry *health.Registry
	logger   *slog.Logger

	metrics        bridge.MetricsCollector
	tracerProvider trace.TracerProvider

	mu      sync.Mutex
	bridges []*bridge.Bridge
	closed  bool
}

// NewClient creates a client with the direct and stream components
// registered. Components passed with WithComponent are added on top.
func NewClient(options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:      slog.Default(),
		contextName: "mmate",
	}
	for _, opt := range options {
		opt(cfg)
	}

	bus := eventbus.NewLocalBus(append([]eventbus.LocalBusOption{eventbus.WithLogger(cfg.logger)}, cfg.busOptions...)...)

	rctx := router.NewContext(
		router.WithName(cfg.contextName),
		router.WithLogger(cfg.logger),
		router.WithComponent(direct.Scheme, direct.NewComponent()),
		router.WithComponent(stream.Scheme, stream.NewComponent()),
	)

	registry := health.NewRegistry()
	registry.Register(health.NewRouterChecker(rctx))

	for _, c := range cfg.components {
		rctx.AddComponent(c.scheme, c.component)
		switch source := c.component.(type) {
		case health.ConnectionSource:
			registry.Register(health.NewCheckerFunc(c.scheme, health.NewRabbitMQChecker(source).Check))
		case health.ClientSource:
			registry.Register(health.NewCheckerFunc(c.scheme, health.NewRedisChecker(source).Check))
		}
	}

	var metrics bridge.MetricsCollector = bridge.NoOpMetricsCollector{}
	if cfg.registerer != nil {
		metrics = bridge.NewPrometheusMetrics(cfg.registerer)
	}

	return &Client{
		bus:            bus,
		router:         rctx,
		registry:       registry,
		logger:         cfg.logger,
		metrics:        metrics,
		tracerProvider: cfg.tracerProvider,
	}
}

// Bus returns the event bus
func (c *Client) Bus() *eventbus.LocalBus {
	return c.bus
}

// Router returns the router context
func (c *Client) Router() *router.Context {
	return c.router
}

// Health returns the health registry. It holds a checker for the router
// context, one per bridge and one per rabbitmq or redis component.
func (c *Client) Health() *health.Registry {
	return c.registry
}

// NewBridgeConfig returns an empty bridge configuration for the client's
// router context
func (c *Client) NewBridgeConfig() *bridge.Config {
	return bridge.NewConfig(c.router)
}

// AddBridge creates a bridge from cfg sharing the client's logger, metrics
// and tracer provider. Options given here take precedence.
func (c *Client) AddBridge(cfg *bridge.Config, options ...bridge.Option) (*bridge.Bridge, error) {
	if cfg == nil || cfg.Router() != c.router {
		return nil, errors.New("mmate: bridge config must use the client router context")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	base := []bridge.Option{bridge.WithLogger(c.logger), bridge.WithMetrics(c.metrics)}
	if c.tracerProvider != nil {
		base = append(base, bridge.WithTracerProvider(c.tracerProvider))
	}
	b, err := bridge.New(c.bus, cfg, append(base, options...)...)
	if err != nil {
		return nil, err
	}

	name := "bridge"
	if len(c.bridges) > 0 {
		name = fmt.Sprintf("bridge-%d", len(c.bridges)+1)
	}
	c.registry.Register(health.NewBridgeChecker(name, b))
	c.bridges = append(c.bridges, b)
	return b, nil
}

// Start starts the router context, which attaches deferred bridges, then
// starts every bridge
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	bridges := append([]*bridge.Bridge(nil), c.bridges...)
	c.mu.Unlock()

	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("mmate: starting router: %w", err)
	}

	var errs []error
	for _, b := range bridges {
		if err := b.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.logger.Info("mmate client started", "bridges", len(bridges))
	return nil
}

// Close stops the bridges, then the router context, then the bus. Calling
// Close again is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	bridges := c.bridges
	c.mu.Unlock()

	var errs []error
	for _, b := range bridges {
		if err := b.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.router.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type namedComponent struct {
	scheme    string
	component router.Component
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	contextName    string
	busOptions     []eventbus.LocalBusOption
	components     []namedComponent
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithContextName names the router context
func WithContextName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.contextName = name
	}
}

// WithBusOptions passes options to the event bus
func WithBusOptions(options ...eventbus.LocalBusOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, options...)
	}
}

// WithComponent registers a router component under scheme
func WithComponent(scheme string, component router.Component) ClientOption {
	return func(cfg *clientConfig) {
		cfg.components = append(cfg.components, namedComponent{scheme: scheme, component: component})
	}
}

// WithMetricsRegisterer exports bridge metrics to reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithTracerProvider sets the provider bridge spans are created with
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = tp
	}
}
