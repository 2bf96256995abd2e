package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-bridge/bridge"

// UnitState is the lifecycle state of one bridged mapping
type UnitState int32

const (
	StateCreated UnitState = iota
	StateStarted
	StateStopped
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("UnitState(%d)", int32(s))
	}
}

// UnitStatus describes one attached unit
type UnitStatus struct {
	Direction Direction
	URI       string
	Address   string
	State     UnitState
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithTracerProvider sets the provider bridge spans are created with.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) {
		b.tracerProvider = tp
	}
}

// WithEagerAttach attaches the units in New instead of waiting for the
// router context to start
func WithEagerAttach() Option {
	return func(b *Bridge) {
		b.eager = true
	}
}

type resolvedInbound struct {
	mapping  InboundMapping
	endpoint router.Endpoint
}

type resolvedOutbound struct {
	mapping  OutboundMapping
	endpoint router.Endpoint
}

// Bridge owns the units built from one Config
type Bridge struct {
	bus    eventbus.Bus
	router *router.Context

	logger         *slog.Logger
	metrics        MetricsCollector
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	eager          bool

	inbound  []resolvedInbound
	outbound []resolvedOutbound

	mu       sync.Mutex
	attached bool
	started  bool
	stopped  bool
	inUnits  []*inboundUnit
	outUnits []*outboundUnit
}

// New validates cfg and creates a bridge. Every mapping must have an address
// and an endpoint the router context can resolve.
//
// By default the units are attached once the router context reports it has
// started; WithEagerAttach attaches them before New returns.
func New(bus eventbus.Bus, cfg *Config, options ...Option) (*Bridge, error) {
	if bus == nil {
		return nil, errors.New("bridge: bus is required")
	}
	if cfg == nil || cfg.router == nil {
		return nil, errors.New("bridge: config with router context is required")
	}

	b := &Bridge{
		bus:     bus,
		router:  cfg.router,
		logger:  slog.Default(),
		metrics: NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(b)
	}
	if b.tracerProvider == nil {
		b.tracerProvider = otel.GetTracerProvider()
	}
	b.tracer = b.tracerProvider.Tracer(tracerName)

	for _, m := range cfg.inbound {
		ep, err := b.resolve(Inbound, m.Mapping)
		if err != nil {
			return nil, err
		}
		if m.hasTimeout && m.timeout <= 0 {
			return nil, &ConfigurationError{Direction: Inbound, URI: m.uri, Address: m.address, Err: ErrInvalidTimeout}
		}
		b.inbound = append(b.inbound, resolvedInbound{mapping: m, endpoint: ep})
	}
	for _, m := range cfg.outbound {
		ep, err := b.resolve(Outbound, m.Mapping)
		if err != nil {
			return nil, err
		}
		b.outbound = append(b.outbound, resolvedOutbound{mapping: m, endpoint: ep})
	}

	if b.eager {
		if err := b.Attach(context.Background()); err != nil {
			return nil, err
		}
		return b, nil
	}

	err := b.router.OnStarted(context.Background(), func(ctx context.Context) error {
		if err := b.Attach(ctx); err != nil && !errors.Is(err, ErrStopped) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) resolve(dir Direction, m Mapping) (router.Endpoint, error) {
	fail := func(err error) error {
		return &ConfigurationError{Direction: dir, URI: m.uri, Address: m.address, Err: err}
	}
	if m.address == "" {
		return nil, fail(ErrEmptyAddress)
	}
	if m.uri == "" {
		return nil, fail(ErrEmptyURI)
	}
	if m.endpoint != nil {
		return m.endpoint, nil
	}
	ep, err := b.router.Endpoint(m.uri)
	if err != nil {
		return nil, fail(err)
	}
	return ep, nil
}

// Attach creates the router consumers and producers and registers the bus
// consumers. Bus subscriptions are live as soon as Attach returns; router
// consumers and producers wait for Start. Calling Attach again is a no-op.
func (b *Bridge) Attach(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.attached {
		return nil
	}

	inUnits := make([]*inboundUnit, 0, len(b.inbound))
	for _, r := range b.inbound {
		unit := &inboundUnit{
			mapping:   r.mapping,
			endpoint:  r.endpoint,
			bus:       b.bus,
			converter: b.router.TypeConverter(),
			logger:    b.logger,
			metrics:   b.metrics,
			tracer:    b.tracer,
		}
		consumer, err := r.endpoint.CreateConsumer(unit)
		if err != nil {
			return &ConfigurationError{Direction: Inbound, URI: r.mapping.uri, Address: r.mapping.address, Err: err}
		}
		unit.consumer = consumer
		inUnits = append(inUnits, unit)
	}

	outUnits := make([]*outboundUnit, 0, len(b.outbound))
	for _, r := range b.outbound {
		producer, err := r.endpoint.CreateProducer()
		if err != nil {
			return &ConfigurationError{Direction: Outbound, URI: r.mapping.uri, Address: r.mapping.address, Err: err}
		}
		outUnits = append(outUnits, &outboundUnit{
			mapping:  r.mapping,
			endpoint: r.endpoint,
			bus:      b.bus,
			producer: producer,
			logger:   b.logger,
			metrics:  b.metrics,
			tracer:   b.tracer,
		})
	}

	for i, unit := range outUnits {
		sub, err := b.bus.Consumer(unit.mapping.address, unit.handle)
		if err != nil {
			for _, registered := range outUnits[:i] {
				_ = registered.subscription.Unregister()
			}
			return &ConfigurationError{Direction: Outbound, URI: unit.mapping.uri, Address: unit.mapping.address, Err: err}
		}
		unit.subscription = sub
	}

	b.inUnits = inUnits
	b.outUnits = outUnits
	b.attached = true
	b.logger.Info("bridge attached", "inbound", len(inUnits), "outbound", len(outUnits))
	return nil
}

// Attached reports whether Attach has run
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// Start starts every router consumer and producer on the bus worker pool.
// All units are attempted; failures are joined into one error of
// *LifecycleError values and successfully started units stay started.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if !b.attached {
		return ErrNotAttached
	}
	if b.started {
		return nil
	}

	err := b.runAll(ctx, "start", func(u unit) func(context.Context) error { return u.start })
	b.started = true
	if err != nil {
		b.logger.Error("bridge started with failures", "error", err)
		return err
	}
	b.logger.Info("bridge started")
	return nil
}

// StartAsync runs Start on its own goroutine. The channel receives the
// result and is then closed.
func (b *Bridge) StartAsync(ctx context.Context) <-chan error {
	return async(func() error { return b.Start(ctx) })
}

// Stop stops every router consumer and producer, then unregisters the bus
// consumers. Calling Stop again is a no-op.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil
	}
	b.stopped = true
	if !b.attached {
		return nil
	}

	var errs []error
	if err := b.runAll(ctx, "stop", func(u unit) func(context.Context) error { return u.stop }); err != nil {
		errs = append(errs, err)
	}
	for _, u := range b.outUnits {
		if err := u.subscription.Unregister(); err != nil {
			errs = append(errs, &LifecycleError{Op: "unregister", Direction: Outbound, URI: u.mapping.uri, Err: err})
		}
	}

	b.logger.Info("bridge stopped")
	return errors.Join(errs...)
}

// StopAsync runs Stop on its own goroutine. The channel receives the result
// and is then closed.
func (b *Bridge) StopAsync(ctx context.Context) <-chan error {
	return async(func() error { return b.Stop(ctx) })
}

// Units reports the state of every attached unit, inbound first
func (b *Bridge) Units() []UnitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := make([]UnitStatus, 0, len(b.inUnits)+len(b.outUnits))
	for _, u := range b.inUnits {
		statuses = append(statuses, u.status())
	}
	for _, u := range b.outUnits {
		statuses = append(statuses, u.status())
	}
	return statuses
}

type unit interface {
	status() UnitStatus
	start(ctx context.Context) error
	stop(ctx context.Context) error
}

// runAll runs op on every unit concurrently using the bus worker pool and
// waits for all of them. Must be called with b.mu held.
func (b *Bridge) runAll(ctx context.Context, op string, pick func(unit) func(context.Context) error) error {
	units := make([]unit, 0, len(b.inUnits)+len(b.outUnits))
	for _, u := range b.inUnits {
		units = append(units, u)
	}
	for _, u := range b.outUnits {
		units = append(units, u)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	pool := b.bus.WorkerPool()
	for _, u := range units {
		fn := pick(u)
		status := u.status()
		task := func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, &LifecycleError{Op: op, Direction: status.Direction, URI: status.URI, Err: err})
				mu.Unlock()
			}
		}

		wg.Add(1)
		if pool == nil || pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func async(fn func() error) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- fn()
	}()
	return result
}
