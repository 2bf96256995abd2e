package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	mmate "github.com/glimte/mmate-bridge"
	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/internal/config"
	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/router"
	"github.com/glimte/mmate-bridge/router/file"
	routerhttp "github.com/glimte/mmate-bridge/router/http"
	routerrabbitmq "github.com/glimte/mmate-bridge/router/rabbitmq"
	routerredis "github.com/glimte/mmate-bridge/router/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var bodyTypes = map[string]reflect.Type{
	"string": reflect.TypeOf(""),
	"bytes":  reflect.TypeOf([]byte(nil)),
	"json":   reflect.TypeOf(map[string]any(nil)),
}

// app is one configured daemon instance
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *mmate.Client
	bridge   *bridge.Bridge
	registry *prometheus.Registry
	pools    []*eventbus.WorkerPool
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	options := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithContextName("mmate-bridge"),
		mmate.WithMetricsRegisterer(registry),
		mmate.WithBusOptions(
			eventbus.WithEventLoops(cfg.Bus.EventLoops),
			eventbus.WithWorkerPoolSize(cfg.Bus.WorkerPoolSize),
			eventbus.WithDefaultTimeout(cfg.Bus.DefaultTimeout),
		),
		mmate.WithComponent(file.Scheme, file.NewComponent(file.WithLogger(logger))),
		mmate.WithComponent(routerhttp.Scheme, newHTTPComponent(cfg.Components.HTTP, logger)),
	}
	if rc := cfg.Components.RabbitMQ; rc.URL != "" {
		options = append(options, mmate.WithComponent(routerrabbitmq.Scheme, routerrabbitmq.NewComponent(rc.URL,
			routerrabbitmq.WithLogger(logger),
			routerrabbitmq.WithRequestTimeout(rc.RequestTimeout),
			routerrabbitmq.WithConnectionOptions(
				rabbitmq.WithLogger(logger),
				rabbitmq.WithReconnectDelay(rc.ReconnectDelay),
			),
			routerrabbitmq.WithPoolOptions(
				rabbitmq.WithPoolLogger(logger),
				rabbitmq.WithMaxSize(rc.PoolSize),
				rabbitmq.WithIdleTimeout(rc.ChannelIdleTimeout),
				rabbitmq.WithWaitTimeout(rc.ChannelWaitTimeout),
			),
		)))
	}
	if rc := cfg.Components.Redis; rc.Addr != "" {
		options = append(options, mmate.WithComponent(routerredis.Scheme, routerredis.NewComponent(routerredis.Config{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		}, routerredis.WithLogger(logger))))
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		client:   mmate.NewClient(options...),
		registry: registry,
	}

	if err := a.addRoutes(); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	if err := a.addBridge(); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func newHTTPComponent(cfg config.HTTPConfig, logger *slog.Logger) *routerhttp.Component {
	options := []routerhttp.Option{routerhttp.WithLogger(logger)}
	if cfg.MaxBodySize > 0 {
		options = append(options, routerhttp.WithMaxBodySize(cfg.MaxBodySize))
	}
	if cfg.RateLimit > 0 {
		options = append(options, routerhttp.WithRateLimit(cfg.RateLimit, cfg.RateLimitWindow))
	}
	return routerhttp.NewComponent(options...)
}

func (a *app) addRoutes() error {
	builders := make([]*router.RouteBuilder, 0, len(a.cfg.Routes))
	for _, rc := range a.cfg.Routes {
		b := router.From(rc.From)
		if rc.ID != "" {
			b.ID(rc.ID)
		}
		if rc.Transform != "" {
			b.Transform(router.Constant(rc.Transform))
		}
		for _, to := range rc.To {
			b.To(to)
		}
		builders = append(builders, b)
	}
	if len(builders) == 0 {
		return nil
	}
	return a.client.Router().AddRoutes(context.Background(), builders...)
}

func (a *app) addBridge() error {
	bc := a.cfg.Bridge
	if len(bc.Inbound) == 0 && len(bc.Outbound) == 0 {
		return nil
	}

	cfg := a.client.NewBridgeConfig()
	for _, m := range bc.Inbound {
		mapping := bridge.FromRouter(m.URI).ToBus(m.Address)
		if m.Publish {
			mapping.UsePublish()
		}
		if !m.CopyHeaders() {
			mapping.WithoutHeadersCopy()
		}
		if t, ok := bodyTypes[m.BodyType]; ok {
			mapping.WithBodyType(t)
		}
		if m.Timeout > 0 {
			mapping.WithTimeout(m.Timeout)
		}
		cfg.AddInboundMapping(mapping)
	}
	for _, m := range bc.Outbound {
		mapping := bridge.FromBus(m.Address).ToRouter(m.URI).SetBlocking(m.Blocking)
		if !m.CopyHeaders() {
			mapping.WithoutHeadersCopy()
		}
		if m.WorkerPoolSize > 0 {
			pool := eventbus.NewWorkerPool("outbound-"+m.Address, m.WorkerPoolSize, eventbus.WithPoolLogger(a.logger))
			a.pools = append(a.pools, pool)
			mapping.WithWorkerPool(pool)
		}
		cfg.AddOutboundMapping(mapping)
	}

	var options []bridge.Option
	if bc.EagerAttach {
		options = append(options, bridge.WithEagerAttach())
	}
	b, err := a.client.AddBridge(cfg, options...)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	a.bridge = b
	return nil
}

// run starts everything and blocks until ctx ends or the admin server fails
func (a *app) run(ctx context.Context) error {
	if err := a.client.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.close(shutdownCtx))
	}

	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if a.cfg.Admin.Addr != "" {
		srv = &http.Server{
			Addr:              a.cfg.Admin.Addr,
			Handler:           a.adminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("admin server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if srv != nil {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = append(errs, a.close(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

// close stops the client and the dedicated worker pools
func (a *app) close(ctx context.Context) error {
	errs := []error{a.client.Close(ctx)}
	for _, pool := range a.pools {
		errs = append(errs, pool.Close(ctx))
	}
	return errors.Join(errs...)
}
