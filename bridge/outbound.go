package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// outboundUnit consumes a bus address and hands messages to a router producer
type outboundUnit struct {
	mapping      OutboundMapping
	endpoint     router.Endpoint
	bus          eventbus.Bus
	producer     router.Producer
	subscription eventbus.Subscription
	state        atomic.Int32

	logger  *slog.Logger
	metrics MetricsCollector
	tracer  trace.Tracer
}

func (u *outboundUnit) status() UnitStatus {
	return UnitStatus{
		Direction: Outbound,
		URI:       u.mapping.uri,
		Address:   u.mapping.address,
		State:     UnitState(u.state.Load()),
	}
}

func (u *outboundUnit) pool() *eventbus.WorkerPool {
	if u.mapping.workerPool != nil {
		return u.mapping.workerPool
	}
	return u.bus.WorkerPool()
}

// handle runs on the bus event loop
func (u *outboundUnit) handle(msg eventbus.Message) {
	start := time.Now()
	address := u.mapping.address
	u.metrics.IncrementMessageCount(Outbound, address)

	pattern := router.InOnly
	if msg.ReplyAddress() != "" {
		pattern = router.InOut
	}

	ex := u.endpoint.CreateExchange(pattern)
	ex.In().SetBody(msg.Body())
	if u.mapping.headersCopy {
		ex.In().SetHeaders(toRouterHeaders(msg.Headers()))
	}

	ctx, span := u.tracer.Start(context.Background(), "bridge.outbound "+address,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("bridge.uri", u.mapping.uri),
			attribute.String("bridge.address", address),
			attribute.String("bridge.exchange_id", ex.ID()),
			attribute.String("bridge.pattern", pattern.String()),
			attribute.Bool("bridge.blocking", u.mapping.blocking),
		))
	ex.WithContext(ctx)

	var once sync.Once
	complete := func() {
		once.Do(func() {
			u.complete(ex, msg)
			u.metrics.RecordProcessingTime(Outbound, address, time.Since(start))
			if err := ex.Err(); err != nil {
				u.metrics.IncrementErrorCount(Outbound, address, errorType(err))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		})
	}

	if !u.mapping.blocking {
		u.dispatch(ex).OnComplete(complete)
		return
	}

	err := u.pool().Submit(func() {
		<-u.dispatch(ex).Done()
		complete()
	})
	if err != nil {
		ex.SetErr(fmt.Errorf("bridge: submitting to worker pool: %w", err))
		complete()
	}
}

// dispatch calls the producer. A panicking producer fails the exchange.
func (u *outboundUnit) dispatch(ex *router.Exchange) (c *router.Completion) {
	defer func() {
		if r := recover(); r != nil {
			ex.SetErr(fmt.Errorf("bridge: producer panic: %v", r))
			c = router.Completed()
		}
	}()
	c = u.producer.Process(ex)
	if c == nil {
		c = router.Completed()
	}
	return c
}

// complete answers the bus sender when it expects a reply. Reply headers are
// always copied, whatever the mapping says.
func (u *outboundUnit) complete(ex *router.Exchange, msg eventbus.Message) {
	if msg.ReplyAddress() == "" {
		if ex.Failed() {
			u.logger.Warn("outbound exchange failed", "uri", u.mapping.uri, "address", u.mapping.address, "error", ex.Err())
		}
		return
	}

	if ex.Failed() {
		msg.Fail(int(eventbus.RecipientFailure), ex.Err().Error())
		return
	}

	result := ex.Result()
	var opts eventbus.DeliveryOptions
	if result.HasHeaders() {
		opts.Headers = toBusHeaders(result.Headers())
	}
	if err := msg.Reply(result.Body(), opts); err != nil {
		ex.SetErr(err)
		u.logger.Error("replying to bus sender failed", "uri", u.mapping.uri, "address", u.mapping.address, "error", err)
	}
}

func (u *outboundUnit) start(ctx context.Context) error {
	if err := u.producer.Start(ctx); err != nil {
		u.state.Store(int32(StateFailed))
		return err
	}
	u.state.Store(int32(StateStarted))
	return nil
}

func (u *outboundUnit) stop(ctx context.Context) error {
	err := u.producer.Stop(ctx)
	u.state.Store(int32(StateStopped))
	return err
}
