package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// inboundUnit consumes a router endpoint and forwards exchanges to the bus
type inboundUnit struct {
	mapping   InboundMapping
	endpoint  router.Endpoint
	bus       eventbus.Bus
	converter *router.TypeConverter
	consumer  router.Consumer
	state     atomic.Int32

	logger  *slog.Logger
	metrics MetricsCollector
	tracer  trace.Tracer
}

func (u *inboundUnit) status() UnitStatus {
	return UnitStatus{
		Direction: Inbound,
		URI:       u.mapping.uri,
		Address:   u.mapping.address,
		State:     UnitState(u.state.Load()),
	}
}

// Process implements router.Processor. It never blocks on the bus: request
// replies resolve the returned completion from the reply handler.
func (u *inboundUnit) Process(ex *router.Exchange) *router.Completion {
	if UnitState(u.state.Load()) != StateStarted {
		ex.SetErr(ErrUnitNotStarted)
		return router.Completed()
	}

	start := time.Now()
	address := u.mapping.address
	u.metrics.IncrementMessageCount(Inbound, address)

	_, span := u.tracer.Start(ex.Context(), "bridge.inbound "+address,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("bridge.uri", u.mapping.uri),
			attribute.String("bridge.address", address),
			attribute.String("bridge.exchange_id", ex.ID()),
			attribute.String("bridge.pattern", ex.Pattern().String()),
		))

	finish := func(err error) {
		u.metrics.RecordProcessingTime(Inbound, address, time.Since(start))
		if err != nil {
			u.metrics.IncrementErrorCount(Inbound, address, errorType(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			u.logger.Debug("inbound exchange failed", "uri", u.mapping.uri, "address", address, "error", err)
		}
		span.End()
	}

	in := ex.In()
	body, err := toBusBody(u.converter, in.Body(), u.mapping.bodyType)
	if err != nil {
		ex.SetErr(err)
		finish(err)
		return router.Completed()
	}

	var opts eventbus.DeliveryOptions
	if u.mapping.headersCopy && in.HasHeaders() {
		opts.Headers = toBusHeaders(in.Headers())
	}

	switch {
	case u.mapping.publish:
		err = u.bus.Publish(address, body, opts)
	case ex.Pattern() == router.InOut:
		opts.Timeout = u.mapping.timeout
		done := router.NewCompletion()
		err = u.bus.Request(address, body, opts, func(reply eventbus.Message, replyErr error) {
			if replyErr != nil {
				ex.SetErr(replyErr)
			} else {
				out := router.NewMessage(reply.Body())
				out.SetHeaders(toRouterHeaders(reply.Headers()))
				ex.SetOut(out)
			}
			finish(replyErr)
			done.Complete()
		})
		if err == nil {
			return done
		}
	default:
		err = u.bus.Send(address, body, opts)
	}

	if err != nil {
		ex.SetErr(err)
	}
	finish(err)
	return router.Completed()
}

func (u *inboundUnit) start(ctx context.Context) error {
	u.state.Store(int32(StateStarted))
	if err := u.consumer.Start(ctx); err != nil {
		u.state.Store(int32(StateFailed))
		return err
	}
	return nil
}

func (u *inboundUnit) stop(ctx context.Context) error {
	err := u.consumer.Stop(ctx)
	u.state.Store(int32(StateStopped))
	return err
}
