package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEndpoint hands exchanges straight to its consumer and records
// what its producer receives
type recordingEndpoint struct {
	*BaseEndpoint
	mu        sync.Mutex
	processor Processor
	received  []*Exchange
}

type recordingConsumer struct {
	ep        *recordingEndpoint
	processor Processor
}

func (c *recordingConsumer) Endpoint() Endpoint { return c.ep }
func (c *recordingConsumer) Start(context.Context) error {
	c.ep.mu.Lock()
	c.ep.processor = c.processor
	c.ep.mu.Unlock()
	return nil
}
func (c *recordingConsumer) Stop(context.Context) error {
	c.ep.mu.Lock()
	c.ep.processor = nil
	c.ep.mu.Unlock()
	return nil
}

type recordingProducer struct {
	ep *recordingEndpoint
}

func (p *recordingProducer) Endpoint() Endpoint          { return p.ep }
func (p *recordingProducer) Start(context.Context) error { return nil }
func (p *recordingProducer) Stop(context.Context) error  { return nil }
func (p *recordingProducer) Process(ex *Exchange) *Completion {
	p.ep.mu.Lock()
	p.ep.received = append(p.ep.received, ex)
	p.ep.mu.Unlock()
	return Completed()
}

func (e *recordingEndpoint) CreateConsumer(p Processor) (Consumer, error) {
	return &recordingConsumer{ep: e, processor: p}, nil
}

func (e *recordingEndpoint) CreateProducer() (Producer, error) {
	return &recordingProducer{ep: e}, nil
}

func (e *recordingEndpoint) send(ex *Exchange) *Completion {
	e.mu.Lock()
	p := e.processor
	e.mu.Unlock()
	if p == nil {
		ex.SetErr(errors.New("not started"))
		return Completed()
	}
	return safeProcess(p, ex)
}

func newRecordingContext(t *testing.T) *Context {
	t.Helper()
	return NewContext(WithComponent("mock", ComponentFunc(func(rctx *Context, uri *URI) (Endpoint, error) {
		return &recordingEndpoint{BaseEndpoint: NewBaseEndpoint(rctx, uri.String())}, nil
	})))
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"direct:start", "direct://start"},
		{"direct://start", "direct://start"},
		{"file:/tmp/in?delete=true", "file:///tmp/in?delete=true"},
		{"HTTP://localhost:8080/x", "http://localhost:8080/x"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseURI(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	_, err := ParseURI("nouri")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestContextEndpoint(t *testing.T) {
	rctx := newRecordingContext(t)

	t.Run("caches by normalized uri", func(t *testing.T) {
		a, err := rctx.Endpoint("mock:a")
		require.NoError(t, err)
		b, err := rctx.Endpoint("mock://a")
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.Equal(t, "mock://a", a.URI())
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := rctx.Endpoint("nope:a")
		assert.ErrorIs(t, err, ErrEndpointNotFound)
	})

	t.Run("base endpoint refuses roles", func(t *testing.T) {
		ep := NewBaseEndpoint(rctx, "custom://x")
		_, err := ep.CreateConsumer(nil)
		assert.ErrorIs(t, err, ErrConsumerNotSupported)
		_, err = ep.CreateProducer()
		assert.ErrorIs(t, err, ErrProducerNotSupported)
	})
}

func TestContextLifecycle(t *testing.T) {
	t.Run("startup listeners run after routes", func(t *testing.T) {
		ctx := context.Background()
		rctx := newRecordingContext(t)
		require.NoError(t, rctx.AddRoutes(ctx, From("mock:in").To("mock:out")))

		var routesStarted bool
		require.NoError(t, rctx.OnStarted(ctx, func(context.Context) error {
			ep, _ := rctx.Endpoint("mock:in")
			routesStarted = ep.(*recordingEndpoint).processor != nil
			return nil
		}))
		assert.False(t, routesStarted)

		require.NoError(t, rctx.Start(ctx))
		assert.True(t, routesStarted)
		assert.True(t, rctx.IsStarted())

		late := false
		require.NoError(t, rctx.OnStarted(ctx, func(context.Context) error {
			late = true
			return nil
		}))
		assert.True(t, late)

		require.NoError(t, rctx.Stop(ctx))
		require.NoError(t, rctx.Stop(ctx))
		assert.ErrorIs(t, rctx.Start(ctx), ErrContextStopped)
	})

	t.Run("listener errors are returned", func(t *testing.T) {
		ctx := context.Background()
		rctx := newRecordingContext(t)
		require.NoError(t, rctx.OnStarted(ctx, func(context.Context) error { return assert.AnError }))

		assert.ErrorIs(t, rctx.Start(ctx), assert.AnError)
	})
}

func TestRoutePipeline(t *testing.T) {
	ctx := context.Background()
	rctx := newRecordingContext(t)
	require.NoError(t, rctx.AddRoutes(ctx,
		From("mock:in").
			SetHeader("step", Constant("one")).
			Transform(func(ex *Exchange) (any, error) { return ex.In().Body().(string) + "!", nil }).
			To("mock:out"),
		From("mock:fail").
			ProcessFunc(func(*Exchange) error { return assert.AnError }).
			To("mock:never"),
	))
	require.NoError(t, rctx.Start(ctx))
	defer rctx.Stop(ctx)

	t.Run("out becomes next in", func(t *testing.T) {
		in, _ := rctx.Endpoint("mock:in")
		ex := in.CreateExchange(InOut)
		ex.In().SetBody("hello")

		require.NoError(t, in.(*recordingEndpoint).send(ex).Wait(ctx))

		out, _ := rctx.Endpoint("mock:out")
		received := out.(*recordingEndpoint).received
		require.Len(t, received, 1)
		assert.Equal(t, "hello!", received[0].In().Body())
		assert.Equal(t, "one", received[0].In().Header("step"))
	})

	t.Run("failure stops the pipeline", func(t *testing.T) {
		in, _ := rctx.Endpoint("mock:fail")
		ex := in.CreateExchange(InOnly)

		require.NoError(t, in.(*recordingEndpoint).send(ex).Wait(ctx))

		assert.ErrorIs(t, ex.Err(), assert.AnError)
		never, _ := rctx.Endpoint("mock:never")
		assert.Empty(t, never.(*recordingEndpoint).received)
	})

	t.Run("transform with constant", func(t *testing.T) {
		require.NoError(t, rctx.AddRoutes(ctx, From("mock:const").Transform(Constant("OK"))))
		in, _ := rctx.Endpoint("mock:const")
		ex := in.CreateExchange(InOut)
		ex.In().SetBody("hello")

		require.NoError(t, in.(*recordingEndpoint).send(ex).Wait(ctx))

		assert.Equal(t, "OK", ex.Result().Body())
	})
}
