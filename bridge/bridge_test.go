package bridge

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"github.com/glimte/mmate-bridge/router/direct"
	"github.com/glimte/mmate-bridge/router/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitTimeout = 5 * time.Second

type person struct {
	Name string
}

func setup(t *testing.T, busOptions ...eventbus.LocalBusOption) (*eventbus.LocalBus, *router.Context) {
	t.Helper()

	bus := eventbus.NewLocalBus(busOptions...)
	rctx := router.NewContext(
		router.WithComponent(direct.Scheme, direct.NewComponent()),
		router.WithComponent(stream.Scheme, stream.NewComponent()),
	)
	t.Cleanup(func() {
		_ = rctx.Stop(context.Background())
		_ = bus.Close(context.Background())
	})
	return bus, rctx
}

func startBridge(t *testing.T, bus eventbus.Bus, rctx *router.Context, cfg *Config, options ...Option) *Bridge {
	t.Helper()

	b, err := New(bus, cfg, options...)
	require.NoError(t, err)
	require.NoError(t, rctx.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

// sendToRouter pushes an exchange into the endpoint at uri and waits for it
func sendToRouter(t *testing.T, rctx *router.Context, uri string, pattern router.Pattern, body any, headers map[string]any) *router.Exchange {
	t.Helper()

	ep, err := rctx.Endpoint(uri)
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	ex := ep.CreateExchange(pattern)
	ex.In().SetBody(body)
	ex.In().SetHeaders(headers)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, producer.Process(ex).Wait(ctx))
	return ex
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

type reply struct {
	msg eventbus.Message
	err error
}

func request(t *testing.T, bus eventbus.Bus, address string, body any, opts eventbus.DeliveryOptions) <-chan reply {
	t.Helper()
	replies := make(chan reply, 1)
	require.NoError(t, bus.Request(address, body, opts, func(msg eventbus.Message, err error) {
		replies <- reply{msg: msg, err: err}
	}))
	return replies
}

func TestInboundSend(t *testing.T) {
	t.Run("body and headers are sent to the address", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 2)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOnly, "hello", map[string]any{
			"key":   "value",
			"list":  []string{"a", "b"},
			"empty": nil,
		})
		require.NoError(t, ex.Err())

		msg := receive(t, received)
		assert.Equal(t, "hello", msg.Body())
		assert.Equal(t, "value", msg.Headers().Get("key"))
		assert.Equal(t, []string{"a", "b"}, msg.Headers().GetAll("list"))
		assert.False(t, msg.Headers().Contains("empty"))
		assert.Empty(t, msg.ReplyAddress())

		select {
		case <-received:
			t.Fatal("message delivered twice")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("headers stay behind without headers copy", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 1)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test").WithoutHeadersCopy()))

		sendToRouter(t, rctx, "direct:foo", router.InOnly, "hello", map[string]any{"key": "value"})

		msg := receive(t, received)
		assert.Equal(t, "hello", msg.Body())
		assert.True(t, msg.Headers().IsEmpty())
	})

	t.Run("endpoint handle mapping", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 1)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		ep, err := rctx.Endpoint("direct:foo")
		require.NoError(t, err)
		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouterEndpoint(ep).ToBus("test")))

		sendToRouter(t, rctx, "direct:foo", router.InOnly, 42, nil)
		assert.Equal(t, 42, receive(t, received).Body())
	})

	t.Run("raw buffer becomes a bus buffer", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 1)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

		sendToRouter(t, rctx, "direct:foo", router.InOnly, bytes.NewBufferString("raw"), nil)
		assert.Equal(t, eventbus.Buffer("raw"), receive(t, received).Body())
	})

	t.Run("byte slices pass through", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 1)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

		sendToRouter(t, rctx, "direct:foo", router.InOnly, []byte("raw"), nil)
		assert.Equal(t, []byte("raw"), receive(t, received).Body())
	})

	t.Run("body type conversion", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan eventbus.Message, 1)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("test").WithBodyType(reflect.TypeOf(""))))

		sendToRouter(t, rctx, "direct:foo", router.InOnly, []byte("converted"), nil)
		assert.Equal(t, "converted", receive(t, received).Body())
	})

	t.Run("conversion failure fails the exchange", func(t *testing.T) {
		bus, rctx := setup(t)
		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("test").WithBodyType(reflect.TypeOf(0))))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOnly, "not a number", nil)

		var convErr *router.ConversionError
		assert.ErrorAs(t, ex.Err(), &convErr)
	})
}

func TestInboundCodec(t *testing.T) {
	bus, rctx := setup(t)
	received := make(chan eventbus.Message, 1)
	_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
	require.NoError(t, err)

	startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

	t.Run("custom type without codec fails the exchange", func(t *testing.T) {
		ex := sendToRouter(t, rctx, "direct:foo", router.InOnly, person{Name: "bob"}, nil)

		var codecErr *eventbus.CodecNotFoundError
		require.ErrorAs(t, ex.Err(), &codecErr)
		assert.Contains(t, ex.Err().Error(), "no message codec for type")
	})

	t.Run("registered codec delivers the body", func(t *testing.T) {
		require.NoError(t, bus.RegisterDefaultCodec(reflect.TypeOf(person{}),
			eventbus.NewCodecFunc("person", func(body any) any { return body })))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOnly, person{Name: "bob"}, nil)
		require.NoError(t, ex.Err())
		assert.Equal(t, person{Name: "bob"}, receive(t, received).Body())
	})
}

func TestInboundPublish(t *testing.T) {
	bus, rctx := setup(t)

	const consumers = 3
	var count atomic.Int32
	received := make(chan string, consumers*2)
	for i := 0; i < consumers; i++ {
		_, err := bus.Consumer("news", func(msg eventbus.Message) {
			count.Add(1)
			received <- msg.Body().(string)
		})
		require.NoError(t, err)
	}

	startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("news").UsePublish()))

	// a two-way exchange completes without waiting for a reply
	ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "headline", nil)
	require.NoError(t, ex.Err())
	assert.False(t, ex.HasOut())

	for i := 0; i < consumers; i++ {
		assert.Equal(t, "headline", receive(t, received))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(consumers), count.Load())
}

func TestInboundRequestReply(t *testing.T) {
	t.Run("reply lands in the output message", func(t *testing.T) {
		bus, rctx := setup(t)
		_, err := bus.Consumer("test", func(msg eventbus.Message) {
			_ = msg.Reply("R", eventbus.DeliveryOptions{Headers: eventbus.NewHeaders().Add("reply", "yes")})
		})
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("test").WithoutHeadersCopy()))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "ping", map[string]any{"request": "1"})
		require.NoError(t, ex.Err())
		require.True(t, ex.HasOut())
		assert.Equal(t, "R", ex.Out().Body())
		assert.Equal(t, "yes", ex.Out().Header("reply"))
		assert.Nil(t, ex.Out().Header("request"))
	})

	t.Run("reply from another goroutine", func(t *testing.T) {
		bus, rctx := setup(t)
		_, err := bus.Consumer("test", func(msg eventbus.Message) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = msg.Reply(msg.Body().(string)+"-pong", eventbus.DeliveryOptions{})
			}()
		})
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "ping", nil)
		require.NoError(t, ex.Err())
		assert.Equal(t, "ping-pong", ex.Out().Body())
	})

	t.Run("timeout carries the configured value", func(t *testing.T) {
		bus, rctx := setup(t)
		_, err := bus.Consumer("test", func(eventbus.Message) {})
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("test").WithTimeout(100*time.Millisecond)))

		begin := time.Now()
		ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "ping", nil)
		elapsed := time.Since(begin)

		require.Error(t, ex.Err())
		assert.True(t, eventbus.IsReplyFailure(ex.Err(), eventbus.Timeout))
		assert.Contains(t, ex.Err().Error(), "timed out")
		assert.Contains(t, ex.Err().Error(), "100")
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("closing the bus fails a pending request", func(t *testing.T) {
		bus, rctx := setup(t)
		delivered := make(chan struct{}, 1)
		_, err := bus.Consumer("test", func(eventbus.Message) { delivered <- struct{}{} })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("test").WithTimeout(time.Minute)))

		ep, err := rctx.Endpoint("direct:foo")
		require.NoError(t, err)
		producer, err := ep.CreateProducer()
		require.NoError(t, err)
		ex := ep.CreateExchange(router.InOut)
		ex.In().SetBody("ping")
		completion := producer.Process(ex)

		receive(t, delivered)
		require.NoError(t, bus.Close(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, completion.Wait(ctx))
		assert.True(t, eventbus.IsReplyFailure(ex.Err(), eventbus.Error))
		assert.EqualError(t, ex.Err(), eventbus.ErrBusClosed.Error())
		assert.False(t, ex.HasOut())
	})

	t.Run("no handlers", func(t *testing.T) {
		bus, rctx := setup(t)
		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
			FromRouter("direct:foo").ToBus("nobody").WithTimeout(5*time.Second)))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "ping", nil)
		assert.True(t, eventbus.IsReplyFailure(ex.Err(), eventbus.NoHandlers))
	})

	t.Run("recipient failure", func(t *testing.T) {
		bus, rctx := setup(t)
		_, err := bus.Consumer("test", func(msg eventbus.Message) { msg.Fail(42, "rejected") })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test")))

		ex := sendToRouter(t, rctx, "direct:foo", router.InOut, "ping", nil)

		var replyErr *eventbus.ReplyError
		require.ErrorAs(t, ex.Err(), &replyErr)
		assert.Equal(t, eventbus.RecipientFailure, replyErr.Failure)
		assert.Equal(t, 42, replyErr.Code)
		assert.Equal(t, "rejected", replyErr.Message)
	})
}

func TestOutbound(t *testing.T) {
	t.Run("body and headers reach the router", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan *router.Exchange, 1)
		require.NoError(t, rctx.AddRoutes(context.Background(), router.From("direct:bar").ProcessFunc(func(ex *router.Exchange) error {
			received <- ex
			return nil
		})))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("out").ToRouter("direct:bar")))

		headers := eventbus.NewHeaders().Add("key", "value").AddAll("list", "a", "b")
		require.NoError(t, bus.Send("out", "hello", eventbus.DeliveryOptions{Headers: headers}))

		ex := receive(t, received)
		assert.Equal(t, router.InOnly, ex.Pattern())
		assert.Equal(t, "hello", ex.In().Body())
		assert.Equal(t, map[string]any{"key": "value", "list": []string{"a", "b"}}, ex.In().Headers())
	})

	t.Run("headers stay behind without headers copy", func(t *testing.T) {
		bus, rctx := setup(t)
		received := make(chan *router.Exchange, 1)
		require.NoError(t, rctx.AddRoutes(context.Background(), router.From("direct:bar").ProcessFunc(func(ex *router.Exchange) error {
			received <- ex
			return nil
		})))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("out").ToRouter("direct:bar").WithoutHeadersCopy()))

		require.NoError(t, bus.Send("out", "hello", eventbus.DeliveryOptions{Headers: eventbus.NewHeaders().Add("key", "value")}))

		ex := receive(t, received)
		assert.Equal(t, "hello", ex.In().Body())
		assert.False(t, ex.In().HasHeaders())
	})

	t.Run("transform route answers the sender", func(t *testing.T) {
		bus, rctx := setup(t)
		require.NoError(t, rctx.AddRoutes(context.Background(),
			router.From("direct:ok").Transform(router.Constant("OK"))))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("test").ToRouter("direct:ok")))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		require.NoError(t, r.err)
		assert.Equal(t, "OK", r.msg.Body())
	})

	t.Run("reply headers are copied without headers copy", func(t *testing.T) {
		bus, rctx := setup(t)
		require.NoError(t, rctx.AddRoutes(context.Background(),
			router.From("direct:ok").SetHeader("handled", router.Constant("yes"))))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(
			FromBus("test").ToRouter("direct:ok").WithoutHeadersCopy()))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		require.NoError(t, r.err)
		assert.Equal(t, "hello", r.msg.Body())
		assert.Equal(t, "yes", r.msg.Headers().Get("handled"))
	})

	t.Run("route failure fails the reply", func(t *testing.T) {
		bus, rctx := setup(t)
		require.NoError(t, rctx.AddRoutes(context.Background(), router.From("direct:bad").ProcessFunc(func(*router.Exchange) error {
			return errors.New("boom")
		})))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("test").ToRouter("direct:bad")))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		var replyErr *eventbus.ReplyError
		require.ErrorAs(t, r.err, &replyErr)
		assert.Equal(t, eventbus.RecipientFailure, replyErr.Failure)
		assert.Equal(t, int(eventbus.RecipientFailure), replyErr.Code)
		assert.Equal(t, "boom", replyErr.Message)
	})

	t.Run("endpoint without consumer fails the reply", func(t *testing.T) {
		bus, rctx := setup(t)
		ep, err := rctx.Endpoint("direct:missing")
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("test").ToRouterEndpoint(ep)))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		require.Error(t, r.err)
		assert.Equal(t, "no consumers available on endpoint: direct://missing", r.err.Error())
	})
}

func TestOutboundBlocking(t *testing.T) {
	t.Run("slow producer does not hold the event loop", func(t *testing.T) {
		bus, rctx := setup(t, eventbus.WithEventLoops(1))
		release := make(chan struct{})
		require.NoError(t, rctx.AddRoutes(context.Background(), router.From("direct:slow").ProcessFunc(func(ex *router.Exchange) error {
			<-release
			ex.In().SetBody("slow-done")
			return nil
		})))
		_, err := bus.Consumer("fast", func(msg eventbus.Message) { _ = msg.Reply("pong", eventbus.DeliveryOptions{}) })
		require.NoError(t, err)

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(FromBus("slow").ToRouter("direct:slow").SetBlocking(true)))

		slow := request(t, bus, "slow", "work", eventbus.DeliveryOptions{})

		fast := request(t, bus, "fast", "ping", eventbus.DeliveryOptions{})
		select {
		case r := <-fast:
			require.NoError(t, r.err)
			assert.Equal(t, "pong", r.msg.Body())
		case <-time.After(time.Second):
			t.Fatal("event loop blocked by slow producer")
		}

		close(release)
		r := receive(t, slow)
		require.NoError(t, r.err)
		assert.Equal(t, "slow-done", r.msg.Body())
	})

	t.Run("dedicated worker pool", func(t *testing.T) {
		bus, rctx := setup(t)
		pool := eventbus.NewWorkerPool("dedicated", 1)
		t.Cleanup(func() { _ = pool.Close(context.Background()) })

		require.NoError(t, rctx.AddRoutes(context.Background(),
			router.From("direct:ok").Transform(router.Constant("OK"))))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(
			FromBus("test").ToRouter("direct:ok").SetBlocking(true).WithWorkerPool(pool)))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		require.NoError(t, r.err)
		assert.Equal(t, "OK", r.msg.Body())
	})

	t.Run("closed pool fails the reply", func(t *testing.T) {
		bus, rctx := setup(t)
		pool := eventbus.NewWorkerPool("closed", 1)
		require.NoError(t, pool.Close(context.Background()))

		require.NoError(t, rctx.AddRoutes(context.Background(),
			router.From("direct:ok").Transform(router.Constant("OK"))))

		startBridge(t, bus, rctx, NewConfig(rctx).AddOutboundMapping(
			FromBus("test").ToRouter("direct:ok").SetBlocking(true).WithWorkerPool(pool)))

		r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
		assert.True(t, eventbus.IsReplyFailure(r.err, eventbus.RecipientFailure))
	})
}

func TestConfigurationErrors(t *testing.T) {
	bus, rctx := setup(t)

	tests := []struct {
		name    string
		cfg     *Config
		options []Option
		want    error
	}{
		{
			name: "inbound without address",
			cfg:  NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo")),
			want: ErrEmptyAddress,
		},
		{
			name: "inbound without uri",
			cfg:  NewConfig(rctx).AddInboundMapping(FromRouter("").ToBus("test")),
			want: ErrEmptyURI,
		},
		{
			name: "inbound from nil endpoint",
			cfg:  NewConfig(rctx).AddInboundMapping(FromRouterEndpoint(nil).ToBus("test")),
			want: ErrEmptyURI,
		},
		{
			name: "outbound without address",
			cfg:  NewConfig(rctx).AddOutboundMapping(FromBus("").ToRouter("direct:foo")),
			want: ErrEmptyAddress,
		},
		{
			name: "outbound without uri",
			cfg:  NewConfig(rctx).AddOutboundMapping(FromBus("test")),
			want: ErrEmptyURI,
		},
		{
			name: "unresolvable endpoint",
			cfg:  NewConfig(rctx).AddOutboundMapping(FromBus("test").ToRouter("unknown:foo")),
			want: router.ErrEndpointNotFound,
		},
		{
			name: "zero timeout",
			cfg:  NewConfig(rctx).AddInboundMapping(FromRouter("direct:foo").ToBus("test").WithTimeout(0)),
			want: ErrInvalidTimeout,
		},
		{
			name:    "endpoint that cannot consume",
			cfg:     NewConfig(rctx).AddInboundMapping(FromRouter("stream:out").ToBus("test")),
			options: []Option{WithEagerAttach()},
			want:    router.ErrConsumerNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(bus, tt.cfg, tt.options...)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("nil collaborators", func(t *testing.T) {
		_, err := New(nil, NewConfig(rctx))
		assert.Error(t, err)
		_, err = New(bus, nil)
		assert.Error(t, err)
		_, err = New(bus, NewConfig(nil))
		assert.Error(t, err)
	})

	t.Run("role check fails router start in deferred mode", func(t *testing.T) {
		bus, rctx := setup(t)
		_, err := New(bus, NewConfig(rctx).AddInboundMapping(FromRouter("stream:out").ToBus("test")))
		require.NoError(t, err)

		err = rctx.Start(context.Background())
		assert.ErrorIs(t, err, router.ErrConsumerNotSupported)
	})
}

func TestConfigCopiesMappings(t *testing.T) {
	_, rctx := setup(t)
	m := FromRouter("direct:foo").ToBus("first")
	cfg := NewConfig(rctx).AddInboundMapping(m)
	m.ToBus("second")

	mappings := cfg.InboundMappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "first", mappings[0].Address())
	assert.True(t, mappings[0].HeadersCopy())
	assert.Equal(t, "direct:foo", mappings[0].URI())
}

func TestLifecycle(t *testing.T) {
	t.Run("deferred attach waits for the router", func(t *testing.T) {
		bus, rctx := setup(t)
		cfg := NewConfig(rctx).
			AddInboundMapping(FromRouter("direct:in").ToBus("in")).
			AddOutboundMapping(FromBus("out").ToRouter("stream:out"))

		b, err := New(bus, cfg)
		require.NoError(t, err)
		assert.False(t, b.Attached())
		assert.Equal(t, 0, bus.ConsumerCount("out"))
		assert.ErrorIs(t, b.Start(context.Background()), ErrNotAttached)

		require.NoError(t, rctx.Start(context.Background()))
		assert.True(t, b.Attached())
		assert.Equal(t, 1, bus.ConsumerCount("out"))

		require.NoError(t, b.Start(context.Background()))
		for _, u := range b.Units() {
			assert.Equal(t, StateStarted, u.State, u.URI)
		}
		require.NoError(t, b.Stop(context.Background()))
	})

	t.Run("eager attach subscribes before start", func(t *testing.T) {
		bus, rctx := setup(t)
		b, err := New(bus, NewConfig(rctx).AddOutboundMapping(FromBus("out").ToRouter("stream:out")), WithEagerAttach())
		require.NoError(t, err)

		assert.True(t, b.Attached())
		assert.Equal(t, 1, bus.ConsumerCount("out"))
		require.NoError(t, b.Attach(context.Background()))
		assert.Equal(t, 1, bus.ConsumerCount("out"))
		require.NoError(t, b.Stop(context.Background()))
	})

	t.Run("attach on a started router runs at once", func(t *testing.T) {
		bus, rctx := setup(t)
		require.NoError(t, rctx.Start(context.Background()))

		b, err := New(bus, NewConfig(rctx).AddOutboundMapping(FromBus("out").ToRouter("stream:out")))
		require.NoError(t, err)
		assert.True(t, b.Attached())
		require.NoError(t, b.Stop(context.Background()))
	})

	t.Run("stop twice leaves nothing behind", func(t *testing.T) {
		bus, rctx := setup(t)
		cfg := NewConfig(rctx).
			AddInboundMapping(FromRouter("direct:in").ToBus("in")).
			AddOutboundMapping(FromBus("out").ToRouter("stream:out")).
			AddOutboundMapping(FromBus("other").ToRouter("stream:err"))
		b := startBridge(t, bus, rctx, cfg)

		ep, err := rctx.Endpoint("direct:in")
		require.NoError(t, err)
		assert.True(t, ep.(*direct.Endpoint).HasConsumer())

		require.NoError(t, b.Stop(context.Background()))
		require.NoError(t, b.Stop(context.Background()))

		assert.False(t, ep.(*direct.Endpoint).HasConsumer())
		assert.Equal(t, 0, bus.ConsumerCount("out"))
		assert.Equal(t, 0, bus.ConsumerCount("other"))
		for _, u := range b.Units() {
			assert.Equal(t, StateStopped, u.State, u.URI)
		}
		assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
		assert.ErrorIs(t, b.Attach(context.Background()), ErrStopped)
	})

	t.Run("async start and stop", func(t *testing.T) {
		bus, rctx := setup(t)
		b, err := New(bus, NewConfig(rctx).AddInboundMapping(FromRouter("direct:in").ToBus("in")))
		require.NoError(t, err)
		require.NoError(t, rctx.Start(context.Background()))

		require.NoError(t, receive(t, b.StartAsync(context.Background())))
		require.NoError(t, receive(t, b.StopAsync(context.Background())))
		require.NoError(t, receive(t, b.StopAsync(context.Background())))
	})

	t.Run("stopped unit rejects exchanges", func(t *testing.T) {
		bus, rctx := setup(t)
		ep, err := rctx.Endpoint("direct:in")
		require.NoError(t, err)

		unit := &inboundUnit{mapping: *FromRouter("direct:in").ToBus("in"), bus: bus}
		ex := ep.CreateExchange(router.InOnly)
		require.True(t, unit.Process(ex).IsDone())
		assert.ErrorIs(t, ex.Err(), ErrUnitNotStarted)
	})
}

type failingConsumer struct {
	endpoint router.Endpoint
}

func (c *failingConsumer) Endpoint() router.Endpoint   { return c.endpoint }
func (c *failingConsumer) Start(context.Context) error { return errors.New("port in use") }
func (c *failingConsumer) Stop(context.Context) error  { return nil }

type failingEndpoint struct {
	*router.BaseEndpoint
}

func (e *failingEndpoint) CreateConsumer(router.Processor) (router.Consumer, error) {
	return &failingConsumer{endpoint: e}, nil
}

type capturingConsumer struct {
	endpoint  router.Endpoint
	processor router.Processor
}

func (c *capturingConsumer) Endpoint() router.Endpoint   { return c.endpoint }
func (c *capturingConsumer) Start(context.Context) error { return nil }
func (c *capturingConsumer) Stop(context.Context) error  { return nil }

// detachedEndpoint belongs to no router context
type detachedEndpoint struct {
	*router.BaseEndpoint
	consumer *capturingConsumer
}

func (e *detachedEndpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	e.consumer = &capturingConsumer{endpoint: e, processor: processor}
	return e.consumer, nil
}

func TestDetachedEndpointConversion(t *testing.T) {
	bus, rctx := setup(t)
	received := make(chan eventbus.Message, 1)
	_, err := bus.Consumer("test", func(msg eventbus.Message) { received <- msg })
	require.NoError(t, err)

	ep := &detachedEndpoint{BaseEndpoint: router.NewBaseEndpoint(nil, "detached:x")}
	startBridge(t, bus, rctx, NewConfig(rctx).AddInboundMapping(
		FromRouterEndpoint(ep).ToBus("test").WithBodyType(reflect.TypeOf(""))))
	require.NotNil(t, ep.consumer)

	ex := ep.CreateExchange(router.InOnly)
	require.Nil(t, ex.Router())
	ex.In().SetBody([]byte("converted"))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, ep.consumer.processor.Process(ex).Wait(ctx))
	require.NoError(t, ex.Err())
	assert.Equal(t, "converted", receive(t, received).Body())
}

func TestPartialStart(t *testing.T) {
	bus, rctx := setup(t)
	rctx.AddComponent("failing", router.ComponentFunc(func(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
		return &failingEndpoint{BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String())}, nil
	}))

	cfg := NewConfig(rctx).
		AddInboundMapping(FromRouter("failing:x").ToBus("x")).
		AddInboundMapping(FromRouter("direct:ok").ToBus("ok"))
	b, err := New(bus, cfg)
	require.NoError(t, err)
	require.NoError(t, rctx.Start(context.Background()))

	err = b.Start(context.Background())
	var lifecycleErr *LifecycleError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "start", lifecycleErr.Op)
	assert.Equal(t, "failing:x", lifecycleErr.URI)
	assert.Contains(t, err.Error(), "port in use")

	states := map[string]UnitState{}
	for _, u := range b.Units() {
		states[u.URI] = u.State
	}
	assert.Equal(t, StateFailed, states["failing:x"])
	assert.Equal(t, StateStarted, states["direct:ok"])

	require.NoError(t, b.Stop(context.Background()))
}

func TestNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := eventbus.NewLocalBus()
	rctx := router.NewContext(router.WithComponent(direct.Scheme, direct.NewComponent()))
	require.NoError(t, rctx.AddRoutes(context.Background(), router.From("direct:ok").Transform(router.Constant("OK"))))

	cfg := NewConfig(rctx).
		AddInboundMapping(FromRouter("direct:in").ToBus("echo")).
		AddOutboundMapping(FromBus("test").ToRouter("direct:ok").SetBlocking(true))
	b, err := New(bus, cfg)
	require.NoError(t, err)
	require.NoError(t, rctx.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	_, err = bus.Consumer("echo", func(msg eventbus.Message) { _ = msg.Reply(msg.Body(), eventbus.DeliveryOptions{}) })
	require.NoError(t, err)

	r := receive(t, request(t, bus, "test", "hello", eventbus.DeliveryOptions{}))
	require.NoError(t, r.err)
	ex := sendToRouter(t, rctx, "direct:in", router.InOut, "ping", nil)
	require.NoError(t, ex.Err())

	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, rctx.Stop(context.Background()))
	require.NoError(t, bus.Close(context.Background()))
}
