package stream

import (
	"bytes"
	"context"
	"testing"

	"github.com/glimte/mmate-bridge/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamProducer(t *testing.T) {
	var buf bytes.Buffer
	rctx := router.NewContext(router.WithComponent(Scheme, NewComponent(WithWriter("buf", &buf))))

	ep, err := rctx.Endpoint("stream:buf")
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)

	for _, body := range []any{"hello", []byte("bytes"), 42} {
		ex := ep.CreateExchange(router.InOnly)
		ex.In().SetBody(body)
		require.NoError(t, producer.Process(ex).Wait(context.Background()))
		require.NoError(t, ex.Err())
	}

	assert.Equal(t, "hello\nbytes\n42\n", buf.String())

	_, err = ep.CreateConsumer(nil)
	assert.ErrorIs(t, err, router.ErrConsumerNotSupported)

	_, err = rctx.Endpoint("stream:unknown")
	assert.Error(t, err)
}
