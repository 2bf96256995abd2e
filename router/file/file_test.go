package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-bridge/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	rctx := router.NewContext(router.WithComponent(Scheme, NewComponent()))

	ep, err := rctx.Endpoint("file:" + dir)
	require.NoError(t, err)
	producer, err := ep.CreateProducer()
	require.NoError(t, err)
	require.NoError(t, producer.Start(context.Background()))

	t.Run("uses the file name header", func(t *testing.T) {
		ex := ep.CreateExchange(router.InOnly)
		ex.In().SetBody("hello")
		ex.In().SetHeader(HeaderFileName, "greeting.txt")
		producer.Process(ex)

		require.NoError(t, ex.Err())
		data, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("generates a name", func(t *testing.T) {
		ex := ep.CreateExchange(router.InOnly)
		ex.In().SetBody([]byte{1, 2, 3})
		producer.Process(ex)

		require.NoError(t, ex.Err())
		path, ok := ex.In().Header(HeaderFilePath).(string)
		require.True(t, ok)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, data)
	})

	t.Run("rejects paths", func(t *testing.T) {
		ex := ep.CreateExchange(router.InOnly)
		ex.In().SetBody("x")
		ex.In().SetHeader(HeaderFileName, "../escape.txt")
		producer.Process(ex)

		assert.Error(t, ex.Err())
	})
}

func TestConsumerPicksUpFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.txt"), []byte("early"), 0o644))

	rctx := router.NewContext(router.WithComponent(Scheme, NewComponent()))
	ep, err := rctx.Endpoint("file:" + dir + "?include=*.txt")
	require.NoError(t, err)

	var mu sync.Mutex
	received := map[string]string{}
	consumer, err := ep.CreateConsumer(router.SyncProcessor(func(ex *router.Exchange) error {
		buf, ok := ex.In().Body().(*bytes.Buffer)
		require.True(t, ok)
		mu.Lock()
		received[ex.In().Header(HeaderFileName).(string)] = buf.String()
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("x"), 0o644))

	producer, err := ep.CreateProducer()
	require.NoError(t, err)
	ex := ep.CreateExchange(router.InOnly)
	ex.In().SetBody("late")
	ex.In().SetHeader(HeaderFileName, "late.txt")
	producer.Process(ex)
	require.NoError(t, ex.Err())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, map[string]string{"early.txt": "early", "late.txt": "late"}, received)
	mu.Unlock()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, defaultMoveDir, "late.txt"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_, err = os.Stat(filepath.Join(dir, "ignored.bin"))
	assert.NoError(t, err)
}

func TestConsumerDeletes(t *testing.T) {
	dir := t.TempDir()
	rctx := router.NewContext(router.WithComponent(Scheme, NewComponent()))
	ep, err := rctx.Endpoint("file:" + dir + "?delete=true")
	require.NoError(t, err)

	done := make(chan struct{}, 10)
	consumer, err := ep.CreateConsumer(router.SyncProcessor(func(*router.Exchange) error {
		done <- struct{}{}
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop(context.Background())

	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("file not consumed")
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
}
