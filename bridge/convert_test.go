package bridge

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busHeaderMap(h *eventbus.Headers) map[string][]string {
	out := make(map[string][]string)
	for _, name := range h.Names() {
		out[name] = h.GetAll(name)
	}
	return out
}

func TestToBusHeaders(t *testing.T) {
	t.Run("values are stringified and nils skipped", func(t *testing.T) {
		headers := toBusHeaders(map[string]any{
			"string": "v",
			"int":    42,
			"bool":   true,
			"bytes":  []byte("raw"),
			"nil":    nil,
		})

		want := map[string][]string{
			"string": {"v"},
			"int":    {"42"},
			"bool":   {"true"},
			"bytes":  {"raw"},
		}
		if diff := cmp.Diff(want, busHeaderMap(headers)); diff != "" {
			t.Errorf("headers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("lists keep their order", func(t *testing.T) {
		headers := toBusHeaders(map[string]any{
			"strings": []string{"b", "a"},
			"ints":    []int{3, 1, 2},
			"mixed":   []any{"x", nil, 7},
		})

		want := map[string][]string{
			"strings": {"b", "a"},
			"ints":    {"3", "1", "2"},
			"mixed":   {"x", "7"},
		}
		if diff := cmp.Diff(want, busHeaderMap(headers)); diff != "" {
			t.Errorf("headers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("keys are emitted in sorted order", func(t *testing.T) {
		headers := toBusHeaders(map[string]any{"c": 1, "a": 2, "b": 3})
		assert.Equal(t, []string{"a", "b", "c"}, headers.Names())
	})

	t.Run("nil map gives empty headers", func(t *testing.T) {
		assert.True(t, toBusHeaders(nil).IsEmpty())
	})
}

func TestToRouterHeaders(t *testing.T) {
	headers := eventbus.NewHeaders().
		Add("single", "v").
		AddAll("multi", "a", "b")

	want := map[string]any{
		"single": "v",
		"multi":  []string{"a", "b"},
	}
	if diff := cmp.Diff(want, toRouterHeaders(headers)); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}

	assert.Nil(t, toRouterHeaders(eventbus.NewHeaders()))
	assert.Nil(t, toRouterHeaders(nil))
}

func TestToBusBody(t *testing.T) {
	converter := router.NewTypeConverter()

	t.Run("bodies pass through unchanged", func(t *testing.T) {
		body := map[string]any{"k": "v"}
		got, err := toBusBody(converter, body, nil)
		require.NoError(t, err)
		assert.Equal(t, body, got)

		got, err = toBusBody(converter, 42, nil)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("raw buffers become bus buffers", func(t *testing.T) {
		buf := bytes.NewBufferString("payload")
		got, err := toBusBody(converter, buf, nil)
		require.NoError(t, err)
		assert.Equal(t, eventbus.Buffer("payload"), got)

		buf.Reset()
		assert.Equal(t, eventbus.Buffer("payload"), got)
	})

	t.Run("body type converts", func(t *testing.T) {
		got, err := toBusBody(converter, bytes.NewBufferString("hello"), reflect.TypeOf(""))
		require.NoError(t, err)
		assert.Equal(t, "hello", got)

		got, err = toBusBody(converter, "12", reflect.TypeOf(0))
		require.NoError(t, err)
		assert.Equal(t, 12, got)
	})

	t.Run("failed conversion", func(t *testing.T) {
		_, err := toBusBody(converter, "abc", reflect.TypeOf(0))
		var convErr *router.ConversionError
		assert.ErrorAs(t, err, &convErr)
	})
}
