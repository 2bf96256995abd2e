package eventbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Buffer is the bus's native binary payload
type Buffer []byte

// Bytes returns the underlying bytes
func (b Buffer) Bytes() []byte {
	return b
}

// String returns the buffer content as a string
func (b Buffer) String() string {
	return string(b)
}

// Codec prepares a body for delivery. Transform must return a value the
// receiver can own, copying mutable data.
type Codec interface {
	Name() string
	Transform(body any) any
}

// CodecFunc adapts a function into a Codec
type CodecFunc struct {
	name string
	fn   func(body any) any
}

// NewCodecFunc creates a named codec from fn
func NewCodecFunc(name string, fn func(body any) any) *CodecFunc {
	return &CodecFunc{name: name, fn: fn}
}

// Name implements Codec
func (c *CodecFunc) Name() string { return c.name }

// Transform implements Codec
func (c *CodecFunc) Transform(body any) any { return c.fn(body) }

// CodecNotFoundError is returned when a body type has no registered codec
type CodecNotFoundError struct {
	Type reflect.Type
}

func (e *CodecNotFoundError) Error() string {
	return fmt.Sprintf("no message codec for type %s", e.Type)
}

type codecRegistry struct {
	mu     sync.RWMutex
	codecs map[reflect.Type]Codec
}

func identity(body any) any { return body }

func newCodecRegistry() *codecRegistry {
	r := &codecRegistry{codecs: make(map[reflect.Type]Codec)}

	for _, v := range []any{
		"", false,
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
	} {
		t := reflect.TypeOf(v)
		r.codecs[t] = NewCodecFunc(t.String(), identity)
	}

	r.codecs[reflect.TypeOf([]byte(nil))] = NewCodecFunc("bytes", func(body any) any {
		return append([]byte(nil), body.([]byte)...)
	})
	r.codecs[reflect.TypeOf(Buffer(nil))] = NewCodecFunc("buffer", func(body any) any {
		return append(Buffer(nil), body.(Buffer)...)
	})
	r.codecs[reflect.TypeOf(json.RawMessage(nil))] = NewCodecFunc("json", func(body any) any {
		return append(json.RawMessage(nil), body.(json.RawMessage)...)
	})
	r.codecs[reflect.TypeOf(map[string]any(nil))] = NewCodecFunc("json-object", func(body any) any {
		return deepCopyJSON(body)
	})
	r.codecs[reflect.TypeOf([]any(nil))] = NewCodecFunc("json-array", func(body any) any {
		return deepCopyJSON(body)
	})

	return r
}

func (r *codecRegistry) register(t reflect.Type, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.codecs[t]; exists {
		return fmt.Errorf("eventbus: codec already registered for type %s", t)
	}
	r.codecs[t] = codec
	return nil
}

func (r *codecRegistry) unregister(t reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codecs, t)
}

// prepare looks up the codec for body and returns the transformed value
func (r *codecRegistry) prepare(body any) (any, error) {
	if body == nil {
		return nil, nil
	}

	t := reflect.TypeOf(body)
	r.mu.RLock()
	codec, ok := r.codecs[t]
	r.mu.RUnlock()
	if !ok {
		return nil, &CodecNotFoundError{Type: t}
	}
	return codec.Transform(body), nil
}

func deepCopyJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyJSON(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return val
	}
}
