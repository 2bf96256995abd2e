package bridge

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
)

// toBusHeaders copies router headers into bus headers. Nil values are
// skipped, lists keep their order and everything else is stringified.
func toBusHeaders(headers map[string]any) *eventbus.Headers {
	out := eventbus.NewHeaders()

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := headers[name]
		if value == nil {
			continue
		}
		out.AddAll(name, headerValues(value)...)
	}
	return out
}

func headerValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []byte:
		return []string{string(v)}
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []string{fmt.Sprint(value)}
	}
	values := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i).Interface()
		if item == nil {
			continue
		}
		values = append(values, fmt.Sprint(item))
	}
	return values
}

// toRouterHeaders collapses bus headers into router headers: a key with one
// value maps to a string, a key with several values to a []string
func toRouterHeaders(headers *eventbus.Headers) map[string]any {
	if headers.IsEmpty() {
		return nil
	}
	out := make(map[string]any, headers.Len())
	for _, name := range headers.Names() {
		values := headers.GetAll(name)
		if len(values) == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
	}
	return out
}

// toBusBody prepares a router body for the bus. With a body type the router
// converter is used; otherwise the body passes through, except a raw buffer
// which becomes an eventbus.Buffer.
func toBusBody(converter *router.TypeConverter, body any, bodyType reflect.Type) (any, error) {
	if bodyType != nil {
		return converter.Convert(body, bodyType)
	}
	if buf, ok := body.(*bytes.Buffer); ok && buf != nil {
		return eventbus.Buffer(bytes.Clone(buf.Bytes())), nil
	}
	return body, nil
}
