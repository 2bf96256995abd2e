package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeadersToTable converts router headers into an amqp table. Values amqp
// cannot carry are stringified; nil values are dropped.
func HeadersToTable(headers map[string]any) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		if v == nil {
			continue
		}
		table[k] = tableValue(v)
	}
	return table
}

func tableValue(v any) any {
	switch val := v.(type) {
	case string, bool, uint8, int, int8, int16, int32, int64, float32, float64, []byte, time.Time, amqp.Decimal:
		return val
	case uint16:
		return int32(val)
	case uint32:
		return int64(val)
	case []string:
		list := make([]any, len(val))
		for i, s := range val {
			list[i] = s
		}
		return list
	case []any:
		list := make([]any, 0, len(val))
		for _, item := range val {
			if item != nil {
				list = append(list, tableValue(item))
			}
		}
		return list
	case map[string]any:
		return HeadersToTable(val)
	case amqp.Table:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// TableToHeaders converts an amqp table into router headers. Arrays of
// strings become []string.
func TableToHeaders(table amqp.Table) map[string]any {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]any, len(table))
	for k, v := range table {
		headers[k] = headerValue(v)
	}
	return headers
}

func headerValue(v any) any {
	switch val := v.(type) {
	case []any:
		strs := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return val
			}
			strs = append(strs, s)
		}
		return strs
	case amqp.Table:
		return TableToHeaders(val)
	default:
		return val
	}
}
