package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"sync"
)

// ConversionError is returned when a value cannot be converted to a type
type ConversionError struct {
	From reflect.Type
	To   reflect.Type
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("router: cannot convert from %v to %v: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("router: no type converter from %v to %v", e.From, e.To)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ConverterFunc converts value into the target type of its registration
type ConverterFunc func(value any) (any, error)

type typePair struct {
	from reflect.Type
	to   reflect.Type
}

var (
	stringType = reflect.TypeOf("")
	bytesType  = reflect.TypeOf([]byte(nil))
	bufferType = reflect.TypeOf((*bytes.Buffer)(nil))
	readerType = reflect.TypeOf((*io.Reader)(nil)).Elem()
)

// TypeConverter converts message bodies between types. Registered converters
// take precedence over the built-in rules.
type TypeConverter struct {
	mu         sync.RWMutex
	converters map[typePair]ConverterFunc
}

// NewTypeConverter creates a converter with only the built-in rules
func NewTypeConverter() *TypeConverter {
	return &TypeConverter{converters: make(map[typePair]ConverterFunc)}
}

// Register adds a converter from one type to another
func (tc *TypeConverter) Register(from, to reflect.Type, fn ConverterFunc) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.converters[typePair{from: from, to: to}] = fn
}

// Convert returns value converted to type to. A nil value converts to nil.
func (tc *TypeConverter) Convert(value any, to reflect.Type) (any, error) {
	if value == nil {
		return nil, nil
	}
	from := reflect.TypeOf(value)

	tc.mu.RLock()
	fn, ok := tc.converters[typePair{from: from, to: to}]
	tc.mu.RUnlock()
	if ok {
		out, err := fn(value)
		if err != nil {
			return nil, &ConversionError{From: from, To: to, Err: err}
		}
		return out, nil
	}

	out, err := convertBuiltin(value, from, to)
	if err != nil {
		var convErr *ConversionError
		if errors.As(err, &convErr) {
			return nil, convErr
		}
		return nil, &ConversionError{From: from, To: to, Err: err}
	}
	return out, nil
}

// ConvertTo converts value to T using tc
func ConvertTo[T any](tc *TypeConverter, value any) (T, error) {
	var zero T
	out, err := tc.Convert(value, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil || out == nil {
		return zero, err
	}
	return out.(T), nil
}

func convertBuiltin(value any, from, to reflect.Type) (any, error) {
	if from == to || (to.Kind() == reflect.Interface && from.Implements(to)) {
		return value, nil
	}

	raw, isRaw := rawBytes(value)

	switch {
	case to == stringType:
		if isRaw {
			return string(raw), nil
		}
		if s, ok := value.(fmt.Stringer); ok {
			return s.String(), nil
		}
		if isScalar(from.Kind()) {
			return fmt.Sprint(value), nil
		}
		if isJSONKind(from) {
			data, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		}
	case to == bytesType:
		if isRaw {
			return append([]byte(nil), raw...), nil
		}
		if s, ok := value.(string); ok {
			return []byte(s), nil
		}
		if isJSONKind(from) {
			return json.Marshal(value)
		}
	case to == bufferType:
		if isRaw {
			return bytes.NewBuffer(append([]byte(nil), raw...)), nil
		}
		if s, ok := value.(string); ok {
			return bytes.NewBufferString(s), nil
		}
	case to == readerType:
		if isRaw {
			return bytes.NewReader(raw), nil
		}
		if s, ok := value.(string); ok {
			return bytes.NewReader([]byte(s)), nil
		}
	case to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.Uint8 && isRaw:
		out := reflect.MakeSlice(to, len(raw), len(raw))
		reflect.Copy(out, reflect.ValueOf(raw))
		return out.Interface(), nil
	case isScalar(to.Kind()):
		return convertScalar(value, from, to, raw, isRaw)
	case isJSONKind(to):
		var data []byte
		switch {
		case isRaw:
			data = raw
		case from == stringType:
			data = []byte(value.(string))
		default:
			return nil, &ConversionError{From: from, To: to}
		}
		ptr := reflect.New(to)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}

	if from.ConvertibleTo(to) && from.Kind() == to.Kind() {
		return reflect.ValueOf(value).Convert(to).Interface(), nil
	}
	return nil, &ConversionError{From: from, To: to}
}

func convertScalar(value any, from, to reflect.Type, raw []byte, isRaw bool) (any, error) {
	if isScalar(from.Kind()) && from.Kind() != reflect.String && to.Kind() != reflect.String && from.Kind() != reflect.Bool && to.Kind() != reflect.Bool {
		return reflect.ValueOf(value).Convert(to).Interface(), nil
	}

	var s string
	switch {
	case from.Kind() == reflect.String:
		s = reflect.ValueOf(value).String()
	case isRaw:
		s = string(raw)
	default:
		return nil, &ConversionError{From: from, To: to}
	}

	out := reflect.New(to).Elem()
	switch to.Kind() {
	case reflect.String:
		out.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, err
		}
		out.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetFloat(f)
	}
	return out.Interface(), nil
}

// rawBytes extracts the content of byte-oriented values
func rawBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case *bytes.Buffer:
		return v.Bytes(), true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isJSONKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	case reflect.Ptr:
		return t.Elem().Kind() == reflect.Struct
	}
	return false
}
