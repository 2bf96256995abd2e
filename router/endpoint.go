package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrConsumerNotSupported is returned by endpoints that cannot consume
	ErrConsumerNotSupported = errors.New("router: endpoint does not support consumers")

	// ErrProducerNotSupported is returned by endpoints that cannot produce
	ErrProducerNotSupported = errors.New("router: endpoint does not support producers")

	// ErrEndpointNotFound is returned when a uri cannot be resolved
	ErrEndpointNotFound = errors.New("router: no endpoint for uri")

	// ErrInvalidURI is returned for malformed endpoint uris
	ErrInvalidURI = errors.New("router: invalid endpoint uri")
)

// Service is anything with a start/stop lifecycle
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Consumer receives exchanges from the outside and hands them to a Processor
type Consumer interface {
	Service
	Endpoint() Endpoint
}

// Producer sends exchanges to the outside
type Producer interface {
	Service
	Processor
	Endpoint() Endpoint
}

// Endpoint is a named resource reachable by uri
type Endpoint interface {
	URI() string
	Router() *Context
	CreateExchange(pattern Pattern) *Exchange
	CreateConsumer(processor Processor) (Consumer, error)
	CreateProducer() (Producer, error)
}

// Component creates endpoints for one uri scheme
type Component interface {
	CreateEndpoint(rctx *Context, uri *URI) (Endpoint, error)
}

// ComponentFunc adapts a function into a Component
type ComponentFunc func(rctx *Context, uri *URI) (Endpoint, error)

// CreateEndpoint implements Component
func (f ComponentFunc) CreateEndpoint(rctx *Context, uri *URI) (Endpoint, error) {
	return f(rctx, uri)
}

// URI is a parsed endpoint uri of the form scheme:path?params. The forms
// scheme:path and scheme://path are equivalent.
type URI struct {
	Scheme string
	Path   string
	Params url.Values
}

// ParseURI parses raw into a URI
func ParseURI(raw string) (*URI, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}
	rest = strings.TrimPrefix(rest, "//")

	path, query, _ := strings.Cut(rest, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
	}

	return &URI{
		Scheme: strings.ToLower(scheme),
		Path:   path,
		Params: params,
	}, nil
}

// String returns the normalized form scheme://path?params
func (u *URI) String() string {
	s := u.Scheme + "://" + u.Path
	if len(u.Params) > 0 {
		s += "?" + u.Params.Encode()
	}
	return s
}

// Param returns the named parameter or def when absent
func (u *URI) Param(name, def string) string {
	if v := u.Params.Get(name); v != "" {
		return v
	}
	return def
}

// BoolParam returns the named boolean parameter or def when absent
func (u *URI) BoolParam(name string, def bool) bool {
	switch strings.ToLower(u.Params.Get(name)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

// BaseEndpoint implements the bookkeeping part of Endpoint. Components embed
// it and override the roles they support.
type BaseEndpoint struct {
	uri    string
	router *Context
}

// NewBaseEndpoint creates a base endpoint for uri
func NewBaseEndpoint(rctx *Context, uri string) *BaseEndpoint {
	return &BaseEndpoint{uri: uri, router: rctx}
}

// URI implements Endpoint
func (e *BaseEndpoint) URI() string { return e.uri }

// Router implements Endpoint
func (e *BaseEndpoint) Router() *Context { return e.router }

// CreateExchange implements Endpoint
func (e *BaseEndpoint) CreateExchange(pattern Pattern) *Exchange {
	ex := NewExchange(e.router, pattern)
	ex.fromURI = e.uri
	return ex
}

// CreateConsumer implements Endpoint
func (e *BaseEndpoint) CreateConsumer(Processor) (Consumer, error) {
	return nil, fmt.Errorf("%w: %s", ErrConsumerNotSupported, e.uri)
}

// CreateProducer implements Endpoint
func (e *BaseEndpoint) CreateProducer() (Producer, error) {
	return nil, fmt.Errorf("%w: %s", ErrProducerNotSupported, e.uri)
}
