package bridge

import (
	"reflect"
	"time"

	"github.com/glimte/mmate-bridge/eventbus"
	"github.com/glimte/mmate-bridge/router"
)

// Direction tells which way a mapping moves messages
type Direction int

const (
	// Inbound moves messages from the router to the bus
	Inbound Direction = iota
	// Outbound moves messages from the bus to the router
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Mapping holds the attributes shared by both directions
type Mapping struct {
	uri         string
	endpoint    router.Endpoint
	address     string
	headersCopy bool
}

// URI returns the router endpoint uri
func (m Mapping) URI() string { return m.uri }

// Address returns the bus address
func (m Mapping) Address() string { return m.address }

// HeadersCopy reports whether headers travel with the message
func (m Mapping) HeadersCopy() bool { return m.headersCopy }

// InboundMapping moves exchanges from a router endpoint to a bus address
type InboundMapping struct {
	Mapping
	publish    bool
	bodyType   reflect.Type
	timeout    time.Duration
	hasTimeout bool
}

// FromRouter starts an inbound mapping consuming uri
func FromRouter(uri string) *InboundMapping {
	return &InboundMapping{Mapping: Mapping{uri: uri, headersCopy: true}}
}

// FromRouterEndpoint starts an inbound mapping consuming an already resolved
// endpoint. The mapping uri is the endpoint uri.
func FromRouterEndpoint(ep router.Endpoint) *InboundMapping {
	m := FromRouter("")
	if ep != nil {
		m.uri = ep.URI()
		m.endpoint = ep
	}
	return m
}

// ToBus sets the target address
func (m *InboundMapping) ToBus(address string) *InboundMapping {
	m.address = address
	return m
}

// UsePublish delivers to every consumer of the address instead of one
func (m *InboundMapping) UsePublish() *InboundMapping {
	m.publish = true
	return m
}

// WithoutHeadersCopy keeps router headers off the bus
func (m *InboundMapping) WithoutHeadersCopy() *InboundMapping {
	m.headersCopy = false
	return m
}

// WithBodyType converts the router body to t before sending it
func (m *InboundMapping) WithBodyType(t reflect.Type) *InboundMapping {
	m.bodyType = t
	return m
}

// WithTimeout bounds the wait for a bus reply. It must be positive.
func (m *InboundMapping) WithTimeout(timeout time.Duration) *InboundMapping {
	m.timeout = timeout
	m.hasTimeout = true
	return m
}

// Publish reports whether the mapping publishes
func (m InboundMapping) Publish() bool { return m.publish }

// BodyType returns the conversion target, nil when bodies pass through
func (m InboundMapping) BodyType() reflect.Type { return m.bodyType }

// Timeout returns the reply timeout, zero when the bus default applies
func (m InboundMapping) Timeout() time.Duration { return m.timeout }

// OutboundMapping moves messages from a bus address to a router endpoint
type OutboundMapping struct {
	Mapping
	blocking   bool
	workerPool *eventbus.WorkerPool
}

// FromBus starts an outbound mapping consuming address
func FromBus(address string) *OutboundMapping {
	return &OutboundMapping{Mapping: Mapping{address: address, headersCopy: true}}
}

// ToRouter sets the target endpoint uri
func (m *OutboundMapping) ToRouter(uri string) *OutboundMapping {
	m.uri = uri
	m.endpoint = nil
	return m
}

// ToRouterEndpoint targets an already resolved endpoint
func (m *OutboundMapping) ToRouterEndpoint(ep router.Endpoint) *OutboundMapping {
	m.uri = ""
	m.endpoint = ep
	if ep != nil {
		m.uri = ep.URI()
	}
	return m
}

// WithoutHeadersCopy keeps bus headers off the router exchange
func (m *OutboundMapping) WithoutHeadersCopy() *OutboundMapping {
	m.headersCopy = false
	return m
}

// SetBlocking runs the producer on a worker pool instead of the event loop
func (m *OutboundMapping) SetBlocking(blocking bool) *OutboundMapping {
	m.blocking = blocking
	return m
}

// WithWorkerPool sets the pool used when blocking. Without one the bus
// shared pool is used.
func (m *OutboundMapping) WithWorkerPool(pool *eventbus.WorkerPool) *OutboundMapping {
	m.workerPool = pool
	return m
}

// Blocking reports whether the producer runs on a worker pool
func (m OutboundMapping) Blocking() bool { return m.blocking }

// WorkerPool returns the dedicated pool, nil when the shared one is used
func (m OutboundMapping) WorkerPool() *eventbus.WorkerPool { return m.workerPool }

// Config lists the mappings of one bridge
type Config struct {
	router   *router.Context
	inbound  []InboundMapping
	outbound []OutboundMapping
}

// NewConfig creates an empty configuration for rctx
func NewConfig(rctx *router.Context) *Config {
	return &Config{router: rctx}
}

// AddInboundMapping appends a copy of m
func (c *Config) AddInboundMapping(m *InboundMapping) *Config {
	if m != nil {
		c.inbound = append(c.inbound, *m)
	}
	return c
}

// AddOutboundMapping appends a copy of m
func (c *Config) AddOutboundMapping(m *OutboundMapping) *Config {
	if m != nil {
		c.outbound = append(c.outbound, *m)
	}
	return c
}

// Router returns the router context
func (c *Config) Router() *router.Context { return c.router }

// InboundMappings returns the inbound mappings in insertion order
func (c *Config) InboundMappings() []InboundMapping {
	return append([]InboundMapping(nil), c.inbound...)
}

// OutboundMappings returns the outbound mappings in insertion order
func (c *Config) OutboundMappings() []OutboundMapping {
	return append([]OutboundMapping(nil), c.outbound...)
}
