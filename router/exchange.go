package router

import (
	"context"

	"github.com/google/uuid"
)

// Pattern tells whether the caller of an exchange expects a reply
type Pattern int

const (
	// InOnly is a one-way exchange
	InOnly Pattern = iota
	// InOut is a two-way exchange; the reply is the Out message
	InOut
)

func (p Pattern) String() string {
	if p == InOut {
		return "InOut"
	}
	return "InOnly"
}

// Exchange is one unit of work flowing through the router. An exchange is
// handled by one goroutine at a time; handing it over happens through a
// Completion.
type Exchange struct {
	id         string
	pattern    Pattern
	in         *Message
	out        *Message
	err        error
	ctx        context.Context
	router     *Context
	fromURI    string
	properties map[string]any
}

// NewExchange creates an exchange bound to the router context rctx
func NewExchange(rctx *Context, pattern Pattern) *Exchange {
	return &Exchange{
		id:      uuid.New().String(),
		pattern: pattern,
		in:      NewMessage(nil),
		ctx:     context.Background(),
		router:  rctx,
	}
}

// ID returns the exchange id
func (e *Exchange) ID() string { return e.id }

// Pattern returns the exchange pattern
func (e *Exchange) Pattern() Pattern { return e.pattern }

// SetPattern changes the exchange pattern
func (e *Exchange) SetPattern(p Pattern) { e.pattern = p }

// Router returns the router context the exchange belongs to
func (e *Exchange) Router() *Context { return e.router }

// FromURI returns the uri of the endpoint that created the exchange
func (e *Exchange) FromURI() string { return e.fromURI }

// Context returns the request-scoped context, never nil
func (e *Exchange) Context() context.Context { return e.ctx }

// WithContext sets the request-scoped context
func (e *Exchange) WithContext(ctx context.Context) {
	if ctx != nil {
		e.ctx = ctx
	}
}

// In returns the input message
func (e *Exchange) In() *Message { return e.in }

// SetIn replaces the input message
func (e *Exchange) SetIn(m *Message) { e.in = m }

// Out returns the output message, creating an empty one when missing
func (e *Exchange) Out() *Message {
	if e.out == nil {
		e.out = NewMessage(nil)
	}
	return e.out
}

// SetOut replaces the output message
func (e *Exchange) SetOut(m *Message) { e.out = m }

// HasOut reports whether an output message was set
func (e *Exchange) HasOut() bool { return e.out != nil }

// Result returns the Out message when present, otherwise In
func (e *Exchange) Result() *Message {
	if e.out != nil {
		return e.out
	}
	return e.in
}

// Err returns the failure attached to the exchange
func (e *Exchange) Err() error { return e.err }

// SetErr attaches a failure to the exchange
func (e *Exchange) SetErr(err error) { e.err = err }

// Failed reports whether a failure is attached
func (e *Exchange) Failed() bool { return e.err != nil }

// Property returns an exchange scoped property
func (e *Exchange) Property(name string) any {
	return e.properties[name]
}

// SetProperty stores an exchange scoped property
func (e *Exchange) SetProperty(name string, value any) {
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	e.properties[name] = value
}

// promoteOut makes the Out message the next step's In
func (e *Exchange) promoteOut() {
	if e.out == nil {
		return
	}
	e.in = e.out
	e.out = nil
}
