package eventbus

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRequestTimeout bounds how long a request waits for a reply when the
// delivery options do not specify a timeout
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrBusClosed is returned by operations on a closed bus
	ErrBusClosed = errors.New("eventbus: bus is closed")

	// ErrEmptyAddress is returned when an operation targets an empty address
	ErrEmptyAddress = errors.New("eventbus: address must not be empty")

	// ErrNilHandler is returned when registering a consumer without handler
	ErrNilHandler = errors.New("eventbus: handler must not be nil")
)

// Handler is invoked once per message delivered to a consumer
type Handler func(msg Message)

// ReplyHandler receives the outcome of a request: either the reply message or
// a non-nil error, usually a *ReplyError
type ReplyHandler func(reply Message, err error)

// DeliveryOptions carries per-message metadata
type DeliveryOptions struct {
	// Headers are copied onto the delivered message. Nil means no headers.
	Headers *Headers

	// Timeout bounds the wait for a reply. Zero means DefaultRequestTimeout.
	Timeout time.Duration
}

// Message is a message delivered by the bus
type Message interface {
	// Address returns the address the message was sent to
	Address() string

	// Body returns the message body
	Body() any

	// Headers returns the delivery metadata, never nil
	Headers() *Headers

	// ReplyAddress is non-empty when the sender expects a reply
	ReplyAddress() string

	// Reply answers the sender. It is a no-op when no reply is expected and
	// may be called from any goroutine.
	Reply(body any, opts DeliveryOptions) error

	// Fail answers the sender with a recipient failure carrying code and
	// message. It is a no-op when no reply is expected.
	Fail(code int, message string)
}

// Subscription is the handle returned when registering a consumer
type Subscription interface {
	// Address returns the address the consumer listens on
	Address() string

	// Unregister removes the consumer. Calling it more than once is harmless.
	Unregister() error
}

// Bus is the contract the bridge needs from the bus
type Bus interface {
	// Send delivers body to at most one consumer on address, without reply
	Send(address string, body any, opts DeliveryOptions) error

	// Request delivers body to at most one consumer on address and invokes
	// handler exactly once with the reply or the failure
	Request(address string, body any, opts DeliveryOptions, handler ReplyHandler) error

	// Publish delivers body to every consumer on address
	Publish(address string, body any, opts DeliveryOptions) error

	// Consumer registers handler on address. The subscription is live as soon
	// as Consumer returns.
	Consumer(address string, handler Handler) (Subscription, error)

	// WorkerPool returns the shared pool for blocking work
	WorkerPool() *WorkerPool
}

// FailureType classifies a failed request
type FailureType int

const (
	// Timeout means no reply arrived in time
	Timeout FailureType = iota
	// NoHandlers means no consumer was registered on the address
	NoHandlers
	// RecipientFailure means the consumer explicitly failed the message
	RecipientFailure
	// Error means the bus itself failed to deliver
	Error
)

func (f FailureType) String() string {
	switch f {
	case Timeout:
		return "TIMEOUT"
	case NoHandlers:
		return "NO_HANDLERS"
	case RecipientFailure:
		return "RECIPIENT_FAILURE"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("FailureType(%d)", int(f))
	}
}

// ReplyError is the failure handed to a ReplyHandler
type ReplyError struct {
	Failure FailureType
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

// IsReplyFailure reports whether err is a *ReplyError of the given type
func IsReplyFailure(err error, failure FailureType) bool {
	var replyErr *ReplyError
	return errors.As(err, &replyErr) && replyErr.Failure == failure
}

func newTimeoutError(address string, timeout time.Duration) *ReplyError {
	return &ReplyError{
		Failure: Timeout,
		Code:    -1,
		Message: fmt.Sprintf("timed out after waiting %d(ms) for a reply. address: %s", timeout.Milliseconds(), address),
	}
}

func newClosedError() *ReplyError {
	return &ReplyError{Failure: Error, Code: -1, Message: ErrBusClosed.Error()}
}

func newNoHandlersError(address string) *ReplyError {
	return &ReplyError{
		Failure: NoHandlers,
		Code:    -1,
		Message: fmt.Sprintf("no handlers for address %s", address),
	}
}
