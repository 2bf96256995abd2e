package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyAddress is returned for a mapping without bus address
	ErrEmptyAddress = errors.New("bridge: address must not be empty")

	// ErrEmptyURI is returned for a mapping without endpoint uri
	ErrEmptyURI = errors.New("bridge: endpoint uri must not be empty")

	// ErrInvalidTimeout is returned for a non-positive reply timeout
	ErrInvalidTimeout = errors.New("bridge: timeout must be greater than zero")

	// ErrNotAttached is returned by Start before the units are attached
	ErrNotAttached = errors.New("bridge: units are not attached yet")

	// ErrStopped is returned when attaching or starting a stopped bridge
	ErrStopped = errors.New("bridge: bridge is stopped")

	// ErrUnitNotStarted is set on exchanges reaching an inbound unit that
	// is not started
	ErrUnitNotStarted = errors.New("bridge: unit is not started")
)

// ConfigurationError reports an invalid mapping or an endpoint that cannot
// act in the role the mapping needs
type ConfigurationError struct {
	Direction Direction
	URI       string
	Address   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("bridge: invalid %s mapping (uri=%q, address=%q): %v", e.Direction, e.URI, e.Address, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// LifecycleError reports a consumer or producer that failed to start or stop
type LifecycleError struct {
	Op        string
	Direction Direction
	URI       string
	Err       error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("bridge: %s %s unit for %s: %v", e.Op, e.Direction, e.URI, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
