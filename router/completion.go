package router

import (
	"context"
	"sync"
)

// Completion signals that processing of an exchange has finished. Outcomes,
// including failures, are read from the exchange itself. A Completion may be
// resolved synchronously, before Process returns, or later from any goroutine;
// callers treat both cases the same way.
type Completion struct {
	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	callbacks []func()
}

// NewCompletion creates a pending completion
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns an already resolved completion
func Completed() *Completion {
	c := NewCompletion()
	c.Complete()
	return c
}

// Complete resolves the completion and runs the registered callbacks.
// Only the first call has an effect.
func (c *Completion) Complete() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		callbacks := c.callbacks
		c.callbacks = nil
		c.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	})
}

// Done is closed once the completion is resolved
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// IsDone reports whether the completion is resolved
func (c *Completion) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// OnComplete registers fn to run once the completion is resolved. When it
// already is, fn runs immediately on the calling goroutine.
func (c *Completion) OnComplete(fn func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Wait blocks until the completion resolves or ctx is done
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
