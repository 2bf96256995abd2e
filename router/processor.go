package router

import "fmt"

// Processor handles an exchange. It must not block waiting on other
// goroutines; long running work resolves the returned Completion later.
type Processor interface {
	Process(ex *Exchange) *Completion
}

// ProcessorFunc adapts a function into a Processor
type ProcessorFunc func(ex *Exchange) *Completion

// Process implements Processor
func (f ProcessorFunc) Process(ex *Exchange) *Completion {
	return f(ex)
}

// SyncProcessor adapts a synchronous function. A returned error is attached
// to the exchange.
func SyncProcessor(fn func(ex *Exchange) error) Processor {
	return ProcessorFunc(func(ex *Exchange) *Completion {
		if err := fn(ex); err != nil {
			ex.SetErr(err)
		}
		return Completed()
	})
}

// safeProcess runs p and turns a panic into an exchange failure
func safeProcess(p Processor, ex *Exchange) (c *Completion) {
	defer func() {
		if r := recover(); r != nil {
			ex.SetErr(fmt.Errorf("router: processor panic: %v", r))
			c = Completed()
		}
	}()
	c = p.Process(ex)
	if c == nil {
		c = Completed()
	}
	return c
}
