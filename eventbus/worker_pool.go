package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkerPoolSize is the size of the bus's shared blocking pool
const DefaultWorkerPoolSize = 20

// ErrPoolClosed is returned when submitting to a closed pool
var ErrPoolClosed = errors.New("eventbus: worker pool is closed")

// WorkerPool runs blocking tasks off the event loops. At most Size tasks run
// concurrently; Submit never blocks the caller.
type WorkerPool struct {
	name   string
	size   int
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// WorkerPoolOption configures a WorkerPool
type WorkerPoolOption func(*WorkerPool)

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) WorkerPoolOption {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// NewWorkerPool creates a named pool running at most size tasks at once
func NewWorkerPool(name string, size int, options ...WorkerPoolOption) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:   name,
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Name returns the pool name
func (p *WorkerPool) Name() string {
	return p.name
}

// Size returns the maximum number of concurrent tasks
func (p *WorkerPool) Size() int {
	return p.size
}

// Submit queues task for execution. Tasks that panic are logged and dropped.
func (p *WorkerPool) Submit(task func()) error {
	if task == nil {
		return fmt.Errorf("eventbus: nil task submitted to pool %s", p.name)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Warn("worker pool task dropped", "pool", p.name, "error", err)
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("panic in worker pool task", "pool", p.name, "panic", r)
			}
		}()
		task()
	}()

	return nil
}

// Close rejects new tasks and waits for queued and running tasks. When ctx
// expires first, tasks still waiting for a slot are dropped.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("eventbus: closing worker pool %s: %w", p.name, ctx.Err())
	}
}
