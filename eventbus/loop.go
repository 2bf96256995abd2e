package eventbus

import (
	"log/slog"
	"sync"
)

// eventLoop runs tasks one at a time, in submission order, on a single goroutine
type eventLoop struct {
	id      int
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

func newEventLoop(id int, logger *slog.Logger) *eventLoop {
	l := &eventLoop{
		id:     id,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// execute queues task; it returns false once the loop is stopped
func (l *eventLoop) execute(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *eventLoop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			if l.stopped {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.runTask(task)
	}
}

func (l *eventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic on event loop", "loop", l.id, "panic", r)
		}
	}()
	task()
}

// stop drains queued tasks and waits for the loop goroutine to exit
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
