package bazaarly

import (
	"context"
	"log/slog"
	"sync"
)

// eventLoop serializes every store mutation of a session onto one goroutine.
// Closures run in the order they were posted. A closure must never call run
// on its own loop.
type eventLoop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newEventLoop(logger *slog.Logger) *eventLoop {
	l := &eventLoop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.loop()
	return l
}

// post enqueues fn without waiting. It reports false once the loop is closed.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// run enqueues fn and waits until it has executed.
func (l *eventLoop) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *eventLoop) loop() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, fn := range batch {
				select {
				case <-l.done:
					return
				default:
				}
				l.exec(fn)
			}
		}
	}
}

func (l *eventLoop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// close stops the loop and drops pending closures.
func (l *eventLoop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
	<-l.stopped
}
