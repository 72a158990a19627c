package bazaarly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UnreadCounter is the cross-conversation unread direct message count. It
// only ever takes values reported by the server: pushes trigger a refresh,
// never local arithmetic.
type UnreadCounter struct {
	api      MessagesAPI
	loop     *eventLoop
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	changes  *broadcaster[int]

	mu    sync.RWMutex
	value int

	// loop-only
	issued  uint64
	applied uint64

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func newUnreadCounter(api MessagesAPI, loop *eventLoop, cfg *Config) *UnreadCounter {
	return &UnreadCounter{
		api:      api,
		loop:     loop,
		logger:   cfg.Logger.With("component", "unread"),
		interval: cfg.UnreadPollInterval,
		timeout:  cfg.RequestTimeout,
		changes:  newBroadcaster[int](),
	}
}

// Value returns the last count reported by the server.
func (u *UnreadCounter) Value() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.value
}

// Subscribe streams the count after every change.
func (u *UnreadCounter) Subscribe() (<-chan int, func()) {
	return u.changes.subscribe()
}

// Refresh reconciles the count with the server. A response that resolves
// after a newer one has been applied is discarded.
func (u *UnreadCounter) Refresh(ctx context.Context) error {
	var seq uint64
	if err := u.loop.run(ctx, func() {
		u.issued++
		seq = u.issued
	}); err != nil {
		return err
	}

	n, err := u.api.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("refresh unread count: %w", err)
	}
	if n < 0 {
		n = 0
	}

	return u.loop.run(ctx, func() {
		if seq < u.applied {
			return
		}
		u.applied = seq
		u.set(n)
	})
}

// requestRefresh reconciles in the background. Safe to call from the loop.
func (u *UnreadCounter) requestRefresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		defer cancel()
		if err := u.Refresh(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			u.logger.Warn("unread reconciliation failed", "error", err)
		}
	}()
}

func (u *UnreadCounter) set(n int) {
	u.mu.Lock()
	changed := u.value != n
	u.value = n
	u.mu.Unlock()
	if changed {
		u.changes.publish(n)
	}
}

// startPolling refreshes immediately and then every interval until stopPolling.
func (u *UnreadCounter) startPolling() {
	u.pollMu.Lock()
	defer u.pollMu.Unlock()
	if u.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	u.pollCancel, u.pollDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()

		u.requestRefresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.requestRefresh()
			}
		}
	}()
}

func (u *UnreadCounter) stopPolling() {
	u.pollMu.Lock()
	cancel, done := u.pollCancel, u.pollDone
	u.pollCancel, u.pollDone = nil, nil
	u.pollMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (u *UnreadCounter) reset() {
	u.issued++
	u.applied = u.issued
	u.set(0)
}
