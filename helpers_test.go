package bazaarly

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errBackend = errors.New("backend unavailable")

type fakeConversations struct {
	list     func(ctx context.Context) ([]Conversation, error)
	messages func(ctx context.Context, id int) ([]Message, error)
	create   func(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
	markRead func(ctx context.Context, id int) error

	listCalls     atomic.Int32
	messagesCalls atomic.Int32
	markReadCalls atomic.Int32
}

func (f *fakeConversations) List(ctx context.Context) ([]Conversation, error) {
	f.listCalls.Add(1)
	if f.list == nil {
		return nil, nil
	}
	return f.list(ctx)
}

func (f *fakeConversations) Messages(ctx context.Context, id int) ([]Message, error) {
	f.messagesCalls.Add(1)
	if f.messages == nil {
		return nil, nil
	}
	return f.messages(ctx, id)
}

func (f *fakeConversations) Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	if f.create == nil {
		return nil, errBackend
	}
	return f.create(ctx, req)
}

func (f *fakeConversations) MarkRead(ctx context.Context, id int) error {
	f.markReadCalls.Add(1)
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, id)
}

type fakeMessages struct {
	send        func(ctx context.Context, req *SendMessageRequest) (*Message, error)
	unreadCount func(ctx context.Context) (int, error)

	unreadCalls atomic.Int32
}

func (f *fakeMessages) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	if f.send == nil {
		return nil, errBackend
	}
	return f.send(ctx, req)
}

func (f *fakeMessages) UnreadCount(ctx context.Context) (int, error) {
	f.unreadCalls.Add(1)
	if f.unreadCount == nil {
		return 0, nil
	}
	return f.unreadCount(ctx)
}

type fakeNotifications struct {
	list        func(ctx context.Context) ([]Notification, error)
	markRead    func(ctx context.Context, id int) error
	markAllRead func(ctx context.Context) error
	delete      func(ctx context.Context, id int) error
}

func (f *fakeNotifications) List(ctx context.Context) ([]Notification, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(ctx)
}

func (f *fakeNotifications) MarkRead(ctx context.Context, id int) error {
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, id)
}

func (f *fakeNotifications) MarkAllRead(ctx context.Context) error {
	if f.markAllRead == nil {
		return nil
	}
	return f.markAllRead(ctx)
}

func (f *fakeNotifications) Delete(ctx context.Context, id int) error {
	if f.delete == nil {
		return nil
	}
	return f.delete(ctx, id)
}

type fakeBackend struct {
	conversations *fakeConversations
	messages      *fakeMessages
	notifications *fakeNotifications
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: &fakeConversations{},
		messages:      &fakeMessages{},
		notifications: &fakeNotifications{},
	}
}

func (b *fakeBackend) Backend() Backend {
	return Backend{
		Conversations: b.conversations,
		Messages:      b.messages,
		Notifications: b.notifications,
	}
}

// newTestSession builds a session that never dials unless cfg.Dialer is set.
func newTestSession(t *testing.T, userID int, b *fakeBackend, cfg Config) *Session {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slogt.New(t)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(ctx context.Context, url string) (Transport, error) {
			return nil, errors.New("dialing disabled in tests")
		}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	s := NewSession(userID, b.Backend(), cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

// onLoop runs fn on the session loop and waits for it. Since the loop is FIFO
// it also acts as a barrier for everything posted before it.
func onLoop(t *testing.T, s *Session, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.loop.run(ctx, fn))
}

func seedConversations(t *testing.T, s *Session, convs ...Conversation) {
	t.Helper()
	onLoop(t, s, func() { s.Conversations.replace(convs) })
}

func ptr[T any](v T) *T { return &v }

func at(minutes int) time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by Read; Close unblocks any pending Read with an error.
type fakeTransport struct {
	frames chan []byte
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.frames:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case f.writes <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(frame string) {
	f.frames <- []byte(frame)
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}
