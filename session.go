package bazaarly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session owns the real-time state of one signed-in user: the socket, the
// router that dispatches its frames, and the stores observers read from.
//
// Every store mutation runs on the session's event loop. REST calls run on
// the caller's goroutine and apply their results through the loop, so a call
// that never resolves leaves the stores untouched.
type Session struct {
	UserID int

	Conn          *ConnectionManager
	Router        *EventRouter
	Conversations *ConversationStore
	Messages      *MessageStore
	Notifications *NotificationStore
	Unread        *UnreadCounter

	backend Backend
	loop    *eventLoop
	storage Storage
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewSession wires a Session for userID against backend. Zero fields of cfg
// take their defaults. Nothing touches the network until Start.
func NewSession(userID int, backend Backend, cfg Config) *Session {
	cfg.defaults()
	logger := cfg.Logger.With("user_id", userID)
	cfg.Logger = logger

	loop := newEventLoop(logger.With("component", "loop"))
	s := &Session{
		UserID:  userID,
		backend: backend,
		loop:    loop,
		storage: cfg.Storage,
		timeout: cfg.RequestTimeout,
		logger:  logger.With("component", "session"),
	}
	s.Unread = newUnreadCounter(backend.Messages, loop, &cfg)
	s.Messages = newMessageStore(backend.Conversations, loop, logger)
	s.Conversations = newConversationStore(userID, backend.Conversations, loop, s.Messages, s.Unread, &cfg)
	s.Notifications = newNotificationStore(userID, backend.Notifications, loop, &cfg)
	s.Router = newEventRouter(userID, s, logger)
	s.Conn = newConnectionManager(&cfg,
		func() { s.Conversations.requestRefresh() },
		func(data []byte) { loop.post(func() { s.Router.route(data) }) },
	)
	return s
}

// Start warms the stores from storage, opens the socket, starts unread
// polling and loads notifications in the background.
func (s *Session) Start(ctx context.Context) error {
	if err := s.warm(ctx); err != nil {
		return err
	}
	s.Conn.Connect(s.UserID)
	s.Unread.startPolling()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Notifications.Load(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("initial notification load failed", "error", err)
		}
	}()
	return nil
}

// warm applies cached snapshots unless a live snapshot already landed.
func (s *Session) warm(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	convs, err := s.storage.GetConversations(ctx, s.UserID)
	if err != nil {
		s.logger.Warn("read cached conversations failed", "error", err)
	}
	ns, err := s.storage.GetNotifications(ctx, s.UserID)
	if err != nil {
		s.logger.Warn("read cached notifications failed", "error", err)
	}
	if len(convs) == 0 && len(ns) == 0 {
		return nil
	}

	return s.loop.run(ctx, func() {
		if len(convs) > 0 && s.Conversations.applied == 0 {
			s.Conversations.replace(convs)
		}
		if len(ns) > 0 && len(s.Notifications.List()) == 0 {
			s.Notifications.replaceAll(ns)
		}
		s.logger.Debug("warmed from storage", "conversations", len(convs), "notifications", len(ns))
	})
}

// Close disconnects, stops polling, clears every store and closes all
// subscriber channels. Cached snapshots stay in storage so the next session
// of the user starts warm. The session cannot be restarted.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Conn.close()
		s.Unread.stopPolling()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		err = s.loop.run(ctx, func() {
			s.Messages.reset()
			s.Conversations.reset()
			s.Notifications.reset()
			s.Unread.reset()
			s.Router.reset()
		})
		s.loop.close()

		s.Conversations.persisting.Wait()
		s.Notifications.persisting.Wait()

		s.Messages.changes.closeAll()
		s.Conversations.changes.closeAll()
		s.Notifications.changes.closeAll()
		s.Notifications.counts.closeAll()
		s.Unread.changes.closeAll()
		s.Router.incoming.closeAll()
		s.logger.Info("session closed")
	})
	return err
}

// Logout closes the session and drops the cached snapshots of the user.
func (s *Session) Logout() error {
	err := s.Close()
	if s.storage == nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if cerr := s.storage.Clear(ctx, s.UserID); cerr != nil {
		err = errors.Join(err, fmt.Errorf("clear storage: %w", cerr))
	}
	return err
}

// ── Outbound API ─────────────────────────────────────────

// Connected reports whether the socket is open and authenticated.
func (s *Session) Connected() bool {
	return s.Conn.Connected()
}

// OnNewMessage streams messages received from other users.
func (s *Session) OnNewMessage() (<-chan Message, func()) {
	return s.Router.Subscribe()
}

// Delivered reports whether the server acknowledged the message sent to user
// `to` at timestamp, and when the acknowledgment arrived.
func (s *Session) Delivered(to int, timestamp string) (time.Time, bool) {
	return s.Router.Delivered(to, timestamp)
}

// SendMessage sends content to receiverID in conversationID. The message is
// shown locally once the server accepts it; on failure nothing is appended.
// The socket push to the counterpart is best-effort.
func (s *Session) SendMessage(ctx context.Context, conversationID, receiverID int, content string, listingID *int) (*Message, error) {
	msg, err := s.backend.Messages.Send(ctx, &SendMessageRequest{
		ReceiverID:     receiverID,
		Content:        content,
		ConversationID: conversationID,
		ListingID:      listingID,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if msg.ConversationID == 0 {
		msg.ConversationID = conversationID
	}
	if msg.AuthorID == 0 {
		msg.AuthorID = s.UserID
	}
	if msg.ReceiverID == 0 {
		msg.ReceiverID = receiverID
	}
	if msg.Content == "" {
		msg.Content = content
	}
	now := time.Now()
	if msg.CreatedAt == "" {
		msg.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	at := now
	if t, err := time.Parse(time.RFC3339, msg.CreatedAt); err == nil {
		at = t
	}

	local := *msg
	if err := s.loop.run(ctx, func() {
		s.Messages.sendLocal(local)
		s.Conversations.updateWithIncoming(local.ConversationID, local.Content, at, false)
	}); err != nil {
		return msg, err
	}

	err = s.Conn.Send(ctx, OutboundMessageFrame{
		Type:           FrameMessage,
		To:             receiverID,
		Content:        content,
		ConversationID: msg.ConversationID,
		ListingID:      listingID,
	})
	if err != nil {
		s.logger.Debug("message push skipped", "conversation_id", msg.ConversationID, "error", err)
	}
	return msg, nil
}

// StartConversation gets or creates the conversation with otherUserID and
// makes it active.
func (s *Session) StartConversation(ctx context.Context, otherUserID int, listingID *int) (Conversation, error) {
	return s.Conversations.StartNew(ctx, otherUserID, listingID)
}

// OpenConversation makes the known conversation id active.
func (s *Session) OpenConversation(ctx context.Context, id int) error {
	conv, ok := s.Conversations.Get(id)
	if !ok {
		return fmt.Errorf("open conversation %d: %w", id, ErrUnknownConversation)
	}
	return s.Conversations.SetActive(ctx, conv)
}
