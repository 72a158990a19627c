package bazaarly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConversationStore holds the conversation list of the session user, most
// recently touched first, with per-conversation unread counts.
//
// Marking a conversation read waits for the server before zeroing its count;
// a failed call leaves the count as it was.
type ConversationStore struct {
	api      ConversationsAPI
	loop     *eventLoop
	messages *MessageStore
	unread   *UnreadCounter
	storage  Storage
	userID   int
	timeout  time.Duration
	logger   *slog.Logger
	changes  *broadcaster[[]Conversation]

	mu       sync.RWMutex
	items    []Conversation
	activeID int

	persisting sync.WaitGroup

	// loop-only
	issued  uint64
	applied uint64
}

func newConversationStore(userID int, api ConversationsAPI, loop *eventLoop, messages *MessageStore, unread *UnreadCounter, cfg *Config) *ConversationStore {
	return &ConversationStore{
		api:      api,
		loop:     loop,
		messages: messages,
		unread:   unread,
		storage:  cfg.Storage,
		userID:   userID,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger.With("component", "conversations"),
		changes:  newBroadcaster[[]Conversation](),
	}
}

// ── Readers ──────────────────────────────────────────────

// List returns a copy of the conversations in display order.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.items...)
}

// Get returns the conversation with id.
func (s *ConversationStore) Get(id int) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.items[i], true
	}
	return Conversation{}, false
}

// ActiveID returns the id of the active conversation, or 0.
func (s *ConversationStore) ActiveID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns the active conversation.
func (s *ConversationStore) Active() (Conversation, bool) {
	id := s.ActiveID()
	if id == 0 {
		return Conversation{}, false
	}
	return s.Get(id)
}

// Subscribe streams the conversation list after every change.
func (s *ConversationStore) Subscribe() (<-chan []Conversation, func()) {
	return s.changes.subscribe()
}

// indexOf requires s.mu.
func (s *ConversationStore) indexOf(id int) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Operations ───────────────────────────────────────────

// LoadSnapshot replaces the list with the server's, keeping its order and
// unread counts. On failure the store keeps its last-known-good state.
func (s *ConversationStore) LoadSnapshot(ctx context.Context) error {
	var seq uint64
	if err := s.loop.run(ctx, func() {
		s.issued++
		seq = s.issued
	}); err != nil {
		return err
	}

	convs, err := s.api.List(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	return s.loop.run(ctx, func() {
		if seq < s.applied {
			s.logger.Debug("dropping stale conversation snapshot", "seq", seq, "applied", s.applied)
			return
		}
		s.applied = seq
		s.replace(convs)
		s.persist()
	})
}

// requestRefresh reloads the snapshot in the background. Safe to call from the loop.
func (s *ConversationStore) requestRefresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.LoadSnapshot(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("conversation refresh failed", "error", err)
		}
	}()
}

// SetActive binds the message store to conv, loads its history and, when it
// has unread messages, marks it read on the server. The local unread count
// is zeroed only after the server confirms.
func (s *ConversationStore) SetActive(ctx context.Context, conv Conversation) error {
	var unread int
	if err := s.loop.run(ctx, func() {
		s.mu.Lock()
		s.activeID = conv.ID
		unread = conv.UnreadCount
		if i := s.indexOf(conv.ID); i >= 0 {
			unread = s.items[i].UnreadCount
		}
		s.mu.Unlock()
		s.messages.bind(conv.ID)
	}); err != nil {
		return err
	}

	if err := s.messages.LoadFor(ctx, conv.ID); err != nil {
		return err
	}
	if unread <= 0 {
		return nil
	}

	if err := s.api.MarkRead(ctx, conv.ID); err != nil {
		return fmt.Errorf("mark conversation %d read: %w", conv.ID, err)
	}
	return s.loop.run(ctx, func() {
		s.setUnread(conv.ID, 0)
		s.unread.requestRefresh()
	})
}

// StartNew gets or creates the conversation with otherUserID (scoped to
// listingID when set) and makes it active. The server's id is trusted for
// dedup, so repeated calls for the same pair yield one entry.
func (s *ConversationStore) StartNew(ctx context.Context, otherUserID int, listingID *int) (Conversation, error) {
	conv, err := s.api.Create(ctx, &CreateConversationRequest{OtherUserID: otherUserID, ListingID: listingID})
	if err != nil {
		return Conversation{}, fmt.Errorf("start conversation with user %d: %w", otherUserID, err)
	}

	if err := s.loop.run(ctx, func() {
		s.mu.Lock()
		if i := s.indexOf(conv.ID); i >= 0 {
			*conv = s.items[i]
		} else {
			s.items = append([]Conversation{*conv}, s.items...)
		}
		s.mu.Unlock()
		s.publish()
	}); err != nil {
		return Conversation{}, err
	}

	if err := s.SetActive(ctx, *conv); err != nil {
		return *conv, err
	}
	return *conv, nil
}

// ── Loop-only mutators ───────────────────────────────────

// updateWithIncoming records lastMessage on conversationID and moves it to the
// front. Incoming messages on an inactive conversation bump its unread count.
// It reports whether the conversation is known.
func (s *ConversationStore) updateWithIncoming(conversationID int, lastMessage string, at time.Time, isIncoming bool) bool {
	s.mu.Lock()
	i := s.indexOf(conversationID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	conv := s.items[i]
	conv.LastMessage = lastMessage
	conv.UpdatedAt = at
	if isIncoming && conversationID != s.activeID {
		conv.UnreadCount++
	}

	rest := make([]Conversation, 0, len(s.items)-1)
	rest = append(rest, s.items[:i]...)
	rest = append(rest, s.items[i+1:]...)
	sort.SliceStable(rest, func(a, b int) bool { return rest[a].UpdatedAt.After(rest[b].UpdatedAt) })
	s.items = append([]Conversation{conv}, rest...)
	s.mu.Unlock()

	s.publish()
	return true
}

func (s *ConversationStore) setUnread(conversationID, n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	i := s.indexOf(conversationID)
	if i < 0 || s.items[i].UnreadCount == n {
		s.mu.Unlock()
		return
	}
	s.items[i].UnreadCount = n
	s.mu.Unlock()
	s.publish()
}

func (s *ConversationStore) replace(convs []Conversation) {
	items := make([]Conversation, len(convs))
	copy(items, convs)
	for i := range items {
		if items[i].UnreadCount < 0 {
			items[i].UnreadCount = 0
		}
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.publish()
}

func (s *ConversationStore) persist() {
	if s.storage == nil {
		return
	}
	convs := s.List()
	s.persisting.Add(1)
	go func() {
		defer s.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.storage.PutConversations(ctx, s.userID, convs); err != nil {
			s.logger.Warn("persist conversations failed", "error", err)
		}
	}()
}

func (s *ConversationStore) reset() {
	s.issued++
	s.applied = s.issued
	s.mu.Lock()
	s.items = nil
	s.activeID = 0
	s.mu.Unlock()
	s.publish()
}

func (s *ConversationStore) publish() {
	s.changes.publish(s.List())
}
