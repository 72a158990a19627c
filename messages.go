package bazaarly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MessageStore holds the message list of the active conversation in arrival
// order. Switching conversations replaces it wholesale.
type MessageStore struct {
	api     ConversationsAPI
	loop    *eventLoop
	logger  *slog.Logger
	changes *broadcaster[[]Message]

	mu             sync.RWMutex
	conversationID int
	items          []Message

	loadSeq uint64 // loop-only
}

func newMessageStore(api ConversationsAPI, loop *eventLoop, logger *slog.Logger) *MessageStore {
	return &MessageStore{
		api:     api,
		loop:    loop,
		logger:  logger.With("component", "messages"),
		changes: newBroadcaster[[]Message](),
	}
}

// ConversationID returns the conversation the store is bound to, or 0.
func (s *MessageStore) ConversationID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// List returns a copy of the current messages.
func (s *MessageStore) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.items...)
}

// Len returns the number of messages held.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Subscribe streams the message list after every change.
func (s *MessageStore) Subscribe() (<-chan []Message, func()) {
	return s.changes.subscribe()
}

// LoadFor fetches the full history of conversationID and replaces the store
// with it. Only the most recently issued load is applied, and only while the
// store is still bound to what it was bound to when the load was issued.
func (s *MessageStore) LoadFor(ctx context.Context, conversationID int) error {
	var seq uint64
	var bound int
	if err := s.loop.run(ctx, func() {
		s.loadSeq++
		seq = s.loadSeq
		bound = s.ConversationID()
	}); err != nil {
		return err
	}

	msgs, err := s.api.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load messages for conversation %d: %w", conversationID, err)
	}

	return s.loop.run(ctx, func() {
		if seq != s.loadSeq || s.ConversationID() != bound {
			s.logger.Debug("dropping superseded message load", "conversation_id", conversationID)
			return
		}
		s.mu.Lock()
		s.conversationID = conversationID
		s.items = append([]Message(nil), msgs...)
		s.mu.Unlock()
		s.publish()
	})
}

// bind clears the store and points it at conversationID. Loop-only.
func (s *MessageStore) bind(conversationID int) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.items = nil
	s.mu.Unlock()
	s.publish()
}

// append adds msg at the end. Loop-only.
func (s *MessageStore) append(msg Message) {
	s.mu.Lock()
	s.items = append(s.items, msg)
	s.mu.Unlock()
	s.publish()
}

// sendLocal shows a message the local user just sent, if it belongs to the
// bound conversation. Loop-only.
func (s *MessageStore) sendLocal(msg Message) {
	if msg.ConversationID != s.ConversationID() {
		return
	}
	s.append(msg)
}

func (s *MessageStore) reset() {
	s.loadSeq++
	s.bind(0)
}

func (s *MessageStore) publish() {
	s.changes.publish(s.List())
}
