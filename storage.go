package bazaarly

// Snapshot storage for warm starts.
//
// A Session persists every REST snapshot it applies and reads the last one
// back on Start, so observers see the previous state before the network
// answers. The redisstore package provides a shared implementation.
//
//	storage := bazaarly.NewMemoryStorage()
//	session := client.NewSession(userID, bazaarly.Config{Storage: storage})

import (
	"context"
	"sync"
)

// Storage caches the last-known-good snapshots of a user. A missing entry is
// reported as an empty slice and a nil error.
type Storage interface {
	GetConversations(ctx context.Context, userID int) ([]Conversation, error)
	PutConversations(ctx context.Context, userID int, convs []Conversation) error
	GetNotifications(ctx context.Context, userID int) ([]Notification, error)
	PutNotifications(ctx context.Context, userID int, ns []Notification) error
	Clear(ctx context.Context, userID int) error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[int][]Conversation
	notifications map[int][]Notification
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[int][]Conversation),
		notifications: make(map[int][]Notification),
	}
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStorage) GetConversations(_ context.Context, userID int) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation{}, s.conversations[userID]...), nil
}

func (s *MemoryStorage) PutConversations(_ context.Context, userID int, convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = append([]Conversation{}, convs...)
	return nil
}

// ── Notifications ────────────────────────────────────────

func (s *MemoryStorage) GetNotifications(_ context.Context, userID int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification{}, s.notifications[userID]...), nil
}

func (s *MemoryStorage) PutNotifications(_ context.Context, userID int, ns []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[userID] = append([]Notification{}, ns...)
	return nil
}

// Clear drops everything held for userID.
func (s *MemoryStorage) Clear(_ context.Context, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
	delete(s.notifications, userID)
	return nil
}
