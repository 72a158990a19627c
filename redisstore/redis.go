// Package redisstore implements bazaarly.Storage on Redis, so several
// processes of the same user can share warm-start snapshots.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	bazaarly "github.com/bazaarly/bazaarly/sdk/golang"
)

const (
	keyPrefix = "bazaarly:"

	// DefaultTTL bounds how long an unrefreshed snapshot survives.
	DefaultTTL = 24 * time.Hour
)

// Store keeps each snapshot as one JSON blob:
// bazaarly:{userId}:conversations and bazaarly:{userId}:notifications.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ bazaarly.Storage = (*Store)(nil)

// New wraps an existing client. A ttl of zero uses DefaultTTL.
func New(rdb redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Connect dials addr and pings it before returning the store.
func Connect(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb, ttl), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func conversationsKey(userID int) string {
	return fmt.Sprintf("%s%d:conversations", keyPrefix, userID)
}

func notificationsKey(userID int) string {
	return fmt.Sprintf("%s%d:notifications", keyPrefix, userID)
}

func (s *Store) GetConversations(ctx context.Context, userID int) ([]bazaarly.Conversation, error) {
	var convs []bazaarly.Conversation
	if err := s.get(ctx, conversationsKey(userID), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Store) PutConversations(ctx context.Context, userID int, convs []bazaarly.Conversation) error {
	return s.put(ctx, conversationsKey(userID), convs)
}

func (s *Store) GetNotifications(ctx context.Context, userID int) ([]bazaarly.Notification, error) {
	var ns []bazaarly.Notification
	if err := s.get(ctx, notificationsKey(userID), &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func (s *Store) PutNotifications(ctx context.Context, userID int, ns []bazaarly.Notification) error {
	return s.put(ctx, notificationsKey(userID), ns)
}

// Clear deletes both snapshots of userID.
func (s *Store) Clear(ctx context.Context, userID int) error {
	if err := s.rdb.Del(ctx, conversationsKey(userID), notificationsKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}

// get leaves v untouched when key does not exist.
func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
