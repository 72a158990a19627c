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

// NotificationStore holds the notifications of the session user, unique by
// id and newest first, with a derived unread count.
//
// Mark-read is optimistic: the local entry flips before the server answers
// and flips back if the call fails. Delete waits for the server.
type NotificationStore struct {
	api     NotificationsAPI
	loop    *eventLoop
	storage Storage
	userID  int
	timeout time.Duration
	logger  *slog.Logger
	changes *broadcaster[[]Notification]
	counts  *broadcaster[int]

	mu     sync.RWMutex
	items  []Notification
	unread int

	persisting sync.WaitGroup

	// loop-only
	issued  uint64
	applied uint64
	pushed  map[int]uint64 // id -> last load issued when it was ingested
}

func newNotificationStore(userID int, api NotificationsAPI, loop *eventLoop, cfg *Config) *NotificationStore {
	return &NotificationStore{
		api:     api,
		loop:    loop,
		storage: cfg.Storage,
		userID:  userID,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger.With("component", "notifications"),
		changes: newBroadcaster[[]Notification](),
		counts:  newBroadcaster[int](),
		pushed:  make(map[int]uint64),
	}
}

// List returns a copy of the notifications.
func (s *NotificationStore) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

// Get returns the notification with id.
func (s *NotificationStore) Get(id int) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.items[i], true
	}
	return Notification{}, false
}

// UnreadCount returns the number of unread notifications held.
func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Subscribe streams the notification list after every change.
func (s *NotificationStore) Subscribe() (<-chan []Notification, func()) {
	return s.changes.subscribe()
}

// SubscribeUnread streams the unread count whenever it changes.
func (s *NotificationStore) SubscribeUnread() (<-chan int, func()) {
	return s.counts.subscribe()
}

func (s *NotificationStore) indexOf(id int) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Operations ───────────────────────────────────────────

// Load fetches every notification and replaces the store with them.
// Entries pushed while the request was in flight and missing from the
// response are kept. A response older than one already applied is dropped.
func (s *NotificationStore) Load(ctx context.Context) error {
	var seq uint64
	if err := s.loop.run(ctx, func() {
		s.issued++
		seq = s.issued
	}); err != nil {
		return err
	}

	ns, err := s.api.List(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	return s.loop.run(ctx, func() {
		if seq < s.applied {
			s.logger.Debug("dropping stale notification snapshot", "seq", seq, "applied", s.applied)
			return
		}
		s.applied = seq
		s.replaceAll(s.withPushedSince(seq, ns))
		s.persist()
	})
}

// withPushedSince appends to ns the held entries ingested after load seq
// was issued that ns does not carry, and forgets pushes older than seq.
func (s *NotificationStore) withPushedSince(seq uint64, ns []Notification) []Notification {
	inSnapshot := make(map[int]bool, len(ns))
	for _, n := range ns {
		inSnapshot[n.ID] = true
	}
	out := append([]Notification(nil), ns...)
	for id, since := range s.pushed {
		if since < seq {
			delete(s.pushed, id)
			continue
		}
		if inSnapshot[id] {
			continue
		}
		if n, ok := s.Get(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// MarkRead marks id read immediately and confirms with the server. If the
// server call fails the entry reverts and the error is returned.
func (s *NotificationStore) MarkRead(ctx context.Context, id int) error {
	var flipped bool
	if err := s.loop.run(ctx, func() {
		flipped = s.setRead(id, true)
	}); err != nil {
		return err
	}

	if err := s.api.MarkRead(ctx, id); err != nil {
		if flipped {
			s.rollback(ctx, func() { s.setRead(id, false) })
		}
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every entry read immediately. On failure exactly the
// entries it flipped revert.
func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	var flipped []int
	if err := s.loop.run(ctx, func() {
		s.mu.Lock()
		for i := range s.items {
			if !s.items[i].Read {
				s.items[i].Read = true
				flipped = append(flipped, s.items[i].ID)
			}
		}
		s.mu.Unlock()
		if len(flipped) > 0 {
			s.changed()
		}
	}); err != nil {
		return err
	}

	if err := s.api.MarkAllRead(ctx); err != nil {
		if len(flipped) > 0 {
			s.rollback(ctx, func() {
				s.mu.Lock()
				for _, id := range flipped {
					if i := s.indexOf(id); i >= 0 {
						s.items[i].Read = false
					}
				}
				s.mu.Unlock()
				s.changed()
			})
		}
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// rollback applies undo on the loop and waits for it, even when ctx is done.
func (s *NotificationStore) rollback(ctx context.Context, undo func()) {
	if err := s.loop.run(context.WithoutCancel(ctx), undo); err != nil {
		s.logger.Debug("rollback skipped", "error", err)
	}
}

// Delete removes id once the server confirms the deletion.
func (s *NotificationStore) Delete(ctx context.Context, id int) error {
	if err := s.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete notification %d: %w", id, err)
	}
	return s.loop.run(ctx, func() {
		s.mu.Lock()
		i := s.indexOf(id)
		if i < 0 {
			s.mu.Unlock()
			return
		}
		s.items = append(s.items[:i:i], s.items[i+1:]...)
		s.mu.Unlock()
		s.changed()
	})
}

// ── Loop-only mutators ───────────────────────────────────

// ingest merges n into the entry with the same id, or prepends it. Entries
// without a positive id are ignored.
func (s *NotificationStore) ingest(n Notification) bool {
	if n.ID <= 0 {
		return false
	}
	s.pushed[n.ID] = s.issued
	s.mu.Lock()
	if i := s.indexOf(n.ID); i >= 0 {
		mergeNotification(&s.items[i], n)
	} else {
		s.items = append([]Notification{n}, s.items...)
	}
	s.mu.Unlock()
	s.changed()
	return true
}

// replaceAll dedups ns by id (later entries win) and sorts newest first.
func (s *NotificationStore) replaceAll(ns []Notification) {
	byID := make(map[int]int, len(ns))
	items := make([]Notification, 0, len(ns))
	for _, n := range ns {
		if n.ID <= 0 {
			continue
		}
		if i, ok := byID[n.ID]; ok {
			items[i] = n
			continue
		}
		byID[n.ID] = len(items)
		items = append(items, n)
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].CreatedAt.After(items[b].CreatedAt) })

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.changed()
}

// setRead reports whether the entry's read flag changed.
func (s *NotificationStore) setRead(id int, read bool) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 || s.items[i].Read == read {
		s.mu.Unlock()
		return false
	}
	s.items[i].Read = read
	s.mu.Unlock()
	s.changed()
	return true
}

// changed recomputes the unread count and notifies subscribers.
func (s *NotificationStore) changed() {
	s.mu.Lock()
	unread := 0
	for _, n := range s.items {
		if !n.Read {
			unread++
		}
	}
	countChanged := unread != s.unread
	s.unread = unread
	list := append([]Notification(nil), s.items...)
	s.mu.Unlock()

	s.changes.publish(list)
	if countChanged {
		s.counts.publish(unread)
	}
}

func (s *NotificationStore) persist() {
	if s.storage == nil {
		return
	}
	ns := s.List()
	s.persisting.Add(1)
	go func() {
		defer s.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.storage.PutNotifications(ctx, s.userID, ns); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("persist notifications failed", "error", err)
		}
	}()
}

func (s *NotificationStore) reset() {
	s.issued++
	s.applied = s.issued
	s.pushed = make(map[int]uint64)
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	s.changed()
}

// mergeNotification overwrites dst with the fields src carries. Read always
// follows src; other zero-valued fields of src are treated as absent.
func mergeNotification(dst *Notification, src Notification) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.RecipientID != 0 {
		dst.RecipientID = src.RecipientID
	}
	if src.SenderID != 0 {
		dst.SenderID = src.SenderID
	}
	if src.PostID != nil {
		dst.PostID = src.PostID
	}
	if src.CommentID != nil {
		dst.CommentID = src.CommentID
	}
	if src.FollowID != nil {
		dst.FollowID = src.FollowID
	}
	if src.MessageID != nil {
		dst.MessageID = src.MessageID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	dst.Read = src.Read
}
