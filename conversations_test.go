package bazaarly

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationIDs(convs []Conversation) []int {
	ids := make([]int, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}

func TestLoadSnapshot(t *testing.T) {
	t.Run("replaces with server order and counts", func(t *testing.T) {
		b := newFakeBackend()
		b.conversations.list = func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{
				{ID: 3, UpdatedAt: at(1), UnreadCount: 2},
				{ID: 1, UpdatedAt: at(5)},
				{ID: 2, UpdatedAt: at(3), UnreadCount: -4},
			}, nil
		}
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 50})

		require.NoError(t, s.Conversations.LoadSnapshot(context.Background()))

		convs := s.Conversations.List()
		if diff := cmp.Diff([]int{3, 1, 2}, conversationIDs(convs)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 2, convs[0].UnreadCount)
		assert.Equal(t, 0, convs[2].UnreadCount)
	})

	t.Run("failure keeps last known good state", func(t *testing.T) {
		b := newFakeBackend()
		b.conversations.list = func(ctx context.Context) ([]Conversation, error) {
			return nil, errBackend
		}
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 50, UnreadCount: 1})

		err := s.Conversations.LoadSnapshot(context.Background())
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, []int{50}, conversationIDs(s.Conversations.List()))
	})

	t.Run("stale response is discarded", func(t *testing.T) {
		b := newFakeBackend()
		started := make(chan struct{})
		release := make(chan struct{})
		var calls atomic.Int32
		b.conversations.list = func(ctx context.Context) ([]Conversation, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				return []Conversation{{ID: 1}}, nil
			}
			return []Conversation{{ID: 2}}, nil
		}
		s := newTestSession(t, 1, b, Config{})

		firstDone := make(chan error, 1)
		go func() { firstDone <- s.Conversations.LoadSnapshot(context.Background()) }()
		<-started

		require.NoError(t, s.Conversations.LoadSnapshot(context.Background()))
		close(release)
		require.NoError(t, <-firstDone)

		assert.Equal(t, []int{2}, conversationIDs(s.Conversations.List()))
	})
}

func TestUpdateWithIncoming(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, 1, b, Config{})
	seedConversations(t, s,
		Conversation{ID: 1, UpdatedAt: at(30)},
		Conversation{ID: 2, UpdatedAt: at(20)},
		Conversation{ID: 3, UpdatedAt: at(10)},
		Conversation{ID: 4, UpdatedAt: at(40)},
	)

	var known, unknown bool
	onLoop(t, s, func() {
		s.Conversations.activeID = 2
		// Older than everything else, still goes to the front.
		known = s.Conversations.updateWithIncoming(3, "late", at(0), true)
		unknown = s.Conversations.updateWithIncoming(77, "nobody", at(50), true)
	})

	assert.True(t, known)
	assert.False(t, unknown)
	convs := s.Conversations.List()
	if diff := cmp.Diff([]int{3, 4, 1, 2}, conversationIDs(convs)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "late", convs[0].LastMessage)

	onLoop(t, s, func() {
		s.Conversations.updateWithIncoming(2, "to active", at(60), true)
		s.Conversations.updateWithIncoming(1, "outgoing", at(61), false)
	})
	c2, _ := s.Conversations.Get(2)
	c1, _ := s.Conversations.Get(1)
	assert.Equal(t, 0, c2.UnreadCount, "active conversation never accrues unread")
	assert.Equal(t, 0, c1.UnreadCount, "outgoing messages never accrue unread")
	assert.Equal(t, 1, s.Conversations.List()[0].ID)
}

func TestSetActive(t *testing.T) {
	t.Run("mark read failure leaves count unchanged", func(t *testing.T) {
		b := newFakeBackend()
		b.conversations.markRead = func(ctx context.Context, id int) error { return errBackend }
		b.conversations.messages = func(ctx context.Context, id int) ([]Message, error) {
			return []Message{{ID: ptr(1), ConversationID: id, Content: "old"}}, nil
		}
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 5, UnreadCount: 3})
		conv, _ := s.Conversations.Get(5)

		err := s.Conversations.SetActive(context.Background(), conv)
		require.ErrorIs(t, err, errBackend)

		got, _ := s.Conversations.Get(5)
		assert.Equal(t, 3, got.UnreadCount)
		assert.Equal(t, 5, s.Conversations.ActiveID())
		assert.Equal(t, 1, s.Messages.Len())
		assert.Equal(t, int32(0), b.messages.unreadCalls.Load())
	})

	t.Run("mark read success zeroes and reconciles", func(t *testing.T) {
		b := newFakeBackend()
		b.messages.unreadCount = func(ctx context.Context) (int, error) { return 4, nil }
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 5, UnreadCount: 3})
		conv, _ := s.Conversations.Get(5)

		require.NoError(t, s.Conversations.SetActive(context.Background(), conv))

		got, _ := s.Conversations.Get(5)
		assert.Equal(t, 0, got.UnreadCount)
		assert.Equal(t, int32(1), b.conversations.markReadCalls.Load())
		assert.Eventually(t, func() bool { return s.Unread.Value() == 4 }, time.Second, 5*time.Millisecond)
	})

	t.Run("no unread skips mark read", func(t *testing.T) {
		b := newFakeBackend()
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 5})
		conv, _ := s.Conversations.Get(5)

		require.NoError(t, s.Conversations.SetActive(context.Background(), conv))
		assert.Equal(t, int32(0), b.conversations.markReadCalls.Load())
		assert.Equal(t, int32(1), b.conversations.messagesCalls.Load())
	})

	t.Run("history failure is returned", func(t *testing.T) {
		b := newFakeBackend()
		b.conversations.messages = func(ctx context.Context, id int) ([]Message, error) { return nil, errBackend }
		s := newTestSession(t, 1, b, Config{})
		seedConversations(t, s, Conversation{ID: 5, UnreadCount: 2})
		conv, _ := s.Conversations.Get(5)

		err := s.Conversations.SetActive(context.Background(), conv)
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, int32(0), b.conversations.markReadCalls.Load())
	})
}

func TestStartNewIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	var creates atomic.Int32
	b.conversations.create = func(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
		creates.Add(1)
		return &Conversation{ID: 9, User1ID: 1, User2ID: req.OtherUserID, ListingID: req.ListingID, UpdatedAt: at(0)}, nil
	}
	s := newTestSession(t, 1, b, Config{})
	seedConversations(t, s, Conversation{ID: 4, User1ID: 1, User2ID: 6})

	listing := 12
	first, err := s.Conversations.StartNew(context.Background(), 3, &listing)
	require.NoError(t, err)
	second, err := s.Conversations.StartNew(context.Background(), 3, &listing)
	require.NoError(t, err)

	assert.Equal(t, int32(2), creates.Load())
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []int{9, 4}, conversationIDs(s.Conversations.List()))
	assert.Equal(t, 9, s.Conversations.ActiveID())
	assert.Equal(t, 9, s.Messages.ConversationID())
	assert.Equal(t, 12, *second.ListingID)

	var matches int
	for _, c := range s.Conversations.List() {
		if c.Counterpart(1) == 3 {
			matches++
		}
	}
	assert.Equal(t, 1, matches)
}

func TestStartNewFailure(t *testing.T) {
	b := newFakeBackend()
	s := newTestSession(t, 1, b, Config{})

	_, err := s.Conversations.StartNew(context.Background(), 3, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBackend))
	assert.Empty(t, s.Conversations.List())
	assert.Equal(t, 0, s.Conversations.ActiveID())
}

func TestUnreadNeverNegative(t *testing.T) {
	s := newTestSession(t, 1, newFakeBackend(), Config{})
	seedConversations(t, s, Conversation{ID: 1, UnreadCount: 1})

	onLoop(t, s, func() {
		s.Conversations.setUnread(1, -3)
		s.Conversations.replace([]Conversation{{ID: 1, UnreadCount: -1}, {ID: 2, UnreadCount: -7}})
	})
	for _, c := range s.Conversations.List() {
		assert.GreaterOrEqual(t, c.UnreadCount, 0)
	}
}
