package bazaarly

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.reqs...)
}

// newTestClient serves every request with handler and records what was asked.
func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if _, err := uuid.Parse(r.Header.Get("X-Request-ID")); err != nil {
			t.Errorf("X-Request-ID is not a uuid: %v", err)
		}
		if r.URL.RawQuery != "" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		rec := recordedRequest{method: r.Method, path: r.URL.Path}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &rec.body)
		}
		log.mu.Lock()
		log.reqs = append(log.reqs, rec)
		log.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL+"/"), WithLogger(slogt.New(t))), log
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestClientEndpoints(t *testing.T) {
	client, log := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations":
			writeJSON(w, 200, `[{"id":42,"user1Id":1,"user2Id":2,"updatedAt":"2024-06-01T12:00:00Z","unreadCount":3,"otherUser":{"id":2,"username":"bob"}}]`)
		case "/api/conversations/42/messages":
			writeJSON(w, 200, `[{"id":1,"content":"hi","conversationId":42,"authorId":2,"receiverId":1,"createdAt":"2024-06-01T12:00:00Z"}]`)
		case "/api/conversations/create":
			writeJSON(w, 200, `{"id":43,"user1Id":1,"user2Id":5,"listingId":8,"updatedAt":"2024-06-01T12:00:00Z"}`)
		case "/api/messages/send":
			writeJSON(w, 201, `{"id":77,"content":"hello","conversationId":42,"authorId":1,"receiverId":2,"createdAt":"2024-06-01T12:01:00Z"}`)
		case "/api/messages/unread-count":
			writeJSON(w, 200, `{"count":4}`)
		case "/api/notifications":
			writeJSON(w, 200, `[{"id":"3","type":"like","senderId":"9","read":0,"createdAt":"2024-06-01T12:00:00Z"}]`)
		case "/api/notifications/unread-count":
			writeJSON(w, 200, `2`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	convs, err := client.Conversations.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 3, convs[0].UnreadCount)
	assert.Equal(t, "bob", convs[0].OtherUser.Username)
	assert.Equal(t, 2, convs[0].Counterpart(1))

	msgs, err := client.Conversations.Messages(ctx, 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, *msgs[0].ID)

	listing := 8
	conv, err := client.Conversations.Create(ctx, &CreateConversationRequest{OtherUserID: 5, ListingID: &listing})
	require.NoError(t, err)
	assert.Equal(t, 43, conv.ID)
	assert.Equal(t, 8, *conv.ListingID)

	require.NoError(t, client.Conversations.MarkRead(ctx, 42))

	msg, err := client.Messages.Send(ctx, &SendMessageRequest{ReceiverID: 2, Content: "hello", ConversationID: 42})
	require.NoError(t, err)
	assert.Equal(t, 77, *msg.ID)

	n, err := client.Messages.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ns, err := client.Notifications.List(ctx)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, 3, ns[0].ID)
	assert.Equal(t, 9, ns[0].SenderID)
	assert.False(t, ns[0].Read)

	require.NoError(t, client.Notifications.MarkRead(ctx, 3))
	require.NoError(t, client.Notifications.MarkAllRead(ctx))
	require.NoError(t, client.Notifications.Delete(ctx, 3))

	nu, err := client.Notifications.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nu)

	want := []struct{ method, path string }{
		{"GET", "/api/conversations"},
		{"GET", "/api/conversations/42/messages"},
		{"POST", "/api/conversations/create"},
		{"POST", "/api/conversations/42/read"},
		{"POST", "/api/messages/send"},
		{"GET", "/api/messages/unread-count"},
		{"GET", "/api/notifications"},
		{"POST", "/api/notifications/3/read"},
		{"POST", "/api/notifications/read-all"},
		{"DELETE", "/api/notifications/3"},
		{"GET", "/api/notifications/unread-count"},
	}
	reqs := log.all()
	require.Len(t, reqs, len(want))
	for i, w := range want {
		assert.Equal(t, w.method, reqs[i].method, "request %d", i)
		assert.Equal(t, w.path, reqs[i].path, "request %d", i)
	}

	assert.Equal(t, map[string]any{"otherUserId": float64(5), "listingId": float64(8)}, reqs[2].body)
	assert.Equal(t, map[string]any{"receiverId": float64(2), "content": "hello", "conversationId": float64(42)}, reqs[4].body)
}

func TestClientAPIError(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"code and message", 409, `{"code":"CONFLICT","message":"already exists"}`, "CONFLICT", "already exists"},
		{"error field", 401, `{"error":"token expired"}`, "", "token expired"},
		{"no body", 503, ``, "", "Service Unavailable"},
		{"html body", 502, `<html>bad gateway</html>`, "", "Bad Gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})

			_, err := client.Conversations.List(context.Background())
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, tc.message, apiErr.Message)
		})
	}
}

func TestDecodeCount(t *testing.T) {
	for body, want := range map[string]int{
		`5`:                 5,
		`{"count":6}`:       6,
		`{"unreadCount":7}`: 7,
		`{"unread":"8"}`:    8,
	} {
		got, err := decodeCount([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, want, got, body)
	}

	_, err := decodeCount([]byte(`{"total":1}`))
	assert.Error(t, err)
}

func TestClientNewSessionInheritsSettings(t *testing.T) {
	client := NewClient("tok", WithBaseURL("https://api.example.com/"), WithLogger(slogt.New(t)))
	assert.Equal(t, "https://api.example.com", client.BaseURL())

	s := client.NewSession(3, Config{})
	defer s.Close()
	assert.Equal(t, "wss://api.example.com/ws", s.Conn.url)
	assert.Equal(t, 3, s.UserID)
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://bazaarly.app/ws", websocketURL("https://bazaarly.app/"))
	assert.Equal(t, "ws://localhost:8080/ws", websocketURL("http://localhost:8080"))
}
