package bazaarly

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// deliveryKey identifies a delivery acknowledgment.
type deliveryKey struct {
	to        int
	timestamp string
}

// EventRouter decodes inbound frames and dispatches each one to exactly one
// handler. It runs on the session's event loop, so frames are handled one at
// a time in arrival order.
type EventRouter struct {
	userID        int
	conversations *ConversationStore
	messages      *MessageStore
	notifications *NotificationStore
	unread        *UnreadCounter
	logger        *slog.Logger
	incoming      *broadcaster[Message]

	mu        sync.RWMutex
	delivered map[deliveryKey]time.Time
}

func newEventRouter(userID int, s *Session, logger *slog.Logger) *EventRouter {
	return &EventRouter{
		userID:        userID,
		conversations: s.Conversations,
		messages:      s.Messages,
		notifications: s.Notifications,
		unread:        s.Unread,
		logger:        logger.With("component", "router"),
		incoming:      newBroadcaster[Message](),
		delivered:     make(map[deliveryKey]time.Time),
	}
}

// Subscribe streams every incoming message from another user.
func (r *EventRouter) Subscribe() (<-chan Message, func()) {
	return r.incoming.subscribe()
}

// Delivered reports when the server acknowledged delivery of the message sent
// to user `to` at timestamp.
func (r *EventRouter) Delivered(to int, timestamp string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.delivered[deliveryKey{to: to, timestamp: timestamp}]
	return at, ok
}

// route handles one raw frame. Malformed and unknown frames are dropped.
func (r *EventRouter) route(raw []byte) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		r.logger.Debug("dropping unparseable frame", "error", err)
		return
	}

	switch t, _ := m["type"].(string); t {
	case FrameMessage:
		r.handleMessage(m)
	case FrameMessageDelivered:
		r.handleDelivered(m)
	case FrameNotification:
		r.handleNotification(m)
	case FrameAuth:
		r.logger.Info("auth response", "status", strOr(m, "status", "unknown"))
	default:
		r.logger.Debug("dropping unknown frame", "type", t)
	}
}

func (r *EventRouter) handleMessage(m map[string]any) {
	from, ok := asInt(m["from"])
	if !ok {
		r.logger.Debug("dropping message frame without sender")
		return
	}
	if from == r.userID {
		return
	}
	conversationID, ok := asInt(m["conversationId"])
	if !ok {
		r.logger.Debug("dropping message frame without conversation", "from", from)
		return
	}

	msg := Message{
		ID:             optInt(m, "id"),
		Content:        strOr(m, "content", ""),
		ConversationID: conversationID,
		AuthorID:       from,
		ReceiverID:     r.userID,
		CreatedAt:      strOr(m, "timestamp", ""),
	}
	r.incoming.publish(msg)

	active := r.messages.ConversationID() == conversationID
	if active {
		r.messages.append(msg)
	} else {
		r.unread.requestRefresh()
	}

	if !r.conversations.updateWithIncoming(conversationID, msg.Content, timeOr(m, "timestamp", time.Now()), !active) {
		r.logger.Debug("message for unknown conversation", "conversation_id", conversationID)
	}
	r.conversations.requestRefresh()
}

func (r *EventRouter) handleDelivered(m map[string]any) {
	to, ok := asInt(m["to"])
	if !ok {
		return
	}
	key := deliveryKey{to: to, timestamp: strOr(m, "timestamp", "")}
	r.mu.Lock()
	r.delivered[key] = time.Now()
	r.mu.Unlock()
}

// handleNotification accepts the notification either nested under a payload
// key or flattened into the frame. In the flat form the kind travels as
// notificationType since type is the frame tag.
func (r *EventRouter) handleNotification(m map[string]any) {
	payload, flat := m, true
	for _, key := range []string{"notification", "data", "payload"} {
		if nested, ok := m[key].(map[string]any); ok {
			payload, flat = nested, false
			break
		}
	}
	if id, ok := asInt(payload["id"]); !ok || id <= 0 {
		r.logger.Debug("dropping notification frame without id")
		return
	}

	n := normalizeNotification(payload)
	if flat {
		n.Type = NotificationType(strings.ToUpper(strOr(m, "notificationType", "")))
	}
	r.notifications.ingest(n)
}

func (r *EventRouter) reset() {
	r.mu.Lock()
	r.delivered = make(map[deliveryKey]time.Time)
	r.mu.Unlock()
}
