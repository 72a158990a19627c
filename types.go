package bazaarly

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when writing to a socket that is not open.
	ErrNotConnected = errors.New("bazaarly: not connected")
	// ErrSessionClosed is returned by operations issued after Session.Close.
	ErrSessionClosed = errors.New("bazaarly: session closed")
	// ErrUnknownConversation is returned when a conversation id is not in the store.
	ErrUnknownConversation = errors.New("bazaarly: unknown conversation")
)

// APIError represents a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// UserProfile is the denormalized counterpart shown next to a conversation.
type UserProfile struct {
	ID           int    `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Conversation is a two-party thread, optionally scoped to a listing.
type Conversation struct {
	ID          int          `json:"id"`
	User1ID     int          `json:"user1Id"`
	User2ID     int          `json:"user2Id"`
	ListingID   *int         `json:"listingId,omitempty"`
	LastMessage string       `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	UnreadCount int          `json:"unreadCount"`
	OtherUser   *UserProfile `json:"otherUser,omitempty"`
}

// Counterpart returns the participant id that is not userID.
func (c Conversation) Counterpart(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message is a single chat message. ID is nil until the server confirms it.
type Message struct {
	ID             *int   `json:"id,omitempty"`
	Content        string `json:"content"`
	ConversationID int    `json:"conversationId"`
	AuthorID       int    `json:"authorId"`
	ReceiverID     int    `json:"receiverId"`
	CreatedAt      string `json:"createdAt"`
}

// SendMessageRequest is the body of POST /api/messages/send.
type SendMessageRequest struct {
	ReceiverID     int    `json:"receiverId"`
	Content        string `json:"content"`
	ConversationID int    `json:"conversationId"`
	ListingID      *int   `json:"listingId,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations/create.
type CreateConversationRequest struct {
	OtherUserID int  `json:"otherUserId"`
	ListingID   *int `json:"listingId,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType enumerates notification kinds. Unknown values pass through.
type NotificationType string

const (
	NotificationLike    NotificationType = "LIKE"
	NotificationComment NotificationType = "COMMENT"
	NotificationFollow  NotificationType = "FOLLOW"
	NotificationMessage NotificationType = "MESSAGE"
)

// Notification is a server-assigned notification entry.
type Notification struct {
	ID          int              `json:"id"`
	Type        NotificationType `json:"type"`
	Content     string           `json:"content"`
	RecipientID int              `json:"recipientId"`
	SenderID    int              `json:"senderId"`
	PostID      *int             `json:"postId,omitempty"`
	CommentID   *int             `json:"commentId,omitempty"`
	FollowID    *int             `json:"followId,omitempty"`
	MessageID   *int             `json:"messageId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	Read        bool             `json:"read"`
}

// UnmarshalJSON accepts loosely typed payloads: numeric fields may arrive as
// strings and read may arrive as a number or string.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*n = normalizeNotification(m)
	return nil
}

func normalizeNotification(m map[string]any) Notification {
	n := Notification{
		ID:          intOr(m, "id", 0),
		Type:        NotificationType(strings.ToUpper(strOr(m, "type", ""))),
		Content:     strOr(m, "content", ""),
		RecipientID: intOr(m, "recipientId", 0),
		SenderID:    intOr(m, "senderId", 0),
		PostID:      optInt(m, "postId"),
		CommentID:   optInt(m, "commentId"),
		FollowID:    optInt(m, "followId"),
		MessageID:   optInt(m, "messageId"),
		CreatedAt:   timeOr(m, "createdAt", time.Time{}),
		Read:        boolOr(m, "read", false),
	}
	return n
}

// ============================================================================
// Wire frames
// ============================================================================

const (
	FrameAuth             = "auth"
	FrameMessage          = "message"
	FrameMessageDelivered = "message_delivered"
	FrameNotification     = "notification"
)

// AuthFrame is sent once after the socket opens.
type AuthFrame struct {
	Type   string `json:"type"`
	UserID int    `json:"userId"`
}

// OutboundMessageFrame pushes a sent message to the counterpart.
type OutboundMessageFrame struct {
	Type           string `json:"type"`
	To             int    `json:"to"`
	Content        string `json:"content"`
	ConversationID int    `json:"conversationId"`
	ListingID      *int   `json:"listingId,omitempty"`
}

// ============================================================================
// Loose field helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	switch v := m[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fallback
}

// asInt coerces JSON numbers and numeric strings.
func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case json.Number:
		i, err := x.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		return i, err == nil
	}
	return 0, false
}

func intOr(m map[string]any, key string, fallback int) int {
	if i, ok := asInt(m[key]); ok {
		return i
	}
	return fallback
}

func optInt(m map[string]any, key string) *int {
	if i, ok := asInt(m[key]); ok {
		return &i
	}
	return nil
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func timeOr(m map[string]any, key string, fallback time.Time) time.Time {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}
