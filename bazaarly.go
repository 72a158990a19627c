// Package bazaarly provides the Go client for Bazaarly real-time messaging and
// notification sync.
//
// The REST client exposes the backend through sub-clients; a Session keeps the
// conversation, message, notification and unread state of one signed-in user
// in sync over a WebSocket.
//
// Example:
//
//	client := bazaarly.NewClient(token, bazaarly.WithBaseURL("https://bazaarly.app"))
//
//	convs, _ := client.Conversations.List(ctx)
//	client.Messages.Send(ctx, &bazaarly.SendMessageRequest{...})
//
//	session := client.NewSession(userID, bazaarly.Config{})
//	session.Start(ctx)
//	defer session.Close()
package bazaarly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://bazaarly.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Notifications = &NotificationsClient{client: c}
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Backend bundles the sub-clients into the interfaces the session stores consume.
func (c *Client) Backend() Backend {
	return Backend{
		Conversations: c.Conversations,
		Messages:      c.Messages,
		Notifications: c.Notifications,
	}
}

// NewSession builds a Session for userID backed by this client. Empty
// BaseURL, Token and Logger fields of cfg are taken from the client.
func (c *Client) NewSession(userID int, cfg Config) *Session {
	if cfg.BaseURL == "" {
		cfg.BaseURL = c.baseURL
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebSocketDialer(cfg.Token, c.httpClient)
	}
	return NewSession(userID, c.Backend(), cfg)
}

// ============================================================================
// Backend interfaces
// ============================================================================

// ConversationsAPI is the conversation half of the REST backend.
type ConversationsAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID int) ([]Message, error)
	Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
	MarkRead(ctx context.Context, conversationID int) error
}

// MessagesAPI sends messages and reports the cross-conversation unread count.
type MessagesAPI interface {
	Send(ctx context.Context, req *SendMessageRequest) (*Message, error)
	UnreadCount(ctx context.Context) (int, error)
}

// NotificationsAPI fetches and mutates notification read state.
type NotificationsAPI interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id int) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id int) error
}

// Backend is everything a Session needs from the REST side.
type Backend struct {
	Conversations ConversationsAPI
	Messages      MessagesAPI
	Notifications NotificationsAPI
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("REST call", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeList[T any](data []byte) ([]T, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	out, err := decodeJSON[[]T](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// decodeCount accepts either a bare integer or an object with a count field.
func decodeCount(data []byte) (int, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("failed to unmarshal count: %w", err)
	}
	for _, key := range []string{"count", "unreadCount", "unread"} {
		if i, ok := asInt(m[key]); ok {
			return i, nil
		}
	}
	return 0, fmt.Errorf("failed to unmarshal count: no count field in %s", string(data))
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient handles conversation listing and read state.
type ConversationsClient struct{ client *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data)
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID int) ([]Message, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations/"+itoa(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data)
}

// Create returns the existing conversation for the participant pair (and
// listing) or creates one.
func (cv *ConversationsClient) Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "POST", "/api/conversations/create", req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID int) error {
	_, err := cv.client.doRequest(ctx, "POST", "/api/conversations/"+itoa(conversationID)+"/read", nil)
	return err
}

// MessagesClient handles message sending and the unread message counter.
type MessagesClient struct{ client *Client }

func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	data, err := m.client.doRequest(ctx, "POST", "/api/messages/send", req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (m *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := m.client.doRequest(ctx, "GET", "/api/messages/unread-count", nil)
	if err != nil {
		return 0, err
	}
	return decodeCount(data)
}

// NotificationsClient handles notification listing and read state.
type NotificationsClient struct{ client *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := n.client.doRequest(ctx, "GET", "/api/notifications", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Notification](data)
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id int) error {
	_, err := n.client.doRequest(ctx, "POST", "/api/notifications/"+itoa(id)+"/read", nil)
	return err
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, "POST", "/api/notifications/read-all", nil)
	return err
}

func (n *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := n.client.doRequest(ctx, "GET", "/api/notifications/unread-count", nil)
	if err != nil {
		return 0, err
	}
	return decodeCount(data)
}

func (n *NotificationsClient) Delete(ctx context.Context, id int) error {
	_, err := n.client.doRequest(ctx, "DELETE", "/api/notifications/"+itoa(id), nil)
	return err
}
