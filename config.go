package bazaarly

import (
	"log/slog"
	"strings"
	"time"
)

// Backoff selects how the delay between reconnect attempts grows.
type Backoff string

const (
	// BackoffFixed waits ReconnectDelay before every attempt.
	BackoffFixed Backoff = "fixed"
	// BackoffExponential doubles the delay per attempt, capped at ReconnectMaxDelay.
	BackoffExponential Backoff = "exponential"
)

// Config configures a Session.
type Config struct {
	BaseURL string
	// WSURL defaults to BaseURL with the scheme switched to ws/wss and a /ws path.
	WSURL string
	Token string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectBackoff     Backoff

	UnreadPollInterval time.Duration
	// RequestTimeout bounds background reconciliation calls.
	RequestTimeout time.Duration

	Logger  *slog.Logger
	Dialer  Dialer
	Storage Storage
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectBackoff == "" {
		c.ReconnectBackoff = BackoffFixed
	}
	if c.UnreadPollInterval == 0 {
		c.UnreadPollInterval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WSURL == "" && c.BaseURL != "" {
		c.WSURL = websocketURL(c.BaseURL)
	}
	if c.Dialer == nil {
		c.Dialer = NewWebSocketDialer(c.Token, nil)
	}
}

func websocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}
