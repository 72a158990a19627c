package bazaarly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one live duplex socket.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Transport to url.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// NewWebSocketDialer returns a Dialer that authenticates the upgrade request
// with token. httpClient may be nil.
func NewWebSocketDialer(token string, httpClient *http.Client) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		opts := &websocket.DialOptions{HTTPClient: httpClient}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		conn, _, err := websocket.Dial(ctx, url, opts)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		conn.SetReadLimit(1 << 20)
		return &wsTransport{conn: conn}, nil
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	strategy    Backoff
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		strategy:    cfg.ReconnectBackoff,
		baseDelay:   cfg.ReconnectDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay returns the wait before the next attempt and counts it.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay
	if r.strategy == BackoffExponential {
		jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
		delay = time.Duration(math.Min(
			float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
			float64(r.maxDelay),
		))
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single socket of a session. It authenticates the
// socket on open and reconnects after a close, up to MaxReconnectAttempts in a
// row. Transport failures are logged and reflected in Connected; they are
// never returned to callers.
type ConnectionManager struct {
	url    string
	dial   Dialer
	logger *slog.Logger

	onOpen  func()
	onFrame func([]byte)

	mu          sync.Mutex
	transport   Transport
	userID      int
	authUserID  int
	connected   bool
	dialing     bool
	intentional bool
	gen         uint64
	recon       *reconnector
	retryTimer  *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	status      *broadcaster[bool]
}

func newConnectionManager(cfg *Config, onOpen func(), onFrame func([]byte)) *ConnectionManager {
	return &ConnectionManager{
		url:     cfg.WSURL,
		dial:    cfg.Dialer,
		logger:  cfg.Logger.With("component", "connection"),
		onOpen:  onOpen,
		onFrame: onFrame,
		recon:   newReconnector(cfg),
		status:  newBroadcaster[bool](),
	}
}

// Connected reports whether the socket is open and authenticated.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// AuthenticatedUserID returns the user id sent in the last auth frame, or 0.
func (m *ConnectionManager) AuthenticatedUserID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authUserID
}

// ReconnectAttempts returns the number of automatic reconnects scheduled
// since the last successful open.
func (m *ConnectionManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempt
}

// Subscribe streams connectivity changes.
func (m *ConnectionManager) Subscribe() (<-chan bool, func()) {
	return m.status.subscribe()
}

// Connect opens the socket for userID in the background. It is a no-op while
// a socket is open or being opened. An explicit Connect after the manager gave
// up starts a fresh round of reconnect attempts.
func (m *ConnectionManager) Connect(userID int) {
	m.connect(userID, true)
}

func (m *ConnectionManager) connect(userID int, explicit bool) {
	m.mu.Lock()
	if m.transport != nil || m.dialing || (!explicit && m.intentional) {
		m.mu.Unlock()
		return
	}
	if explicit {
		if m.retryTimer != nil {
			m.retryTimer.Stop()
			m.retryTimer = nil
		}
		if !m.recon.shouldReconnect() {
			m.recon.reset()
		}
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.userID = userID
	m.intentional = false
	m.dialing = true
	m.gen++
	gen, ctx := m.gen, m.ctx
	m.mu.Unlock()

	go m.open(ctx, gen, userID)
}

func (m *ConnectionManager) open(ctx context.Context, gen uint64, userID int) {
	t, err := m.dial(ctx, m.url)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	m.dialing = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("socket open failed", "user_id", userID, "error", err)
		m.handleClose(gen)
		return
	}
	m.transport = t
	m.mu.Unlock()

	auth, _ := json.Marshal(AuthFrame{Type: FrameAuth, UserID: userID})
	if err := t.Write(ctx, auth); err != nil {
		m.logger.Warn("auth frame write failed", "user_id", userID, "error", err)
		m.handleClose(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.authUserID = userID
	m.recon.reset()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.logger.Info("socket connected", "user_id", userID)
	m.status.publish(true)
	if m.onOpen != nil {
		m.onOpen()
	}

	go m.readLoop(ctx, gen, t)
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("socket closed", "error", err)
			}
			m.handleClose(gen)
			return
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

// handleClose runs once per transport generation when it closes or fails to open.
func (m *ConnectionManager) handleClose(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	if m.transport != nil {
		m.transport.Close()
	}
	m.transport = nil
	m.dialing = false
	wasConnected := m.connected
	m.connected = false
	// Invalidate this generation so a second error on it is ignored.
	m.gen++

	userID := m.userID
	if m.recon.shouldReconnect() {
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.retryTimer = time.AfterFunc(delay, func() { m.connect(userID, false) })
		m.mu.Unlock()
		m.logger.Info("reconnect scheduled", "user_id", userID, "attempt", attempt, "delay", delay)
	} else {
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted", "user_id", userID, "max_attempts", m.recon.maxAttempts)
	}

	if wasConnected {
		m.status.publish(false)
	}
}

// Disconnect closes the socket, cancels pending reconnects and clears the
// authenticated user.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.ctx, m.cancel = nil, nil
	}
	t := m.transport
	m.transport = nil
	wasConnected := m.connected
	m.connected = false
	m.dialing = false
	m.authUserID = 0
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Debug("socket close", "error", err)
		}
	}
	if wasConnected {
		m.status.publish(false)
	}
}

// Send writes one JSON frame to the open socket.
func (m *ConnectionManager) Send(ctx context.Context, frame any) error {
	m.mu.Lock()
	t, connected := m.transport, m.connected
	m.mu.Unlock()
	if t == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.Write(ctx, data)
}

func (m *ConnectionManager) close() {
	m.Disconnect()
	m.status.closeAll()
}
