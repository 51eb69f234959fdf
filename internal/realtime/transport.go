// Package realtime maintains the persistent WebSocket connection that
// carries session events for one workflow namespace. Each transport is an
// explicitly owned object held by its session store; there is no shared
// package-level connection.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rackdesk/rackdesk/internal/models"
)

// TokenSource provides the bearer credential for the connection and the
// refresh path used mid-session. ForceLogout is the escalation when a
// refresh is unrecoverable.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	ForceLogout()
}

// Config describes one transport.
type Config struct {
	// BaseURL is the upstream ws endpoint root, e.g. "ws://ctrl:9000/ws".
	BaseURL   string
	Namespace string
	Tokens    TokenSource

	// MaxRetries bounds automatic reconnect attempts; Backoff is the
	// fixed delay between them.
	MaxRetries int
	Backoff    time.Duration

	// OnEvent receives decoded events strictly in arrival order.
	OnEvent func(models.Event)
	// OnConnError fires when reconnection attempts are exhausted. The
	// owning store keeps its last known state.
	OnConnError func(error)

	Logger *slog.Logger
}

const (
	defaultMaxRetries = 5
	defaultBackoff    = 2 * time.Second
	dialTimeout       = 10 * time.Second
)

// Transport is a connected (or connecting) event channel. Safe for
// concurrent Send/Disconnect; reads happen on a single internal goroutine,
// which guarantees in-order delivery.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex // guards conn, closed, and writes to conn
	conn    *websocket.Conn
	closed  bool
	started bool
}

// New creates a transport. It does not connect.
func New(cfg Config) *Transport {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger.With("namespace", cfg.Namespace)}
}

// Connect dials the namespace endpoint with the current bearer token and,
// on a successful handshake, immediately requests a full state snapshot —
// events emitted before the socket was ready are covered by the pull.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	if err := t.adoptConn(conn); err != nil {
		return err
	}

	t.mu.Lock()
	start := !t.started
	t.started = true
	t.mu.Unlock()
	if start {
		go t.readLoop()
	}
	return nil
}

// adoptConn installs a freshly dialed connection and pulls the state
// snapshot over it. On failure the connection is closed and cleared so a
// later attempt never overwrites a live socket.
func (t *Transport) adoptConn(conn *websocket.Conn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport closed during connect")
	}
	t.conn = conn
	t.mu.Unlock()

	if err := t.Send(models.FrameGetStatus, nil); err != nil {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	url := t.cfg.BaseURL + "/" + t.cfg.Namespace
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}

// Send emits one client frame. Data may be nil.
func (t *Transport) Send(event string, data interface{}) error {
	frame, err := models.NewFrame(event, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("%s transport not connected", t.cfg.Namespace)
	}
	if err := t.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

// Disconnect closes the connection. Idempotent; safe when never connected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// readLoop is the single reader. Events are decoded and handed to OnEvent
// one at a time; a handler runs to completion before the next read. On a
// read failure the loop reconnects (bounded, fixed backoff) and re-pulls
// the snapshot; on exhaustion it reports and exits without touching the
// owning store's state.
func (t *Transport) readLoop() {
	defer func() {
		t.mu.Lock()
		t.started = false
		t.mu.Unlock()
	}()

	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if t.isClosed() {
				return
			}
			if !t.reconnect(err) {
				return
			}
			continue
		}

		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(frame models.Frame) {
	ev, err := models.DecodeEvent(frame)
	if err != nil {
		// Malformed events are dropped, never fatal.
		t.logger.Warn("dropping malformed event", "event", frame.Event, "error", err)
		return
	}

	if _, ok := ev.(models.RefreshTokenEvent); ok {
		t.refreshAuth()
		return
	}
	if t.cfg.OnEvent != nil {
		t.cfg.OnEvent(ev)
	}
}

// refreshAuth re-authenticates the live connection in-band. The socket is
// only dropped when the refresh itself fails, in which case the auth
// collaborator is told to force a full re-login.
func (t *Transport) refreshAuth() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	token, err := t.cfg.Tokens.Refresh(ctx)
	if err != nil {
		t.logger.Warn("token refresh failed, forcing logout", "error", err)
		t.Disconnect()
		t.cfg.Tokens.ForceLogout()
		if t.cfg.OnConnError != nil {
			t.cfg.OnConnError(fmt.Errorf("credential refresh failed: %w", err))
		}
		return
	}
	if err := t.Send(models.FrameAuth, map[string]string{"token": token}); err != nil {
		t.logger.Warn("re-authenticating connection", "error", err)
	}
}

// reconnect replaces the dead connection. Returns false when attempts are
// exhausted or the transport was closed meanwhile.
func (t *Transport) reconnect(cause error) bool {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.logger.Debug("connection lost, reconnecting", "error", cause)

	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		time.Sleep(t.cfg.Backoff)
		if t.isClosed() {
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			t.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		// Re-pull the snapshot: events during the gap were missed. A
		// failed pull drops this connection before the next attempt.
		if err := t.adoptConn(conn); err != nil {
			if t.isClosed() {
				return false
			}
			t.logger.Debug("snapshot pull after reconnect failed", "error", err)
			continue
		}
		t.logger.Info("reconnected", "attempt", attempt)
		return true
	}

	if t.cfg.OnConnError != nil {
		t.cfg.OnConnError(fmt.Errorf("reconnect attempts exhausted: %w", cause))
	}
	return false
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
