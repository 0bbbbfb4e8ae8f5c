// Package socket owns the single persistent websocket per authenticated
// user: reconnection with exponential backoff, credential refresh on
// auth-flavored close codes, and fan-out of inbound frames to registered
// handlers.
package socket

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zibrolabs/zibro/app/wire"
	"go.uber.org/zap"
)

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// AuthSession is the external collaborator that can recover an expired
// credential or tear the session down.
type AuthSession interface {
	RefreshSession(ctx context.Context) error
	Logout()
}

// TokenFunc returns the current access credential embedded in the
// websocket address.
type TokenFunc func() string

type Handler func(env wire.Envelope)

// Manager runs the connection state machine:
// disconnected -> connecting -> open. A non-clean close schedules a
// reconnect; close codes that look like auth failures get exactly one
// refresh attempt per connection before falling back to logout.
type Manager struct {
	wsURL  string
	token  TokenFunc
	auth   AuthSession
	log    *zap.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	conn        *websocket.Conn
	userID      string
	gen         int
	connecting  bool
	connected   bool
	attempts    int
	refreshed   bool
	reconnect   *time.Timer
	stopped     bool
	handlers    map[int]Handler
	nextHandler int
	onState     func(connected bool)
}

func NewManager(wsURL string, token TokenFunc, auth AuthSession, log *zap.Logger) *Manager {
	return &Manager{
		wsURL: wsURL,
		token: token,
		auth:  auth,
		log:   log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		handlers: make(map[int]Handler),
	}
}

// ReconnectDelay is the backoff before reconnect attempt number attempts:
// min(1s * 2^attempts, 30s).
func ReconnectDelay(attempts int) time.Duration {
	if attempts > 30 {
		return maxReconnectDelay
	}

	delay := baseReconnectDelay * (1 << uint(attempts))
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}

	return delay
}

// SetStateFunc registers a callback invoked on every connected flag
// change. Optional.
func (m *Manager) SetStateFunc(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onState = fn
}

// SetUser switches the authenticated identity. The old connection is torn
// down before a new one opens; an empty id just disconnects.
func (m *Manager) SetUser(userID string) {
	m.mu.Lock()
	if userID == m.userID {
		m.mu.Unlock()
		return
	}

	m.teardownLocked()
	m.userID = userID
	m.stopped = false
	m.attempts = 0
	m.mu.Unlock()

	if userID != "" {
		m.Connect()
	}
}

// Connect opens the socket. It is a no-op when no user is known, a
// connection attempt is already in flight, or the socket is already open.
func (m *Manager) Connect() {
	m.mu.Lock()

	switch {
	case m.userID == "":
		m.mu.Unlock()
		m.log.Debug("no user, skipping connect")
		return

	case m.connecting:
		m.mu.Unlock()
		m.log.Debug("already connecting, skipping connect")
		return

	case m.connected:
		m.mu.Unlock()
		m.log.Debug("already connected, skipping connect")
		return
	}

	m.connecting = true
	m.stopped = false
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Info("connecting", zap.Int("attempt", attempt+1))

	conn, _, err := m.dialer.Dial(m.dialURL(), nil)

	m.mu.Lock()
	m.connecting = false

	if err != nil {
		m.mu.Unlock()
		m.log.Warn("dial failed", zap.Error(err))
		m.handleClose(m.generation(), websocket.CloseAbnormalClosure)
		return
	}

	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		return
	}

	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.refreshed = false
	m.gen++
	gen := m.gen
	m.cancelReconnectLocked()
	onState := m.onState
	m.mu.Unlock()

	m.log.Info("connected")
	if onState != nil {
		onState(true)
	}

	go m.readLoop(conn, gen)
}

// Disconnect closes the socket with a normal-closure code and cancels any
// pending reconnect. It never triggers auto-reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}

// Send serializes and writes msg only if the socket is open. It never
// queues: a send while disconnected reports false and has no side effect.
func (m *Manager) Send(msg any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.connected
	m.mu.Unlock()

	if !open || conn == nil {
		m.log.Warn("cannot send: socket not open")
		return false
	}

	if err := conn.WriteJSON(msg); err != nil {
		m.log.Error("write", zap.Error(err))
		return false
	}

	return true
}

// AddHandler registers a callback for every parsed inbound envelope and
// returns its unregister function. A panicking handler is logged and does
// not break fan-out to the others.
func (m *Manager) AddHandler(h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.handlers, id)
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// =============================================================================

func (m *Manager) dialURL() string {
	return fmt.Sprintf("%s?token=%s", m.wsURL, url.QueryEscape(m.token()))
}

func (m *Manager) generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gen
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, closeCode(err))
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			m.log.Error("decode frame", zap.Error(err))
			continue
		}

		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env wire.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("message handler panic", zap.Any("panic", r))
				}
			}()

			h(env)
		}()
	}
}

// handleClose decides what happens after the socket drops: nothing on a
// clean close or explicit disconnect, a single credential refresh on
// auth-flavored codes, exponential backoff otherwise.
func (m *Manager) handleClose(gen int, code int) {
	m.mu.Lock()

	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	wasConnected := m.connected
	m.conn = nil
	m.connected = false
	onState := m.onState

	if m.stopped || m.userID == "" || code == websocket.CloseNormalClosure {
		m.mu.Unlock()
		if wasConnected && onState != nil {
			onState(false)
		}
		m.log.Info("socket closed cleanly", zap.Int("code", code))
		return
	}

	if isAuthClose(code) && !m.refreshed {
		m.refreshed = true
		m.mu.Unlock()
		if wasConnected && onState != nil {
			onState(false)
		}

		m.log.Info("auth-flavored close, refreshing session", zap.Int("code", code))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.auth.RefreshSession(ctx); err != nil {
			m.log.Warn("refresh failed, logging out", zap.Error(err))
			m.auth.Logout()
			return
		}

		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()

		m.Connect()
		return
	}

	delay := ReconnectDelay(m.attempts)
	m.attempts++
	m.cancelReconnectLocked()
	m.reconnect = time.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	if wasConnected && onState != nil {
		onState(false)
	}

	m.log.Warn("socket closed, reconnecting",
		zap.Int("code", code),
		zap.Duration("delay", delay))
}

// teardownLocked cancels the reconnect timer and closes the socket with a
// normal-closure code. Callers hold the lock.
func (m *Manager) teardownLocked() {
	m.stopped = true
	m.gen++
	m.cancelReconnectLocked()

	if m.conn != nil {
		deadline := time.Now().Add(time.Second)
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			deadline)
		m.conn.Close()
		m.conn = nil
	}

	m.connecting = false
	m.connected = false
	m.attempts = 0
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// isAuthClose reports whether a close code is one the backend uses to
// reject a stale credential.
func isAuthClose(code int) bool {
	switch code {
	case websocket.CloseProtocolError,
		websocket.CloseAbnormalClosure,
		websocket.ClosePolicyViolation:
		return true
	}

	return false
}

func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}

	return websocket.CloseAbnormalClosure
}
