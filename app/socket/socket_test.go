package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zibrolabs/zibro/app/wire"
	"go.uber.org/zap"
)

type fakeAuth struct {
	mu         sync.Mutex
	refreshErr error
	refreshes  int
	logouts    int
}

func (f *fakeAuth) RefreshSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes++
	return f.refreshErr
}

func (f *fakeAuth) Logout() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logouts++
}

func (f *fakeAuth) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshes, f.logouts
}

func TestReconnectDelay(t *testing.T) {
	assert.Equal(t, time.Second, ReconnectDelay(0))
	assert.Equal(t, 2*time.Second, ReconnectDelay(1))
	assert.Equal(t, 4*time.Second, ReconnectDelay(2))
	assert.Equal(t, 8*time.Second, ReconnectDelay(3))
	assert.Equal(t, 16*time.Second, ReconnectDelay(4))
	assert.Equal(t, 30*time.Second, ReconnectDelay(5))
	assert.Equal(t, 30*time.Second, ReconnectDelay(10))
	assert.Equal(t, 30*time.Second, ReconnectDelay(64))
}

func TestSendWhileClosed(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	ok := m.Send(map[string]string{"hello": "world"})
	assert.False(t, ok, "send on a closed socket must report failure")
}

func TestDispatchPanicIsolation(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	var first, last int
	m.AddHandler(func(env wire.Envelope) { first++ })
	m.AddHandler(func(env wire.Envelope) { panic("boom") })
	m.AddHandler(func(env wire.Envelope) { last++ })

	m.dispatch(wire.Envelope{Type: wire.TypeChat})
	m.dispatch(wire.Envelope{Type: wire.TypeChat})

	assert.Equal(t, 2, first)
	assert.Equal(t, 2, last)
}

func TestRemoveHandler(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	var calls int
	remove := m.AddHandler(func(env wire.Envelope) { calls++ })

	m.dispatch(wire.Envelope{Type: wire.TypeChat})
	remove()
	m.dispatch(wire.Envelope{Type: wire.TypeChat})

	assert.Equal(t, 1, calls)
}

func TestHandleCloseSchedulesBackoff(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	m.mu.Lock()
	m.userID = "u1"
	gen := m.gen
	m.mu.Unlock()

	m.handleClose(gen, websocket.CloseInternalServerErr)

	m.mu.Lock()
	assert.Equal(t, 1, m.attempts)
	assert.NotNil(t, m.reconnect, "a non-auth close must schedule a reconnect")
	m.mu.Unlock()

	m.Disconnect()

	m.mu.Lock()
	assert.Nil(t, m.reconnect, "disconnect must cancel the pending reconnect")
	m.mu.Unlock()
}

func TestHandleCloseClean(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	m.mu.Lock()
	m.userID = "u1"
	gen := m.gen
	m.mu.Unlock()

	m.handleClose(gen, websocket.CloseNormalClosure)

	m.mu.Lock()
	assert.Equal(t, 0, m.attempts)
	assert.Nil(t, m.reconnect, "a clean close must not reconnect")
	m.mu.Unlock()
}

func TestHandleCloseStaleGeneration(t *testing.T) {
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	m.mu.Lock()
	m.userID = "u1"
	stale := m.gen
	m.gen++
	m.mu.Unlock()

	m.handleClose(stale, websocket.CloseInternalServerErr)

	m.mu.Lock()
	assert.Nil(t, m.reconnect, "a stale close event must be ignored")
	m.mu.Unlock()
}

func TestRefreshFailureLogsOut(t *testing.T) {
	auth := &fakeAuth{refreshErr: assert.AnError}
	m := NewManager("ws://127.0.0.1:0/ws", func() string { return "tok" }, auth, zap.NewNop())

	m.mu.Lock()
	m.userID = "u1"
	gen := m.gen
	m.mu.Unlock()

	m.handleClose(gen, websocket.ClosePolicyViolation)

	refreshes, logouts := auth.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1, logouts)

	m.mu.Lock()
	assert.Nil(t, m.reconnect, "a failed refresh ends in logout, not reconnect")
	m.mu.Unlock()
}

// TestAuthCloseRefreshesAndReconnects drives the full recovery path: the
// server rejects the first connection with a policy-violation close, the
// client refreshes its session exactly once and comes back with a fresh
// token.
func TestAuthCloseRefreshesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var srvMu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		srvMu.Lock()
		conns++
		n := conns
		srvMu.Unlock()

		if n == 1 {
			deadline := time.Now().Add(time.Second)
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token expired"),
				deadline)
			c.Close()
			return
		}

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	auth := &fakeAuth{}
	m := NewManager(wsURL, func() string { return "tok" }, auth, zap.NewNop())

	m.SetUser("u1")
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		srvMu.Lock()
		n := conns
		srvMu.Unlock()
		return n == 2 && m.IsConnected()
	}, 5*time.Second, 10*time.Millisecond, "expected a second connection after refresh")

	refreshes, logouts := auth.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 0, logouts)

	m.mu.Lock()
	assert.Equal(t, 0, m.attempts, "a successful open resets the backoff counter")
	assert.False(t, m.refreshed, "a successful open re-arms the refresh attempt")
	m.mu.Unlock()
}

// TestCleanServerClose verifies a normal-closure close from the server
// stops the machine without scheduling reconnects.
func TestCleanServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var srvMu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		srvMu.Lock()
		conns++
		srvMu.Unlock()

		deadline := time.Now().Add(time.Second)
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			deadline)
		c.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	auth := &fakeAuth{}
	m := NewManager(wsURL, func() string { return "tok" }, auth, zap.NewNop())

	m.SetUser("u1")
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		return !m.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	srvMu.Lock()
	n := conns
	srvMu.Unlock()
	assert.Equal(t, 1, n, "a clean close must not trigger reconnect")

	refreshes, logouts := auth.counts()
	assert.Equal(t, 0, refreshes)
	assert.Equal(t, 0, logouts)
}

// TestSendRoundTrip covers the open-socket write path and inbound frame
// fan-out end to end.
func TestSendRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// Echo every frame back.
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(wsURL, func() string { return "tok" }, &fakeAuth{}, zap.NewNop())

	got := make(chan wire.Envelope, 1)
	m.AddHandler(func(env wire.Envelope) {
		select {
		case got <- env:
		default:
		}
	})

	m.SetUser("u1")
	defer m.Disconnect()

	require.Eventually(t, m.IsConnected, 5*time.Second, 10*time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypeCallEnd, wire.CallEnd{SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)
	require.True(t, m.Send(env))

	select {
	case back := <-got:
		assert.Equal(t, wire.TypeCallEnd, back.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}
