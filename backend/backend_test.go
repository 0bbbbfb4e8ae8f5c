package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zibrolabs/zibro/backend"
	"go.uber.org/zap"
)

type memTokens struct {
	mu      sync.Mutex
	access  string
	refresh string
	clears  int
}

func (m *memTokens) Tokens() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.access, m.refresh
}

func (m *memTokens) SetTokens(access string, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.access = access
	m.refresh = refresh
	return nil
}

func (m *memTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.access = ""
	m.refresh = ""
	m.clears++
	return nil
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func TestMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/me", r.URL.Path)
		require.Equal(t, "good", bearer(r))

		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]string{"id": "u1", "name": "Alice"},
		})
	}))
	defer srv.Close()

	tokens := &memTokens{access: "good", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	usr, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", usr.ID)
	assert.Equal(t, "Alice", usr.Name)
}

func TestNotAuthenticated(t *testing.T) {
	c := backend.NewClient("http://127.0.0.1:0", &memTokens{}, zap.NewNop())

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
}

// TestExpiredTokenRefreshesAndRetries drives the recovery path: the first
// request bounces with a 401, a refresh mints a fresh pair, and the
// retried request succeeds. The caller never sees the hiccup.
func TestExpiredTokenRefreshesAndRetries(t *testing.T) {
	var mu sync.Mutex
	refreshes := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			mu.Lock()
			refreshes++
			mu.Unlock()

			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "fresh",
				"refresh_token": "r2",
			})

		case "/api/auth/me":
			if bearer(r) != "fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"user": map[string]string{"id": "u1"},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tokens := &memTokens{access: "stale", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	logouts := 0
	c.SetLogoutFunc(func() { logouts++ })

	usr, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", usr.ID)

	mu.Lock()
	assert.Equal(t, 1, refreshes)
	mu.Unlock()

	access, refresh := tokens.Tokens()
	assert.Equal(t, "fresh", access)
	assert.Equal(t, "r2", refresh)
	assert.Zero(t, logouts)
}

func TestSecondUnauthorizedLogsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "fresh",
				"refresh_token": "r2",
			})
			return
		}

		// The backend rejects even the refreshed credential.
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &memTokens{access: "stale", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	logouts := 0
	c.SetLogoutFunc(func() { logouts++ })

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, backend.ErrSessionExpired)
	assert.Equal(t, 1, logouts)

	access, refresh := tokens.Tokens()
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestRefreshFailureLogsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "refresh token revoked"})
			return
		}

		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &memTokens{access: "stale", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	logouts := 0
	c.SetLogoutFunc(func() { logouts++ })

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, backend.ErrSessionExpired)
	assert.Equal(t, 1, logouts)

	access, _ := tokens.Tokens()
	assert.Empty(t, access)
}

func TestHistorySinceParam(t *testing.T) {
	var mu sync.Mutex
	var since []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/history", r.URL.Path)

		mu.Lock()
		since = append(since, r.URL.Query().Get("since"))
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{},
		})
	}))
	defer srv.Close()

	tokens := &memTokens{access: "good", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	_, err := c.History(context.Background(), "u2", 100, nil)
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err = c.History(context.Background(), "u2", 100, &at)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, since, 2)
	assert.Empty(t, since[0], "a full sync sends no since parameter")
	assert.Equal(t, at.Format(time.RFC3339Nano), since[1])
}

func TestSignupStoresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/signup", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var in struct {
			Email string `json:"email"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "alice@example.com", in.Email)

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "a1",
			"refresh_token": "r1",
			"user":          map[string]string{"id": "u1"},
		})
	}))
	defer srv.Close()

	tokens := &memTokens{}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	require.NoError(t, c.Signup(context.Background(), "alice@example.com"))

	access, refresh := tokens.Tokens()
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)
}

func TestSignupWithoutSessionFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	tokens := &memTokens{}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	err := c.Signup(context.Background(), "alice@example.com")
	assert.Error(t, err)

	access, _ := tokens.Tokens()
	assert.Empty(t, access)
}

func TestProfileBootstrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/check-profile":
			json.NewEncoder(w).Encode(map[string]any{"exists": false})

		case "/api/user/create-profile":
			var in struct {
				Name string `json:"name"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			require.Equal(t, "Alice", in.Name)

			json.NewEncoder(w).Encode(map[string]any{
				"profile": map[string]string{"uid": "zibro-123"},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tokens := &memTokens{access: "good", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	exists, _, err := c.CheckProfile(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	uid, err := c.CreateProfile(context.Background(), "Alice")
	require.NoError(t, err)
	assert.Equal(t, "zibro-123", uid)
}

func TestSearchByUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/search-by-uid/zibro-123":
			json.NewEncoder(w).Encode(map[string]any{
				"exists": true,
				"user":   map[string]string{"id": "u2", "name": "Bob"},
			})

		default:
			json.NewEncoder(w).Encode(map[string]any{"exists": false})
		}
	}))
	defer srv.Close()

	tokens := &memTokens{access: "good", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	usr, exists, err := c.SearchByUID(context.Background(), "zibro-123")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "Bob", usr.Name)

	_, exists, err = c.SearchByUID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFriendRequestFlow(t *testing.T) {
	var mu sync.Mutex
	var sent, managed []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/friends/send-request":
			require.Equal(t, http.MethodPost, r.Method)

			var in struct {
				ReceiverID string `json:"receiver_id"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

			mu.Lock()
			sent = append(sent, in.ReceiverID)
			mu.Unlock()

			json.NewEncoder(w).Encode(map[string]any{})

		case "/api/friends/requests":
			require.Equal(t, "received", r.URL.Query().Get("type"))
			require.Equal(t, "pending", r.URL.Query().Get("status"))

			json.NewEncoder(w).Encode(map[string]any{
				"received": []map[string]string{
					{"request_id": "req-1", "sender_id": "u2", "name": "Bob", "status": "pending"},
				},
			})

		case "/api/friends/manage-request":
			require.Equal(t, http.MethodPut, r.Method)

			var in struct {
				RequestID string `json:"request_id"`
				Status    string `json:"status"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			require.Equal(t, "accepted", in.Status)

			mu.Lock()
			managed = append(managed, in.RequestID)
			mu.Unlock()

			json.NewEncoder(w).Encode(map[string]any{})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tokens := &memTokens{access: "good", refresh: "r1"}
	c := backend.NewClient(srv.URL, tokens, zap.NewNop())

	require.NoError(t, c.SendFriendRequest(context.Background(), "u2"))

	reqs, err := c.FriendRequests(context.Background(), "received", "pending", 0, 50)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-1", reqs[0].RequestID)
	assert.Equal(t, "Bob", reqs[0].Name)

	require.NoError(t, c.ManageFriendRequest(context.Background(), reqs[0].RequestID, "accepted"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u2"}, sent)
	assert.Equal(t, []string{"req-1"}, managed)
}

func TestTokenFilePersists(t *testing.T) {
	dir := t.TempDir()

	tf, err := backend.NewTokenFile(dir)
	require.NoError(t, err)
	require.NoError(t, tf.SetTokens("a1", "r1"))

	// A fresh handle over the same directory sees the stored pair.
	tf2, err := backend.NewTokenFile(dir)
	require.NoError(t, err)

	access, refresh := tf2.Tokens()
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)

	require.NoError(t, tf2.Clear())

	tf3, err := backend.NewTokenFile(dir)
	require.NoError(t, err)

	access, refresh = tf3.Tokens()
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}
