// Package backend is the REST client for the chat service. It owns the
// bearer credentials and the single-refresh recovery path: a 401 gets one
// token refresh and a retry, a second 401 forces logout.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
)

// TokenStore hands out and persists the credential pair.
type TokenStore interface {
	Tokens() (accessToken string, refreshToken string)
	SetTokens(accessToken string, refreshToken string) error
	Clear() error
}

type User struct {
	ID    string `json:"id"`
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Friend struct {
	FID  string `json:"fid"`
	UID  string `json:"uid"`
	Name string `json:"name"`
}

type FriendRequest struct {
	RequestID  string `json:"request_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

type HistoryMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Client struct {
	apiURL   string
	http     *http.Client
	tokens   TokenStore
	log      *zap.Logger
	onLogout func()
}

func NewClient(apiURL string, tokens TokenStore, log *zap.Logger) *Client {
	return &Client{
		apiURL: apiURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokens: tokens,
		log:    log,
	}
}

// SetLogoutFunc registers the hook invoked when the session is beyond
// recovery. The hook runs at most once per forced logout.
func (c *Client) SetLogoutFunc(fn func()) {
	c.onLogout = fn
}

// AccessToken returns the current access credential, used to build the
// authenticated websocket address.
func (c *Client) AccessToken() string {
	access, _ := c.tokens.Tokens()
	return access
}

// =============================================================================
// Auth

// Signup registers the email and stores the session pair the backend
// returns, leaving the client authenticated.
func (c *Client) Signup(ctx context.Context, email string) error {
	in := struct {
		Email string `json:"email"`
	}{
		Email: email,
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         User   `json:"user"`
	}

	if err := c.doPublic(ctx, http.MethodPost, "/api/auth/signup", in, &out); err != nil {
		return fmt.Errorf("signup: %w", err)
	}

	if out.AccessToken == "" {
		return fmt.Errorf("signup: no session in response")
	}

	if err := c.tokens.SetTokens(out.AccessToken, out.RefreshToken); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}

	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out struct {
		User User `json:"user"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return User{}, fmt.Errorf("me: %w", err)
	}

	return out.User, nil
}

// RefreshSession exchanges the refresh token for a new credential pair.
// Failure clears the stored tokens.
func (c *Client) RefreshSession(ctx context.Context) error {
	_, refresh := c.tokens.Tokens()
	if refresh == "" {
		return ErrNotAuthenticated
	}

	in := struct {
		RefreshToken string `json:"refresh_token"`
	}{
		RefreshToken: refresh,
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         User   `json:"user"`
	}

	if err := c.doPublic(ctx, http.MethodPost, "/api/auth/refresh", in, &out); err != nil {
		c.tokens.Clear()
		return fmt.Errorf("refresh: %w", err)
	}

	if err := c.tokens.SetTokens(out.AccessToken, out.RefreshToken); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}

	return nil
}

// Logout clears the stored credentials and invokes the registered hook.
func (c *Client) Logout() {
	if err := c.tokens.Clear(); err != nil {
		c.log.Error("clearing tokens", zap.Error(err))
	}

	if c.onLogout != nil {
		c.onLogout()
	}
}

// =============================================================================
// Profile and users

func (c *Client) CheckProfile(ctx context.Context) (exists bool, uid string, err error) {
	var out struct {
		Exists bool   `json:"exists"`
		UID    string `json:"uid"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/user/check-profile", nil, &out); err != nil {
		return false, "", fmt.Errorf("check profile: %w", err)
	}

	return out.Exists, out.UID, nil
}

func (c *Client) CreateProfile(ctx context.Context, name string) (uid string, err error) {
	in := struct {
		Name string `json:"name"`
	}{
		Name: name,
	}

	var out struct {
		Profile struct {
			UID string `json:"uid"`
		} `json:"profile"`
	}

	if err := c.do(ctx, http.MethodPost, "/api/user/create-profile", in, &out); err != nil {
		return "", fmt.Errorf("create profile: %w", err)
	}

	return out.Profile.UID, nil
}

func (c *Client) SearchByUID(ctx context.Context, uid string) (User, bool, error) {
	var out struct {
		Exists bool `json:"exists"`
		User   User `json:"user"`
	}

	path := "/api/user/search-by-uid/" + url.PathEscape(uid)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return User{}, false, fmt.Errorf("search by uid: %w", err)
	}

	return out.User, out.Exists, nil
}

// GetName resolves a user ID to a display name.
func (c *Client) GetName(ctx context.Context, id string) (string, error) {
	var out struct {
		Exists bool   `json:"exists"`
		Name   string `json:"name"`
	}

	path := "/api/user/get-name?id=" + url.QueryEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("get name: %w", err)
	}

	if !out.Exists {
		return "", fmt.Errorf("user not found: %s", id)
	}

	return out.Name, nil
}

// =============================================================================
// Friends

func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	var out struct {
		Friends []Friend `json:"friends"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/friends/list", nil, &out); err != nil {
		return nil, fmt.Errorf("friends list: %w", err)
	}

	return out.Friends, nil
}

func (c *Client) SendFriendRequest(ctx context.Context, receiverID string) error {
	in := struct {
		ReceiverID string `json:"receiver_id"`
	}{
		ReceiverID: receiverID,
	}

	if err := c.do(ctx, http.MethodPost, "/api/friends/send-request", in, nil); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	return nil
}

func (c *Client) FriendRequests(ctx context.Context, reqType string, status string, offset int, limit int) ([]FriendRequest, error) {
	q := url.Values{}
	q.Set("type", reqType)
	q.Set("status", status)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Sent     []FriendRequest `json:"sent"`
		Received []FriendRequest `json:"received"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/friends/requests?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("requests: %w", err)
	}

	if reqType == "sent" {
		return out.Sent, nil
	}

	return out.Received, nil
}

func (c *Client) ManageFriendRequest(ctx context.Context, requestID string, status string) error {
	in := struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}{
		RequestID: requestID,
		Status:    status,
	}

	if err := c.do(ctx, http.MethodPut, "/api/friends/manage-request", in, nil); err != nil {
		return fmt.Errorf("manage request: %w", err)
	}

	return nil
}

// =============================================================================
// Messages

// History fetches message history for a conversation. A non-nil since
// requests only messages newer than that instant.
func (c *Client) History(ctx context.Context, friendID string, limit int, since *time.Time) ([]HistoryMessage, error) {
	q := url.Values{}
	q.Set("friend_id", friendID)
	q.Set("limit", strconv.Itoa(limit))
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var out struct {
		Messages []HistoryMessage `json:"messages"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/messages/history?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return out.Messages, nil
}

// =============================================================================

// do issues an authenticated request. On a 401 it refreshes the session
// once and retries; a second 401 forces logout.
func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	access, _ := c.tokens.Tokens()
	if access == "" {
		return ErrNotAuthenticated
	}

	status, err := c.roundTrip(ctx, method, path, access, in, out)
	if err != nil {
		return err
	}

	if status != http.StatusUnauthorized {
		return nil
	}

	c.log.Info("token expired, attempting refresh", zap.String("path", path))

	if err := c.RefreshSession(ctx); err != nil {
		c.Logout()
		return ErrSessionExpired
	}

	access, _ = c.tokens.Tokens()

	status, err = c.roundTrip(ctx, method, path, access, in, out)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		c.Logout()
		return ErrSessionExpired
	}

	return nil
}

// doPublic issues a request without bearer auth.
func (c *Client) doPublic(ctx context.Context, method string, path string, in any, out any) error {
	_, err := c.roundTrip(ctx, method, path, "", in, out)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method string, path string, access string, in any, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("api error: %s: %s", resp.Status, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("api error: %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
