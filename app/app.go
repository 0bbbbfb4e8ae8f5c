// Package app provides client app support: it wires the socket, the call
// engine and the chat coordinator together and gives the UI one surface
// to drive.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zibrolabs/zibro/app/call"
	"github.com/zibrolabs/zibro/app/chat"
	"github.com/zibrolabs/zibro/app/socket"
	"github.com/zibrolabs/zibro/app/wire"
	"github.com/zibrolabs/zibro/backend"
	"github.com/zibrolabs/zibro/storage/convdb"
	"go.uber.org/zap"
)

// UI is what the app needs from any front end.
type UI interface {
	Run() error
	WriteText(id string, msg string)
	UpdateContact(id string, name string)
	SetCallStatus(status string)
}

type App struct {
	log    *zap.Logger
	api    *backend.Client
	db     *convdb.DB
	sock   *socket.Manager
	engine *call.Engine
	chat   *chat.Coordinator
	ui     UI

	user       backend.User
	removeFns  []func()
	onShutdown func()

	// contacts maps a friend's ID to their display name. Written from
	// Login and the friend-request flow, read from the socket handlers.
	contactsMu sync.Mutex
	contacts   map[string]string
}

func New(log *zap.Logger, api *backend.Client, db *convdb.DB, sock *socket.Manager, engine *call.Engine, ui UI) *App {
	a := App{
		log:      log,
		api:      api,
		db:       db,
		sock:     sock,
		engine:   engine,
		ui:       ui,
		contacts: make(map[string]string),
	}

	a.chat = chat.NewCoordinator(db, api, sock, a.publishMessages, log)

	api.SetLogoutFunc(a.handleLogout)

	return &a
}

// Login resolves the authenticated user, points every component at that
// identity and brings the socket up. The call and chat consumers register
// on the socket's fan-out here.
func (a *App) Login(ctx context.Context) error {
	user, err := a.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("me: %w", err)
	}

	a.user = user
	a.engine.SetUser(user.ID)
	a.chat.SetUser(user.ID)

	friends, err := a.api.Friends(ctx)
	if err != nil {
		return fmt.Errorf("friends: %w", err)
	}
	for _, friend := range friends {
		a.setContact(friend.FID, friend.Name)
	}

	a.removeFns = append(a.removeFns,
		a.sock.AddHandler(a.handleCallSignal),
		a.sock.AddHandler(a.handleChatMessage),
	)

	a.sock.SetUser(user.ID)

	return nil
}

func (a *App) Run() error {
	return a.ui.Run()
}

func (a *App) User() backend.User {
	return a.user
}

// OpenConversation loads a conversation stale-while-revalidate.
func (a *App) OpenConversation(ctx context.Context, friendID string) ([]convdb.Message, error) {
	return a.chat.Open(ctx, friendID)
}

// SendMessageHandler sends a chat message with an optimistic local echo.
func (a *App) SendMessageHandler(ctx context.Context, friendID string, msg string) error {
	if len(msg) == 0 {
		return fmt.Errorf("message cannot be empty")
	}

	if _, err := a.chat.Send(ctx, friendID, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	return nil
}

// AddFriend looks a user up by their public UID and sends them a friend
// request. Returns the display name of the user found.
func (a *App) AddFriend(ctx context.Context, uid string) (string, error) {
	user, exists, err := a.api.SearchByUID(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("search by uid: %w", err)
	}

	if !exists {
		return "", fmt.Errorf("no user with uid %q", uid)
	}

	if err := a.api.SendFriendRequest(ctx, user.ID); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}

	return user.Name, nil
}

// AcceptFriendRequests accepts every pending received friend request and
// adds the new friends to the contact list. Returns how many were
// accepted.
func (a *App) AcceptFriendRequests(ctx context.Context) (int, error) {
	reqs, err := a.api.FriendRequests(ctx, "received", "pending", 0, 50)
	if err != nil {
		return 0, fmt.Errorf("requests: %w", err)
	}

	accepted := 0
	for _, req := range reqs {
		if err := a.api.ManageFriendRequest(ctx, req.RequestID, "accepted"); err != nil {
			a.log.Error("accepting friend request",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			continue
		}

		a.setContact(req.SenderID, req.Name)
		a.ui.UpdateContact(req.SenderID, req.Name)
		accepted++
	}

	return accepted, nil
}

// =============================================================================
// Calls

func (a *App) StartCall(ctx context.Context, friendID string, name string) error {
	return a.engine.StartCall(ctx, call.Peer{ID: friendID, Name: name})
}

func (a *App) AnswerCall(ctx context.Context) error {
	return a.engine.AnswerCall(ctx)
}

func (a *App) DeclineCall() {
	a.engine.DeclineCall()
}

func (a *App) EndCall() {
	a.engine.EndCall()
}

func (a *App) ToggleMute() bool {
	return a.engine.ToggleMute()
}

// =============================================================================

// Logout tears the session down: socket closed, call dropped, tokens and
// the whole local message cache erased.
func (a *App) Logout() {
	a.api.Logout()
}

// SetShutdownFunc registers the hook fired after a logout finishes
// cleanup, typically to stop the UI loop.
func (a *App) SetShutdownFunc(fn func()) {
	a.onShutdown = fn
}

func (a *App) handleLogout() {
	a.log.Info("logging out")

	for _, remove := range a.removeFns {
		remove()
	}
	a.removeFns = nil

	a.engine.Shutdown()
	a.sock.Disconnect()

	if err := a.db.ClearAll(); err != nil {
		a.log.Error("clearing chat cache", zap.Error(err))
	}

	if a.onShutdown != nil {
		a.onShutdown()
	}
}

// =============================================================================
// Socket fan-out consumers

// handleCallSignal routes signaling envelopes into the call engine. The
// offer path does a network name lookup, so it runs off the read loop.
func (a *App) handleCallSignal(env wire.Envelope) {
	switch env.Type {
	case wire.TypeCallOffer:
		var sdp wire.CallSDP
		if err := json.Unmarshal(env.Payload, &sdp); err != nil {
			a.log.Error("unmarshal call offer", zap.Error(err))
			return
		}
		go a.engine.HandleOffer(context.Background(), sdp)

	case wire.TypeCallAnswer:
		var sdp wire.CallSDP
		if err := json.Unmarshal(env.Payload, &sdp); err != nil {
			a.log.Error("unmarshal call answer", zap.Error(err))
			return
		}
		a.engine.HandleAnswer(sdp)

	case wire.TypeIceCandidate:
		var cand wire.IceCandidate
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			a.log.Error("unmarshal ice candidate", zap.Error(err))
			return
		}
		a.engine.HandleCandidate(cand)

	case wire.TypeCallError:
		var callErr wire.CallError
		if err := json.Unmarshal(env.Payload, &callErr); err != nil {
			a.log.Error("unmarshal call error", zap.Error(err))
			return
		}
		a.engine.HandleCallError(callErr)

	case wire.TypeCallEnd:
		a.engine.HandleRemoteEnd()
	}
}

func (a *App) handleChatMessage(env wire.Envelope) {
	if env.Type != wire.TypeChat {
		return
	}

	var cm wire.ChatMessage
	if err := json.Unmarshal(env.Payload, &cm); err != nil {
		a.log.Error("unmarshal chat message", zap.Error(err))
		return
	}

	a.chat.HandleIncoming(cm)
}

func (a *App) publishMessages(friendID string, msgs []convdb.Message) {
	if len(msgs) == 0 {
		return
	}

	last := msgs[len(msgs)-1]
	a.ui.WriteText(friendID, a.formatMessage(last))
}

func (a *App) setContact(id string, name string) {
	a.contactsMu.Lock()
	defer a.contactsMu.Unlock()

	a.contacts[id] = name
}

func (a *App) contactName(id string) string {
	a.contactsMu.Lock()
	defer a.contactsMu.Unlock()

	if name, ok := a.contacts[id]; ok {
		return name
	}

	return id
}

func (a *App) formatMessage(msg convdb.Message) string {
	who := "You"
	if !msg.IsOwn {
		who = a.contactName(msg.SenderID)
	}

	return fmt.Sprintf("%s [%s]: %s", who, msg.Timestamp.Local().Format("15:04"), msg.Text)
}
