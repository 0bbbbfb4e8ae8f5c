// Package chat composes the local message store with the websocket's
// chat stream: stale-while-revalidate loading on conversation open and
// optimistic send.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zibrolabs/zibro/app/wire"
	"github.com/zibrolabs/zibro/backend"
	"github.com/zibrolabs/zibro/storage/convdb"
	"go.uber.org/zap"
)

// initialPageSize bounds the first full sync of a conversation.
const initialPageSize = 100

var ErrNotConnected = errors.New("socket not open")

// Store is the slice of convdb the coordinator needs.
type Store interface {
	LoadMessages(userID1 string, userID2 string) ([]convdb.Message, error)
	SaveMessages(userID1 string, userID2 string, msgs []convdb.Message, updateSyncTime bool) error
	LastSyncTime(userID1 string, userID2 string) (time.Time, bool, error)
	SetLastSyncTime(userID1 string, userID2 string, t time.Time) error
}

// History fetches conversation history from the backend, optionally only
// messages newer than since.
type History interface {
	History(ctx context.Context, friendID string, limit int, since *time.Time) ([]backend.HistoryMessage, error)
}

// Signaler sends an envelope over the websocket, reporting false when the
// socket is not open.
type Signaler interface {
	Send(msg any) bool
}

// Publisher receives the merged sequence for a conversation whenever a
// live message lands in it, sent or received. Opening a conversation does
// not publish: the caller already holds the full sequence Open returns.
type Publisher func(friendID string, msgs []convdb.Message)

// Coordinator serializes every cache mutation behind mu, standing in for
// the browser's single-threaded event loop: a history fetch landing and a
// live frame arriving must never interleave their read-merge-save cycles.
type Coordinator struct {
	db      Store
	api     History
	sock    Signaler
	log     *zap.Logger
	publish Publisher

	mu     sync.Mutex
	userID string
}

func NewCoordinator(db Store, api History, sock Signaler, publish Publisher, log *zap.Logger) *Coordinator {
	if publish == nil {
		publish = func(string, []convdb.Message) {}
	}

	return &Coordinator{
		db:      db,
		api:     api,
		sock:    sock,
		log:     log,
		publish: publish,
	}
}

func (c *Coordinator) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
}

// Open loads a conversation stale-while-revalidate: the cached sequence
// returns to the caller first in spirit, then an incremental fetch merges
// in anything newer. The fetch runs outside the lock, so the cache is
// re-read once it completes: frames that landed during the fetch window
// must survive the merge. A fetch failure keeps the cached data on screen
// and surfaces the error without clearing state.
func (c *Coordinator) Open(ctx context.Context, friendID string) ([]convdb.Message, error) {
	c.mu.Lock()
	userID := c.userID

	cached, err := c.db.LoadMessages(userID, friendID)
	if err != nil {
		c.log.Error("loading cached messages", zap.Error(err))
		cached = nil
	}

	var since *time.Time
	if t, ok, err := c.db.LastSyncTime(userID, friendID); err != nil {
		c.log.Error("loading sync time", zap.Error(err))
	} else if ok {
		since = &t
	}
	c.mu.Unlock()

	fetched, err := c.api.History(ctx, friendID, initialPageSize, since)
	if err != nil {
		return cached, fmt.Errorf("fetch history: %w", err)
	}

	incoming := make([]convdb.Message, len(fetched))
	for i, msg := range fetched {
		incoming[i] = convdb.Message{
			ID:        msg.ID,
			Text:      msg.Content,
			SenderID:  msg.SenderID,
			Timestamp: msg.CreatedAt,
			IsOwn:     msg.SenderID == userID,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fresh, err := c.db.LoadMessages(userID, friendID)
	if err != nil {
		// Persisting over a cache we could not read would erase it.
		c.log.Error("reloading cached messages, skipping persist", zap.Error(err))
		return convdb.Merge(cached, incoming), nil
	}

	merged := convdb.Merge(fresh, incoming)

	if err := c.db.SaveMessages(userID, friendID, merged, false); err != nil {
		c.log.Error("persisting merged messages", zap.Error(err))
		return merged, nil
	}

	c.advanceSyncTime(userID, friendID, merged)

	return merged, nil
}

// Send performs an optimistic send: the message goes out over the socket
// and lands in the local cache at once under a collision-safe client ID.
// The sync timestamp advances so the next sync does not re-fetch it.
func (c *Coordinator) Send(ctx context.Context, friendID string, text string) (convdb.Message, error) {
	if text == "" {
		return convdb.Message{}, fmt.Errorf("message cannot be empty")
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	id1, id2 := userID, friendID
	if id2 < id1 {
		id1, id2 = id2, id1
	}

	now := time.Now().UTC()

	out := wire.ChatMessage{
		UserID1:   id1,
		UserID2:   id2,
		SenderID:  userID,
		Content:   text,
		CreatedAt: now,
	}

	if !c.sock.Send(out) {
		return convdb.Message{}, ErrNotConnected
	}

	msg := convdb.Message{
		ID:        "local-" + uuid.NewString(),
		Text:      text,
		SenderID:  userID,
		Timestamp: now,
		IsOwn:     true,
	}

	c.store(friendID, msg)

	return msg, nil
}

// HandleIncoming folds a chat envelope from the socket into the cache of
// whichever conversation it belongs to. Frames not addressed to this user
// are dropped.
func (c *Coordinator) HandleIncoming(cm wire.ChatMessage) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	var friendID string
	switch userID {
	case cm.UserID1:
		friendID = cm.UserID2
	case cm.UserID2:
		friendID = cm.UserID1
	default:
		return
	}

	id := cm.ID
	if id == "" {
		id = "local-" + uuid.NewString()
	}

	msg := convdb.Message{
		ID:        id,
		Text:      cm.Content,
		SenderID:  cm.SenderID,
		Timestamp: cm.CreatedAt,
		IsOwn:     cm.SenderID == userID,
	}

	c.store(friendID, msg)
}

// =============================================================================

// store folds one live message into the conversation under the lock and
// publishes the result. A cache read failure skips the persist: replacing
// the conversation with just this message would erase it.
func (c *Coordinator) store(friendID string, msg convdb.Message) {
	c.mu.Lock()
	userID := c.userID

	cached, err := c.db.LoadMessages(userID, friendID)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("loading cached messages, skipping persist", zap.Error(err))
		c.publish(friendID, []convdb.Message{msg})
		return
	}

	merged := convdb.Merge(cached, []convdb.Message{msg})

	if err := c.db.SaveMessages(userID, friendID, merged, false); err != nil {
		c.log.Error("persisting messages", zap.Error(err))
	}

	c.advanceSyncTime(userID, friendID, merged)
	c.mu.Unlock()

	c.publish(friendID, merged)
}

// advanceSyncTime stamps the conversation with the newest message's
// timestamp, never wall-clock request time: messages created between
// request and response must not be skipped on the next sync. Callers hold
// the lock.
func (c *Coordinator) advanceSyncTime(userID string, friendID string, merged []convdb.Message) {
	t := time.Now().UTC()
	if len(merged) > 0 {
		t = merged[len(merged)-1].Timestamp
	}

	if err := c.db.SetLastSyncTime(userID, friendID, t); err != nil {
		c.log.Error("advancing sync time", zap.Error(err))
	}
}
