// Package call is the signaling state machine for one audio call at a
// time: media acquisition, peer-connection lifecycle, ICE candidate
// queueing, ringtones, wake lock and call timing. Signaling messages ride
// the websocket as wire envelopes.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/zibrolabs/zibro/app/wire"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	}
	return "unknown"
}

var (
	// ErrCallInProgress rejects StartCall while a call is already pending
	// or active. One call at a time; a second attempt never queues or
	// replaces the first.
	ErrCallInProgress = errors.New("call already in progress")

	ErrNoIncomingCall  = errors.New("no incoming call to answer")
	ErrSignalingFailed = errors.New("signaling send failed")
)

// Peer identifies the other party of a call.
type Peer struct {
	ID   string
	Name string
}

// Signaler sends an envelope over the websocket, reporting false when the
// socket is not open.
type Signaler interface {
	Send(msg any) bool
}

// Directory resolves a user ID to a display name.
type Directory interface {
	GetName(ctx context.Context, id string) (string, error)
}

type Config struct {
	Signaler   Signaler
	Directory  Directory
	Media      MediaDevice
	Ringer     Ringer
	WakeLock   WakeLock
	Notifier   Notifier
	Log        *zap.Logger
	ICEServers []webrtc.ICEServer

	// NewPeerConnection overrides peer-connection construction. Tests
	// inject in-process connections here.
	NewPeerConnection func(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)

	OnState       func(s State)
	OnDuration    func(seconds int)
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

// Engine holds at most one call session. All fields below mu reset to
// their zero values on any teardown path.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	userID    string
	gen       int
	state     State
	other     *Peer
	muted     bool
	startedAt time.Time
	duration  int
	pc        *webrtc.PeerConnection
	local     *MediaStream
	iceQueue  []webrtc.ICECandidateInit
	pending   *wire.CallSDP
	tickStop  chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.Media == nil {
		cfg.Media = SilentMedia{}
	}
	if cfg.Ringer == nil {
		cfg.Ringer = NopRinger{}
	}
	if cfg.WakeLock == nil {
		cfg.WakeLock = NopWakeLock{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.NewPeerConnection == nil {
		cfg.NewPeerConnection = func(c webrtc.Configuration) (*webrtc.PeerConnection, error) {
			return webrtc.NewPeerConnection(c)
		}
	}

	return &Engine{
		cfg: cfg,
		log: cfg.Log,
	}
}

// SetUser sets the local identity stamped on outgoing signaling payloads.
func (e *Engine) SetUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.userID = userID
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Other returns the other party, or false while idle.
func (e *Engine) Other() (Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.other == nil {
		return Peer{}, false
	}

	return *e.other, true
}

func (e *Engine) IsMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.muted
}

// Duration returns whole seconds since the transport connected, zero when
// no call is active.
func (e *Engine) Duration() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.duration
}

// =============================================================================
// Outgoing

// StartCall places an audio call to friend: acquire the microphone,
// create the peer connection, send the offer, ring. Any failure reverts
// to idle with every acquired resource released.
func (e *Engine) StartCall(ctx context.Context, friend Peer) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}

	e.gen++
	gen := e.gen
	e.state = StateCalling
	e.other = &friend
	userID := e.userID
	e.mu.Unlock()

	e.notifyState(StateCalling)
	e.cfg.Notifier.Notify(fmt.Sprintf("Calling %s...", friend.Name))
	e.cfg.Ringer.PlayOutgoing()

	stream, err := e.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		e.cfg.Notifier.Error("Microphone unavailable")
		e.abort(gen)
		return fmt.Errorf("acquire audio: %w", err)
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		stream.Stop()
		return ErrCallInProgress
	}
	e.local = stream
	e.mu.Unlock()

	pc, err := e.newPeer(gen, friend.ID)
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("peer connection: %w", err)
	}

	if _, err := pc.AddTrack(stream.Track()); err != nil {
		e.abort(gen)
		return fmt.Errorf("add track: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("create offer: %w", err)
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		e.abort(gen)
		return fmt.Errorf("set local description: %w", err)
	}

	env, err := wire.NewEnvelope(wire.TypeCallOffer, wire.CallSDP{
		CallType:   wire.AudioCall,
		SDPType:    wire.SDPOffer,
		SenderID:   userID,
		ReceiverID: friend.ID,
		SDP:        offer.SDP,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("offer envelope: %w", err)
	}

	if !e.cfg.Signaler.Send(env) {
		e.abort(gen)
		return fmt.Errorf("send offer: %w", ErrSignalingFailed)
	}

	return nil
}

// =============================================================================
// Incoming

// HandleOffer moves idle to ringing: hold the offer, resolve the caller's
// name, ring. An offer during a non-idle session is dropped; the backend
// reports busy to the caller.
func (e *Engine) HandleOffer(ctx context.Context, offer wire.CallSDP) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		e.log.Info("dropping offer: call in progress", zap.String("sender", offer.SenderID))
		return
	}

	e.gen++
	gen := e.gen
	e.state = StateRinging
	e.pending = &offer
	e.other = &Peer{ID: offer.SenderID, Name: "Unknown User"}
	e.mu.Unlock()

	senderName := "Unknown User"
	if e.cfg.Directory != nil {
		if name, err := e.cfg.Directory.GetName(ctx, offer.SenderID); err == nil && name != "" {
			senderName = name
		} else if err != nil {
			e.log.Warn("resolving caller name", zap.Error(err))
		}
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.other.Name = senderName
	e.mu.Unlock()

	e.notifyState(StateRinging)
	e.cfg.Ringer.PlayIncoming()
	e.cfg.Notifier.Notify(fmt.Sprintf("Incoming call from %s...", senderName))
}

// AnswerCall accepts the held offer: acquire media, apply the remote
// offer, drain queued candidates, answer. The session stays in ringing
// until ICE reports connected.
func (e *Engine) AnswerCall(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRinging || e.pending == nil {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}

	gen := e.gen
	offer := *e.pending
	e.pending = nil
	userID := e.userID
	e.mu.Unlock()

	e.cfg.Ringer.Stop()
	e.cfg.Notifier.Notify("Connecting...")

	stream, err := e.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		e.cfg.Notifier.Error("Microphone unavailable")
		e.abort(gen)
		return fmt.Errorf("acquire audio: %w", err)
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		stream.Stop()
		return ErrNoIncomingCall
	}
	e.local = stream
	e.mu.Unlock()

	pc, err := e.newPeer(gen, offer.SenderID)
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("peer connection: %w", err)
	}

	if _, err := pc.AddTrack(stream.Track()); err != nil {
		e.abort(gen)
		return fmt.Errorf("add track: %w", err)
	}

	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		e.abort(gen)
		return fmt.Errorf("set remote description: %w", err)
	}

	e.drainCandidates(gen, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("create answer: %w", err)
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		e.abort(gen)
		return fmt.Errorf("set local description: %w", err)
	}

	env, err := wire.NewEnvelope(wire.TypeCallAnswer, wire.CallSDP{
		CallType:   wire.AudioCall,
		SDPType:    wire.SDPAnswer,
		SenderID:   userID,
		ReceiverID: offer.SenderID,
		SDP:        answer.SDP,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		e.abort(gen)
		return fmt.Errorf("answer envelope: %w", err)
	}

	if !e.cfg.Signaler.Send(env) {
		e.abort(gen)
		return fmt.Errorf("send answer: %w", ErrSignalingFailed)
	}

	return nil
}

// HandleAnswer applies the remote answer on the caller side and drains
// queued candidates. The session reaches active at ICE connected, the
// same as the callee path.
func (e *Engine) HandleAnswer(answer wire.CallSDP) {
	e.mu.Lock()
	if e.state != StateCalling || e.pc == nil {
		e.mu.Unlock()
		e.log.Info("dropping answer: no outgoing call")
		return
	}

	gen := e.gen
	pc := e.pc
	e.mu.Unlock()

	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		e.log.Error("set remote description", zap.Error(err))
		e.endWithSignal(gen)
		return
	}

	e.drainCandidates(gen, pc)
}

// HandleCandidate applies a remote ICE candidate immediately when the
// remote description is set, otherwise queues it in arrival order.
func (e *Engine) HandleCandidate(cand wire.IceCandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPIndex,
	}

	e.mu.Lock()
	pc := e.pc
	if pc == nil || pc.RemoteDescription() == nil {
		e.iceQueue = append(e.iceQueue, init)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		e.log.Warn("add ice candidate", zap.Error(err))
	}
}

// HandleCallError is the backend's terminal verdict on an outgoing call
// attempt. It is not a transport error: the local session just tears
// down after notifying.
func (e *Engine) HandleCallError(callErr wire.CallError) {
	switch callErr.Reason {
	case wire.ReasonUserOffline:
		e.cfg.Notifier.Error("User is offline")
	case wire.ReasonUserBusy:
		e.cfg.Notifier.Error("User is busy on another call")
	case wire.ReasonDeliveryFailed:
		e.cfg.Notifier.Error("Failed to reach user")
	default:
		e.cfg.Notifier.Error("Call failed")
	}

	e.mu.Lock()
	gen := e.gen
	active := e.state != StateIdle
	e.mu.Unlock()

	if active {
		e.teardown(gen)
	}
}

// HandleRemoteEnd tears down after the other party hung up.
func (e *Engine) HandleRemoteEnd() {
	e.mu.Lock()
	gen := e.gen
	active := e.state != StateIdle
	e.mu.Unlock()

	if !active {
		return
	}

	e.cfg.Notifier.Notify("Call ended")
	e.teardown(gen)
}

// =============================================================================
// Local teardown paths

// EndCall hangs up: tell the peer, then release everything.
func (e *Engine) EndCall() {
	e.mu.Lock()
	gen := e.gen
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.cfg.Notifier.Notify("Call ended")
	e.endWithSignal(gen)
}

// DeclineCall rejects a ringing call, telling the caller via call-end.
func (e *Engine) DeclineCall() {
	e.mu.Lock()
	gen := e.gen
	if e.state != StateRinging {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	e.mu.Unlock()

	e.cfg.Notifier.Notify("Call declined")
	e.endWithSignal(gen)
}

// ToggleMute flips the local audio track. No effect unless a call is
// active. Returns the new muted flag.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateActive || e.local == nil {
		return e.muted
	}

	e.muted = !e.muted
	e.local.SetEnabled(!e.muted)

	return e.muted
}

// OnVisible re-acquires the wake lock after the page regains visibility:
// the OS drops the lock when the screen locks mid-call.
func (e *Engine) OnVisible() {
	e.mu.Lock()
	active := e.state == StateActive
	e.mu.Unlock()

	if active {
		e.cfg.WakeLock.Acquire()
	}
}

// Shutdown drops any session without signaling the peer. Used on logout.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	e.teardown(gen)
}

// =============================================================================

// handleICEState reacts to the transport: connected starts the call for
// real; failed and disconnected end it through the normal teardown path.
func (e *Engine) handleICEState(gen int, s webrtc.ICEConnectionState) {
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.mu.Lock()
		if gen != e.gen || e.state == StateActive {
			e.mu.Unlock()
			return
		}
		e.state = StateActive
		e.startedAt = time.Now()
		e.startTimerLocked(gen)
		e.mu.Unlock()

		e.cfg.Ringer.Stop()
		e.cfg.WakeLock.Acquire()
		e.cfg.Notifier.Notify("Call connected!")
		e.notifyState(StateActive)

	case webrtc.ICEConnectionStateFailed:
		e.cfg.Notifier.Error("Connection failed")
		e.endWithSignal(gen)

	case webrtc.ICEConnectionStateDisconnected:
		e.cfg.Notifier.Notify("Call disconnected")
		e.endWithSignal(gen)
	}
}

// endWithSignal sends call-end to the peer, then tears down.
func (e *Engine) endWithSignal(gen int) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	other := e.other
	userID := e.userID
	e.mu.Unlock()

	if other != nil {
		env, err := wire.NewEnvelope(wire.TypeCallEnd, wire.CallEnd{
			SenderID:   userID,
			ReceiverID: other.ID,
		})
		if err == nil {
			e.cfg.Signaler.Send(env)
		}
	}

	e.teardown(gen)
}

// abort is the failure path out of call setup: no signal, full release.
func (e *Engine) abort(gen int) {
	e.teardown(gen)
}

// teardown releases everything and returns to idle: media tracks, peer
// connection, ICE queue, ringtones, timer, wake lock, mute.
func (e *Engine) teardown(gen int) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}

	e.gen++
	wasIdle := e.state == StateIdle

	pc := e.pc
	local := e.local
	e.pc = nil
	e.local = nil
	e.iceQueue = nil
	e.pending = nil
	e.other = nil
	e.muted = false
	e.startedAt = time.Time{}
	e.duration = 0
	e.state = StateIdle
	e.stopTimerLocked()
	e.mu.Unlock()

	e.cfg.Ringer.Stop()
	e.cfg.WakeLock.Release()

	if local != nil {
		local.Stop()
	}

	if pc != nil {
		if err := pc.Close(); err != nil {
			e.log.Warn("closing peer connection", zap.Error(err))
		}
	}

	if !wasIdle {
		e.notifyState(StateIdle)
	}
}

// drainCandidates replays queued remote candidates in arrival order once
// a remote description exists.
func (e *Engine) drainCandidates(gen int, pc *webrtc.PeerConnection) {
	for {
		e.mu.Lock()
		if gen != e.gen || len(e.iceQueue) == 0 {
			e.mu.Unlock()
			return
		}
		init := e.iceQueue[0]
		e.iceQueue = e.iceQueue[1:]
		e.mu.Unlock()

		if err := pc.AddICECandidate(init); err != nil {
			e.log.Warn("replay ice candidate", zap.Error(err))
		}
	}
}

func (e *Engine) startTimerLocked(gen int) {
	stop := make(chan struct{})
	e.tickStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				if gen != e.gen {
					e.mu.Unlock()
					return
				}
				e.duration++
				secs := e.duration
				onDur := e.cfg.OnDuration
				e.mu.Unlock()

				if onDur != nil {
					onDur(secs)
				}
			}
		}
	}()
}

func (e *Engine) stopTimerLocked() {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

func (e *Engine) notifyState(s State) {
	if e.cfg.OnState != nil {
		e.cfg.OnState(s)
	}
}
