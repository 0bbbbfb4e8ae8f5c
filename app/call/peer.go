package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/zibrolabs/zibro/app/wire"
	"go.uber.org/zap"
)

// ICEServers builds the standard server list: one public STUN server plus
// two TURN relays on the same host, TLS on 443 and plain on 3478.
func ICEServers(stunURL string, turnHost string, username string, credential string) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{
		{URLs: []string{stunURL}},
	}

	if turnHost != "" {
		servers = append(servers,
			webrtc.ICEServer{
				URLs:       []string{fmt.Sprintf("turns:%s:443?transport=tcp", turnHost)},
				Username:   username,
				Credential: credential,
			},
			webrtc.ICEServer{
				URLs:       []string{fmt.Sprintf("turn:%s:3478?transport=tcp", turnHost)},
				Username:   username,
				Credential: credential,
			},
		)
	}

	return servers
}

// newPeer constructs the peer connection for the current session and
// wires its callbacks back into the engine. Locally gathered candidates
// go straight to the peer; the transport state drives the active/idle
// transitions.
func (e *Engine) newPeer(gen int, peerID string) (*webrtc.PeerConnection, error) {
	pc, err := e.cfg.NewPeerConnection(webrtc.Configuration{
		ICEServers: e.cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}

		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			return
		}
		userID := e.userID
		e.mu.Unlock()

		init := cand.ToJSON()
		env, err := wire.NewEnvelope(wire.TypeIceCandidate, wire.IceCandidate{
			SenderID:   userID,
			ReceiverID: peerID,
			Candidate:  init.Candidate,
			SDPMid:     init.SDPMid,
			SDPIndex:   init.SDPMLineIndex,
		})
		if err != nil {
			e.log.Error("candidate envelope", zap.Error(err))
			return
		}

		e.cfg.Signaler.Send(env)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.Debug("ice connection state", zap.String("state", s.String()))
		e.handleICEState(gen, s)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.log.Info("remote audio track received")
		if e.cfg.OnRemoteTrack != nil {
			e.cfg.OnRemoteTrack(track)
		}
	})

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		pc.Close()
		return nil, ErrCallInProgress
	}
	e.pc = pc
	e.mu.Unlock()

	return pc, nil
}
