// Package wire defines the JSON envelopes exchanged over the websocket.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeChat         MessageType = "chat"
	TypeCallOffer    MessageType = "call-offer"
	TypeCallAnswer   MessageType = "call-answer"
	TypeIceCandidate MessageType = "ice-candidate"
	TypeCallError    MessageType = "call-error"
	TypeCallEnd      MessageType = "call-end"
)

// Envelope wraps every frame on the wire. Chat frames produced by older
// versions of the backend arrive unwrapped; Decode folds those into a
// chat envelope so handlers only ever see one shape.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}

	return Envelope{
		Type:    t,
		Payload: data,
	}, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	if env.Type == "" {
		env.Type = TypeChat
		env.Payload = data
	}

	return env, nil
}

// =============================================================================

type CallType int

const (
	AudioCall CallType = iota
	VideoCall
)

type SDPType int

const (
	SDPOffer SDPType = iota
	SDPAnswer
)

// CallSDP carries an SDP offer or answer between peers.
type CallSDP struct {
	CallType   CallType  `json:"call_type"`
	SDPType    SDPType   `json:"sdp_type"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	SDP        string    `json:"sdp_string"`
	Time       time.Time `json:"time"`
}

// IceCandidate is a discovered network path relayed to the other peer.
// SDPMid and SDPIndex are optional in WebRTC, so pointers distinguish
// empty from absent.
type IceCandidate struct {
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Candidate  string  `json:"candidate"`
	SDPMid     *string `json:"sdpMid,omitempty"`
	SDPIndex   *uint16 `json:"sdpIndex,omitempty"`
}

type CallEnd struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

type ErrorReason string

const (
	ReasonUserOffline    ErrorReason = "user_offline"
	ReasonUserBusy       ErrorReason = "user_busy"
	ReasonDeliveryFailed ErrorReason = "delivery_failed"
)

// CallError is the backend's terminal verdict on an outgoing call attempt.
type CallError struct {
	Reason     ErrorReason `json:"reason"`
	ReceiverID string      `json:"receiver_id"`
}

// ChatMessage is a direct message between the two participants of a
// conversation. The pair (UserID1, UserID2) is sorted ascending so both
// sides address the same conversation.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	UserID1   string    `json:"user_id_1"`
	UserID2   string    `json:"user_id_2"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
