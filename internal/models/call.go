package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CallType is the media kind of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is audio or video.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// CallState is a node of the call signaling state machine.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallOutgoingRinging CallState = "outgoing_ringing"
	CallIncomingRinging CallState = "incoming_ringing"
	CallConnecting      CallState = "connecting"
	CallActive          CallState = "active"
	CallEnded           CallState = "ended"
)

// Live reports whether the state holds the thread's single call slot.
func (s CallState) Live() bool {
	return s != CallIdle && s != CallEnded && s != ""
}

// Call end reasons written into terminal signal metadata.
const (
	EndReasonHangup       = "hangup"
	EndReasonRejected     = "rejected"
	EndReasonCancelled    = "cancelled"
	EndReasonWindowClosed = "window_closed"
	EndReasonNoAnswer     = "no_answer"
	EndReasonRemote       = "remote"
)

// CallSession is the signaling state of one call bound to a thread.
type CallSession struct {
	ThreadID    string     `json:"thread_id"`
	CallerID    string     `json:"caller_id"`
	CalleeIDs   []string   `json:"callee_ids"`
	CallType    CallType   `json:"call_type"`
	RoomID      string     `json:"room_id"`
	Token       string     `json:"-"`
	State       CallState  `json:"state"`
	Outgoing    bool       `json:"outgoing"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// ErrInvalidCallSignal is returned when call metadata fails validation.
var ErrInvalidCallSignal = errors.New("invalid call signal")

var validate = validator.New()

// CallSignal is the typed view of a call-signaling message's metadata.
type CallSignal interface {
	Kind() MessageType
	Room() string
}

// CallRequest is carried by call_request messages.
type CallRequest struct {
	RoomID   string   `json:"roomId" validate:"required"`
	Token    string   `json:"token" validate:"required"`
	CallType CallType `json:"callType" validate:"required,oneof=audio video"`
	CallerID string   `json:"callerId" validate:"required"`
}

func (CallRequest) Kind() MessageType { return MessageCallRequest }
func (r CallRequest) Room() string    { return r.RoomID }

// CallOutcome is carried by call_accepted, call_rejected and call_ended messages.
type CallOutcome struct {
	Type   MessageType `json:"-"`
	RoomID string      `json:"roomId" validate:"required"`
	UserID string      `json:"userId" validate:"required"`
	Reason string      `json:"reason,omitempty"`
}

func (o CallOutcome) Kind() MessageType { return o.Type }
func (o CallOutcome) Room() string      { return o.RoomID }

// ParseCallSignal decodes and validates the metadata of a call message.
func ParseCallSignal(msg Message) (CallSignal, error) {
	if len(msg.Metadata) == 0 {
		return nil, fmt.Errorf("%w: empty metadata", ErrInvalidCallSignal)
	}
	switch msg.Type {
	case MessageCallRequest:
		var req CallRequest
		if err := json.Unmarshal(msg.Metadata, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCallSignal, err)
		}
		if err := validate.Struct(req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCallSignal, err)
		}
		if req.CallerID != msg.SenderID {
			return nil, fmt.Errorf("%w: caller does not match sender", ErrInvalidCallSignal)
		}
		return req, nil
	case MessageCallAccepted, MessageCallRejected, MessageCallEnded:
		out := CallOutcome{Type: msg.Type}
		if err := json.Unmarshal(msg.Metadata, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCallSignal, err)
		}
		if err := validate.Struct(out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCallSignal, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a call message", ErrInvalidCallSignal, msg.Type)
	}
}
