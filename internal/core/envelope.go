package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/callhub/internal/domain"
)

// Kind tags the envelope variant.
type Kind string

const (
	KindInvite    Kind = "invite"
	KindAccept    Kind = "accept"
	KindReject    Kind = "reject"
	KindEnd       Kind = "end"
	KindBusy      Kind = "busy"
	KindNegotiate Kind = "negotiate"
	KindCandidate Kind = "candidate"

	KindGroupJoin  Kind = "group-join"
	KindGroupLeave Kind = "group-leave"
	KindGroupMute  Kind = "group-mute"
	KindGroupKick  Kind = "group-kick"
	KindGroupLock  Kind = "group-lock"
	KindGroupEnd   Kind = "group-end"
	KindGroupState Kind = "group-state"

	KindError Kind = "error"
)

// Scope says how the relay addresses a kind.
type Scope int

const (
	ScopeUnknown Scope = iota
	// ScopeDirect kinds are delivered to every handle of Envelope.To.
	ScopeDirect
	// ScopeRoom kinds are handled by the room authority and fanned out to
	// the room's members.
	ScopeRoom
	// ScopeNotice kinds are produced by the server only.
	ScopeNotice
)

func (s Scope) String() string {
	switch s {
	case ScopeDirect:
		return "direct"
	case ScopeRoom:
		return "room"
	case ScopeNotice:
		return "notice"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Scope is exhaustive over the declared kinds.
func (k Kind) Scope() Scope {
	switch k {
	case KindInvite, KindAccept, KindReject, KindEnd, KindBusy, KindNegotiate, KindCandidate:
		return ScopeDirect
	case KindGroupJoin, KindGroupLeave, KindGroupMute, KindGroupKick, KindGroupLock, KindGroupEnd, KindGroupState:
		return ScopeRoom
	case KindError:
		return ScopeNotice
	default:
		return ScopeUnknown
	}
}

var (
	ErrUnknownKind      = errors.New("unknown envelope type")
	ErrMissingSender    = errors.New("envelope has no sender")
	ErrMissingRecipient = errors.New("envelope has no recipient")
	ErrMissingRoom      = errors.New("envelope has no room")
)

// Envelope is a control message. The relay never looks inside Payload.
type Envelope struct {
	Type    Kind            `json:"type"`
	From    domain.UserID   `json:"from"`
	To      domain.UserID   `json:"to,omitempty"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload (nil allowed) into a fresh envelope.
func NewEnvelope(kind Kind, from, to domain.UserID, room domain.RoomID, payload any) (Envelope, error) {
	env := Envelope{Type: kind, From: from, To: to, RoomID: room}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks addressing only.
func (e Envelope) Validate() error {
	if e.From == "" {
		return ErrMissingSender
	}
	switch e.Type.Scope() {
	case ScopeDirect:
		if e.To == "" {
			return ErrMissingRecipient
		}
	case ScopeRoom:
		if e.RoomID == "" {
			return ErrMissingRoom
		}
	case ScopeNotice:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

// Encode produces the wire frame.
func (e Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}

// Decode parses and validates a wire frame.
func Decode(f Frame) (Envelope, error) {
	return DecodeFrom(f, "")
}

// DecodeFrom parses a frame received on a connection bound to from. The
// bound identity replaces whatever sender the frame claims. An empty from
// keeps the frame's own sender.
func DecodeFrom(f Frame, from domain.UserID) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(f, &e); err != nil {
		return Envelope{}, err
	}
	if from != "" {
		e.From = from
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
