package core

import (
	"github.com/dkeye/callhub/internal/domain"
	"github.com/pion/webrtc/v4"
)

// InvitePayload opens a 1:1 call and carries the caller's offer.
type InvitePayload struct {
	CallID      string                     `json:"callId"`
	Media       domain.MediaKind           `json:"media"`
	Caller      domain.Participant         `json:"caller"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
}

// AnswerPayload is the accept body; Description is the callee's answer.
type AnswerPayload struct {
	CallID      string                     `json:"callId"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
}

// CallPayload is shared by reject, end and busy.
type CallPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// NegotiatePayload carries a description outside of invite/accept
// (group-call offers and answers, 1:1 renegotiation).
type NegotiatePayload struct {
	CallID      string                    `json:"callId,omitempty"`
	Description webrtc.SessionDescription `json:"description"`
}

// CandidatePayload carries one connectivity candidate.
type CandidatePayload struct {
	CallID    string                  `json:"callId,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// JoinPayload is sent by a participant asking to join a group call.
type JoinPayload struct {
	Media domain.MediaKind `json:"media"`
	Name  string           `json:"name,omitempty"`
}

// MemberPayload announces a member change to the rest of the room.
type MemberPayload struct {
	Member domain.Member `json:"member"`
	Reason string        `json:"reason,omitempty"`
}

// MutePayload backs group-mute; an empty To mutes the sender itself.
type MutePayload struct {
	Muted bool `json:"muted"`
}

// LockPayload backs group-lock.
type LockPayload struct {
	Locked bool `json:"locked"`
}

// RosterPayload is the group-state snapshot.
type RosterPayload struct {
	HostID  domain.UserID   `json:"hostId"`
	Locked  bool            `json:"locked"`
	Members []domain.Member `json:"members"`
}

// ErrorPayload answers a refused request.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Ref    Kind   `json:"ref,omitempty"`
}
