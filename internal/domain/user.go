// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("participant id invalid")
)

// UserID is the opaque participant identifier issued by the auth collaborator.
type UserID string

// Participant is immutable for the lifetime of a call session.
type Participant struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// NewParticipant validates display attributes. An empty id gets a random one.
func NewParticipant(id UserID, name string) (*Participant, error) {
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDInvalid
	}
	if id == "" {
		id = UserID(uuid.NewString())
	}
	if len(name) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &Participant{ID: id, Name: name}, nil
}

// WithName returns a copy with a new display name.
func (p Participant) WithName(name string) (Participant, error) {
	if len(name) == 0 {
		return p, ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return p, ErrUsernameTooLong
	}
	p.Name = name
	return p, nil
}
