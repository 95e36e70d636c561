package core

import (
	"context"
	"errors"

	"github.com/dkeye/callhub/internal/domain"
)

// Frame is a raw encoded control message.
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ServerID is the sender of notices the server itself produces.
const ServerID domain.UserID = "@server"

// Sender is the participant-side uplink towards the relay.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env Envelope) error

func (f SenderFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }
