// Package call runs the state machine of a single 1:1 call. Each Session is
// an actor: intents and inbound envelopes are queued on its inbox and applied
// one at a time, blocking steps included.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callhub/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateCalling
	StateIncoming
	StateAccepted
	StateRejected
	StateBusy
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateIncoming:
		return "incoming"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateBusy:
		return "busy"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports states that release resources and fall back to idle.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateBusy || s == StateEnded
}

var validTransitions = map[State][]State{
	StateIdle:     {StateCalling, StateIncoming, StateBusy, StateEnded},
	StateCalling:  {StateAccepted, StateRejected, StateEnded},
	StateIncoming: {StateAccepted, StateRejected, StateEnded},
	StateAccepted: {StateEnded},
	StateRejected: {StateIdle},
	StateBusy:     {StateIdle},
	StateEnded:    {StateIdle},
}

// CanTransitionTo reports whether next may follow s.
func (s State) CanTransitionTo(next State) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Reasons attached to terminal states. They are one-line UI texts.
const (
	ReasonRecipientBusy     = "recipient busy"
	ReasonRejected          = "call rejected"
	ReasonNegotiationFailed = "negotiation failed"
	ReasonConnectionLost    = "connection lost"
	ReasonNoAnswer          = "no answer"
	ReasonHungUp            = "hung up"
	ReasonRemoteHungUp      = "remote hung up"
	ReasonDisconnected      = "disconnected"
	ReasonSignalingFailed   = "signaling failed"
	ReasonAnsweredElsewhere = "answered elsewhere"
	ReasonDeclinedElsewhere = "declined elsewhere"
)

var (
	ErrWrongState = errors.New("operation not valid in current call state")
	ErrFinished   = errors.New("call finished")
)

// Event is one state change, as the UI sees it.
type Event struct {
	CallID    string
	Remote    domain.UserID
	Direction Direction
	State     State
	Reason    string
	At        time.Time
}
