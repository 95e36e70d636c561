// Package mesh keeps one peer transport to every other member of a group
// call. The member that joins last offers to everyone already present.
package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callhub/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Reasons for the end of a group session.
const (
	ReasonLeft              = "left"
	ReasonRemoved           = "removed by host"
	ReasonRoomEnded         = "room ended"
	ReasonRoomLocked        = "room locked"
	ReasonDisconnected      = "disconnected"
	ReasonNegotiationFailed = "negotiation failed"
	ReasonConnectionLost    = "connection lost"
	ReasonRefused           = "join refused"
)

var (
	ErrWrongState = errors.New("operation not valid in current group state")
	ErrFinished   = errors.New("group session finished")
	ErrNotHost    = errors.New("only the host can do that")
	ErrNotMember  = errors.New("not a member of this call")
)

type EventKind int

const (
	EventState EventKind = iota
	EventRoster
	EventMemberJoined
	EventMemberLeft
	// EventMuted: the host muted or unmuted the local audio.
	EventMuted
	EventLocked
	// EventPeerFailed: one peer transport was dropped; the rest go on.
	EventPeerFailed
	// EventRefused: the server refused a request of ours.
	EventRefused
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventRoster:
		return "roster"
	case EventMemberJoined:
		return "member-joined"
	case EventMemberLeft:
		return "member-left"
	case EventMuted:
		return "muted"
	case EventLocked:
		return "locked"
	case EventPeerFailed:
		return "peer-failed"
	case EventRefused:
		return "refused"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

type Event struct {
	Room   domain.RoomID
	Kind   EventKind
	State  State
	Member domain.UserID
	Reason string
	Flag   bool // muted or locked
	At     time.Time
}
