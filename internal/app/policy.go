package app

import "github.com/dkeye/callhub/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// DropMessage loses the envelope for that handle only.
	DropMessage
	// Disconnect closes the slow handle; its owner re-registers on reconnect.
	Disconnect
)

// Policy decides what happens to a handle whose send buffer is full.
type Policy interface {
	OnBackPressure(env core.Envelope, conn core.SignalConnection) BackpressureAction
}

// SimplePolicy drops candidates and disconnects handles that cannot keep up
// with any other kind. A lost accept or end leaves both sides in diverging
// states; a lost candidate costs one ICE path, and a pair left with none
// reports a failed transport.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(env core.Envelope, _ core.SignalConnection) BackpressureAction {
	if env.Type == core.KindCandidate {
		return DropMessage
	}
	return Disconnect
}
