package media

import (
	"context"
	"fmt"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/pion/webrtc/v4"
)

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Transport is the peer-to-peer media transport towards one remote party.
// CreateOffer and CreateAnswer also apply the result as the local description.
type Transport interface {
	quality.Source

	AddTrack(t *Track) error
	// ReplaceTrack swaps the outbound track without renegotiating.
	ReplaceTrack(old, next *Track) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate is called for each locally gathered candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(TransportState))
	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context, remote domain.UserID) (Transport, error)
}
