package media

import (
	"context"
	"fmt"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/pion/webrtc/v4"
)

// NegotiationState is the description exchange progress with one remote.
type NegotiationState int

const (
	// AwaitingLocalDescription: we owe an offer (offerer) or an answer
	// (answerer, after the remote offer was applied).
	AwaitingLocalDescription NegotiationState = iota
	// AwaitingRemoteDescription: we wait for the remote offer (answerer) or
	// the remote answer (offerer, after our offer was sent).
	AwaitingRemoteDescription
	Negotiated
)

func (s NegotiationState) String() string {
	switch s {
	case AwaitingLocalDescription:
		return "awaiting-local-description"
	case AwaitingRemoteDescription:
		return "awaiting-remote-description"
	case Negotiated:
		return "negotiated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

type Role int

const (
	Offerer Role = iota
	Answerer
)

// Peer is the per-remote record of a session: the transport (once created),
// the negotiation state and the pending candidate queue. It is owned by one
// session actor and is not safe for concurrent use.
type Peer struct {
	remote    domain.UserID
	role      Role
	transport Transport
	state     NegotiationState
	offered   bool
	remoteSet bool
	pending   CandidateQueue
}

func newPeer(remote domain.UserID, role Role) *Peer {
	p := &Peer{remote: remote, role: role, state: AwaitingLocalDescription}
	if role == Answerer {
		p.state = AwaitingRemoteDescription
	}
	return p
}

func (p *Peer) Remote() domain.UserID      { return p.remote }
func (p *Peer) Role() Role                 { return p.role }
func (p *Peer) State() NegotiationState    { return p.state }
func (p *Peer) Transport() Transport       { return p.transport }
func (p *Peer) PendingCandidates() int     { return p.pending.Len() }
func (p *Peer) RemoteDescriptionSet() bool { return p.remoteSet }

// Offer creates the local offer. It is valid as the opening move of an
// offerer and, once negotiated, as a renegotiation by either side.
func (p *Peer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if p.transport == nil {
		return webrtc.SessionDescription{}, ErrNoTransport
	}
	opening := p.state == AwaitingLocalDescription && !p.remoteSet
	if !opening && p.state != Negotiated {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer in %s", ErrNegotiationOrder, p.state)
	}
	desc, err := p.transport.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	p.offered = true
	p.state = AwaitingRemoteDescription
	return desc, nil
}

// Answer creates the local answer to an applied remote offer.
func (p *Peer) Answer(ctx context.Context) (webrtc.SessionDescription, error) {
	if p.transport == nil {
		return webrtc.SessionDescription{}, ErrNoTransport
	}
	if p.state != AwaitingLocalDescription || !p.remoteSet || p.offered {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer in %s", ErrNegotiationOrder, p.state)
	}
	desc, err := p.transport.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	p.state = Negotiated
	return desc, nil
}

// ApplyRemote applies a remote offer or answer and then flushes the pending
// candidates in arrival order. It returns how many were flushed.
func (p *Peer) ApplyRemote(desc webrtc.SessionDescription) (int, error) {
	if p.transport == nil {
		return 0, ErrNoTransport
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		expecting := p.state == AwaitingRemoteDescription && !p.offered
		if !expecting && p.state != Negotiated {
			return 0, fmt.Errorf("%w: remote offer in %s", ErrNegotiationOrder, p.state)
		}
		if err := p.transport.SetRemoteDescription(desc); err != nil {
			return 0, fmt.Errorf("apply remote offer: %w", err)
		}
		p.offered = false
		p.state = AwaitingLocalDescription
	case webrtc.SDPTypeAnswer:
		if p.state != AwaitingRemoteDescription || !p.offered {
			return 0, fmt.Errorf("%w: remote answer in %s", ErrNegotiationOrder, p.state)
		}
		if err := p.transport.SetRemoteDescription(desc); err != nil {
			return 0, fmt.Errorf("apply remote answer: %w", err)
		}
		p.offered = false
		p.state = Negotiated
	default:
		return 0, fmt.Errorf("%w: unsupported description %s", ErrNegotiationOrder, desc.Type)
	}
	p.remoteSet = true
	return p.flush()
}

// AddRemoteCandidate applies c, or queues it while the remote description
// is not applied yet. It reports whether c was queued.
func (p *Peer) AddRemoteCandidate(c webrtc.ICECandidateInit) (bool, error) {
	if p.transport == nil || !p.remoteSet || p.pending.Len() > 0 {
		p.pending.Push(c)
		return true, nil
	}
	if err := p.transport.AddICECandidate(c); err != nil {
		return false, fmt.Errorf("add candidate: %w", err)
	}
	return false, nil
}

// flush stops at the first failing candidate and keeps it and everything
// after it queued.
func (p *Peer) flush() (int, error) {
	n := 0
	for {
		c, ok := p.pending.Peek()
		if !ok {
			return n, nil
		}
		if err := p.transport.AddICECandidate(c); err != nil {
			return n, fmt.Errorf("flush candidate %d: %w", n, err)
		}
		p.pending.Pop()
		n++
	}
}
