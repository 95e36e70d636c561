// Package apptest runs the signaling server in-process. Links stand in for
// WebSocket connections: frames are encoded and decoded exactly as on the
// wire and delivered in order on one goroutine per link.
package apptest

import (
	"context"
	"sync"

	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/app/orch"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
)

const linkBuffer = 512

// Network is one server with any number of connected links.
type Network struct {
	Orch *orch.Orchestrator
}

func NewNetwork() *Network {
	return &Network{Orch: orch.New(app.NewDirectory(), app.SimplePolicy{})}
}

// Link is one participant connection.
type Link struct {
	net  *Network
	id   domain.UserID
	conn *pipeConn

	mu      sync.Mutex
	handler func(core.Envelope)
	seen    []core.Envelope
}

// Connect registers p and starts delivering to handler, which may be nil
// until SetHandler is called. Envelopes delivered without a handler are only
// recorded.
func (n *Network) Connect(p domain.Participant, handler func(core.Envelope)) *Link {
	l := &Link{
		net:     n,
		id:      p.ID,
		conn:    newPipeConn(),
		handler: handler,
	}
	n.Orch.OnConnect(p, l.conn)
	go l.pump()
	return l
}

func (l *Link) ID() domain.UserID { return l.id }

func (l *Link) SetHandler(h func(core.Envelope)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Send goes through the same decode and dispatch as a real connection.
func (l *Link) Send(_ context.Context, env core.Envelope) error {
	select {
	case <-l.conn.closed:
		return core.ErrConnectionClosed
	default:
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	decoded, err := core.Decode(frame)
	if err != nil {
		return err
	}
	l.net.Orch.OnEnvelope(l.id, decoded)
	return nil
}

// Close disconnects the link as if the socket dropped.
func (l *Link) Close() {
	l.net.Orch.OnDisconnect(l.conn)
	l.conn.Close()
}

// Seen returns every envelope delivered to this link so far.
func (l *Link) Seen() []core.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.Envelope(nil), l.seen...)
}

// SeenKinds is Seen reduced to envelope types.
func (l *Link) SeenKinds() []core.Kind {
	var out []core.Kind
	for _, env := range l.Seen() {
		out = append(out, env.Type)
	}
	return out
}

func (l *Link) pump() {
	for {
		select {
		case f := <-l.conn.frames:
			env, err := core.Decode(f)
			if err != nil {
				continue
			}
			l.mu.Lock()
			l.seen = append(l.seen, env)
			h := l.handler
			l.mu.Unlock()
			if h != nil {
				h(env)
			}
		case <-l.conn.closed:
			return
		}
	}
}

type pipeConn struct {
	frames    chan core.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan core.Frame, linkBuffer), closed: make(chan struct{})}
}

func (c *pipeConn) TrySend(f core.Frame) error {
	select {
	case <-c.closed:
		return core.ErrConnectionClosed
	default:
	}
	select {
	case c.frames <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *pipeConn) Close() { c.closeOnce.Do(func() { close(c.closed) }) }
