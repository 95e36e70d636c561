package media_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/media/mediatest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("c%d", i)}
}

func TestNegotiationOffererThenAnswerer(t *testing.T) {
	ctx := context.Background()
	caller, _, _ := newManager(t)
	callee, _, calleeFactory := newManager(t)

	out, err := caller.CreatePeerTransport(ctx, "callee", media.Offerer)
	require.NoError(t, err)
	assert.Equal(t, media.AwaitingLocalDescription, out.State())
	offer, err := out.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, media.AwaitingRemoteDescription, out.State())

	in, err := callee.CreatePeerTransport(ctx, "caller", media.Answerer)
	require.NoError(t, err)
	assert.Equal(t, media.AwaitingRemoteDescription, in.State())
	_, err = in.Answer(ctx)
	require.ErrorIs(t, err, media.ErrNegotiationOrder)

	_, err = in.ApplyRemote(offer)
	require.NoError(t, err)
	assert.Equal(t, media.AwaitingLocalDescription, in.State())
	answer, err := in.Answer(ctx)
	require.NoError(t, err)
	assert.Equal(t, media.Negotiated, in.State())
	assert.Equal(t, webrtc.SDPTypeAnswer, calleeFactory.Latest("caller").LocalDescription().Type)

	_, err = out.ApplyRemote(answer)
	require.NoError(t, err)
	assert.Equal(t, media.Negotiated, out.State())

	// duplicate answer is out of order
	_, err = out.ApplyRemote(answer)
	require.ErrorIs(t, err, media.ErrNegotiationOrder)

	// renegotiation from the answerer side
	reoffer, err := in.Offer(ctx)
	require.NoError(t, err)
	_, err = out.ApplyRemote(reoffer)
	require.NoError(t, err)
	reanswer, err := out.Answer(ctx)
	require.NoError(t, err)
	_, err = in.ApplyRemote(reanswer)
	require.NoError(t, err)
	assert.Equal(t, media.Negotiated, in.State())
	assert.Equal(t, media.Negotiated, out.State())
}

func TestNegotiationWithoutTransport(t *testing.T) {
	m, _, _ := newManager(t)
	p, err := m.Peer("bob", media.Offerer)
	require.NoError(t, err)
	_, err = p.Offer(context.Background())
	assert.ErrorIs(t, err, media.ErrNoTransport)
	_, err = p.ApplyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	assert.ErrorIs(t, err, media.ErrNoTransport)
}

func TestAnswererRejectsUnexpectedAnswer(t *testing.T) {
	m, _, _ := newManager(t)
	p, err := m.CreatePeerTransport(context.Background(), "bob", media.Answerer)
	require.NoError(t, err)
	_, err = p.ApplyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	assert.ErrorIs(t, err, media.ErrNegotiationOrder)
}

// Candidates may arrive before the transport exists, between transport
// creation and the remote description, and after it. Whatever the split,
// the transport must see them in arrival order.
func TestCandidatesFlushInArrivalOrder(t *testing.T) {
	const total = 6
	for beforeTransport := 0; beforeTransport <= total; beforeTransport++ {
		for beforeRemote := 0; beforeTransport+beforeRemote <= total; beforeRemote++ {
			name := fmt.Sprintf("%d-before-transport/%d-before-remote", beforeTransport, beforeRemote)
			t.Run(name, func(t *testing.T) {
				ctx := context.Background()
				m, _, factory := newManager(t)
				p, err := m.Peer("bob", media.Answerer)
				require.NoError(t, err)

				next := 0
				push := func(n int, wantQueued bool) {
					for range n {
						queued, err := p.AddRemoteCandidate(cand(next))
						require.NoError(t, err)
						assert.Equal(t, wantQueued, queued)
						next++
					}
				}
				push(beforeTransport, true)
				_, err = m.CreatePeerTransport(ctx, "bob", media.Answerer)
				require.NoError(t, err)
				push(beforeRemote, true)
				assert.Equal(t, beforeTransport+beforeRemote, p.PendingCandidates())

				flushed, err := p.ApplyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
				require.NoError(t, err)
				assert.Equal(t, beforeTransport+beforeRemote, flushed)
				push(total-next, false)

				applied := factory.Latest("bob").Candidates()
				require.Len(t, applied, total)
				for i, c := range applied {
					assert.Equal(t, cand(i), c)
				}
				assert.Zero(t, p.PendingCandidates())
			})
		}
	}
}

func TestCandidateQueue(t *testing.T) {
	var q media.CandidateQueue
	_, ok := q.Peek()
	assert.False(t, ok)
	q.Pop()

	q.Push(cand(0))
	q.Push(cand(1))
	c, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, cand(0), c)
	q.Pop()
	assert.Equal(t, 1, q.Len())
	q.Clear()
	assert.Zero(t, q.Len())
}

var _ media.Transport = (*mediatest.Transport)(nil)
