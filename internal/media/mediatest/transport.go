package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed         = errors.New("fake transport closed")
	ErrNoRemote       = errors.New("candidate before remote description")
	ErrNoRemoteOffer  = errors.New("answer without remote offer")
	ErrUnknownTrack   = errors.New("track not attached")
	ErrInjectedFailed = errors.New("injected failure")
)

// Transport is an in-memory media.Transport. It enforces the same ordering
// a real peer connection does: candidates need a remote description and an
// answer needs a remote offer.
type Transport struct {
	local  domain.UserID
	remote domain.UserID
	gather int

	mu          sync.Mutex
	tracks      []*media.Track
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closes      int
	replaceErr  error
	stats       quality.Counters
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(media.TransportState)
	generation  int
}

func (t *Transport) Remote() domain.UserID { return t.remote }

func (t *Transport) AddTrack(track *media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return ErrClosed
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) ReplaceTrack(old, next *media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replaceErr != nil {
		return t.replaceErr
	}
	for i, tr := range t.tracks {
		if tr == old {
			t.tracks[i] = next
			return nil
		}
	}
	return ErrUnknownTrack
}

func (t *Transport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return t.describe(webrtc.SDPTypeOffer)
}

func (t *Transport) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if t.remoteDesc == nil || t.remoteDesc.Type != webrtc.SDPTypeOffer {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}
	t.mu.Unlock()
	return t.describe(webrtc.SDPTypeAnswer)
}

func (t *Transport) describe(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	if t.closes > 0 {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	t.generation++
	desc := webrtc.SessionDescription{
		Type: typ,
		SDP:  fmt.Sprintf("%s %s->%s #%d", typ, t.local, t.remote, t.generation),
	}
	t.localDesc = &desc
	first := t.generation == 1
	t.mu.Unlock()
	if first && t.gather > 0 {
		go t.emitGathered()
	}
	return desc, nil
}

// emitGathered reports the configured number of local candidates in order.
func (t *Transport) emitGathered() {
	for i := range t.gather {
		t.Emit(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%s-%d", t.local, t.remote, i)})
	}
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return ErrClosed
	}
	t.remoteDesc = &desc
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return ErrClosed
	}
	if t.remoteDesc == nil {
		return ErrNoRemote
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnStateChange(fn func(media.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Stats() (quality.Counters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return quality.Counters{}, ErrClosed
	}
	return t.stats, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

// Emit reports c as a locally gathered candidate.
func (t *Transport) Emit(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	closed := t.closes > 0
	t.mu.Unlock()
	if fn != nil && !closed {
		fn(c)
	}
}

// SetState reports a connection state change.
func (t *Transport) SetState(s media.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) SetStats(c quality.Counters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = c
}

// FailReplace makes ReplaceTrack return err.
func (t *Transport) FailReplace(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaceErr = err
}

// Candidates lists applied remote candidates in order.
func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *Transport) Tracks() []*media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*media.Track(nil), t.tracks...)
}

func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Factory hands out Transports and keeps every one it created.
type Factory struct {
	local domain.UserID

	mu         sync.Mutex
	gather     int
	fail       error
	transports []*Transport
}

func NewFactory(local domain.UserID) *Factory {
	return &Factory{local: local}
}

// Gather makes every new transport emit n local candidates once it has a
// local description.
func (f *Factory) Gather(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gather = n
}

// FailWith makes NewTransport return err. A nil err clears it.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *Factory) NewTransport(_ context.Context, remote domain.UserID) (media.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	t := &Transport{local: f.local, remote: remote, gather: f.gather}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// Open counts transports not closed yet.
func (f *Factory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transports {
		if t.Closes() == 0 {
			n++
		}
	}
	return n
}

// Latest returns the newest transport towards remote.
func (f *Factory) Latest(remote domain.UserID) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.transports) - 1; i >= 0; i-- {
		if f.transports[i].remote == remote {
			return f.transports[i]
		}
	}
	return nil
}
