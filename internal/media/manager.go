// Package media acquires local capture devices and peer transports for one
// call or group session, and guarantees they are released.
package media

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Manager is the resource scope of one session. Teardown releases, in order,
// every peer transport, every local track, the pending candidate queues and
// finally the session record, continuing past failing steps.
type Manager struct {
	devices DeviceProvider
	factory TransportFactory
	logger  zerolog.Logger

	mu        sync.Mutex
	local     *LocalStream
	peers     map[domain.UserID]*Peer
	released  bool
	onRelease []func()
}

func NewManager(devices DeviceProvider, factory TransportFactory, logger zerolog.Logger) *Manager {
	return &Manager{
		devices: devices,
		factory: factory,
		logger:  logger,
		peers:   make(map[domain.UserID]*Peer),
	}
}

// OnRelease registers fn to run as the last teardown step.
func (m *Manager) OnRelease(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRelease = append(m.onRelease, fn)
}

// AcquireLocal opens the microphone and, for video, the camera. A second call
// returns the stream already acquired.
func (m *Manager) AcquireLocal(ctx context.Context, kind domain.MediaKind) (*LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, ErrReleased
	}
	if m.local != nil {
		return m.local, nil
	}
	stream := &LocalStream{}
	mic, err := m.open(ctx, webrtc.RTPCodecTypeAudio, "", DeviceMicrophone)
	if err != nil {
		return nil, err
	}
	stream.add(mic)
	if kind.HasVideo() {
		cam, err := m.open(ctx, webrtc.RTPCodecTypeVideo, "", DeviceCamera)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.add(cam)
	}
	m.local = stream
	m.logger.Info().Str("media", string(kind)).Int("tracks", len(stream.Tracks())).Msg("local media acquired")
	return stream, nil
}

func (m *Manager) open(ctx context.Context, kind webrtc.RTPCodecType, deviceID, device string) (*Track, error) {
	t, err := m.devices.Open(ctx, kind, deviceID)
	if err != nil {
		var acq *AcquisitionError
		if errors.As(err, &acq) {
			return nil, err
		}
		return nil, &AcquisitionError{Device: device, Err: err}
	}
	return t, nil
}

// Local returns the acquired stream, if any.
func (m *Manager) Local() *LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Peer returns the record for remote, creating one without a transport.
// Candidates for a remote whose transport does not exist yet are queued on
// this record.
func (m *Manager) Peer(remote domain.UserID, role Role) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, ErrReleased
	}
	p, ok := m.peers[remote]
	if !ok {
		p = newPeer(remote, role)
		m.peers[remote] = p
	}
	return p, nil
}

// Lookup returns an existing record.
func (m *Manager) Lookup(remote domain.UserID) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[remote]
	return p, ok
}

// CreatePeerTransport attaches a transport to remote's record and adds the
// local tracks to it.
func (m *Manager) CreatePeerTransport(ctx context.Context, remote domain.UserID, role Role) (*Peer, error) {
	p, err := m.Peer(remote, role)
	if err != nil {
		return nil, err
	}
	if p.transport != nil {
		return p, nil
	}
	t, err := m.factory.NewTransport(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("new transport to %s: %w", remote, err)
	}
	m.mu.Lock()
	local := m.local
	released := m.released
	m.mu.Unlock()
	if released {
		_ = t.Close()
		return nil, ErrReleased
	}
	if local != nil {
		for _, track := range local.Tracks() {
			if err := t.AddTrack(track); err != nil {
				_ = t.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
		}
	}
	m.mu.Lock()
	p.transport = t
	m.mu.Unlock()
	m.logger.Debug().Str("remote", string(remote)).Msg("peer transport created")
	return p, nil
}

// Release closes and forgets the peer record of one remote participant.
// Releasing an unknown remote is a no-op.
func (m *Manager) Release(remote domain.UserID) error {
	m.mu.Lock()
	p, ok := m.peers[remote]
	delete(m.peers, remote)
	var t Transport
	if ok {
		t, p.transport = p.transport, nil
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	p.pending.Clear()
	if t == nil {
		return nil
	}
	err := t.Close()
	m.logger.Debug().Err(err).Str("remote", string(remote)).Msg("peer released")
	return err
}

// Teardown releases everything the session holds. It is idempotent: a second
// call returns nil without touching anything.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	peers := maps.Clone(m.peers)
	transports := make(map[domain.UserID]Transport, len(peers))
	for remote, p := range peers {
		if p.transport != nil {
			transports[remote] = p.transport
			p.transport = nil
		}
	}
	local := m.local
	hooks := m.onRelease
	m.mu.Unlock()

	var errs []error
	// (1) transports
	for remote, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", remote, err))
		}
	}
	// (2) capture tracks
	stopped := 0
	if local != nil {
		stopped = local.Stop()
	}
	// (3) pending candidates
	for _, p := range peers {
		p.pending.Clear()
	}
	// (4) record
	m.mu.Lock()
	m.peers = make(map[domain.UserID]*Peer)
	m.local = nil
	m.onRelease = nil
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	err := errors.Join(errs...)
	m.logger.Info().Err(err).Int("transports", len(transports)).Int("tracks", stopped).Msg("teardown")
	return err
}

// Released reports whether Teardown ran.
func (m *Manager) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// PeerCount counts records that own a transport.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.peers {
		if p.transport != nil {
			n++
		}
	}
	return n
}

// Remotes lists remotes that own a transport.
func (m *Manager) Remotes() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.peers))
	for id, p := range m.peers {
		if p.transport != nil {
			out = append(out, id)
		}
	}
	return out
}

// SwitchDevice replaces the local track of kind with one from deviceID on
// every transport, then stops the old track. No renegotiation happens.
func (m *Manager) SwitchDevice(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) error {
	m.mu.Lock()
	local := m.local
	released := m.released
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.transport != nil {
			peers = append(peers, p)
		}
	}
	m.mu.Unlock()
	if released {
		return ErrReleased
	}
	if local == nil {
		return fmt.Errorf("switch %s: no local media", kind)
	}
	old, ok := local.Track(kind)
	if !ok {
		return fmt.Errorf("switch %s: no such local track", kind)
	}
	device := DeviceMicrophone
	if kind == webrtc.RTPCodecTypeVideo {
		device = DeviceCamera
	}
	next, err := m.open(ctx, kind, deviceID, device)
	if err != nil {
		return err
	}
	next.SetEnabled(old.Enabled())
	for i, p := range peers {
		if err := p.transport.ReplaceTrack(old, next); err != nil {
			for _, done := range peers[:i] {
				_ = done.transport.ReplaceTrack(next, old)
			}
			next.Stop()
			return fmt.Errorf("replace track for %s: %w", p.remote, err)
		}
	}
	local.swap(old, next)
	old.Stop()
	m.logger.Info().Str("kind", kind.String()).Str("device", deviceID).Int("transports", len(peers)).Msg("device switched")
	return nil
}
