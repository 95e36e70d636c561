package media_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/media/mediatest"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*media.Manager, *mediatest.Devices, *mediatest.Factory) {
	t.Helper()
	devices := mediatest.NewDevices()
	factory := mediatest.NewFactory("local")
	return media.NewManager(devices, factory, zerolog.Nop()), devices, factory
}

func TestAcquireLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("audio opens microphone only", func(t *testing.T) {
		m, devices, _ := newManager(t)
		stream, err := m.AcquireLocal(ctx, domain.MediaAudio)
		require.NoError(t, err)
		assert.Len(t, stream.Tracks(), 1)
		assert.Equal(t, 1, devices.Opened())

		again, err := m.AcquireLocal(ctx, domain.MediaAudio)
		require.NoError(t, err)
		assert.Same(t, stream, again)
		assert.Equal(t, 1, devices.Opened())
	})

	t.Run("video opens camera too", func(t *testing.T) {
		m, devices, _ := newManager(t)
		stream, err := m.AcquireLocal(ctx, domain.MediaVideo)
		require.NoError(t, err)
		_, ok := stream.Track(webrtc.RTPCodecTypeVideo)
		assert.True(t, ok)
		assert.Equal(t, 2, devices.Running())
	})

	t.Run("microphone failure", func(t *testing.T) {
		m, devices, _ := newManager(t)
		devices.FailWith(webrtc.RTPCodecTypeAudio, media.ErrPermissionDenied)
		_, err := m.AcquireLocal(ctx, domain.MediaAudio)
		var acq *media.AcquisitionError
		require.ErrorAs(t, err, &acq)
		assert.Equal(t, "microphone unavailable", acq.Reason())
		assert.ErrorIs(t, err, media.ErrPermissionDenied)
		assert.Nil(t, m.Local())
	})

	t.Run("camera failure releases microphone", func(t *testing.T) {
		m, devices, _ := newManager(t)
		devices.FailWith(webrtc.RTPCodecTypeVideo, media.ErrDeviceUnavailable)
		_, err := m.AcquireLocal(ctx, domain.MediaVideo)
		var acq *media.AcquisitionError
		require.ErrorAs(t, err, &acq)
		assert.Equal(t, media.DeviceCamera, acq.Device)
		assert.Zero(t, devices.Running())
	})

	t.Run("after teardown", func(t *testing.T) {
		m, _, _ := newManager(t)
		require.NoError(t, m.Teardown())
		_, err := m.AcquireLocal(ctx, domain.MediaAudio)
		assert.ErrorIs(t, err, media.ErrReleased)
	})
}

func TestTeardownReleasesEverythingOnce(t *testing.T) {
	ctx := context.Background()
	m, devices, factory := newManager(t)
	_, err := m.AcquireLocal(ctx, domain.MediaVideo)
	require.NoError(t, err)
	_, err = m.CreatePeerTransport(ctx, "bob", media.Offerer)
	require.NoError(t, err)
	_, err = m.CreatePeerTransport(ctx, "carol", media.Offerer)
	require.NoError(t, err)
	waiting, err := m.Peer("dave", media.Answerer)
	require.NoError(t, err)
	_, err = waiting.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c0"})
	require.NoError(t, err)

	var order []string
	m.OnRelease(func() {
		order = append(order, "record")
		assert.Zero(t, devices.Running(), "tracks stop before the record is released")
		assert.Zero(t, factory.Open(), "transports close before the record is released")
	})

	require.NoError(t, m.Teardown())
	require.NoError(t, m.Teardown())

	assert.Equal(t, []string{"record"}, order)
	assert.True(t, m.Released())
	assert.Zero(t, m.PeerCount())
	assert.Zero(t, waiting.PendingCandidates())
	for _, tr := range factory.Transports() {
		assert.Equal(t, 1, tr.Closes())
	}
	assert.Zero(t, devices.Running())
}

type failingClose struct {
	*mediatest.Transport
}

func (f failingClose) Close() error {
	_ = f.Transport.Close()
	return errors.New("boom")
}

type wrapFactory struct {
	inner *mediatest.Factory
	fail  domain.UserID
}

func (w wrapFactory) NewTransport(ctx context.Context, remote domain.UserID) (media.Transport, error) {
	t, err := w.inner.NewTransport(ctx, remote)
	if err != nil || remote != w.fail {
		return t, err
	}
	return failingClose{t.(*mediatest.Transport)}, nil
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	devices := mediatest.NewDevices()
	inner := mediatest.NewFactory("local")
	m := media.NewManager(devices, wrapFactory{inner: inner, fail: "bob"}, zerolog.Nop())
	_, err := m.AcquireLocal(ctx, domain.MediaAudio)
	require.NoError(t, err)
	_, err = m.CreatePeerTransport(ctx, "bob", media.Offerer)
	require.NoError(t, err)
	_, err = m.CreatePeerTransport(ctx, "carol", media.Offerer)
	require.NoError(t, err)

	released := false
	m.OnRelease(func() { released = true })
	err = m.Teardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, released)
	assert.Zero(t, devices.Running())
	assert.Zero(t, inner.Open())
}

func TestReleaseOnePeer(t *testing.T) {
	ctx := context.Background()
	m, _, factory := newManager(t)
	_, err := m.CreatePeerTransport(ctx, "bob", media.Offerer)
	require.NoError(t, err)
	_, err = m.CreatePeerTransport(ctx, "carol", media.Answerer)
	require.NoError(t, err)

	require.NoError(t, m.Release("bob"))
	require.NoError(t, m.Release("bob"))
	assert.Equal(t, 1, factory.Latest("bob").Closes())
	assert.Equal(t, []domain.UserID{"carol"}, m.Remotes())
}

func TestCreatePeerTransportAddsLocalTracks(t *testing.T) {
	ctx := context.Background()
	m, _, factory := newManager(t)
	_, err := m.AcquireLocal(ctx, domain.MediaVideo)
	require.NoError(t, err)
	p, err := m.CreatePeerTransport(ctx, "bob", media.Offerer)
	require.NoError(t, err)
	assert.NotNil(t, p.Transport())
	assert.Len(t, factory.Latest("bob").Tracks(), 2)

	same, err := m.CreatePeerTransport(ctx, "bob", media.Offerer)
	require.NoError(t, err)
	assert.Same(t, p, same)
	assert.Len(t, factory.Transports(), 1)
}

func TestSwitchDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces on every transport then stops old", func(t *testing.T) {
		m, devices, factory := newManager(t)
		stream, err := m.AcquireLocal(ctx, domain.MediaVideo)
		require.NoError(t, err)
		_, err = m.CreatePeerTransport(ctx, "bob", media.Offerer)
		require.NoError(t, err)
		_, err = m.CreatePeerTransport(ctx, "carol", media.Offerer)
		require.NoError(t, err)
		old, _ := stream.Track(webrtc.RTPCodecTypeVideo)

		require.NoError(t, m.SwitchDevice(ctx, webrtc.RTPCodecTypeVideo, "back"))

		next, _ := stream.Track(webrtc.RTPCodecTypeVideo)
		assert.Equal(t, "back", next.DeviceID())
		assert.True(t, old.Stopped())
		for _, tr := range factory.Transports() {
			assert.Contains(t, tr.Tracks(), next)
			assert.NotContains(t, tr.Tracks(), old)
			// no renegotiation: still only the opening offer
			assert.Nil(t, tr.LocalDescription())
		}
		assert.Equal(t, 2, devices.Running())
	})

	t.Run("rolls back when a transport refuses", func(t *testing.T) {
		m, devices, factory := newManager(t)
		stream, err := m.AcquireLocal(ctx, domain.MediaAudio)
		require.NoError(t, err)
		_, err = m.CreatePeerTransport(ctx, "bob", media.Offerer)
		require.NoError(t, err)
		factory.Latest("bob").FailReplace(mediatest.ErrInjectedFailed)
		old, _ := stream.Track(webrtc.RTPCodecTypeAudio)

		err = m.SwitchDevice(ctx, webrtc.RTPCodecTypeAudio, "usb")
		require.ErrorIs(t, err, mediatest.ErrInjectedFailed)
		cur, _ := stream.Track(webrtc.RTPCodecTypeAudio)
		assert.Same(t, old, cur)
		assert.False(t, old.Stopped())
		assert.Equal(t, 1, devices.Running())
	})

	t.Run("missing track", func(t *testing.T) {
		m, _, _ := newManager(t)
		_, err := m.AcquireLocal(ctx, domain.MediaAudio)
		require.NoError(t, err)
		assert.Error(t, m.SwitchDevice(ctx, webrtc.RTPCodecTypeVideo, "back"))
	})

	t.Run("keeps mute state", func(t *testing.T) {
		m, _, _ := newManager(t)
		stream, err := m.AcquireLocal(ctx, domain.MediaAudio)
		require.NoError(t, err)
		stream.SetAudioEnabled(false)
		require.NoError(t, m.SwitchDevice(ctx, webrtc.RTPCodecTypeAudio, "usb"))
		next, _ := stream.Track(webrtc.RTPCodecTypeAudio)
		assert.False(t, next.Enabled())
	})
}
