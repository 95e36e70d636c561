package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/callhub/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ media.Transport = (*Connection)(nil)
var _ media.TransportFactory = (*Factory)(nil)
var _ media.DeviceProvider = (*SyntheticDevices)(nil)

func newPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	f, err := NewFactory(webrtc.Configuration{})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := f.NewTransport(ctx, "bob")
	require.NoError(t, err)
	b, err := f.NewTransport(ctx, "alice")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a.(*Connection), b.(*Connection)
}

func TestConnection_OfferAnswer(t *testing.T) {
	a, b := newPair(t)
	devices := NewSyntheticDevices()
	ctx := context.Background()

	mic, err := devices.Open(ctx, webrtc.RTPCodecTypeAudio, "")
	require.NoError(t, err)
	defer mic.Stop()
	require.NoError(t, a.AddTrack(mic))

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")

	require.NoError(t, b.SetRemoteDescription(offer))
	answer, err := b.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.SetRemoteDescription(answer))

	assert.Equal(t, webrtc.SignalingStateStable, a.pc.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.pc.SignalingState())
}

func TestConnection_CreateAnswerWithoutOffer(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.CreateAnswer(context.Background())
	assert.Error(t, err)
}

func TestConnection_CanceledContext(t *testing.T) {
	a, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.CreateOffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnection_ReplaceTrack(t *testing.T) {
	a, _ := newPair(t)
	devices := &SyntheticDevices{Microphones: []string{"mic-1", "mic-2"}}
	ctx := context.Background()

	first, err := devices.Open(ctx, webrtc.RTPCodecTypeAudio, "mic-1")
	require.NoError(t, err)
	defer first.Stop()
	second, err := devices.Open(ctx, webrtc.RTPCodecTypeAudio, "mic-2")
	require.NoError(t, err)
	defer second.Stop()

	assert.ErrorIs(t, a.ReplaceTrack(first, second), ErrUnknownTrack)

	require.NoError(t, a.AddTrack(first))
	require.NoError(t, a.ReplaceTrack(first, second))
	assert.ErrorIs(t, a.ReplaceTrack(first, second), ErrUnknownTrack)
}

func TestConnection_StatsAfterClose(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.Stats()
	require.NoError(t, err)

	require.NoError(t, a.Close())
	_, err = a.Stats()
	assert.Error(t, err)
}

func TestCountersFrom(t *testing.T) {
	report := webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.120},
		"pair-2": webrtc.ICECandidatePairStats{Nominated: false, CurrentRoundTripTime: 2},
		"in-1":   webrtc.InboundRTPStreamStats{PacketsLost: 3},
		"in-2":   webrtc.InboundRTPStreamStats{PacketsLost: 4},
		"t":      webrtc.TransportStats{BytesSent: 1000, BytesReceived: 2000},
	}
	c := countersFrom(report)
	assert.Equal(t, 120*time.Millisecond, c.RoundTrip)
	assert.Equal(t, int64(7), c.PacketsLost)
	assert.Equal(t, uint64(1000), c.BytesSent)
	assert.Equal(t, uint64(2000), c.BytesReceived)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want media.TransportState
	}{
		{webrtc.PeerConnectionStateNew, media.TransportNew},
		{webrtc.PeerConnectionStateConnecting, media.TransportConnecting},
		{webrtc.PeerConnectionStateConnected, media.TransportConnected},
		{webrtc.PeerConnectionStateDisconnected, media.TransportDisconnected},
		{webrtc.PeerConnectionStateFailed, media.TransportFailed},
		{webrtc.PeerConnectionStateClosed, media.TransportClosed},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, mapState(tt.in))
		})
	}
}

func TestConfig(t *testing.T) {
	cfg := Config([]string{"stun:a", "turn:b"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:a", "turn:b"}, cfg.ICEServers[0].URLs)
	assert.Empty(t, Config(nil).ICEServers)
	assert.NotEmpty(t, DefaultConfig().ICEServers)
}
