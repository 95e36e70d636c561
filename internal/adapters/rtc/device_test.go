package rtc

import (
	"context"
	"testing"

	"github.com/dkeye/callhub/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDevices_Open(t *testing.T) {
	d := NewSyntheticDevices()
	ctx := context.Background()

	mic, err := d.Open(ctx, webrtc.RTPCodecTypeAudio, "")
	require.NoError(t, err)
	assert.Equal(t, "synthetic-mic", mic.DeviceID())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, mic.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, mic.Local().Kind())

	cam, err := d.Open(ctx, webrtc.RTPCodecTypeVideo, "synthetic-cam")
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, cam.Local().Kind())
	assert.NotEqual(t, mic.Local().StreamID(), cam.Local().StreamID())

	mic.Stop()
	cam.Stop()
	assert.True(t, mic.Stopped())
	assert.True(t, cam.Stopped())
}

func TestSyntheticDevices_Unavailable(t *testing.T) {
	d := &SyntheticDevices{Microphones: []string{"mic"}}
	ctx := context.Background()

	_, err := d.Open(ctx, webrtc.RTPCodecTypeVideo, "")
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)

	_, err = d.Open(ctx, webrtc.RTPCodecTypeAudio, "other")
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Open(canceled, webrtc.RTPCodecTypeAudio, "mic")
	assert.ErrorIs(t, err, context.Canceled)
}
