package rtc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/dkeye/callhub/internal/media"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond

	// 48 kHz clock, 20 ms frames
	opusSamplesPerFrame = 960
)

// opusSilence is a single comfort-noise Opus frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices produces silent Opus audio and a constant VP8 payload.
// It stands in for capture hardware on headless agents.
type SyntheticDevices struct {
	Microphones []string
	Cameras     []string
}

// NewSyntheticDevices exposes one default microphone and camera.
func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{
		Microphones: []string{"synthetic-mic"},
		Cameras:     []string{"synthetic-cam"},
	}
}

func (d *SyntheticDevices) Open(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) (*media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := d.Microphones
	if kind == webrtc.RTPCodecTypeVideo {
		ids = d.Cameras
	}
	if len(ids) == 0 {
		return nil, media.ErrDeviceUnavailable
	}
	if deviceID == "" {
		deviceID = ids[0]
	}
	if !slices.Contains(ids, deviceID) {
		return nil, fmt.Errorf("%w: %s", media.ErrDeviceUnavailable, deviceID)
	}

	stream := "callhub-" + uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	switch kind {
	case webrtc.RTPCodecTypeAudio:
		local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", stream)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("audio track: %w", err)
		}
		t := media.NewTrack(local, kind, deviceID, cancel)
		go writeSilence(runCtx, t, local)
		log.Info().Str("module", "rtc").Str("device", deviceID).Str("stream", stream).Msg("microphone opened")
		return t, nil
	case webrtc.RTPCodecTypeVideo:
		local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", stream)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("video track: %w", err)
		}
		t := media.NewTrack(local, kind, deviceID, cancel)
		go writeFrames(runCtx, t, local)
		log.Info().Str("module", "rtc").Str("device", deviceID).Str("stream", stream).Msg("camera opened")
		return t, nil
	default:
		cancel()
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}
}

// writeSilence packetizes by hand; sequence numbers and timestamps advance
// even while the track is disabled.
func writeSilence(ctx context.Context, t *media.Track, local *webrtc.TrackLocalStaticRTP) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: uint16(rand.UintN(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += opusSamplesPerFrame
			if !t.Enabled() {
				continue
			}
			if err := local.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("device", t.DeviceID()).Msg("write audio")
			}
		}
	}
}

func writeFrames(ctx context.Context, t *media.Track, local *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(videoFrame)
	defer ticker.Stop()

	frame := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			if err := local.WriteSample(pionmedia.Sample{Data: frame, Duration: videoFrame}); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("device", t.DeviceID()).Msg("write video")
			}
		}
	}
}
