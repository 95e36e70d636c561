package media

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

const (
	DeviceMicrophone = "microphone"
	DeviceCamera     = "camera"
)

// Track is one local capture track. Stop releases the device and is
// idempotent.
type Track struct {
	local    webrtc.TrackLocal
	kind     webrtc.RTPCodecType
	deviceID string

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stop     func()
}

// NewTrack wraps a pion local track; stop is invoked exactly once.
func NewTrack(local webrtc.TrackLocal, kind webrtc.RTPCodecType, deviceID string, stop func()) *Track {
	t := &Track{local: local, kind: kind, deviceID: deviceID, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) DeviceID() string          { return t.deviceID }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) Stopped() bool             { return t.stopped.Load() }

// SetEnabled mutes or unmutes the track without releasing the device.
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// DeviceProvider opens capture devices from the host environment. An empty
// deviceID selects the default device for kind.
type DeviceProvider interface {
	Open(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) (*Track, error)
}

// LocalStream is the set of tracks a session captured.
type LocalStream struct {
	mu     sync.RWMutex
	tracks []*Track
}

func (s *LocalStream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

// Track returns the first track of kind.
func (s *LocalStream) Track(kind webrtc.RTPCodecType) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// SetAudioEnabled toggles every audio track.
func (s *LocalStream) SetAudioEnabled(on bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			t.SetEnabled(on)
		}
	}
}

func (s *LocalStream) add(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *LocalStream) swap(old, next *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == old {
			s.tracks[i] = next
			return
		}
	}
	s.tracks = append(s.tracks, next)
}

// Stop stops every track and reports how many were still running.
func (s *LocalStream) Stop() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tracks {
		if !t.Stopped() {
			n++
		}
		t.Stop()
	}
	return n
}
