// Package mediatest provides in-memory capture devices and peer transports.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/callhub/internal/media"
	"github.com/pion/webrtc/v4"
)

// Devices opens fake tracks and counts what is still running.
type Devices struct {
	mu      sync.Mutex
	fail    map[webrtc.RTPCodecType]error
	opened  int
	stopped int
	tracks  []*media.Track
}

func NewDevices() *Devices {
	return &Devices{fail: make(map[webrtc.RTPCodecType]error)}
}

// FailWith makes every later Open of kind return err. A nil err clears it.
func (d *Devices) FailWith(kind webrtc.RTPCodecType, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, kind)
		return
	}
	d.fail[kind] = err
}

func (d *Devices) Open(_ context.Context, kind webrtc.RTPCodecType, deviceID string) (*media.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[kind]; err != nil {
		return nil, err
	}
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	if deviceID == "" {
		deviceID = "default"
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "fake-"+deviceID)
	if err != nil {
		return nil, fmt.Errorf("fake %s track: %w", kind, err)
	}
	d.opened++
	t := media.NewTrack(local, kind, deviceID, func() {
		d.mu.Lock()
		d.stopped++
		d.mu.Unlock()
	})
	d.tracks = append(d.tracks, t)
	return t, nil
}

func (d *Devices) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Running counts tracks opened and not yet stopped.
func (d *Devices) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.stopped
}

// Tracks returns every track ever opened.
func (d *Devices) Tracks() []*media.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*media.Track(nil), d.tracks...)
}
