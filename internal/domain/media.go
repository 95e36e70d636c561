package domain

import "fmt"

// MediaKind is what a participant captures and sends.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind accepts "audio" or "video"; empty means audio.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case "", MediaAudio:
		return MediaAudio, nil
	case MediaVideo:
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

// HasVideo reports whether a camera track is required.
func (k MediaKind) HasVideo() bool { return k == MediaVideo }
