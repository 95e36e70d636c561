// Package quality samples peer transport statistics on a fixed interval and
// grades them. Samples are advisory only; nothing here changes call state.
package quality

import (
	"fmt"
	"time"
)

// Counters is a raw statistics snapshot of one transport.
type Counters struct {
	RoundTrip     time.Duration
	PacketsLost   int64
	BytesSent     uint64
	BytesReceived uint64
}

// Source is anything that can report transport statistics.
type Source interface {
	Stats() (Counters, error)
}

// Grade is the graded health signal.
type Grade int

const (
	GradeGood Grade = iota
	GradeFair
	GradePoor
)

func (g Grade) String() string {
	switch g {
	case GradeGood:
		return "good"
	case GradeFair:
		return "fair"
	case GradePoor:
		return "poor"
	default:
		return fmt.Sprintf("Unknown(%d)", int(g))
	}
}

// Sample is overwritten every interval and never persisted.
type Sample struct {
	RoundTripMs float64   `json:"roundTripMs"`
	PacketsLost int64     `json:"packetsLost"`
	BitrateKbps float64   `json:"bitrateKbps"`
	IsHealthy   bool      `json:"isHealthy"`
	Grade       Grade     `json:"grade"`
	At          time.Time `json:"at"`
}

type Thresholds struct {
	MaxRTT  time.Duration
	MaxLoss int64
}

// DefaultThresholds: healthy means RTT under 300ms and fewer than 10 lost
// packets.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxRTT: 300 * time.Millisecond, MaxLoss: 10}
}

// Evaluate grades c. Good is healthy with at least half of both budgets left.
func (t Thresholds) Evaluate(c Counters, bitrateKbps float64, at time.Time) Sample {
	s := Sample{
		RoundTripMs: float64(c.RoundTrip) / float64(time.Millisecond),
		PacketsLost: c.PacketsLost,
		BitrateKbps: bitrateKbps,
		IsHealthy:   c.RoundTrip < t.MaxRTT && c.PacketsLost < t.MaxLoss,
		At:          at,
	}
	switch {
	case !s.IsHealthy:
		s.Grade = GradePoor
	case c.RoundTrip < t.MaxRTT/2 && c.PacketsLost < (t.MaxLoss+1)/2:
		s.Grade = GradeGood
	default:
		s.Grade = GradeFair
	}
	return s
}
