package quality

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 2 * time.Second

type watch struct {
	cancel context.CancelFunc
	last   Sample
	has    bool
}

// Monitor runs one ticker per watched transport. Stop removes the watch and
// cancels its ticker before returning; a stopped watch never reports again.
type Monitor struct {
	interval   time.Duration
	thresholds Thresholds
	onSample   func(key string, s Sample)

	mu      sync.Mutex
	watches map[string]*watch
}

// NewMonitor creates a monitor. onSample may be nil; it must not block or
// call back into the monitor.
func NewMonitor(interval time.Duration, thresholds Thresholds, onSample func(key string, s Sample)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval:   interval,
		thresholds: thresholds,
		onSample:   onSample,
		watches:    make(map[string]*watch),
	}
}

// Start watches src under key, replacing any previous watch of that key.
func (m *Monitor) Start(key string, src Source) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel}
	m.mu.Lock()
	if old, ok := m.watches[key]; ok {
		old.cancel()
	}
	m.watches[key] = w
	m.mu.Unlock()
	log.Debug().Str("module", "quality").Str("key", key).Dur("interval", m.interval).Msg("monitor started")
	go m.run(ctx, key, w, src)
}

func (m *Monitor) run(ctx context.Context, key string, w *watch, src Source) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	var (
		prevBytes uint64
		prevAt    time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c, err := src.Stats()
			if err != nil {
				log.Debug().Err(err).Str("module", "quality").Str("key", key).Msg("stats unavailable")
				continue
			}
			total := c.BytesSent + c.BytesReceived
			var kbps float64
			if !prevAt.IsZero() && total >= prevBytes {
				if secs := now.Sub(prevAt).Seconds(); secs > 0 {
					kbps = float64(total-prevBytes) * 8 / 1000 / secs
				}
			}
			prevBytes, prevAt = total, now
			s := m.thresholds.Evaluate(c, kbps, now)
			if !m.record(ctx, key, w, s) {
				return
			}
		}
	}
}

// record stores and reports s unless the watch was stopped meanwhile. The
// report happens under the lock so that Stop waits for a delivery in flight.
func (m *Monitor) record(ctx context.Context, key string, w *watch, s Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil || m.watches[key] != w {
		return false
	}
	w.last, w.has = s, true
	if m.onSample != nil {
		m.onSample(key, s)
	}
	return true
}

// Stop ends the watch of key.
func (m *Monitor) Stop(key string) {
	m.mu.Lock()
	w, ok := m.watches[key]
	delete(m.watches, key)
	m.mu.Unlock()
	if ok {
		w.cancel()
		log.Debug().Str("module", "quality").Str("key", key).Msg("monitor stopped")
	}
}

// StopPrefix ends every watch whose key starts with prefix.
func (m *Monitor) StopPrefix(prefix string) {
	m.mu.Lock()
	var stopped []*watch
	for key, w := range m.watches {
		if strings.HasPrefix(key, prefix) {
			stopped = append(stopped, w)
			delete(m.watches, key)
		}
	}
	m.mu.Unlock()
	for _, w := range stopped {
		w.cancel()
	}
}

func (m *Monitor) StopAll() { m.StopPrefix("") }

// Active counts running watches.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Latest returns the last sample of key.
func (m *Monitor) Latest(key string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[key]
	if !ok || !w.has {
		return Sample{}, false
	}
	return w.last, true
}
