package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrUnknownTrack = errors.New("track was never added to this connection")

// Factory builds pion peer connections that share one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// DefaultConfig uses one public STUN server.
func DefaultConfig() webrtc.Configuration {
	return Config([]string{"stun:stun.l.google.com:19302"})
}

// Config builds a browser-compatible configuration from ICE server URLs.
func Config(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{BundlePolicy: webrtc.BundlePolicyMaxBundle}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// NewFactory registers the default codecs plus the default interceptors
// (NACK, RTCP reports, TWCC) and a NACK responder.
func NewFactory(cfg webrtc.Configuration) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)
	return &Factory{api: api, config: cfg}, nil
}

func (f *Factory) NewTransport(ctx context.Context, remote domain.UserID) (media.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c := &Connection{pc: pc, remote: remote, senders: make(map[*media.Track]*webrtc.RTPSender)}
	c.start()
	return c, nil
}

// Connection is a media.Transport over one pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID

	mu      sync.Mutex
	senders map[*media.Track]*webrtc.RTPSender
	onICE   func(webrtc.ICECandidateInit)
	onState func(media.TransportState)
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("remote", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drain(track)
	})
}

// drain reads the remote track so that the interceptors keep producing
// receiver reports.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func mapState(s webrtc.PeerConnectionState) media.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return media.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return media.TransportClosed
	default:
		return media.TransportNew
	}
}

func (c *Connection) AddTrack(t *media.Track) error {
	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	c.mu.Lock()
	c.senders[t] = sender
	c.mu.Unlock()
	go readRTCP(sender)
	return nil
}

// readRTCP consumes inbound RTCP so NACKs reach the interceptors.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) ReplaceTrack(old, next *media.Track) error {
	c.mu.Lock()
	sender, ok := c.senders[old]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownTrack
	}
	if err := sender.ReplaceTrack(next.Local()); err != nil {
		return fmt.Errorf("replace %s track: %w", old.Kind(), err)
	}
	c.mu.Lock()
	delete(c.senders, old)
	c.senders[next] = sender
	c.mu.Unlock()
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(media.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Stats reads the nominated candidate pair for the round trip, the inbound
// RTP streams for loss and the transport for byte counters.
func (c *Connection) Stats() (quality.Counters, error) {
	if c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return quality.Counters{}, webrtc.ErrConnectionClosed
	}
	return countersFrom(c.pc.GetStats()), nil
}

func countersFrom(report webrtc.StatsReport) quality.Counters {
	var out quality.Counters
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				out.RoundTrip = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost += int64(st.PacketsLost)
		case webrtc.TransportStats:
			out.BytesSent += st.BytesSent
			out.BytesReceived += st.BytesReceived
		}
	}
	return out
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("closed")
	return nil
}
