package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/actor"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const inboxSize = 64

// Config wires a Session. Monitor and OnEvent may be nil; OnEvent runs on
// the session goroutine and must not block.
type Config struct {
	CallID      string
	Local       domain.Participant
	Remote      domain.UserID
	Media       domain.MediaKind
	Signal      core.Sender
	Devices     media.DeviceProvider
	Transports  media.TransportFactory
	Monitor     *quality.Monitor
	RingTimeout time.Duration
	OnEvent     func(Event)
}

// Session is one 1:1 call from either side.
type Session struct {
	cfg       Config
	direction Direction
	res       *media.Manager
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *actor.Loop

	// actor-owned
	state     State
	offer     *webrtc.SessionDescription
	ring      *time.Timer
	reason    string
	announced bool

	mu      sync.RWMutex
	current State
	outcome State
	why     string
}

// NewOutbound prepares a call towards cfg.Remote; Dial places it.
func NewOutbound(cfg Config) *Session {
	if cfg.CallID == "" {
		cfg.CallID = uuid.NewString()
	}
	return newSession(cfg, Outbound)
}

// NewInbound prepares the callee side of invite; Ring announces it.
func NewInbound(cfg Config, invite core.InvitePayload) *Session {
	cfg.CallID = invite.CallID
	if invite.Media != "" {
		cfg.Media = invite.Media
	}
	s := newSession(cfg, Inbound)
	s.offer = invite.Description
	s.announced = true
	return s
}

func newSession(cfg Config, dir Direction) *Session {
	if cfg.Media == "" {
		cfg.Media = domain.MediaAudio
	}
	logger := log.With().Str("module", "call").Str("call", cfg.CallID).
		Str("remote", string(cfg.Remote)).Str("direction", dir.String()).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		direction: dir,
		res:       media.NewManager(cfg.Devices, cfg.Transports, logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		loop:      actor.New(inboxSize),
	}
	return s
}

func (s *Session) ID() string                { return s.cfg.CallID }
func (s *Session) Remote() domain.UserID     { return s.cfg.Remote }
func (s *Session) Direction() Direction      { return s.direction }
func (s *Session) Media() domain.MediaKind   { return s.cfg.Media }
func (s *Session) Resources() *media.Manager { return s.res }
func (s *Session) Done() <-chan struct{}     { return s.loop.Done() }
func (s *Session) monitorKey() string        { return "call/" + string(s.cfg.Remote) }

// State is the current state; idle once the session finished.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Outcome returns the terminal state and its reason, or (StateIdle, "")
// while the call is still live.
func (s *Session) Outcome() (State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome, s.why
}

// post queues fn; once fn leaves the call terminal the session finishes.
func (s *Session) post(fn func()) bool {
	return s.loop.Post(func() {
		if s.state.IsTerminal() {
			return
		}
		fn()
		if s.state.IsTerminal() {
			s.finish()
		}
	})
}

// do runs fn on the session goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	err := s.loop.Do(ctx, func() error {
		if s.state.IsTerminal() {
			return ErrFinished
		}
		err := fn()
		if s.state.IsTerminal() {
			s.finish()
		}
		return err
	})
	if errors.Is(err, actor.ErrStopped) {
		return ErrFinished
	}
	return err
}

// Dial acquires local media, creates the offer and sends the invite.
func (s *Session) Dial(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.direction != Outbound || s.state != StateIdle {
			return fmt.Errorf("%w: dial in %s", ErrWrongState, s.state)
		}
		s.transition(StateCalling, "")
		if _, err := s.res.AcquireLocal(ctx, s.cfg.Media); err != nil {
			s.fail(err)
			return err
		}
		p, err := s.createTransport(ctx, media.Offerer)
		if err != nil {
			s.fail(err)
			return err
		}
		offer, err := p.Offer(ctx)
		if err != nil {
			s.fail(err)
			return err
		}
		err = s.send(ctx, core.KindInvite, core.InvitePayload{
			CallID:      s.cfg.CallID,
			Media:       s.cfg.Media,
			Caller:      s.cfg.Local,
			Description: &offer,
		})
		if err != nil {
			s.end(ReasonSignalingFailed)
			return err
		}
		s.announced = true
		if s.cfg.RingTimeout > 0 {
			s.ring = time.AfterFunc(s.cfg.RingTimeout, func() {
				s.post(func() {
					if s.state == StateCalling {
						s.hangup(ReasonNoAnswer)
					}
				})
			})
		}
		return nil
	})
}

// Ring moves an inbound session to incoming. Candidates that arrive before
// Accept are queued on the peer record.
func (s *Session) Ring(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.direction != Inbound || s.state != StateIdle {
			return fmt.Errorf("%w: ring in %s", ErrWrongState, s.state)
		}
		if _, err := s.res.Peer(s.cfg.Remote, media.Answerer); err != nil {
			return err
		}
		s.transition(StateIncoming, "")
		return nil
	})
}

// Accept acquires local media, answers the caller's offer and sends accept.
func (s *Session) Accept(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StateIncoming {
			return fmt.Errorf("%w: accept in %s", ErrWrongState, s.state)
		}
		if s.offer == nil {
			s.end(ReasonNegotiationFailed)
			return fmt.Errorf("%w: invite carried no offer", media.ErrNegotiationOrder)
		}
		if _, err := s.res.AcquireLocal(ctx, s.cfg.Media); err != nil {
			s.fail(err)
			return err
		}
		p, err := s.createTransport(ctx, media.Answerer)
		if err != nil {
			s.fail(err)
			return err
		}
		if _, err := p.ApplyRemote(*s.offer); err != nil {
			s.fail(err)
			return err
		}
		answer, err := p.Answer(ctx)
		if err != nil {
			s.fail(err)
			return err
		}
		if err := s.send(ctx, core.KindAccept, core.AnswerPayload{CallID: s.cfg.CallID, Description: &answer}); err != nil {
			s.end(ReasonSignalingFailed)
			return err
		}
		s.accepted(p)
		s.notifySiblings(ctx, ReasonAnsweredElsewhere)
		return nil
	})
}

// Reject declines an incoming call.
func (s *Session) Reject(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StateIncoming {
			return fmt.Errorf("%w: reject in %s", ErrWrongState, s.state)
		}
		err := s.send(ctx, core.KindReject, core.CallPayload{CallID: s.cfg.CallID, Reason: ReasonRejected})
		s.notifySiblings(ctx, ReasonDeclinedElsewhere)
		s.transition(StateRejected, ReasonRejected)
		return err
	})
}

// Hangup ends the call from any live state. It is always safe: on a finished
// session it is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	err := s.do(ctx, func() error {
		s.hangup(ReasonHungUp)
		return nil
	})
	if errors.Is(err, ErrFinished) {
		return nil
	}
	return err
}

// Close hangs up with reason "disconnected" and waits for teardown.
func (s *Session) Close() {
	s.post(func() { s.hangup(ReasonDisconnected) })
	<-s.loop.Done()
}

// Renegotiate sends a fresh offer on an accepted call.
func (s *Session) Renegotiate(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StateAccepted {
			return fmt.Errorf("%w: renegotiate in %s", ErrWrongState, s.state)
		}
		p, ok := s.res.Lookup(s.cfg.Remote)
		if !ok {
			return media.ErrNoTransport
		}
		offer, err := p.Offer(ctx)
		if err != nil {
			s.fail(err)
			return err
		}
		return s.send(ctx, core.KindNegotiate, core.NegotiatePayload{CallID: s.cfg.CallID, Description: offer})
	})
}

// SwitchDevice replaces the outbound track of kind without renegotiating.
func (s *Session) SwitchDevice(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) error {
	return s.do(ctx, func() error {
		if s.state != StateCalling && s.state != StateAccepted {
			return fmt.Errorf("%w: switch device in %s", ErrWrongState, s.state)
		}
		return s.res.SwitchDevice(ctx, kind, deviceID)
	})
}

// SetMuted toggles the outbound audio.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.do(ctx, func() error {
		local := s.res.Local()
		if local == nil {
			return fmt.Errorf("%w: no local media", ErrWrongState)
		}
		local.SetAudioEnabled(!muted)
		return nil
	})
}

// Deliver queues an inbound envelope for this call. It never blocks past
// the session's end.
func (s *Session) Deliver(env core.Envelope) {
	s.post(func() { s.handle(env) })
}

func (s *Session) handle(env core.Envelope) {
	if env.From == s.cfg.Local.ID && env.Type == core.KindEnd {
		var p core.CallPayload
		if s.decode(env, &p) && s.ours(p.CallID) {
			s.onSibling(p.Reason)
		}
		return
	}
	if env.From != s.cfg.Remote {
		s.logger.Warn().Str("from", string(env.From)).Str("type", string(env.Type)).Msg("envelope from foreign party dropped")
		return
	}
	switch env.Type {
	case core.KindAccept:
		var p core.AnswerPayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		s.onAccept(p)
	case core.KindReject:
		var p core.CallPayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		if s.state == StateCalling || s.state == StateIncoming {
			s.transition(StateRejected, ReasonRejected)
		}
	case core.KindBusy:
		var p core.CallPayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		if s.state == StateCalling {
			s.transition(StateEnded, ReasonRecipientBusy)
		}
	case core.KindEnd:
		var p core.CallPayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		reason := ReasonRemoteHungUp
		switch p.Reason {
		case ReasonNoAnswer, ReasonNegotiationFailed, ReasonConnectionLost, ReasonDisconnected:
			reason = p.Reason
		}
		if s.state != StateIdle {
			s.transition(StateEnded, reason)
		}
	case core.KindNegotiate:
		var p core.NegotiatePayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		s.onNegotiate(p)
	case core.KindCandidate:
		var p core.CandidatePayload
		if !s.decode(env, &p) || !s.ours(p.CallID) {
			return
		}
		s.onCandidate(p)
	case core.KindInvite:
		s.logger.Debug().Msg("duplicate invite ignored")
	case core.KindGroupJoin, core.KindGroupLeave, core.KindGroupMute, core.KindGroupKick,
		core.KindGroupLock, core.KindGroupEnd, core.KindGroupState, core.KindError:
		s.logger.Debug().Str("type", string(env.Type)).Msg("not a call envelope")
	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

func (s *Session) onAccept(p core.AnswerPayload) {
	if s.state != StateCalling {
		s.logger.Debug().Str("state", s.state.String()).Msg("late accept ignored")
		return
	}
	peer, ok := s.res.Lookup(s.cfg.Remote)
	if !ok || p.Description == nil {
		s.end(ReasonNegotiationFailed)
		return
	}
	if _, err := peer.ApplyRemote(*p.Description); err != nil {
		s.fail(err)
		return
	}
	s.accepted(peer)
}

func (s *Session) onNegotiate(p core.NegotiatePayload) {
	if s.state != StateAccepted {
		s.logger.Debug().Str("state", s.state.String()).Msg("negotiate outside accepted call ignored")
		return
	}
	peer, ok := s.res.Lookup(s.cfg.Remote)
	if !ok {
		s.end(ReasonNegotiationFailed)
		return
	}
	if _, err := peer.ApplyRemote(p.Description); err != nil {
		s.fail(err)
		return
	}
	if p.Description.Type != webrtc.SDPTypeOffer {
		return
	}
	answer, err := peer.Answer(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.send(s.ctx, core.KindNegotiate, core.NegotiatePayload{CallID: s.cfg.CallID, Description: answer}); err != nil {
		s.end(ReasonSignalingFailed)
	}
}

func (s *Session) onCandidate(p core.CandidatePayload) {
	if s.state == StateIdle {
		return
	}
	peer, ok := s.res.Lookup(s.cfg.Remote)
	if !ok {
		return
	}
	queued, err := peer.AddRemoteCandidate(p.Candidate)
	if err != nil {
		s.fail(err)
		return
	}
	s.logger.Debug().Bool("queued", queued).Msg("remote candidate")
}

func (s *Session) createTransport(ctx context.Context, role media.Role) (*media.Peer, error) {
	p, err := s.res.CreatePeerTransport(ctx, s.cfg.Remote, role)
	if err != nil {
		return nil, err
	}
	t := p.Transport()
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() {
			if s.state.IsTerminal() || s.state == StateIdle {
				return
			}
			if err := s.send(s.ctx, core.KindCandidate, core.CandidatePayload{CallID: s.cfg.CallID, Candidate: c}); err != nil {
				s.logger.Warn().Err(err).Msg("send candidate")
			}
		})
	})
	t.OnStateChange(func(ts media.TransportState) {
		s.post(func() {
			s.logger.Debug().Str("transport", ts.String()).Msg("transport state")
			if ts == media.TransportFailed && (s.state == StateAccepted || s.state == StateCalling) {
				s.end(ReasonConnectionLost)
			}
		})
	})
	return p, nil
}

func (s *Session) accepted(p *media.Peer) {
	s.stopRing()
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.Start(s.monitorKey(), p.Transport())
	}
	s.transition(StateAccepted, "")
}

// hangup is the local end of the call in whatever state it is.
func (s *Session) hangup(reason string) {
	switch s.state {
	case StateIdle:
		s.transition(StateEnded, reason)
	case StateCalling, StateAccepted:
		s.end(reason)
	case StateIncoming:
		if reason == ReasonHungUp {
			_ = s.send(s.ctx, core.KindReject, core.CallPayload{CallID: s.cfg.CallID, Reason: ReasonRejected})
			s.transition(StateRejected, ReasonRejected)
			return
		}
		s.end(reason)
	}
}

// notifySiblings tells the participant's other devices, which rang for the
// same invite, that this device took the call.
func (s *Session) notifySiblings(ctx context.Context, reason string) {
	if s.direction != Inbound {
		return
	}
	env, err := core.NewEnvelope(core.KindEnd, s.cfg.Local.ID, s.cfg.Local.ID, "", core.CallPayload{CallID: s.cfg.CallID, Reason: reason})
	if err == nil {
		err = s.cfg.Signal.Send(ctx, env)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("reason", reason).Msg("notify other devices")
	}
}

// onSibling stops ringing once another device of ours answered or declined.
// The caller is not told anything. The notice also reaches the device that
// sent it, which is past incoming by then.
func (s *Session) onSibling(reason string) {
	if s.state != StateIncoming {
		return
	}
	if reason != ReasonAnsweredElsewhere && reason != ReasonDeclinedElsewhere {
		reason = ReasonAnsweredElsewhere
	}
	s.transition(StateEnded, reason)
}

// end notifies the remote party, if it knows about the call, and ends it.
func (s *Session) end(reason string) {
	if s.announced {
		if err := s.send(s.ctx, core.KindEnd, core.CallPayload{CallID: s.cfg.CallID, Reason: reason}); err != nil {
			s.logger.Warn().Err(err).Msg("send end")
		}
	}
	s.transition(StateEnded, reason)
}

// fail ends the call after a local failure, picking the UI reason from err.
func (s *Session) fail(err error) {
	reason := ReasonNegotiationFailed
	var acq *media.AcquisitionError
	if errors.As(err, &acq) {
		reason = acq.Reason()
	}
	s.logger.Error().Err(err).Str("state", s.state.String()).Msg("call failed")
	s.end(reason)
}

func (s *Session) transition(next State, reason string) {
	if !s.state.CanTransitionTo(next) {
		s.logger.Warn().Str("from", s.state.String()).Str("to", next.String()).Msg("unexpected transition")
	}
	s.logger.Info().Str("from", s.state.String()).Str("to", next.String()).Str("reason", reason).Msg("call state")
	s.state = next
	s.reason = reason
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.emit(next, reason)
}

// finish releases every resource and returns the session to idle. It runs
// exactly once, right after the transition into a terminal state.
func (s *Session) finish() {
	s.stopRing()
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.Stop(s.monitorKey())
	}
	if err := s.res.Teardown(); err != nil {
		s.logger.Warn().Err(err).Msg("teardown")
	}
	s.mu.Lock()
	s.outcome, s.why = s.state, s.reason
	s.current = StateIdle
	s.mu.Unlock()
	terminal := s.state
	s.state = StateIdle
	s.emit(StateIdle, s.reason)
	s.logger.Info().Str("outcome", terminal.String()).Str("reason", s.reason).Msg("call finished")
	s.loop.Stop()
	s.cancel()
}

func (s *Session) stopRing() {
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}
}

func (s *Session) emit(state State, reason string) {
	if s.cfg.OnEvent == nil {
		return
	}
	s.cfg.OnEvent(Event{
		CallID:    s.cfg.CallID,
		Remote:    s.cfg.Remote,
		Direction: s.direction,
		State:     state,
		Reason:    reason,
		At:        time.Now(),
	})
}

func (s *Session) send(ctx context.Context, kind core.Kind, payload any) error {
	env, err := core.NewEnvelope(kind, s.cfg.Local.ID, s.cfg.Remote, "", payload)
	if err != nil {
		return err
	}
	if err := s.cfg.Signal.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (s *Session) decode(env core.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		s.logger.Warn().Err(err).Msg("bad payload")
		return false
	}
	return true
}

func (s *Session) ours(callID string) bool {
	if callID != s.cfg.CallID {
		s.logger.Debug().Str("other", callID).Msg("envelope for another call dropped")
		return false
	}
	return true
}
