// Package agent is the participant endpoint. It routes inbound envelopes to
// the 1:1 call and the group call, and keeps the two mutually exclusive: a
// participant is in at most one of them.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/call"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/mesh"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy    = errors.New("already in a call")
	ErrNoCall  = errors.New("no call in progress")
	ErrNoGroup = errors.New("not in a group call")
	ErrClosed  = errors.New("agent closed")
)

// ReasonMissed tags the busy event of an invite declined automatically.
const ReasonMissed = "missed while busy"

// Hooks is the UI surface. Every hook must return quickly.
type Hooks struct {
	OnCall    func(call.Event)
	OnGroup   func(mesh.Event)
	OnQuality func(key string, s quality.Sample)
}

type Config struct {
	Self        domain.Participant
	Signal      core.Sender
	Devices     media.DeviceProvider
	Transports  media.TransportFactory
	RingTimeout time.Duration
	// AutoAccept answers every invite that is not declined as busy.
	AutoAccept      bool
	QualityInterval time.Duration
	Thresholds      quality.Thresholds
	Hooks           Hooks
}

type Agent struct {
	cfg     Config
	monitor *quality.Monitor
	logger  zerolog.Logger

	mu     sync.Mutex
	call   *call.Session
	group  *mesh.Coordinator
	closed bool
}

func New(cfg Config) *Agent {
	if cfg.Thresholds == (quality.Thresholds{}) {
		cfg.Thresholds = quality.DefaultThresholds()
	}
	a := &Agent{
		cfg:    cfg,
		logger: log.With().Str("module", "agent").Str("user", string(cfg.Self.ID)).Logger(),
	}
	a.monitor = quality.NewMonitor(cfg.QualityInterval, cfg.Thresholds, cfg.Hooks.OnQuality)
	return a
}

func (a *Agent) Self() domain.Participant  { return a.cfg.Self }
func (a *Agent) Monitor() *quality.Monitor { return a.monitor }

// Call returns the live 1:1 call, if any.
func (a *Agent) Call() *call.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call == nil || !live(a.call.Done()) {
		return nil
	}
	return a.call
}

// Group returns the live group call, if any.
func (a *Agent) Group() *mesh.Coordinator {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group == nil || !live(a.group.Done()) {
		return nil
	}
	return a.group
}

func live(done <-chan struct{}) bool {
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// busyLocked: a call that has not finished its teardown still counts.
func (a *Agent) busyLocked() bool {
	return (a.call != nil && live(a.call.Done())) || (a.group != nil && live(a.group.Done()))
}

func (a *Agent) callConfig(remote domain.UserID, kind domain.MediaKind) call.Config {
	return call.Config{
		Local:       a.cfg.Self,
		Remote:      remote,
		Media:       kind,
		Signal:      a.cfg.Signal,
		Devices:     a.cfg.Devices,
		Transports:  a.cfg.Transports,
		Monitor:     a.monitor,
		RingTimeout: a.cfg.RingTimeout,
		OnEvent:     a.cfg.Hooks.OnCall,
	}
}

// Invite places a 1:1 call. The returned session is valid even when err is
// set: it then already reached a terminal state.
func (a *Agent) Invite(ctx context.Context, remote domain.UserID, kind domain.MediaKind) (*call.Session, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.busyLocked() {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	s := call.NewOutbound(a.callConfig(remote, kind))
	a.call = s
	a.mu.Unlock()
	a.logger.Info().Str("remote", string(remote)).Str("call", s.ID()).Msg("invite")
	return s, s.Dial(ctx)
}

func (a *Agent) Accept(ctx context.Context) error {
	s := a.Call()
	if s == nil {
		return ErrNoCall
	}
	return s.Accept(ctx)
}

func (a *Agent) Reject(ctx context.Context) error {
	s := a.Call()
	if s == nil {
		return ErrNoCall
	}
	return s.Reject(ctx)
}

// Hangup ends the 1:1 call; without one it is a no-op.
func (a *Agent) Hangup(ctx context.Context) error {
	if s := a.Call(); s != nil {
		return s.Hangup(ctx)
	}
	return nil
}

// JoinGroup joins room. It fails with ErrBusy during a 1:1 call.
func (a *Agent) JoinGroup(ctx context.Context, room domain.RoomID, kind domain.MediaKind) (*mesh.Coordinator, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.busyLocked() {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	c := mesh.New(mesh.Config{
		Room:       room,
		Local:      a.cfg.Self,
		Media:      kind,
		Signal:     a.cfg.Signal,
		Devices:    a.cfg.Devices,
		Transports: a.cfg.Transports,
		Monitor:    a.monitor,
		OnEvent:    a.cfg.Hooks.OnGroup,
	})
	a.group = c
	a.mu.Unlock()
	a.logger.Info().Str("room", string(room)).Msg("join group")
	return c, c.Join(ctx)
}

// LeaveGroup leaves the group call; without one it is a no-op.
func (a *Agent) LeaveGroup(ctx context.Context) error {
	if c := a.Group(); c != nil {
		return c.Leave(ctx)
	}
	return nil
}

// Handle routes one inbound envelope.
func (a *Agent) Handle(env core.Envelope) {
	switch env.Type {
	case core.KindInvite:
		a.onInvite(env)
	case core.KindAccept, core.KindReject, core.KindBusy:
		a.toCall(env)
	case core.KindEnd, core.KindNegotiate, core.KindCandidate:
		if env.RoomID != "" {
			a.toGroup(env)
			return
		}
		a.toCall(env)
	case core.KindGroupJoin, core.KindGroupLeave, core.KindGroupMute, core.KindGroupKick,
		core.KindGroupLock, core.KindGroupEnd, core.KindGroupState:
		a.toGroup(env)
	case core.KindError:
		if env.RoomID != "" {
			a.toGroup(env)
			return
		}
		var p core.ErrorPayload
		_ = env.DecodePayload(&p)
		a.logger.Warn().Str("code", p.Code).Str("reason", p.Reason).Str("ref", string(p.Ref)).Msg("server error")
	default:
		a.logger.Warn().Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

func (a *Agent) toCall(env core.Envelope) {
	if s := a.Call(); s != nil {
		s.Deliver(env)
		return
	}
	a.logger.Debug().Str("type", string(env.Type)).Str("from", string(env.From)).Msg("no call for envelope")
}

func (a *Agent) toGroup(env core.Envelope) {
	if c := a.Group(); c != nil && c.Room() == env.RoomID {
		c.Deliver(env)
		return
	}
	a.logger.Debug().Str("type", string(env.Type)).Str("room", string(env.RoomID)).Msg("no group for envelope")
}

// onInvite answers busy when any call is live, and rings otherwise.
func (a *Agent) onInvite(env core.Envelope) {
	var invite core.InvitePayload
	if err := env.DecodePayload(&invite); err != nil || invite.CallID == "" {
		a.logger.Warn().Err(err).Str("from", string(env.From)).Msg("bad invite")
		return
	}
	ctx := context.Background()

	a.mu.Lock()
	if cur := a.call; cur != nil && live(cur.Done()) && cur.ID() == invite.CallID {
		a.mu.Unlock()
		cur.Deliver(env)
		return
	}
	if a.closed || a.busyLocked() {
		a.mu.Unlock()
		a.replyBusy(ctx, env.From, invite)
		return
	}
	s := call.NewInbound(a.callConfig(env.From, invite.Media), invite)
	a.call = s
	a.mu.Unlock()

	if err := s.Ring(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("ring")
		return
	}
	if a.cfg.AutoAccept {
		go func() {
			if err := s.Accept(ctx); err != nil {
				a.logger.Warn().Err(err).Str("call", s.ID()).Msg("auto accept")
			}
		}()
	}
}

func (a *Agent) replyBusy(ctx context.Context, caller domain.UserID, invite core.InvitePayload) {
	env, err := core.NewEnvelope(core.KindBusy, a.cfg.Self.ID, caller, "", core.CallPayload{
		CallID: invite.CallID,
		Reason: call.ReasonRecipientBusy,
	})
	if err == nil {
		err = a.cfg.Signal.Send(ctx, env)
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("send busy")
	}
	a.logger.Info().Str("caller", string(caller)).Str("call", invite.CallID).Msg("invite declined, busy")
	if a.cfg.Hooks.OnCall != nil {
		a.cfg.Hooks.OnCall(call.Event{
			CallID:    invite.CallID,
			Remote:    caller,
			Direction: call.Inbound,
			State:     call.StateBusy,
			Reason:    ReasonMissed,
			At:        time.Now(),
		})
	}
}

// Close tears down whatever call is live and stops every quality timer.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	s, c := a.call, a.group
	a.mu.Unlock()
	if s != nil {
		s.Close()
	}
	if c != nil {
		c.Close()
	}
	a.monitor.StopAll()
	a.logger.Info().Msg("agent closed")
}
