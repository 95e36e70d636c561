package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/actor"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/dkeye/callhub/internal/media"
	"github.com/dkeye/callhub/internal/quality"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const inboxSize = 128

// Config wires a Coordinator. OnEvent runs on the coordinator goroutine and
// must not block.
type Config struct {
	Room       domain.RoomID
	Local      domain.Participant
	Media      domain.MediaKind
	Signal     core.Sender
	Devices    media.DeviceProvider
	Transports media.TransportFactory
	Monitor    *quality.Monitor
	OnEvent    func(Event)
}

// Coordinator is the local side of one group call.
type Coordinator struct {
	cfg    Config
	res    *media.Manager
	logger zerolog.Logger
	loop   *actor.Loop
	ctx    context.Context
	cancel context.CancelFunc

	// actor-owned
	state   State
	reason  string
	members map[domain.UserID]domain.Member
	order   []domain.UserID
	hostID  domain.UserID
	locked  bool

	mu   sync.RWMutex
	snap snapshot
}

type snapshot struct {
	state   State
	reason  string
	hostID  domain.UserID
	locked  bool
	members []domain.Member
}

func New(cfg Config) *Coordinator {
	if cfg.Media == "" {
		cfg.Media = domain.MediaAudio
	}
	logger := log.With().Str("module", "mesh").Str("room", string(cfg.Room)).Str("user", string(cfg.Local.ID)).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		res:     media.NewManager(cfg.Devices, cfg.Transports, logger),
		logger:  logger,
		loop:    actor.New(inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[domain.UserID]domain.Member),
	}
}

func (c *Coordinator) Room() domain.RoomID       { return c.cfg.Room }
func (c *Coordinator) Resources() *media.Manager { return c.res }
func (c *Coordinator) Done() <-chan struct{}     { return c.loop.Done() }
func (c *Coordinator) PeerCount() int            { return c.res.PeerCount() }
func (c *Coordinator) monitorPrefix() string     { return string(c.cfg.Room) + "/" }
func (c *Coordinator) monitorKey(id domain.UserID) string {
	return c.monitorPrefix() + string(id)
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.state
}

// Outcome is the end reason, empty while the session is live.
func (c *Coordinator) Outcome() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.reason
}

// Members is the last roster seen, in join order.
func (c *Coordinator) Members() []domain.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.snap.members)
}

func (c *Coordinator) HostID() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.hostID
}

func (c *Coordinator) IsHost() bool { return c.HostID() == c.cfg.Local.ID }

func (c *Coordinator) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.locked
}

// Remotes lists members we hold a transport to.
func (c *Coordinator) Remotes() []domain.UserID {
	out := c.res.Remotes()
	slices.Sort(out)
	return out
}

func (c *Coordinator) post(fn func()) bool {
	return c.loop.Post(func() {
		if c.state == StateEnded {
			return
		}
		fn()
		if c.state == StateEnded {
			c.finish()
		}
	})
}

func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	err := c.loop.Do(ctx, func() error {
		if c.state == StateEnded {
			return ErrFinished
		}
		err := fn()
		if c.state == StateEnded {
			c.finish()
		}
		return err
	})
	if errors.Is(err, actor.ErrStopped) {
		return ErrFinished
	}
	return err
}

// Join acquires local media and asks the server to admit us. Transports are
// created once the roster arrives.
func (c *Coordinator) Join(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateIdle {
			return fmt.Errorf("%w: join in %s", ErrWrongState, c.state)
		}
		c.setState(StateJoining, "")
		if _, err := c.res.AcquireLocal(ctx, c.cfg.Media); err != nil {
			var acq *media.AcquisitionError
			reason := ReasonRefused
			if errors.As(err, &acq) {
				reason = acq.Reason()
			}
			c.setState(StateEnded, reason)
			return err
		}
		err := c.send(ctx, core.KindGroupJoin, "", core.JoinPayload{Media: c.cfg.Media, Name: c.cfg.Local.Name})
		if err != nil {
			c.setState(StateEnded, ReasonDisconnected)
			return err
		}
		return nil
	})
}

// Leave quits the call. It is safe on a finished session.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.do(ctx, func() error {
		c.leave(ctx, ReasonLeft)
		return nil
	})
	if errors.Is(err, ErrFinished) {
		return nil
	}
	return err
}

// Close leaves with reason "disconnected" and waits for teardown.
func (c *Coordinator) Close() {
	c.post(func() { c.leave(c.ctx, ReasonDisconnected) })
	<-c.loop.Done()
}

func (c *Coordinator) leave(ctx context.Context, reason string) {
	if c.state == StateJoining || c.state == StateJoined {
		if err := c.send(ctx, core.KindGroupLeave, "", nil); err != nil {
			c.logger.Warn().Err(err).Msg("send leave")
		}
	}
	c.setState(StateEnded, reason)
}

// MuteSelf toggles the local outbound audio and tells the room.
func (c *Coordinator) MuteSelf(ctx context.Context, muted bool) error {
	return c.do(ctx, func() error {
		if c.state != StateJoined {
			return fmt.Errorf("%w: mute in %s", ErrWrongState, c.state)
		}
		c.setAudio(muted)
		return c.send(ctx, core.KindGroupMute, "", core.MutePayload{Muted: muted})
	})
}

// MuteRemote asks target to mute itself. Host only.
func (c *Coordinator) MuteRemote(ctx context.Context, target domain.UserID, muted bool) error {
	return c.hostControl(ctx, target, func() error {
		return c.send(ctx, core.KindGroupMute, target, core.MutePayload{Muted: muted})
	})
}

// Kick removes target from the call. Host only.
func (c *Coordinator) Kick(ctx context.Context, target domain.UserID) error {
	return c.hostControl(ctx, target, func() error {
		return c.send(ctx, core.KindGroupKick, target, nil)
	})
}

// Lock toggles admission of new members. Host only.
func (c *Coordinator) Lock(ctx context.Context, locked bool) error {
	return c.hostControl(ctx, "", func() error {
		if err := c.send(ctx, core.KindGroupLock, "", core.LockPayload{Locked: locked}); err != nil {
			return err
		}
		// the server does not echo the lock to its sender
		c.locked = locked
		c.publish()
		c.emit(Event{Kind: EventLocked, Member: c.cfg.Local.ID, Flag: locked})
		return nil
	})
}

// End closes the room for everyone. Host only.
func (c *Coordinator) End(ctx context.Context) error {
	return c.hostControl(ctx, "", func() error {
		err := c.send(ctx, core.KindGroupEnd, "", nil)
		c.setState(StateEnded, ReasonRoomEnded)
		return err
	})
}

func (c *Coordinator) hostControl(ctx context.Context, target domain.UserID, fn func() error) error {
	return c.do(ctx, func() error {
		if c.state != StateJoined {
			return fmt.Errorf("%w: %s", ErrWrongState, c.state)
		}
		if c.hostID != c.cfg.Local.ID {
			return ErrNotHost
		}
		if target != "" {
			if _, ok := c.members[target]; !ok || target == c.cfg.Local.ID {
				return fmt.Errorf("%w: %s", ErrNotMember, target)
			}
		}
		return fn()
	})
}

// SwitchDevice replaces the outbound track of kind on every peer transport.
func (c *Coordinator) SwitchDevice(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) error {
	return c.do(ctx, func() error {
		if c.state != StateJoined {
			return fmt.Errorf("%w: switch device in %s", ErrWrongState, c.state)
		}
		return c.res.SwitchDevice(ctx, kind, deviceID)
	})
}

// Deliver queues an inbound envelope of this room.
func (c *Coordinator) Deliver(env core.Envelope) {
	c.post(func() { c.handle(env) })
}

func (c *Coordinator) handle(env core.Envelope) {
	if env.RoomID != c.cfg.Room {
		return
	}
	switch env.Type {
	case core.KindGroupState:
		var p core.RosterPayload
		if c.decode(env, &p) {
			c.onRoster(p)
		}
	case core.KindGroupJoin:
		var p core.MemberPayload
		if c.decode(env, &p) {
			c.onMemberJoined(p.Member)
		}
	case core.KindGroupLeave:
		var p core.MemberPayload
		if c.decode(env, &p) {
			c.onMemberLeft(env.From, p.Reason)
		}
	case core.KindGroupMute:
		var p core.MutePayload
		if c.decode(env, &p) && c.state == StateJoined {
			c.setAudio(p.Muted)
			c.emit(Event{Kind: EventMuted, Member: env.From, Flag: p.Muted})
		}
	case core.KindGroupKick:
		c.logger.Info().Str("by", string(env.From)).Msg("removed by host")
		c.setState(StateEnded, ReasonRemoved)
	case core.KindGroupLock:
		var p core.LockPayload
		if c.decode(env, &p) {
			c.locked = p.Locked
			c.publish()
			c.emit(Event{Kind: EventLocked, Member: env.From, Flag: p.Locked})
		}
	case core.KindGroupEnd:
		c.setState(StateEnded, ReasonRoomEnded)
	case core.KindNegotiate:
		var p core.NegotiatePayload
		if c.decode(env, &p) {
			c.onNegotiate(env.From, p.Description)
		}
	case core.KindCandidate:
		var p core.CandidatePayload
		if c.decode(env, &p) {
			c.onCandidate(env.From, p.Candidate)
		}
	case core.KindError:
		var p core.ErrorPayload
		if c.decode(env, &p) {
			c.onRefused(p)
		}
	case core.KindEnd:
		var p core.CallPayload
		if c.decode(env, &p) {
			c.onPeerEnded(env.From, p.Reason)
		}
	case core.KindInvite, core.KindAccept, core.KindReject, core.KindBusy:
		c.logger.Debug().Str("type", string(env.Type)).Msg("not a group envelope")
	default:
		c.logger.Warn().Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

// onRoster handles group-state. The first one admits us: we offer to every
// member already present.
func (c *Coordinator) onRoster(p core.RosterPayload) {
	c.hostID = p.HostID
	c.locked = p.Locked
	c.members = make(map[domain.UserID]domain.Member, len(p.Members))
	c.order = c.order[:0]
	for _, m := range p.Members {
		c.members[m.Participant.ID] = m
		c.order = append(c.order, m.Participant.ID)
	}
	c.publish()
	c.emit(Event{Kind: EventRoster})
	if c.state != StateJoining {
		return
	}
	c.setState(StateJoined, "")
	for _, id := range c.order {
		if id == c.cfg.Local.ID {
			continue
		}
		c.offerTo(id)
	}
}

func (c *Coordinator) offerTo(id domain.UserID) {
	p, err := c.createTransport(id, media.Offerer)
	if err != nil {
		c.dropPeer(id, ReasonNegotiationFailed, err)
		return
	}
	offer, err := p.Offer(c.ctx)
	if err != nil {
		c.dropPeer(id, ReasonNegotiationFailed, err)
		return
	}
	if err := c.send(c.ctx, core.KindNegotiate, id, core.NegotiatePayload{Description: offer}); err != nil {
		c.dropPeer(id, ReasonNegotiationFailed, err)
	}
}

// onMemberJoined prepares an answering record so early candidates queue.
func (c *Coordinator) onMemberJoined(m domain.Member) {
	id := m.Participant.ID
	if id == c.cfg.Local.ID {
		return
	}
	// a rejoin never reuses the old transport
	if _, ok := c.res.Lookup(id); ok {
		c.releasePeer(id)
	}
	if _, exists := c.members[id]; !exists {
		c.order = append(c.order, id)
	}
	c.members[id] = m
	c.publish()
	if c.state == StateJoined {
		if _, err := c.res.Peer(id, media.Answerer); err != nil {
			c.logger.Warn().Err(err).Str("remote", string(id)).Msg("peer record")
		}
	}
	c.emit(Event{Kind: EventMemberJoined, Member: id})
}

func (c *Coordinator) onMemberLeft(id domain.UserID, reason string) {
	if id == c.cfg.Local.ID {
		return
	}
	c.releasePeer(id)
	delete(c.members, id)
	c.order = slices.DeleteFunc(c.order, func(u domain.UserID) bool { return u == id })
	c.publish()
	c.emit(Event{Kind: EventMemberLeft, Member: id, Reason: reason})
}

func (c *Coordinator) onNegotiate(from domain.UserID, desc webrtc.SessionDescription) {
	if c.state != StateJoined {
		return
	}
	p, ok := c.res.Lookup(from)
	if !ok || p.Transport() == nil {
		if desc.Type != webrtc.SDPTypeOffer {
			c.logger.Warn().Str("remote", string(from)).Msg("answer without offer")
			return
		}
		var err error
		if p, err = c.createTransport(from, media.Answerer); err != nil {
			c.dropPeer(from, ReasonNegotiationFailed, err)
			return
		}
	}
	if _, err := p.ApplyRemote(desc); err != nil {
		c.dropPeer(from, ReasonNegotiationFailed, err)
		return
	}
	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := p.Answer(c.ctx)
		if err != nil {
			c.dropPeer(from, ReasonNegotiationFailed, err)
			return
		}
		if err := c.send(c.ctx, core.KindNegotiate, from, core.NegotiatePayload{Description: answer}); err != nil {
			c.dropPeer(from, ReasonNegotiationFailed, err)
			return
		}
	}
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.Start(c.monitorKey(from), p.Transport())
	}
}

func (c *Coordinator) onCandidate(from domain.UserID, cand webrtc.ICECandidateInit) {
	if c.state != StateJoined {
		return
	}
	if _, known := c.members[from]; !known {
		return
	}
	p, err := c.res.Peer(from, media.Answerer)
	if err != nil {
		return
	}
	if _, err := p.AddRemoteCandidate(cand); err != nil {
		c.dropPeer(from, ReasonNegotiationFailed, err)
	}
}

func (c *Coordinator) onRefused(p core.ErrorPayload) {
	c.logger.Info().Str("code", p.Code).Str("ref", string(p.Ref)).Msg("request refused")
	if p.Ref == core.KindGroupJoin && c.state == StateJoining {
		reason := ReasonRefused
		if p.Code == "room_locked" {
			reason = ReasonRoomLocked
		}
		c.setState(StateEnded, reason)
		return
	}
	c.emit(Event{Kind: EventRefused, Reason: p.Reason})
}

func (c *Coordinator) createTransport(id domain.UserID, role media.Role) (*media.Peer, error) {
	p, err := c.res.CreatePeerTransport(c.ctx, id, role)
	if err != nil {
		return nil, err
	}
	t := p.Transport()
	t.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.post(func() {
			if cur, ok := c.res.Lookup(id); !ok || cur.Transport() != t {
				return
			}
			if err := c.send(c.ctx, core.KindCandidate, id, core.CandidatePayload{Candidate: cand}); err != nil {
				c.logger.Warn().Err(err).Str("remote", string(id)).Msg("send candidate")
			}
		})
	})
	t.OnStateChange(func(ts media.TransportState) {
		c.post(func() {
			if cur, ok := c.res.Lookup(id); !ok || cur.Transport() != t {
				return
			}
			if ts == media.TransportFailed {
				c.dropPeer(id, ReasonConnectionLost, nil)
			}
		})
	})
	return p, nil
}

// dropPeer releases one failed peer and tells the remote to release its side
// of the pair; the other peers are unaffected.
func (c *Coordinator) dropPeer(id domain.UserID, reason string, err error) {
	c.logger.Warn().Err(err).Str("remote", string(id)).Str("reason", reason).Msg("peer dropped")
	c.releasePeer(id)
	if sendErr := c.send(c.ctx, core.KindEnd, id, core.CallPayload{Reason: reason}); sendErr != nil {
		c.logger.Warn().Err(sendErr).Str("remote", string(id)).Msg("send peer teardown")
	}
	c.emit(Event{Kind: EventPeerFailed, Member: id, Reason: reason})
}

// onPeerEnded is the remote half of dropPeer. It never answers.
func (c *Coordinator) onPeerEnded(from domain.UserID, reason string) {
	if c.state != StateJoined {
		return
	}
	if _, known := c.members[from]; !known {
		return
	}
	if _, ok := c.res.Lookup(from); !ok {
		return
	}
	c.logger.Info().Str("remote", string(from)).Str("reason", reason).Msg("peer released by remote")
	c.releasePeer(from)
	c.emit(Event{Kind: EventPeerFailed, Member: from, Reason: reason})
}

func (c *Coordinator) releasePeer(id domain.UserID) {
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.Stop(c.monitorKey(id))
	}
	if err := c.res.Release(id); err != nil {
		c.logger.Warn().Err(err).Str("remote", string(id)).Msg("release peer")
	}
}

func (c *Coordinator) setAudio(muted bool) {
	if local := c.res.Local(); local != nil {
		local.SetAudioEnabled(!muted)
	}
	if m, ok := c.members[c.cfg.Local.ID]; ok {
		m.IsMuted = muted
		c.members[c.cfg.Local.ID] = m
		c.publish()
	}
}

func (c *Coordinator) setState(next State, reason string) {
	c.logger.Info().Str("from", c.state.String()).Str("to", next.String()).Str("reason", reason).Msg("group state")
	c.state = next
	c.reason = reason
	c.publish()
	c.emit(Event{Kind: EventState, State: next, Reason: reason})
}

// finish releases every transport and track. It runs once, right after the
// transition into StateEnded.
func (c *Coordinator) finish() {
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.StopPrefix(c.monitorPrefix())
	}
	if err := c.res.Teardown(); err != nil {
		c.logger.Warn().Err(err).Msg("teardown")
	}
	c.members = make(map[domain.UserID]domain.Member)
	c.order = nil
	c.publish()
	c.loop.Stop()
	c.cancel()
}

func (c *Coordinator) publish() {
	members := make([]domain.Member, 0, len(c.order))
	for _, id := range c.order {
		members = append(members, c.members[id])
	}
	c.mu.Lock()
	c.snap = snapshot{state: c.state, reason: c.reason, hostID: c.hostID, locked: c.locked, members: members}
	c.mu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	if c.cfg.OnEvent == nil {
		return
	}
	e.Room = c.cfg.Room
	if e.Kind != EventState {
		e.State = c.state
	}
	e.At = time.Now()
	c.cfg.OnEvent(e)
}

func (c *Coordinator) send(ctx context.Context, kind core.Kind, to domain.UserID, payload any) error {
	env, err := core.NewEnvelope(kind, c.cfg.Local.ID, to, c.cfg.Room, payload)
	if err != nil {
		return err
	}
	if err := c.cfg.Signal.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Coordinator) decode(env core.Envelope, v any) bool {
	if err := env.DecodePayload(v); err != nil {
		c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("bad payload")
		return false
	}
	return true
}
