package orch

import (
	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/app/group"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator is what the signaling adapter talks to. It trusts the identity
// bound to a connection, stamps it on every envelope and hands the envelope
// to the relay or to the room authority.
type Orchestrator struct {
	Directory *app.Directory
	Relay     *app.Relay
	Rooms     *group.Manager
}

func New(dir *app.Directory, policy app.Policy) *Orchestrator {
	relay := app.NewRelay(dir, policy)
	return &Orchestrator{
		Directory: dir,
		Relay:     relay,
		Rooms:     group.NewManager(dir, relay),
	}
}

// OnConnect registers a verified control channel.
func (o *Orchestrator) OnConnect(p domain.Participant, conn core.SignalConnection) {
	o.Directory.Register(p, conn)
}

// OnDisconnect unregisters a control channel. When it was the participant's
// last device the participant also leaves every group call.
func (o *Orchestrator) OnDisconnect(conn core.SignalConnection) {
	owner, last, rooms := o.Directory.Unregister(conn)
	if owner == "" || !last {
		return
	}
	for _, id := range rooms {
		if room, ok := o.Rooms.Get(id); ok {
			room.Leave(owner, group.ReasonDisconnected)
		}
	}
	log.Info().Str("module", "orch").Str("user", string(owner)).Int("rooms", len(rooms)).Msg("participant offline")
}

// OnEnvelope handles one inbound control message from conn's owner.
func (o *Orchestrator) OnEnvelope(from domain.UserID, env core.Envelope) {
	env.From = from
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("from", string(from)).Str("type", string(env.Type)).Msg("invalid envelope")
		o.reject(from, env, "bad_envelope", err)
		return
	}
	switch env.Type {
	case core.KindInvite, core.KindAccept, core.KindReject, core.KindEnd, core.KindBusy,
		core.KindNegotiate, core.KindCandidate:
		o.Relay.Route(env)
	case core.KindGroupJoin:
		o.join(from, env)
	case core.KindGroupLeave:
		if room, ok := o.Rooms.Get(env.RoomID); ok {
			room.Leave(from, group.ReasonLeft)
		}
	case core.KindGroupMute:
		var p core.MutePayload
		if err := env.DecodePayload(&p); err != nil {
			o.reject(from, env, "bad_payload", err)
			return
		}
		o.withRoom(from, env, func(r *group.Room) error { return r.Mute(from, env.To, p.Muted) })
	case core.KindGroupKick:
		o.withRoom(from, env, func(r *group.Room) error { return r.Kick(from, env.To) })
	case core.KindGroupLock:
		var p core.LockPayload
		if err := env.DecodePayload(&p); err != nil {
			o.reject(from, env, "bad_payload", err)
			return
		}
		o.withRoom(from, env, func(r *group.Room) error { return r.Lock(from, p.Locked) })
	case core.KindGroupEnd:
		o.withRoom(from, env, func(r *group.Room) error { return r.End(from) })
	case core.KindGroupState, core.KindError:
		log.Warn().Str("module", "orch").Str("from", string(from)).Str("type", string(env.Type)).Msg("client sent server-only type")
	}
}

func (o *Orchestrator) join(from domain.UserID, env core.Envelope) {
	var p core.JoinPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&p); err != nil {
			o.reject(from, env, "bad_payload", err)
			return
		}
	}
	media, err := domain.ParseMediaKind(string(p.Media))
	if err != nil {
		o.reject(from, env, "bad_payload", err)
		return
	}
	who, ok := o.Directory.Participant(from)
	if !ok {
		return
	}
	if p.Name != "" {
		if renamed, err := who.WithName(p.Name); err == nil {
			who = renamed
		}
	}
	if err := o.Rooms.Join(env.RoomID, who, media); err != nil {
		o.reject(from, env, codeOf(err), err)
	}
}

func (o *Orchestrator) withRoom(from domain.UserID, env core.Envelope, fn func(*group.Room) error) {
	room, ok := o.Rooms.Get(env.RoomID)
	if !ok {
		o.reject(from, env, "not_member", group.ErrNotMember)
		return
	}
	if err := fn(room); err != nil {
		log.Info().Err(err).Str("module", "orch").Str("from", string(from)).Str("type", string(env.Type)).Msg("room request refused")
		o.reject(from, env, codeOf(err), err)
	}
}

func (o *Orchestrator) reject(to domain.UserID, ref core.Envelope, code string, err error) {
	notice, buildErr := core.NewEnvelope(core.KindError, core.ServerID, to, ref.RoomID, core.ErrorPayload{
		Code:   code,
		Reason: err.Error(),
		Ref:    ref.Type,
	})
	if buildErr != nil {
		return
	}
	o.Relay.SendTo(to, notice)
}

func codeOf(err error) string {
	switch err {
	case group.ErrNotHost:
		return "not_host"
	case group.ErrRoomLocked:
		return "room_locked"
	case group.ErrNotMember:
		return "not_member"
	case group.ErrRoomEnded:
		return "room_ended"
	case group.ErrOffline:
		return "offline"
	case group.ErrSelfTarget:
		return "bad_target"
	default:
		return "error"
	}
}

// EvictRoom ends a room on behalf of the operator.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return
	}
	roster := room.Roster()
	if roster.HostID == "" {
		return
	}
	if err := room.End(roster.HostID); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(id)).Msg("evict room")
	}
}
