// Package group is the server-side authority for group calls: membership,
// host privilege and the room lock. Media never passes through here.
package group

import (
	"errors"
	"sync"

	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotHost    = errors.New("only the host can do that")
	ErrRoomLocked = errors.New("room locked")
	ErrNotMember  = errors.New("not a member of this call")
	ErrRoomEnded  = errors.New("room ended")
	ErrOffline    = errors.New("participant offline")
	ErrSelfTarget = errors.New("cannot target yourself")
)

// Leave reasons carried in group-leave payloads.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonKicked       = "removed by host"
	ReasonRejoined     = "rejoined"
)

// Room is one live group call. All mutations take mu and perform their
// non-blocking sends before releasing it, so members observe events in state
// order.
type Room struct {
	id    domain.RoomID
	dir   *app.Directory
	relay *app.Relay

	mu      sync.Mutex
	hostID  domain.UserID
	locked  bool
	ended   bool
	order   []domain.UserID
	members map[domain.UserID]*domain.Member

	onEmpty func(domain.RoomID)
	logger  zerolog.Logger
}

func newRoom(id domain.RoomID, dir *app.Directory, relay *app.Relay, onEmpty func(domain.RoomID)) *Room {
	return &Room{
		id:      id,
		dir:     dir,
		relay:   relay,
		members: make(map[domain.UserID]*domain.Member),
		onEmpty: onEmpty,
		logger:  log.With().Str("module", "app.group").Str("room", string(id)).Logger(),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// Join admits p. The first member becomes host. A locked room only admits
// participants that are already members; for them the join acts as a rejoin
// and peers see a leave followed by a join.
func (r *Room) Join(p domain.Participant, media domain.MediaKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrRoomEnded
	}
	_, rejoin := r.members[p.ID]
	if r.locked && !rejoin {
		r.logger.Info().Str("user", string(p.ID)).Msg("join refused, room locked")
		return ErrRoomLocked
	}
	if !r.dir.JoinRoom(r.id, p.ID) {
		return ErrOffline
	}
	if rejoin {
		r.removeLocked(p.ID, ReasonRejoined)
	}

	m := domain.NewMember(p, media)
	if len(r.members) == 0 || r.hostID == "" {
		r.hostID = p.ID
	}
	m.IsHost = r.hostID == p.ID
	r.members[p.ID] = m
	r.order = append(r.order, p.ID)
	// removeLocked may have dropped the fan-out entry on rejoin.
	r.dir.JoinRoom(r.id, p.ID)

	r.sendLocked(p.ID, core.KindGroupState, core.ServerID, "", r.rosterLocked())
	r.broadcastLocked(core.KindGroupJoin, p.ID, "", core.MemberPayload{Member: *m})
	r.logger.Info().Str("user", string(p.ID)).Bool("host", m.IsHost).Int("count", len(r.members)).Msg("member joined")
	return nil
}

// Leave removes id. Leaving a room one is not in is a no-op.
func (r *Room) Leave(id domain.UserID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	r.removeLocked(id, reason)
	r.afterRemovalLocked()
}

// Mute asks target to disable its outbound audio. Only the host may mute
// someone else; anyone may mute themselves.
func (r *Room) Mute(actor, target domain.UserID, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target == "" {
		target = actor
	}
	if err := r.authorizeLocked(actor, target != actor); err != nil {
		return err
	}
	m, ok := r.members[target]
	if !ok {
		return ErrNotMember
	}
	m.IsMuted = muted
	if target != actor {
		r.sendLocked(target, core.KindGroupMute, actor, target, core.MutePayload{Muted: muted})
	}
	r.broadcastLocked(core.KindGroupState, core.ServerID, "", r.rosterLocked())
	r.logger.Info().Str("actor", string(actor)).Str("target", string(target)).Bool("muted", muted).Msg("mute")
	return nil
}

// Kick forces target out. Target is told first, then the rest see a leave.
func (r *Room) Kick(actor, target domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(actor, true); err != nil {
		return err
	}
	if target == actor {
		return ErrSelfTarget
	}
	if _, ok := r.members[target]; !ok {
		return ErrNotMember
	}
	r.sendLocked(target, core.KindGroupKick, actor, target, core.CallPayload{Reason: ReasonKicked})
	r.removeLocked(target, ReasonKicked)
	r.afterRemovalLocked()
	r.logger.Info().Str("actor", string(actor)).Str("target", string(target)).Msg("kick")
	return nil
}

// Lock toggles admission of new participants. Existing members are untouched.
func (r *Room) Lock(actor domain.UserID, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(actor, true); err != nil {
		return err
	}
	r.locked = locked
	r.broadcastLocked(core.KindGroupLock, actor, "", core.LockPayload{Locked: locked})
	r.logger.Info().Str("actor", string(actor)).Bool("locked", locked).Msg("lock")
	return nil
}

// End closes the room for everyone.
func (r *Room) End(actor domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(actor, true); err != nil {
		return err
	}
	r.broadcastLocked(core.KindGroupEnd, actor, "", core.CallPayload{Reason: "room ended"})
	for id := range r.members {
		r.dir.LeaveRoom(r.id, id)
	}
	r.members = make(map[domain.UserID]*domain.Member)
	r.order = nil
	r.hostID = ""
	r.finishLocked()
	r.logger.Info().Str("actor", string(actor)).Msg("room ended by host")
	return nil
}

// Roster snapshots the room in join order.
func (r *Room) Roster() core.RosterPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{ID: r.id, HostID: r.hostID, Locked: r.locked, MemberCount: len(r.members)}
}

// IsMember reports whether id is currently in the room.
func (r *Room) IsMember(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// closeIfEmpty ends a room whose first join failed.
func (r *Room) closeIfEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		r.finishLocked()
	}
}

func (r *Room) authorizeLocked(actor domain.UserID, hostOnly bool) error {
	if r.ended {
		return ErrRoomEnded
	}
	if _, ok := r.members[actor]; !ok {
		return ErrNotMember
	}
	if hostOnly && actor != r.hostID {
		return ErrNotHost
	}
	return nil
}

func (r *Room) removeLocked(id domain.UserID, reason string) {
	m := r.members[id]
	delete(r.members, id)
	for i, uid := range r.order {
		if uid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.dir.LeaveRoom(r.id, id)
	r.broadcastLocked(core.KindGroupLeave, id, "", core.MemberPayload{Member: *m, Reason: reason})
	r.logger.Info().Str("user", string(id)).Str("reason", reason).Int("count", len(r.members)).Msg("member left")
}

// afterRemovalLocked hands the host role to the earliest remaining member
// and closes the room once it is empty.
func (r *Room) afterRemovalLocked() {
	if len(r.members) == 0 {
		r.hostID = ""
		r.finishLocked()
		return
	}
	if _, ok := r.members[r.hostID]; ok {
		return
	}
	r.hostID = r.order[0]
	r.members[r.hostID].IsHost = true
	r.broadcastLocked(core.KindGroupState, core.ServerID, "", r.rosterLocked())
	r.logger.Info().Str("host", string(r.hostID)).Msg("host reassigned")
}

func (r *Room) finishLocked() {
	if r.ended {
		return
	}
	r.ended = true
	r.dir.DropRoom(r.id)
	if r.onEmpty != nil {
		r.onEmpty(r.id)
	}
}

func (r *Room) rosterLocked() core.RosterPayload {
	out := core.RosterPayload{HostID: r.hostID, Locked: r.locked, Members: make([]domain.Member, 0, len(r.order))}
	for _, id := range r.order {
		out.Members = append(out.Members, *r.members[id])
	}
	return out
}

func (r *Room) sendLocked(to domain.UserID, kind core.Kind, from, target domain.UserID, payload any) {
	env, err := core.NewEnvelope(kind, from, target, r.id, payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("build envelope")
		return
	}
	r.relay.SendTo(to, env)
}

// broadcastLocked fans out to every member except from. Server notices go to
// everyone.
func (r *Room) broadcastLocked(kind core.Kind, from, target domain.UserID, payload any) {
	env, err := core.NewEnvelope(kind, from, target, r.id, payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("build envelope")
		return
	}
	r.relay.Route(env)
}
