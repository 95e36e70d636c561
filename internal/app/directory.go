package app

import (
	"sync"

	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog/log"
)

type handleEntry struct {
	User        domain.Participant
	Conn        core.SignalConnection
	ConnectedAt int64
}

// Directory maps online participants to their live control-channel handles.
// A participant may hold several handles (one per device). Room membership
// is tracked per participant, so a room resolves to the handles of its
// members.
type Directory struct {
	mu      sync.RWMutex
	handles map[core.SignalConnection]*handleEntry
	byUser  map[domain.UserID]map[core.SignalConnection]struct{}
	rooms   map[domain.RoomID]map[domain.UserID]struct{}
	seq     int64
}

func NewDirectory() *Directory {
	return &Directory{
		handles: make(map[core.SignalConnection]*handleEntry),
		byUser:  make(map[domain.UserID]map[core.SignalConnection]struct{}),
		rooms:   make(map[domain.RoomID]map[domain.UserID]struct{}),
	}
}

// Register binds a handle to a participant. Registering the same handle
// again rebinds it.
func (d *Directory) Register(p domain.Participant, conn core.SignalConnection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.handles[conn]; ok {
		d.dropHandleLocked(old.User.ID, conn)
	}
	d.seq++
	d.handles[conn] = &handleEntry{User: p, Conn: conn, ConnectedAt: d.seq}
	set, ok := d.byUser[p.ID]
	if !ok {
		set = make(map[core.SignalConnection]struct{})
		d.byUser[p.ID] = set
	}
	set[conn] = struct{}{}
	log.Info().Str("module", "app.directory").Str("user", string(p.ID)).Int("devices", len(set)).Msg("registered handle")
}

// Unregister removes a handle. It reports the owner and whether that was the
// owner's last handle, in which case the owner is also dropped from every room
// and those rooms are returned.
func (d *Directory) Unregister(conn core.SignalConnection) (owner domain.UserID, last bool, rooms []domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.handles[conn]
	if !ok {
		return "", false, nil
	}
	owner = e.User.ID
	delete(d.handles, conn)
	last = d.dropHandleLocked(owner, conn)
	if last {
		for id, members := range d.rooms {
			if _, in := members[owner]; !in {
				continue
			}
			delete(members, owner)
			if len(members) == 0 {
				delete(d.rooms, id)
			}
			rooms = append(rooms, id)
		}
	}
	log.Info().Str("module", "app.directory").Str("user", string(owner)).Bool("last", last).Msg("unregistered handle")
	return owner, last, rooms
}

func (d *Directory) dropHandleLocked(id domain.UserID, conn core.SignalConnection) bool {
	set := d.byUser[id]
	delete(set, conn)
	if len(set) == 0 {
		delete(d.byUser, id)
		return true
	}
	return false
}

// Resolve returns every live handle of a participant. An unknown or offline
// participant yields false; that is a normal outcome, not an error.
func (d *Directory) Resolve(id domain.UserID) ([]core.SignalConnection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.byUser[id]
	if !ok {
		return nil, false
	}
	out := make([]core.SignalConnection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out, true
}

// ResolveGroup returns the handles of every online member of a room.
func (d *Directory) ResolveGroup(room domain.RoomID) []core.SignalConnection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.rooms[room]
	out := make([]core.SignalConnection, 0, len(members))
	for uid := range members {
		for c := range d.byUser[uid] {
			out = append(out, c)
		}
	}
	return out
}

// Participant returns the identity bound to an online participant.
func (d *Directory) Participant(id domain.UserID) (domain.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var (
		best  *handleEntry
		found bool
	)
	for c := range d.byUser[id] {
		e := d.handles[c]
		if !found || e.ConnectedAt > best.ConnectedAt {
			best, found = e, true
		}
	}
	if !found {
		return domain.Participant{}, false
	}
	return best.User, true
}

// Owner returns the participant a handle is registered to.
func (d *Directory) Owner(conn core.SignalConnection) (domain.UserID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.handles[conn]
	if !ok {
		return "", false
	}
	return e.User.ID, true
}

// Devices counts the live handles of a participant.
func (d *Directory) Devices(id domain.UserID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser[id])
}

// JoinRoom adds an online participant to a room's fan-out set.
func (d *Directory) JoinRoom(room domain.RoomID, id domain.UserID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, online := d.byUser[id]; !online {
		return false
	}
	members, ok := d.rooms[room]
	if !ok {
		members = make(map[domain.UserID]struct{})
		d.rooms[room] = members
	}
	members[id] = struct{}{}
	log.Debug().Str("module", "app.directory").Str("room", string(room)).Str("user", string(id)).Msg("joined room")
	return true
}

// LeaveRoom removes a participant from a room's fan-out set.
func (d *Directory) LeaveRoom(room domain.RoomID, id domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, room)
	}
	log.Debug().Str("module", "app.directory").Str("room", string(room)).Str("user", string(id)).Msg("left room")
}

// DropRoom forgets a room's fan-out set entirely.
func (d *Directory) DropRoom(room domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, room)
}

// Online counts distinct online participants.
func (d *Directory) Online() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUser)
}
