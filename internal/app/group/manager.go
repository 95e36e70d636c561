package group

import (
	"sort"
	"sync"

	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	HostID      domain.UserID `json:"host"`
	Locked      bool          `json:"locked"`
	MemberCount int           `json:"count"`
}

// Manager owns live group calls. A room exists from its first join until
// it empties or its host ends it.
type Manager struct {
	dir   *app.Directory
	relay *app.Relay

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewManager(dir *app.Directory, relay *app.Relay) *Manager {
	return &Manager{dir: dir, relay: relay, rooms: make(map[domain.RoomID]*Room)}
}

// GetOrCreate returns the live room for id, creating it when absent.
func (m *Manager) GetOrCreate(id domain.RoomID) *Room {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[id]; ok {
		return room
	}
	room = newRoom(id, m.dir, m.relay, m.remove)
	m.rooms[id] = room
	log.Info().Str("module", "app.group").Str("room", string(id)).Msg("room created")
	return room
}

// Get returns a live room.
func (m *Manager) Get(id domain.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Join admits p into id. A room that ended between lookup and join is
// replaced by a fresh one.
func (m *Manager) Join(id domain.RoomID, p domain.Participant, media domain.MediaKind) error {
	for range 2 {
		room := m.GetOrCreate(id)
		err := room.Join(p, media)
		if err != ErrRoomEnded {
			if err != nil {
				room.closeIfEmpty()
			}
			return err
		}
	}
	return ErrRoomEnded
}

func (m *Manager) List() []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// remove is called by a room, under its own lock, once it is finished.
func (m *Manager) remove(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	log.Info().Str("module", "app.group").Str("room", string(id)).Msg("room removed")
}
