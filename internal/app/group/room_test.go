package group

import (
	"sync"
	"testing"

	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	envs []core.Envelope
}

func (r *recorder) TrySend(f core.Frame) error {
	env, err := core.Decode(f)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) kinds() []core.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Kind
	for _, e := range r.envs {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[len(r.envs)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = nil
}

type fixture struct {
	dir   *app.Directory
	rooms *Manager
	conns map[domain.UserID]*recorder
}

func newFixture(t *testing.T, ids ...domain.UserID) *fixture {
	t.Helper()
	dir := app.NewDirectory()
	f := &fixture{dir: dir, rooms: NewManager(dir, app.NewRelay(dir, nil)), conns: map[domain.UserID]*recorder{}}
	for _, id := range ids {
		p, err := domain.NewParticipant(id, string(id))
		require.NoError(t, err)
		rec := &recorder{}
		dir.Register(*p, rec)
		f.conns[id] = rec
	}
	return f
}

func (f *fixture) join(t *testing.T, room domain.RoomID, id domain.UserID) {
	t.Helper()
	p, ok := f.dir.Participant(id)
	require.True(t, ok)
	require.NoError(t, f.rooms.Join(room, p, domain.MediaAudio))
}

func TestRoom_JoinSendsRosterThenAnnounces(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.join(t, "r1", "alice")
	f.join(t, "r1", "bob")

	assert.Equal(t, []core.Kind{core.KindGroupState, core.KindGroupJoin}, f.conns["alice"].kinds())
	assert.Equal(t, []core.Kind{core.KindGroupState}, f.conns["bob"].kinds())

	var roster core.RosterPayload
	require.NoError(t, f.conns["bob"].last().DecodePayload(&roster))
	assert.Equal(t, domain.UserID("alice"), roster.HostID)
	require.Len(t, roster.Members, 2)
	assert.Equal(t, domain.UserID("alice"), roster.Members[0].Participant.ID)
	assert.True(t, roster.Members[0].IsHost)

	join := f.conns["alice"].last()
	assert.Equal(t, domain.UserID("bob"), join.From)
}

func TestRoom_HostOnlyActions(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	for _, id := range []domain.UserID{"alice", "bob", "carol"} {
		f.join(t, "r1", id)
	}
	room, ok := f.rooms.Get("r1")
	require.True(t, ok)

	assert.ErrorIs(t, room.Kick("bob", "carol"), ErrNotHost)
	assert.ErrorIs(t, room.Lock("bob", true), ErrNotHost)
	assert.ErrorIs(t, room.End("bob"), ErrNotHost)
	assert.ErrorIs(t, room.Mute("bob", "carol", true), ErrNotHost)
	assert.ErrorIs(t, room.Kick("alice", "alice"), ErrSelfTarget)
	assert.ErrorIs(t, room.Kick("alice", "dave"), ErrNotMember)
	assert.ErrorIs(t, room.Mute("dave", "", true), ErrNotMember)

	require.NoError(t, room.Mute("bob", "", true))
	require.NoError(t, room.Mute("alice", "carol", true))
	assert.Equal(t, core.KindGroupState, f.conns["carol"].last().Type)
	assert.Contains(t, f.conns["carol"].kinds(), core.KindGroupMute)
}

func TestRoom_KickTellsTargetFirst(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	for _, id := range []domain.UserID{"alice", "bob", "carol"} {
		f.join(t, "r1", id)
	}
	for _, r := range f.conns {
		r.reset()
	}
	room, _ := f.rooms.Get("r1")
	require.NoError(t, room.Kick("alice", "bob"))

	assert.Equal(t, []core.Kind{core.KindGroupKick}, f.conns["bob"].kinds())
	assert.Equal(t, []core.Kind{core.KindGroupLeave}, f.conns["alice"].kinds())
	assert.Equal(t, []core.Kind{core.KindGroupLeave}, f.conns["carol"].kinds())

	var p core.MemberPayload
	require.NoError(t, f.conns["carol"].last().DecodePayload(&p))
	assert.Equal(t, ReasonKicked, p.Reason)
	assert.False(t, room.IsMember("bob"))
}

func TestRoom_LockRefusesNewcomersOnly(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.join(t, "r1", "alice")
	f.join(t, "r1", "bob")
	room, _ := f.rooms.Get("r1")
	require.NoError(t, room.Lock("alice", true))

	carol, _ := f.dir.Participant("carol")
	assert.ErrorIs(t, f.rooms.Join("r1", carol, domain.MediaAudio), ErrRoomLocked)

	bob, _ := f.dir.Participant("bob")
	require.NoError(t, f.rooms.Join("r1", bob, domain.MediaVideo))
	assert.Equal(t, 2, room.Info().MemberCount)
	assert.True(t, room.Info().Locked)
}

func TestRoom_HostLeavesPassesHost(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	for _, id := range []domain.UserID{"alice", "bob", "carol"} {
		f.join(t, "r1", id)
	}
	room, _ := f.rooms.Get("r1")
	room.Leave("alice", ReasonLeft)

	assert.Equal(t, domain.UserID("bob"), room.Roster().HostID)
	var roster core.RosterPayload
	require.NoError(t, f.conns["carol"].last().DecodePayload(&roster))
	assert.Equal(t, domain.UserID("bob"), roster.HostID)

	room.Leave("alice", ReasonLeft)
	assert.Equal(t, 2, room.Info().MemberCount)
}

func TestRoom_EmptiesAndIsRemoved(t *testing.T) {
	f := newFixture(t, "alice")
	f.join(t, "r1", "alice")
	room, _ := f.rooms.Get("r1")
	room.Leave("alice", ReasonLeft)

	_, ok := f.rooms.Get("r1")
	assert.False(t, ok)
	assert.ErrorIs(t, room.Join(domain.Participant{ID: "alice", Name: "alice"}, domain.MediaAudio), ErrRoomEnded)

	f.join(t, "r1", "alice")
	fresh, ok := f.rooms.Get("r1")
	require.True(t, ok)
	assert.NotSame(t, room, fresh)
}

func TestRoom_End(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.join(t, "r1", "alice")
	f.join(t, "r1", "bob")
	room, _ := f.rooms.Get("r1")
	require.NoError(t, room.End("alice"))

	assert.Equal(t, core.KindGroupEnd, f.conns["bob"].last().Type)
	assert.NotEqual(t, core.KindGroupEnd, f.conns["alice"].last().Type)
	_, ok := f.rooms.Get("r1")
	assert.False(t, ok)
	assert.Empty(t, f.dir.ResolveGroup("r1"))
	assert.ErrorIs(t, room.Lock("alice", true), ErrRoomEnded)
}

func TestManager_JoinOfflineDoesNotLeakRoom(t *testing.T) {
	f := newFixture(t)
	err := f.rooms.Join("r1", domain.Participant{ID: "ghost", Name: "ghost"}, domain.MediaAudio)
	assert.ErrorIs(t, err, ErrOffline)
	_, ok := f.rooms.Get("r1")
	assert.False(t, ok)
	assert.Empty(t, f.rooms.List())
}

func TestManager_List(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.join(t, "zeta", "alice")
	f.join(t, "alpha", "bob")

	list := f.rooms.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("alpha"), list[0].ID)
	assert.Equal(t, domain.UserID("bob"), list[0].HostID)
	assert.Equal(t, 1, list[1].MemberCount)
}
