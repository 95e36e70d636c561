package app

import (
	"sync"
	"testing"

	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) kinds(t *testing.T) []core.Kind {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Kind
	for _, f := range c.frames {
		env, err := core.Decode(f)
		require.NoError(t, err)
		out = append(out, env.Type)
	}
	return out
}

func participant(t *testing.T, id string) domain.Participant {
	t.Helper()
	p, err := domain.NewParticipant(domain.UserID(id), id)
	require.NoError(t, err)
	return *p
}

func TestDirectory_MultipleDevices(t *testing.T) {
	d := NewDirectory()
	phone, laptop := &fakeConn{}, &fakeConn{}
	d.Register(participant(t, "bob"), phone)
	d.Register(participant(t, "bob"), laptop)

	assert.Equal(t, 2, d.Devices("bob"))
	assert.Equal(t, 1, d.Online())
	conns, ok := d.Resolve("bob")
	require.True(t, ok)
	assert.Len(t, conns, 2)

	require.True(t, d.JoinRoom("r1", "bob"))

	owner, last, rooms := d.Unregister(phone)
	assert.Equal(t, domain.UserID("bob"), owner)
	assert.False(t, last)
	assert.Empty(t, rooms)

	owner, last, rooms = d.Unregister(laptop)
	assert.Equal(t, domain.UserID("bob"), owner)
	assert.True(t, last)
	assert.Equal(t, []domain.RoomID{"r1"}, rooms)

	_, ok = d.Resolve("bob")
	assert.False(t, ok)
	assert.Empty(t, d.ResolveGroup("r1"))

	owner, _, _ = d.Unregister(laptop)
	assert.Empty(t, owner)
}

func TestDirectory_ParticipantPicksNewestHandle(t *testing.T) {
	d := NewDirectory()
	first, second := &fakeConn{}, &fakeConn{}
	d.Register(participant(t, "bob"), first)
	renamed, err := participant(t, "bob").WithName("Robert")
	require.NoError(t, err)
	d.Register(renamed, second)

	p, ok := d.Participant("bob")
	require.True(t, ok)
	assert.Equal(t, "Robert", p.Name)

	_, ok = d.Participant("nobody")
	assert.False(t, ok)
}

func TestDirectory_JoinRoomRequiresOnline(t *testing.T) {
	d := NewDirectory()
	assert.False(t, d.JoinRoom("r1", "ghost"))
}

func TestRelay_DirectFansOutToEveryDevice(t *testing.T) {
	d := NewDirectory()
	r := NewRelay(d, nil)
	phone, laptop := &fakeConn{}, &fakeConn{}
	d.Register(participant(t, "bob"), phone)
	d.Register(participant(t, "bob"), laptop)

	res := r.Route(core.Envelope{Type: core.KindInvite, From: "alice", To: "bob"})
	assert.Equal(t, 2, res.SentTo)
	assert.False(t, res.Unroutable)
	assert.Equal(t, []core.Kind{core.KindInvite}, phone.kinds(t))
	assert.Equal(t, []core.Kind{core.KindInvite}, laptop.kinds(t))
}

func TestRelay_OfflineRecipientIsUnroutable(t *testing.T) {
	r := NewRelay(NewDirectory(), SimplePolicy{})
	res := r.Route(core.Envelope{Type: core.KindInvite, From: "alice", To: "bob"})
	assert.True(t, res.Unroutable)
	assert.Zero(t, res.SentTo)

	res = r.Route(core.Envelope{Type: core.KindInvite, From: "alice"})
	assert.True(t, res.Unroutable)
}

func TestRelay_RoomSkipsSender(t *testing.T) {
	d := NewDirectory()
	r := NewRelay(d, nil)
	alice, bob := &fakeConn{}, &fakeConn{}
	d.Register(participant(t, "alice"), alice)
	d.Register(participant(t, "bob"), bob)
	d.JoinRoom("r1", "alice")
	d.JoinRoom("r1", "bob")

	res := r.Route(core.Envelope{Type: core.KindGroupJoin, From: "alice", RoomID: "r1"})
	assert.Equal(t, 1, res.SentTo)
	assert.Empty(t, alice.kinds(t))
	assert.Equal(t, []core.Kind{core.KindGroupJoin}, bob.kinds(t))
}

func TestRelay_Backpressure(t *testing.T) {
	tests := []struct {
		kind       core.Kind
		wantClosed bool
	}{
		{core.KindCandidate, false},
		{core.KindAccept, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d := NewDirectory()
			r := NewRelay(d, SimplePolicy{})
			slow := &fakeConn{full: true}
			d.Register(participant(t, "bob"), slow)

			res := r.Route(core.Envelope{Type: tt.kind, From: "alice", To: "bob"})
			assert.Len(t, res.Dropped, 1)
			assert.Equal(t, tt.wantClosed, slow.closed)
		})
	}
}

func TestRelay_SendToIgnoresAddressing(t *testing.T) {
	d := NewDirectory()
	r := NewRelay(d, nil)
	bob := &fakeConn{}
	d.Register(participant(t, "bob"), bob)

	res := r.SendTo("bob", core.Envelope{Type: core.KindGroupState, From: core.ServerID, RoomID: "r1"})
	assert.Equal(t, 1, res.SentTo)
	assert.True(t, r.SendTo("ghost", core.Envelope{Type: core.KindError, From: core.ServerID}).Unroutable)
}
