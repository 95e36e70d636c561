package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/callhub/internal/adapters/signal"
	"github.com/dkeye/callhub/internal/app"
	"github.com/dkeye/callhub/internal/app/group"
	"github.com/dkeye/callhub/internal/app/orch"
	"github.com/dkeye/callhub/internal/config"
	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopConn is used by pointer so that every value is a distinct handle.
type nopConn struct{ _ byte }

func (*nopConn) TrySend(core.Frame) error { return nil }
func (*nopConn) Close()                   {}

const adminToken = "operator-token"

func newRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	return newRouterWithToken(t, adminToken)
}

func newRouterWithToken(t *testing.T, token string) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	o := orch.New(app.NewDirectory(), app.SimplePolicy{})
	cfg := &config.Config{Mode: "test", StaticPath: t.TempDir(), Secret: "test-secret", AdminToken: token}
	return SetupRouter(context.Background(), cfg, o), o
}

func evict(r *gin.Engine, room, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(nethttp.MethodDelete, "/api/rooms/"+room, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPresence(t *testing.T) {
	r, o := newRouter(t)
	p, err := domain.NewParticipant("bob", "Bob")
	require.NoError(t, err)
	o.OnConnect(*p, &nopConn{})
	o.OnConnect(*p, &nopConn{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/api/presence/bob", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)
	var got PresenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, PresenceResponse{ID: "bob", Online: true, Devices: 2}, got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/api/presence/carol", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Online)
}

func TestListRooms(t *testing.T) {
	r, o := newRouter(t)
	p, err := domain.NewParticipant("alice", "Alice")
	require.NoError(t, err)
	o.OnConnect(*p, &nopConn{})
	require.NoError(t, o.Rooms.Join("standup", *p, domain.MediaAudio))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/api/rooms", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)
	var got struct {
		Rooms []group.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Rooms, 1)
	assert.Equal(t, group.RoomInfo{ID: "standup", HostID: "alice", MemberCount: 1}, got.Rooms[0])
}

func TestEvictRoom(t *testing.T) {
	r, o := newRouter(t)
	p, err := domain.NewParticipant("alice", "Alice")
	require.NoError(t, err)
	o.OnConnect(*p, &nopConn{})
	require.NoError(t, o.Rooms.Join("standup", *p, domain.MediaAudio))

	assert.Equal(t, nethttp.StatusNoContent, evict(r, "standup", "Bearer "+adminToken).Code)
	_, ok := o.Rooms.Get("standup")
	assert.False(t, ok)

	assert.Equal(t, nethttp.StatusNotFound, evict(r, "standup", "Bearer "+adminToken).Code)
}

func TestEvictRoomRequiresOperator(t *testing.T) {
	r, o := newRouter(t)
	p, err := domain.NewParticipant("alice", "Alice")
	require.NoError(t, err)
	o.OnConnect(*p, &nopConn{})
	require.NoError(t, o.Rooms.Join("standup", *p, domain.MediaAudio))

	for name, auth := range map[string]string{
		"missing":   "",
		"wrong":     "Bearer nope",
		"no scheme": adminToken,
	} {
		w := evict(r, "standup", auth)
		assert.Equal(t, nethttp.StatusUnauthorized, w.Code, name)
	}
	room, ok := o.Rooms.Get("standup")
	require.True(t, ok, "room survives unauthorized requests")
	assert.Equal(t, domain.UserID("alice"), room.Roster().HostID)

	disabled, o2 := newRouterWithToken(t, "")
	o2.OnConnect(*p, &nopConn{})
	require.NoError(t, o2.Rooms.Join("standup", *p, domain.MediaAudio))
	assert.Equal(t, nethttp.StatusForbidden, evict(disabled, "standup", "Bearer ").Code)
	_, ok = o2.Rooms.Get("standup")
	assert.True(t, ok)
}

func TestIdentityMiddleware(t *testing.T) {
	r, _ := newRouter(t)
	r.GET("/whoami", func(c *gin.Context) {
		c.String(nethttp.StatusOK, c.GetString(signal.ParticipantKey))
	})

	req := httptest.NewRequest(nethttp.MethodGet, "/whoami", nil)
	req.Header.Set(ParticipantHeader, "from-proxy")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "from-proxy", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/whoami", nil))
	guest := w.Body.String()
	require.NotEmpty(t, guest)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req = httptest.NewRequest(nethttp.MethodGet, "/whoami", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, guest, w.Body.String())
}
