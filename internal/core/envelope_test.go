package core

import (
	"context"
	"testing"

	"github.com/dkeye/callhub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Scope(t *testing.T) {
	tests := []struct {
		kind Kind
		want Scope
	}{
		{KindInvite, ScopeDirect},
		{KindBusy, ScopeDirect},
		{KindCandidate, ScopeDirect},
		{KindGroupJoin, ScopeRoom},
		{KindGroupState, ScopeRoom},
		{KindError, ScopeNotice},
		{Kind("dance"), ScopeUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Scope())
		})
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		err  error
	}{
		{"direct ok", Envelope{Type: KindInvite, From: "a", To: "b"}, nil},
		{"no sender", Envelope{Type: KindInvite, To: "b"}, ErrMissingSender},
		{"no recipient", Envelope{Type: KindAccept, From: "a"}, ErrMissingRecipient},
		{"room ok", Envelope{Type: KindGroupJoin, From: "a", RoomID: "r"}, nil},
		{"no room", Envelope{Type: KindGroupLeave, From: "a"}, ErrMissingRoom},
		{"notice", Envelope{Type: KindError, From: ServerID}, nil},
		{"unknown", Envelope{Type: "dance", From: "a"}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	env, err := NewEnvelope(KindEnd, "alice", "bob", "", CallPayload{CallID: "c1", Reason: "hung up"})
	require.NoError(t, err)

	f, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(f), `"type":"end"`)
	assert.NotContains(t, string(f), "roomId")

	got, err := Decode(f)
	require.NoError(t, err)
	var p CallPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "hung up", p.Reason)
	assert.Equal(t, "c1", p.CallID)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(Frame(`{"type":`))
	assert.Error(t, err)

	_, err = Decode(Frame(`{"type":"invite","from":"a"}`))
	assert.ErrorIs(t, err, ErrMissingRecipient)

	_, err = Decode(Frame(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrMissingSender)
}

func TestDecodeFrom_StampsSender(t *testing.T) {
	env, err := DecodeFrom(Frame(`{"type":"invite","to":"bob"}`), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), env.From)

	env, err = DecodeFrom(Frame(`{"type":"end","from":"mallory","to":"bob"}`), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), env.From)

	_, err = DecodeFrom(Frame(`{"type":"group-join"}`), "alice")
	assert.ErrorIs(t, err, ErrMissingRoom)
}

func TestDecodePayload_Empty(t *testing.T) {
	env := Envelope{Type: KindGroupMute, From: "a", RoomID: "r"}
	var p MutePayload
	assert.Error(t, env.DecodePayload(&p))
}

func TestSenderFunc(t *testing.T) {
	var got Envelope
	s := SenderFunc(func(_ context.Context, env Envelope) error {
		got = env
		return nil
	})
	require.NoError(t, s.Send(context.Background(), Envelope{Type: KindBusy}))
	assert.Equal(t, KindBusy, got.Type)
}
