package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_realtime/internal/domain"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/jwt"
)

func TestSession_ConnectRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")

	expired, err := jwt.GenerateAccessToken(alice.ID, "", "", testSecret, "test", -time.Minute)
	require.NoError(t, err)
	foreign, err := jwt.GenerateAccessToken(alice.ID, "", "", "other-secret", "test", time.Hour)
	require.NoError(t, err)
	unknown, err := jwt.GenerateAccessToken(uuid.New(), "", "", testSecret, "test", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "wrong secret", token: foreign},
		{name: "unknown identity", token: unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := env.svc.Session.Connect(context.Background(), tt.token)
			assert.Nil(t, conn)
			assert.True(t, apperrors.IsAuthentication(err), "got %v", err)
		})
	}

	assert.Equal(t, 0, env.hub.ConnectionCount())
	_, count := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, 0, count)
}

func TestSession_ConnectRejectsInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	env.dir.mu.Lock()
	env.dir.users[alice.ID].IsActive = false
	env.dir.mu.Unlock()

	_, err := env.svc.Session.Connect(context.Background(), env.token(alice))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestSession_ConnectJoinsPersonalAndServerRooms(t *testing.T) {
	env := newTestEnv(t)
	s1, s2 := uuid.New(), uuid.New()
	alice := env.addUser("alice", s1, s2)

	conn := env.connect(alice)

	assert.ElementsMatch(t, []string{
		domain.UserRoom(alice.ID),
		domain.ServerRoom(s1),
		domain.ServerRoom(s2),
	}, conn.Rooms())
}

func TestSession_SubscribeChecksAccess(t *testing.T) {
	env := newTestEnv(t)
	serverID := uuid.New()
	alice := env.addUser("alice", serverID)
	bob := env.addUser("bob")
	conn := env.connect(alice)
	ctx := context.Background()

	serverChannel := env.addChannel(serverID, domain.ChannelTypeText, 0)
	foreignChannel := env.addChannel(uuid.New(), domain.ChannelTypeText, 0)
	dm := env.addChannel(uuid.Nil, domain.ChannelTypeDM, 0)
	env.dir.mu.Lock()
	env.dir.channels[dm.ID].Participants = []uuid.UUID{alice.ID, bob.ID}
	env.dir.mu.Unlock()
	privateDM := env.addChannel(uuid.Nil, domain.ChannelTypeDM, 0)

	_, err := env.svc.Session.Subscribe(ctx, conn, serverChannel.ID)
	require.NoError(t, err)
	_, err = env.svc.Session.Subscribe(ctx, conn, dm.ID)
	require.NoError(t, err)
	_, err = env.svc.Session.Subscribe(ctx, conn, foreignChannel.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = env.svc.Session.Subscribe(ctx, conn, privateDM.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = env.svc.Session.Subscribe(ctx, conn, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrChannelNotFound)

	assert.True(t, conn.InRoom(domain.ChannelRoom(serverChannel.ID)))
	assert.True(t, conn.InRoom(domain.ChannelRoom(dm.ID)))
	assert.False(t, conn.InRoom(domain.ChannelRoom(foreignChannel.ID)))

	require.NoError(t, env.svc.Session.Unsubscribe(conn, serverChannel.ID))
	require.NoError(t, env.svc.Session.Unsubscribe(conn, serverChannel.ID))
	assert.False(t, conn.InRoom(domain.ChannelRoom(serverChannel.ID)))
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	serverID := uuid.New()
	alice := env.addUser("alice", serverID)
	observer := env.connect(env.addUser("bob", serverID))
	conn := env.connect(alice)
	drain(observer)
	ctx := context.Background()

	env.svc.Session.Disconnect(ctx, conn.ID())
	env.svc.Session.Disconnect(ctx, conn.ID())

	assert.Len(t, only(drain(observer), EventPresenceUpdate), 1)
	assert.Empty(t, conn.Rooms())
	assert.Equal(t, 1, env.hub.ConnectionCount())
}

func TestSession_EvictRemovesServerScopedMembership(t *testing.T) {
	env := newTestEnv(t)
	kept, evicted := uuid.New(), uuid.New()
	alice := env.addUser("alice", kept, evicted)
	bob := env.addUser("bob", evicted)
	ctx := context.Background()

	conn := env.connect(alice)
	peer := env.connect(bob)

	text := env.addChannel(evicted, domain.ChannelTypeText, 0)
	voice := env.addChannel(evicted, domain.ChannelTypeVoice, 0)
	other := env.addChannel(kept, domain.ChannelTypeText, 0)
	env.joinChannel(conn, text)
	env.joinChannel(conn, other)
	_, err := env.svc.Voice.Join(ctx, conn, voice.ID, false, false)
	require.NoError(t, err)
	_, err = env.svc.Voice.Join(ctx, peer, voice.ID, false, false)
	require.NoError(t, err)
	drain(conn)
	drain(peer)

	env.svc.Session.Evict(ctx, evicted, alice.ID)

	assert.False(t, conn.InRoom(domain.ServerRoom(evicted)))
	assert.False(t, conn.InRoom(domain.ChannelRoom(text.ID)))
	assert.False(t, conn.InRoom(domain.VoiceRoom(voice.ID)))
	assert.True(t, conn.InRoom(domain.ServerRoom(kept)))
	assert.True(t, conn.InRoom(domain.ChannelRoom(other.ID)))

	removed := only(drain(conn), EventServerMemberRemove)
	require.Len(t, removed, 1)
	var payload MemberRemovedPayload
	decodeData(t, removed[0], &payload)
	assert.Equal(t, evicted, payload.ServerID)

	assert.Len(t, only(drain(peer), EventVoiceUserLeft), 1)
	roster := env.svc.Voice.Roster(voice.ID)
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].Username)
}

func TestRateLimit_AllowConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := env.svc.RateLimit.AllowConnect(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := env.svc.RateLimit.AllowConnect(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.svc.RateLimit.AllowConnect(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)

	limiter := env.svc.RateLimit.CommandLimiter()
	assert.Equal(t, 40, limiter.Burst())
}
