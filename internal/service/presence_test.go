package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_realtime/internal/domain"
	apperrors "chat_realtime/pkg/errors"
)

func TestPresence_FirstAndLastConnectionTransitions(t *testing.T) {
	env := newTestEnv(t)
	serverID := uuid.New()
	alice := env.addUser("alice", serverID)
	bob := env.addUser("bob", serverID)

	observer := env.connect(bob)
	drain(observer)

	first := env.connect(alice)
	envs := drain(observer)
	assert.Equal(t, []string{EventPresenceUpdate, EventUserStatusUpdate}, eventNames(envs))

	var payload PresencePayload
	decodeData(t, envs[0], &payload)
	assert.Equal(t, alice.ID, payload.UserID)
	assert.Equal(t, domain.PresenceOnline, payload.Status)

	second := env.connect(alice)
	assert.Empty(t, drain(observer), "second connection must not re-announce")

	ctx := context.Background()
	env.svc.Session.Disconnect(ctx, first.ID())
	assert.Empty(t, drain(observer))
	_, count := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, 1, count)

	// повторное отключение того же соединения ничего не меняет
	env.svc.Session.Disconnect(ctx, first.ID())
	_, count = env.svc.Presence.Get(alice.ID)
	assert.Equal(t, 1, count)

	env.svc.Session.Disconnect(ctx, second.ID())
	envs = drain(observer)
	require.Len(t, only(envs, EventPresenceUpdate), 1)
	decodeData(t, only(envs, EventPresenceUpdate)[0], &payload)
	assert.Equal(t, domain.PresenceOffline, payload.Status)
	assert.NotNil(t, payload.LastSeen)

	presence, count := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, 0, count)
	assert.Equal(t, domain.PresenceOffline, presence.Status)
}

func TestPresence_ConcurrentConnectDisconnectNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice", uuid.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := env.svc.Session.Connect(ctx, env.token(alice))
			if !assert.NoError(t, err) {
				return
			}
			// двойное отключение одного соединения из разных горутин
			var inner sync.WaitGroup
			for j := 0; j < 2; j++ {
				inner.Add(1)
				go func() {
					defer inner.Done()
					env.svc.Session.Disconnect(ctx, conn.ID())
				}()
			}
			inner.Wait()
		}()
	}
	wg.Wait()

	presence, count := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, 0, count)
	assert.Equal(t, domain.PresenceOffline, presence.Status)
	assert.Equal(t, 0, env.hub.ConnectionCount())
}

func TestPresence_SetStatus(t *testing.T) {
	env := newTestEnv(t)
	serverID := uuid.New()
	alice := env.addUser("alice", serverID)
	bob := env.addUser("bob", serverID)
	ctx := context.Background()

	conn := env.connect(alice)
	observer := env.connect(bob)
	drain(conn)
	drain(observer)

	custom := "in a meeting"
	require.NoError(t, env.svc.Presence.SetStatus(ctx, conn, domain.PresenceBusy, &custom))

	envs := drain(observer)
	assert.Equal(t, []string{EventPresenceUpdate, EventUserStatusUpdate}, eventNames(envs))
	var payload PresencePayload
	decodeData(t, envs[1], &payload)
	assert.Equal(t, domain.PresenceBusy, payload.Status)
	assert.Equal(t, custom, payload.CustomStatus)
	assert.Empty(t, drain(conn), "origin connection is excluded")

	tests := []struct {
		name   string
		status domain.PresenceStatus
		err    error
	}{
		{name: "explicit offline", status: domain.PresenceOffline, err: apperrors.ErrInvalidStateTransition},
		{name: "unknown status", status: "sleeping", err: apperrors.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.Presence.SetStatus(ctx, conn, tt.status, nil)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	presence, _ := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, domain.PresenceBusy, presence.Status)
}

func TestPresence_SetStatusAfterDisconnectRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	ctx := context.Background()

	conn := env.connect(alice)
	env.svc.Session.Disconnect(ctx, conn.ID())

	err := env.svc.Presence.SetStatus(ctx, conn, domain.PresenceAway, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)
}

func TestPresence_FriendsReceiveUpdates(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	env.befriend(alice, bob)

	friend := env.connect(bob)
	drain(friend)

	env.connect(alice)

	envs := drain(friend)
	require.Len(t, only(envs, EventUserStatusUpdate), 1)
}

func TestPresence_CustomStatusRestoredFromStore(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser("alice")
	ctx := context.Background()

	conn := env.connect(alice)
	custom := "on vacation"
	require.NoError(t, env.svc.Presence.SetStatus(ctx, conn, domain.PresenceAway, &custom))
	env.svc.Session.Disconnect(ctx, conn.ID())

	env.connect(alice)
	presence, _ := env.svc.Presence.Get(alice.ID)
	assert.Equal(t, domain.PresenceOnline, presence.Status)
	assert.Equal(t, custom, presence.CustomStatus)
}

func TestPresence_ActivityAndRequests(t *testing.T) {
	env := newTestEnv(t)
	serverID := uuid.New()
	alice := env.addUser("alice", serverID)
	bob := env.addUser("bob", serverID)
	ctx := context.Background()

	conn := env.connect(alice)
	observer := env.connect(bob)
	drain(observer)

	require.NoError(t, env.svc.Presence.SetActivity(ctx, conn, []byte(`{"type":"listening","name":"radio"}`)))
	require.NoError(t, env.svc.Presence.ClearActivity(ctx, conn))
	assert.Equal(t, []string{EventActivityUpdate, EventActivityClear}, eventNames(drain(observer)))

	assert.ErrorIs(t, env.svc.Presence.SetActivity(ctx, conn, []byte(`not json`)), apperrors.ErrBadRequest)

	assert.Equal(t, 1, env.svc.Presence.Request(observer, []uuid.UUID{alice.ID}))
	requests := only(drain(conn), EventPresenceRequest)
	require.Len(t, requests, 1)
	var req PresenceRequestPayload
	decodeData(t, requests[0], &req)
	assert.Equal(t, bob.ID, req.RequesterID)

	env.svc.Presence.Respond(ctx, conn, bob.ID, PresenceResponsePayload{Status: domain.PresenceAway})
	responses := only(drain(observer), EventPresenceResponse)
	require.Len(t, responses, 1)
	var resp PresenceResponsePayload
	decodeData(t, responses[0], &resp)
	assert.Equal(t, alice.ID, resp.UserID)
	assert.Equal(t, domain.PresenceAway, resp.Status)

	users := env.svc.Presence.OnlineUsers(serverID)
	assert.Len(t, users, 2)
}
