package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_realtime/internal/domain"
	"chat_realtime/pkg/logger"
)

func newTestUser(name string) *domain.User {
	return &domain.User{ID: uuid.New(), Username: name, DisplayName: name, IsActive: true}
}

func drain(conn *Connection) []*Envelope {
	var out []*Envelope
	for {
		select {
		case frame := <-conn.Outbound():
			env, err := Decode(frame)
			if err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func events(envs []*Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func TestHub_RegisterJoinsUserAndServerRooms(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	user := newTestUser("alice")
	serverID := uuid.New()

	conn, err := hub.Register(user, []uuid.UUID{serverID})
	require.NoError(t, err)

	assert.True(t, conn.InRoom(domain.UserRoom(user.ID)))
	assert.True(t, conn.InRoom(domain.ServerRoom(serverID)))
	assert.Equal(t, 1, hub.ConnectionCount())
	assert.Equal(t, 1, hub.RoomSize(domain.ServerRoom(serverID)))
}

func TestHub_JoinLeaveIdempotent(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	conn, err := hub.Register(newTestUser("alice"), nil)
	require.NoError(t, err)

	room := domain.ChannelRoom(uuid.New())
	require.NoError(t, hub.Join(conn.ID(), room, uuid.Nil))
	require.NoError(t, hub.Join(conn.ID(), room, uuid.Nil))
	assert.Equal(t, 1, hub.RoomSize(room))

	require.NoError(t, hub.Leave(conn.ID(), room))
	require.NoError(t, hub.Leave(conn.ID(), room))
	assert.Equal(t, 0, hub.RoomSize(room))
	assert.False(t, conn.InRoom(room))
}

func TestHub_BroadcastOnlyToCurrentMembers(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	a, _ := hub.Register(newTestUser("alice"), nil)
	b, _ := hub.Register(newTestUser("bob"), nil)
	room := domain.ChannelRoom(uuid.New())

	require.NoError(t, hub.Join(a.ID(), room, uuid.Nil))
	hub.Broadcast(room, "first", map[string]int{"n": 1}, uuid.Nil)

	require.NoError(t, hub.Join(b.ID(), room, uuid.Nil))
	hub.Broadcast(room, "second", map[string]int{"n": 2}, uuid.Nil)

	assert.Equal(t, []string{"first", "second"}, events(drain(a)))
	assert.Equal(t, []string{"second"}, events(drain(b)))
}

func TestHub_BroadcastExcludesOrigin(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	a, _ := hub.Register(newTestUser("alice"), nil)
	b, _ := hub.Register(newTestUser("bob"), nil)
	room := domain.ChannelRoom(uuid.New())
	require.NoError(t, hub.Join(a.ID(), room, uuid.Nil))
	require.NoError(t, hub.Join(b.ID(), room, uuid.Nil))

	delivered := hub.Broadcast(room, "user_typing", nil, a.ID())

	assert.Equal(t, 1, delivered)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
}

func TestHub_BroadcastRoomsDeduplicates(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	s1, s2 := uuid.New(), uuid.New()
	conn, _ := hub.Register(newTestUser("alice"), []uuid.UUID{s1, s2})

	hub.BroadcastRooms([]string{domain.ServerRoom(s1), domain.ServerRoom(s2)}, "presence:update", nil, uuid.Nil)

	assert.Len(t, drain(conn), 1)
}

func TestHub_PreservesPerRoomOrder(t *testing.T) {
	hub := NewHub(512, logger.NewNop())
	conn, _ := hub.Register(newTestUser("alice"), nil)
	room := domain.ChannelRoom(uuid.New())
	require.NoError(t, hub.Join(conn.ID(), room, uuid.Nil))

	for i := 0; i < 200; i++ {
		hub.Broadcast(room, "new_message", map[string]int{"seq": i}, uuid.Nil)
	}

	envs := drain(conn)
	require.Len(t, envs, 200)
	for i, env := range envs {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestHub_UnregisterIdempotent(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	user := newTestUser("alice")
	first, _ := hub.Register(user, nil)
	second, _ := hub.Register(user, nil)

	_, remaining, ok := hub.Unregister(first.ID())
	require.True(t, ok)
	assert.Equal(t, 1, remaining)

	_, _, ok = hub.Unregister(first.ID())
	assert.False(t, ok)

	_, remaining, ok = hub.Unregister(second.ID())
	require.True(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.Empty(t, hub.ConnectionsOf(user.ID))

	select {
	case <-first.Done():
	default:
		t.Fatal("done channel must be closed after unregister")
	}
}

func TestHub_ConcurrentUnregisterReportsOnce(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	conn, _ := hub.Register(newTestUser("alice"), []uuid.UUID{uuid.New()})

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, ok := hub.Unregister(conn.ID()); ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Empty(t, conn.Rooms())
}

func TestHub_JoinAfterUnregisterFails(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	conn, _ := hub.Register(newTestUser("alice"), nil)
	hub.Unregister(conn.ID())

	room := domain.ChannelRoom(uuid.New())
	assert.Error(t, hub.Join(conn.ID(), room, uuid.Nil))
	assert.Equal(t, 0, hub.RoomSize(room))
}

func TestHub_ConcurrentJoinAndUnregisterLeavesNoStaleMembers(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	room := domain.ChannelRoom(uuid.New())

	for i := 0; i < 50; i++ {
		conn, _ := hub.Register(newTestUser("alice"), nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Join(conn.ID(), room, uuid.Nil)
		}()
		go func() {
			defer wg.Done()
			hub.Unregister(conn.ID())
		}()
		wg.Wait()
	}

	assert.Equal(t, 0, hub.RoomSize(room))
}

func TestHub_FullQueueKicksOnlySlowConnection(t *testing.T) {
	hub := NewHub(2, logger.NewNop())
	slow, _ := hub.Register(newTestUser("slow"), nil)
	fast, _ := hub.Register(newTestUser("fast"), nil)
	room := domain.ChannelRoom(uuid.New())
	require.NoError(t, hub.Join(slow.ID(), room, uuid.Nil))
	require.NoError(t, hub.Join(fast.ID(), room, uuid.Nil))

	for i := 0; i < 3; i++ {
		hub.Broadcast(room, "new_message", i, uuid.Nil)
		drain(fast)
	}

	select {
	case <-slow.Kicked():
	case <-time.After(time.Second):
		t.Fatal("slow connection must be kicked")
	}
	select {
	case <-fast.Kicked():
		t.Fatal("fast connection must stay")
	default:
	}
}

func TestHub_LeaveWhereByServer(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	serverID := uuid.New()
	conn, _ := hub.Register(newTestUser("alice"), []uuid.UUID{serverID})

	owned := domain.ChannelRoom(uuid.New())
	dm := domain.ChannelRoom(uuid.New())
	require.NoError(t, hub.Join(conn.ID(), owned, serverID))
	require.NoError(t, hub.Join(conn.ID(), dm, uuid.Nil))

	left := hub.LeaveWhere(conn.ID(), func(_ string, sid uuid.UUID) bool { return sid == serverID })

	assert.ElementsMatch(t, []string{domain.ServerRoom(serverID), owned}, left)
	assert.True(t, conn.InRoom(dm))
	assert.True(t, conn.InRoom(domain.UserRoom(conn.UserID())))
}

func TestHub_RoomUsersUnique(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	user := newTestUser("alice")
	room := domain.VoiceRoom(uuid.New())
	c1, _ := hub.Register(user, nil)
	c2, _ := hub.Register(user, nil)
	require.NoError(t, hub.Join(c1.ID(), room, uuid.Nil))
	require.NoError(t, hub.Join(c2.ID(), room, uuid.Nil))

	users := hub.RoomUsers(room)
	require.Len(t, users, 1)
	assert.Equal(t, user.ID, users[0].ID)
}

func TestHub_ShutdownRefusesRegistrations(t *testing.T) {
	hub := NewHub(16, logger.NewNop())
	conn, _ := hub.Register(newTestUser("alice"), nil)

	hub.Shutdown()

	select {
	case <-conn.Kicked():
	default:
		t.Fatal("existing connections must be kicked")
	}
	_, err := hub.Register(newTestUser("bob"), nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}
