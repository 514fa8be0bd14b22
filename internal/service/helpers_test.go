package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chat_realtime/internal/config"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/jwt"
	"chat_realtime/pkg/logger"
)

const testSecret = "test-secret"

// fakeDirectory - CRUD-слой в памяти
type fakeDirectory struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*domain.User
	servers  map[uuid.UUID][]uuid.UUID
	friends  map[uuid.UUID][]uuid.UUID
	channels map[uuid.UUID]*domain.Channel
	messages map[uuid.UUID]*domain.MessageMeta
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:    make(map[uuid.UUID]*domain.User),
		servers:  make(map[uuid.UUID][]uuid.UUID),
		friends:  make(map[uuid.UUID][]uuid.UUID),
		channels: make(map[uuid.UUID]*domain.Channel),
		messages: make(map[uuid.UUID]*domain.MessageMeta),
	}
}

func (d *fakeDirectory) GetIdentity(_ context.Context, id uuid.UUID) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (d *fakeDirectory) ServerMemberships(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.servers[userID]...), nil
}

func (d *fakeDirectory) Friends(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.friends[userID]...), nil
}

func (d *fakeDirectory) GetChannel(_ context.Context, channelID uuid.UUID) (*domain.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	if !ok {
		return nil, apperrors.ErrChannelNotFound
	}
	copied := *channel
	return &copied, nil
}

func (d *fakeDirectory) IsServerMember(_ context.Context, serverID, userID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.servers[userID] {
		if id == serverID {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) GetMessageMeta(_ context.Context, messageID uuid.UUID) (*domain.MessageMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.messages[messageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (d *fakeDirectory) Ping(context.Context) error { return nil }

type testEnv struct {
	t   *testing.T
	hub *realtime.Hub
	dir *fakeDirectory
	svc *Services
	mr  *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.NewNop()
	dir := newFakeDirectory()
	repos := &repository.Repositories{
		Directory: dir,
		Presence:  repository.NewPresenceRepository(rdb, log),
		Reaction:  repository.NewReactionRepository(rdb, log),
		RateLimit: repository.NewRateLimitRepository(rdb, log),
	}

	cfg := &config.Config{
		JWT: config.JWTConfig{AccessSecret: testSecret, Issuer: "test"},
		Realtime: config.RealtimeConfig{
			SendQueueSize:       1024,
			InboundQueueSize:    16,
			TypingTTL:           2 * time.Second,
			TypingSweepInterval: time.Second,
			CommandRate:         20,
			CommandBurst:        40,
			ConnectLimit:        3,
		},
	}

	hub := realtime.NewHub(cfg.Realtime.SendQueueSize, log)
	return &testEnv{t: t, hub: hub, dir: dir, svc: NewServices(repos, hub, cfg, log), mr: mr}
}

func (e *testEnv) addUser(name string, servers ...uuid.UUID) *domain.User {
	user := &domain.User{ID: uuid.New(), Username: name, DisplayName: name, IsActive: true}
	e.dir.mu.Lock()
	e.dir.users[user.ID] = user
	e.dir.servers[user.ID] = servers
	e.dir.mu.Unlock()
	return user
}

func (e *testEnv) befriend(a, b *domain.User) {
	e.dir.mu.Lock()
	e.dir.friends[a.ID] = append(e.dir.friends[a.ID], b.ID)
	e.dir.friends[b.ID] = append(e.dir.friends[b.ID], a.ID)
	e.dir.mu.Unlock()
}

func (e *testEnv) addChannel(serverID uuid.UUID, kind string, limit int) *domain.Channel {
	channel := &domain.Channel{ID: uuid.New(), Name: kind, Type: kind, UserLimit: limit}
	if serverID != uuid.Nil {
		sid := serverID
		channel.ServerID = &sid
	}
	e.dir.mu.Lock()
	e.dir.channels[channel.ID] = channel
	e.dir.mu.Unlock()
	return channel
}

func (e *testEnv) addMessage(channel *domain.Channel) uuid.UUID {
	meta := &domain.MessageMeta{ID: uuid.New(), ChannelID: channel.ID, ServerID: channel.ServerID}
	e.dir.mu.Lock()
	e.dir.messages[meta.ID] = meta
	e.dir.mu.Unlock()
	return meta.ID
}

func (e *testEnv) token(user *domain.User) string {
	token, err := jwt.GenerateAccessToken(user.ID, user.Email, domain.GlobalRoleUser, testSecret, "test", time.Hour)
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) connect(user *domain.User) *realtime.Connection {
	e.t.Helper()
	conn, err := e.svc.Session.Connect(context.Background(), e.token(user))
	require.NoError(e.t, err)
	return conn
}

func (e *testEnv) joinChannel(conn *realtime.Connection, channel *domain.Channel) {
	e.t.Helper()
	_, err := e.svc.Session.Subscribe(context.Background(), conn, channel.ID)
	require.NoError(e.t, err)
}

func drain(conn *realtime.Connection) []*realtime.Envelope {
	var out []*realtime.Envelope
	for {
		select {
		case frame := <-conn.Outbound():
			if env, err := realtime.Decode(frame); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func eventNames(envs []*realtime.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func only(envs []*realtime.Envelope, event string) []*realtime.Envelope {
	var out []*realtime.Envelope
	for _, env := range envs {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func decodeData(t *testing.T, env *realtime.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}
