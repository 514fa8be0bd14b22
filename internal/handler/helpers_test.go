package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chat_realtime/internal/config"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/middleware"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/internal/service"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/jwt"
	"chat_realtime/pkg/logger"
	"chat_realtime/pkg/wsclient"
)

const (
	testSecret     = "test-secret"
	testServiceKey = "crud-service-key"
)

type memoryDirectory struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*domain.User
	servers  map[uuid.UUID][]uuid.UUID
	channels map[uuid.UUID]*domain.Channel
	messages map[uuid.UUID]*domain.MessageMeta
}

func (d *memoryDirectory) GetIdentity(_ context.Context, id uuid.UUID) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (d *memoryDirectory) ServerMemberships(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uuid.UUID(nil), d.servers[userID]...), nil
}

func (d *memoryDirectory) Friends(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (d *memoryDirectory) GetChannel(_ context.Context, channelID uuid.UUID) (*domain.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	if !ok {
		return nil, apperrors.ErrChannelNotFound
	}
	copied := *channel
	return &copied, nil
}

func (d *memoryDirectory) IsServerMember(_ context.Context, serverID, userID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.servers[userID] {
		if id == serverID {
			return true, nil
		}
	}
	return false, nil
}

func (d *memoryDirectory) GetMessageMeta(_ context.Context, messageID uuid.UUID) (*domain.MessageMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.messages[messageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (d *memoryDirectory) Ping(context.Context) error { return nil }

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	hub *realtime.Hub
	dir *memoryDirectory
	svc *service.Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testServiceKey), bcrypt.MinCost)
	require.NoError(t, err)

	log := logger.NewNop()
	dir := &memoryDirectory{
		users:    make(map[uuid.UUID]*domain.User),
		servers:  make(map[uuid.UUID][]uuid.UUID),
		channels: make(map[uuid.UUID]*domain.Channel),
		messages: make(map[uuid.UUID]*domain.MessageMeta),
	}
	repos := &repository.Repositories{
		Directory: dir,
		Presence:  repository.NewPresenceRepository(rdb, log),
		Reaction:  repository.NewReactionRepository(rdb, log),
		RateLimit: repository.NewRateLimitRepository(rdb, log),
	}

	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		JWT:    config.JWTConfig{AccessSecret: testSecret, Issuer: "test"},
		Realtime: config.RealtimeConfig{
			SendQueueSize:       256,
			InboundQueueSize:    16,
			MaxMessageSize:      4096,
			PingInterval:        time.Second,
			PongWait:            2 * time.Second,
			WriteWait:           time.Second,
			TypingTTL:           2 * time.Second,
			TypingSweepInterval: time.Second,
			CommandRate:         100,
			CommandBurst:        100,
			ConnectLimit:        5,
		},
		Internal: config.InternalConfig{APIKeyHash: string(hash)},
	}

	hub := realtime.NewHub(cfg.Realtime.SendQueueSize, log)
	services := service.NewServices(repos, hub, cfg, log)
	handlers := NewHandlers(services, repos, rdb, hub, cfg, log)

	auth := middleware.NewAuthMiddleware(services.Auth, log)
	rateLimit := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.Realtime.ConnectLimit, log)

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	router.GET("/health/ready", handlers.Health.Ready)
	router.GET("/ws", rateLimit.LimitConnects(), handlers.WebSocket.HandleConnect)
	internal := router.Group("/internal/v1", auth.RequireServiceKey())
	internal.POST("/messages", handlers.Events.MessageCreated)
	internal.DELETE("/channels/:channelId/messages/:messageId", handlers.Events.MessageDeleted)
	internal.POST("/messages/:messageId/reactions", handlers.Events.PublishReactions)
	internal.GET("/messages/:messageId/reactions", handlers.Events.Reactions)
	internal.POST("/servers/:serverId/members/:userId/evict", handlers.Events.EvictMember)
	internal.GET("/voice/:channelId", handlers.Events.VoiceRoster)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return &testServer{t: t, srv: srv, hub: hub, dir: dir, svc: services}
}

func (s *testServer) addUser(name string, servers ...uuid.UUID) *domain.User {
	user := &domain.User{ID: uuid.New(), Username: name, DisplayName: name, IsActive: true}
	s.dir.mu.Lock()
	s.dir.users[user.ID] = user
	s.dir.servers[user.ID] = servers
	s.dir.mu.Unlock()
	return user
}

func (s *testServer) addChannel(serverID uuid.UUID, kind string) *domain.Channel {
	sid := serverID
	channel := &domain.Channel{ID: uuid.New(), Name: kind, Type: kind, ServerID: &sid}
	s.dir.mu.Lock()
	s.dir.channels[channel.ID] = channel
	s.dir.mu.Unlock()
	return channel
}

func (s *testServer) token(user *domain.User) string {
	token, err := jwt.GenerateAccessToken(user.ID, user.Email, domain.GlobalRoleUser, testSecret, "test", time.Hour)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// dial подключает клиента, запускает Run и ждет authenticated
func (s *testServer) dial(user *domain.User) (*wsclient.Client, wsclient.Event) {
	s.t.Helper()
	client := wsclient.New(s.wsURL(), s.token(user))
	require.NoError(s.t, client.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	s.t.Cleanup(func() {
		cancel()
		<-done
	})

	return client, s.expect(client, service.EventAuthenticated)
}

// expect пропускает события, пока не придет нужное
func (s *testServer) expect(client *wsclient.Client, name string) wsclient.Event {
	s.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-client.Events():
			require.True(s.t, ok, "client stopped while waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			s.t.Fatalf("timed out waiting for %s", name)
		}
	}
}

// join входит в канал и ждет, пока сервер обработает команду
func (s *testServer) join(client *wsclient.Client, conn uuid.UUID, channel *domain.Channel) {
	s.t.Helper()
	require.NoError(s.t, client.JoinChannel(channel.ID))
	require.Eventually(s.t, func() bool {
		c, ok := s.hub.Connection(conn)
		return ok && c.InRoom(domain.ChannelRoom(channel.ID))
	}, 3*time.Second, 10*time.Millisecond)
}

func (s *testServer) internalCall(method, path string, body interface{}, key string) *http.Response {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.ServiceKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEvent(t *testing.T, ev wsclient.Event, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ev.Data, v))
}
