package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/pkg/logger"
)

// SessionService связывает жизненный цикл соединения со всеми
// компонентами: реестр, присутствие, голос, индикаторы набора.
type SessionService interface {
	Connect(ctx context.Context, token string) (*realtime.Connection, error)
	// Disconnect идемпотентен и возвращается, только когда соединение
	// убрано из всех структур
	Disconnect(ctx context.Context, connID uuid.UUID)
	// Subscribe проверяет доступ к каналу и только потом входит в его комнату
	Subscribe(ctx context.Context, conn *realtime.Connection, channelID uuid.UUID) (*domain.Channel, error)
	Unsubscribe(conn *realtime.Connection, channelID uuid.UUID) error
	// Evict выводит участника из сервера (kick и ban на этом уровне одинаковы)
	Evict(ctx context.Context, serverID, userID uuid.UUID) int
}

type sessionService struct {
	hub       *realtime.Hub
	auth      AuthService
	access    AccessService
	directory repository.DirectoryRepository
	presence  PresenceService
	typing    TypingService
	voice     VoiceService
	log       logger.Logger
}

func NewSessionService(
	hub *realtime.Hub,
	auth AuthService,
	access AccessService,
	directory repository.DirectoryRepository,
	presence PresenceService,
	typing TypingService,
	voice VoiceService,
	log logger.Logger,
) SessionService {
	return &sessionService{
		hub:       hub,
		auth:      auth,
		access:    access,
		directory: directory,
		presence:  presence,
		typing:    typing,
		voice:     voice,
		log:       log,
	}
}

func (s *sessionService) Connect(ctx context.Context, token string) (*realtime.Connection, error) {
	user, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	servers, err := s.directory.ServerMemberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	friends, err := s.directory.Friends(ctx, user.ID)
	if err != nil {
		// без друзей присутствие все равно уйдет в комнаты серверов
		s.log.Warn("Failed to load friends, continuing without them", "error", err, "user_id", user.ID)
		friends = nil
	}

	conn, err := s.hub.Register(user, servers)
	if err != nil {
		return nil, err
	}

	s.presence.Connected(ctx, conn, Audience{Servers: servers, Friends: friends})

	s.log.Info("Client connected", "user_id", user.ID, "connection_id", conn.ID(), "servers", len(servers))
	return conn, nil
}

func (s *sessionService) Disconnect(ctx context.Context, connID uuid.UUID) {
	conn, remaining, ok := s.hub.Unregister(connID)
	if !ok {
		return
	}

	s.voice.DepartConnection(conn)

	if s.presence.Disconnected(ctx, conn) {
		if n := s.typing.ExpireIdentity(conn.UserID()); n > 0 {
			s.log.Debug("Typing entries expired on disconnect", "user_id", conn.UserID(), "count", n)
		}
	}

	s.log.Info("Client disconnected", "user_id", conn.UserID(), "connection_id", connID, "remaining", remaining)
}

func (s *sessionService) Subscribe(ctx context.Context, conn *realtime.Connection, channelID uuid.UUID) (*domain.Channel, error) {
	channel, err := s.access.CheckChannelAccess(ctx, conn.UserID(), channelID)
	if err != nil {
		return nil, err
	}

	var serverID uuid.UUID
	if channel.ServerID != nil {
		serverID = *channel.ServerID
	}
	if err := s.hub.Join(conn.ID(), domain.ChannelRoom(channelID), serverID); err != nil {
		return nil, err
	}
	return channel, nil
}

func (s *sessionService) Unsubscribe(conn *realtime.Connection, channelID uuid.UUID) error {
	return s.hub.Leave(conn.ID(), domain.ChannelRoom(channelID))
}

func (s *sessionService) Evict(ctx context.Context, serverID, userID uuid.UUID) int {
	serverRoom := domain.ServerRoom(serverID)
	left := 0
	for _, conn := range s.hub.ConnectionsOf(userID) {
		rooms := s.hub.LeaveWhere(conn.ID(), func(key string, owner uuid.UUID) bool {
			return key == serverRoom || (owner == serverID && !strings.HasPrefix(key, domain.RoomPrefixVoice))
		})
		left += len(rooms)
	}

	// голосовую комнату снимает менеджер голоса, чтобы остальные получили voice:user_left
	s.voice.EvictServer(userID, serverID)
	s.presence.RemoveServer(userID, serverID)

	s.hub.Broadcast(domain.UserRoom(userID), EventServerMemberRemove, MemberRemovedPayload{
		ServerID: serverID,
		UserID:   userID,
	}, uuid.Nil)

	s.log.Info("Member evicted", "server_id", serverID, "user_id", userID, "rooms_left", left)
	return left
}
