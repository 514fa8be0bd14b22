package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

const maxPresenceRequestTargets = 100

// Audience - кому рассылаются изменения присутствия identity
type Audience struct {
	Servers []uuid.UUID
	Friends []uuid.UUID
}

type PresenceService interface {
	// Connected учитывает новое соединение; первое соединение переводит в online
	Connected(ctx context.Context, conn *realtime.Connection, audience Audience)
	// Disconnected снимает соединение с учета и возвращает true,
	// если это было последнее соединение identity
	Disconnected(ctx context.Context, conn *realtime.Connection) bool
	SetStatus(ctx context.Context, conn *realtime.Connection, status domain.PresenceStatus, customStatus *string) error
	SetActivity(ctx context.Context, conn *realtime.Connection, activity json.RawMessage) error
	ClearActivity(ctx context.Context, conn *realtime.Connection) error
	Get(userID uuid.UUID) (domain.Presence, int)
	OnlineUsers(serverID uuid.UUID) []OnlineUser
	Request(conn *realtime.Connection, targets []uuid.UUID) int
	Respond(ctx context.Context, conn *realtime.Connection, requesterID uuid.UUID, response PresenceResponsePayload)
	RemoveServer(userID, serverID uuid.UUID)
}

type presenceRecord struct {
	conns    map[uuid.UUID]struct{}
	profile  domain.Profile
	presence domain.Presence
	audience Audience
}

type presenceService struct {
	hub  *realtime.Hub
	repo repository.PresenceRepository
	log  logger.Logger

	locks   *realtime.KeyedMutex
	mu      sync.RWMutex
	records map[uuid.UUID]*presenceRecord

	now func() time.Time
}

func NewPresenceService(hub *realtime.Hub, repo repository.PresenceRepository, log logger.Logger) PresenceService {
	return &presenceService{
		hub:     hub,
		repo:    repo,
		log:     log,
		locks:   realtime.NewKeyedMutex(),
		records: make(map[uuid.UUID]*presenceRecord),
		now:     time.Now,
	}
}

func (s *presenceService) record(userID uuid.UUID) *presenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[userID]
}

func (s *presenceService) Connected(ctx context.Context, conn *realtime.Connection, audience Audience) {
	userID := conn.UserID()
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	rec := s.record(userID)
	if rec == nil {
		rec = &presenceRecord{
			conns:   make(map[uuid.UUID]struct{}),
			profile: conn.User().Profile(),
		}
		s.mu.Lock()
		s.records[userID] = rec
		s.mu.Unlock()
	}

	first := len(rec.conns) == 0
	rec.conns[conn.ID()] = struct{}{}
	// последний снимок членства побеждает
	rec.audience = audience

	if !first {
		return
	}

	rec.presence = domain.Presence{
		UserID:   userID,
		Status:   domain.PresenceOnline,
		LastSeen: s.now(),
	}
	if stored, err := s.repo.Get(ctx, userID); err == nil && stored != nil {
		rec.presence.CustomStatus = stored.CustomStatus
	}

	s.broadcastStatus(rec, uuid.Nil)
	s.persist(ctx, rec.presence)
}

func (s *presenceService) Disconnected(ctx context.Context, conn *realtime.Connection) bool {
	userID := conn.UserID()
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	rec := s.record(userID)
	if rec == nil {
		return false
	}
	// повторное снятие того же соединения ничего не меняет
	if _, ok := rec.conns[conn.ID()]; !ok {
		return false
	}
	delete(rec.conns, conn.ID())
	if len(rec.conns) > 0 {
		return false
	}

	rec.presence.Status = domain.PresenceOffline
	rec.presence.Activity = nil
	rec.presence.LastSeen = s.now()

	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()

	s.broadcastStatus(rec, uuid.Nil)
	s.persist(ctx, rec.presence)
	return true
}

func (s *presenceService) SetStatus(ctx context.Context, conn *realtime.Connection, status domain.PresenceStatus, customStatus *string) error {
	if !status.Valid() {
		return apperrors.ErrBadRequest
	}
	// offline достижим только через отключение последнего соединения
	if status == domain.PresenceOffline {
		return apperrors.ErrInvalidStateTransition
	}

	unlock := s.locks.Lock(conn.UserID().String())
	defer unlock()

	rec, err := s.liveRecord(conn)
	if err != nil {
		return err
	}

	rec.presence.Status = status
	if customStatus != nil {
		rec.presence.CustomStatus = *customStatus
	}
	rec.presence.LastSeen = s.now()

	s.broadcastStatus(rec, conn.ID())
	s.persist(ctx, rec.presence)
	return nil
}

func (s *presenceService) SetActivity(ctx context.Context, conn *realtime.Connection, activity json.RawMessage) error {
	if len(activity) == 0 || !json.Valid(activity) {
		return apperrors.ErrBadRequest
	}

	unlock := s.locks.Lock(conn.UserID().String())
	defer unlock()

	rec, err := s.liveRecord(conn)
	if err != nil {
		return err
	}
	rec.presence.Activity = activity

	s.hub.BroadcastRooms(s.audienceRooms(rec), EventActivityUpdate, ActivityPayload{
		UserID:    rec.profile.UserID,
		Username:  rec.profile.Username,
		Activity:  activity,
		Timestamp: s.now(),
	}, conn.ID())
	s.persist(ctx, rec.presence)
	return nil
}

func (s *presenceService) ClearActivity(ctx context.Context, conn *realtime.Connection) error {
	unlock := s.locks.Lock(conn.UserID().String())
	defer unlock()

	rec, err := s.liveRecord(conn)
	if err != nil {
		return err
	}
	rec.presence.Activity = nil

	s.hub.BroadcastRooms(s.audienceRooms(rec), EventActivityClear, ActivityPayload{
		UserID:    rec.profile.UserID,
		Username:  rec.profile.Username,
		Timestamp: s.now(),
	}, conn.ID())
	s.persist(ctx, rec.presence)
	return nil
}

// Get возвращает текущее присутствие и число соединений identity
func (s *presenceService) Get(userID uuid.UUID) (domain.Presence, int) {
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	rec := s.record(userID)
	if rec == nil {
		return domain.Presence{UserID: userID, Status: domain.PresenceOffline}, 0
	}
	return rec.presence, len(rec.conns)
}

func (s *presenceService) OnlineUsers(serverID uuid.UUID) []OnlineUser {
	users := s.hub.RoomUsers(domain.ServerRoom(serverID))
	out := make([]OnlineUser, 0, len(users))
	for _, user := range users {
		presence, _ := s.Get(user.ID)
		status := presence.Status
		if status == domain.PresenceOffline {
			// соединение уже в комнате, а Connected еще не отработал
			status = domain.PresenceOnline
		}
		out = append(out, OnlineUser{Profile: user.Profile(), Status: status, IsOnline: true})
	}
	return out
}

// Request пересылает запрос присутствия в личные комнаты адресатов
func (s *presenceService) Request(conn *realtime.Connection, targets []uuid.UUID) int {
	if len(targets) > maxPresenceRequestTargets {
		targets = targets[:maxPresenceRequestTargets]
	}
	payload := PresenceRequestPayload{
		RequesterID:       conn.UserID(),
		RequesterUsername: conn.User().Username,
	}

	sent := 0
	for _, target := range targets {
		if target == conn.UserID() {
			continue
		}
		sent += s.hub.Broadcast(domain.UserRoom(target), EventPresenceRequest, payload, conn.ID())
	}
	return sent
}

func (s *presenceService) Respond(ctx context.Context, conn *realtime.Connection, requesterID uuid.UUID, response PresenceResponsePayload) {
	current, _ := s.Get(conn.UserID())

	response.Profile = conn.User().Profile()
	if !response.Status.Valid() || response.Status == domain.PresenceOffline {
		response.Status = current.Status
	}
	if !current.LastSeen.IsZero() {
		lastSeen := current.LastSeen
		response.LastSeen = &lastSeen
	} else if stored, err := s.repo.Get(ctx, conn.UserID()); err == nil && stored != nil {
		response.LastSeen = &stored.LastSeen
	}

	s.hub.Broadcast(domain.UserRoom(requesterID), EventPresenceResponse, response, conn.ID())
}

// RemoveServer убирает сервер из аудитории после выселения участника
func (s *presenceService) RemoveServer(userID, serverID uuid.UUID) {
	unlock := s.locks.Lock(userID.String())
	defer unlock()

	rec := s.record(userID)
	if rec == nil {
		return
	}
	servers := rec.audience.Servers[:0:0]
	for _, id := range rec.audience.Servers {
		if id != serverID {
			servers = append(servers, id)
		}
	}
	rec.audience.Servers = servers
}

func (s *presenceService) liveRecord(conn *realtime.Connection) (*presenceRecord, error) {
	rec := s.record(conn.UserID())
	if rec == nil || len(rec.conns) == 0 {
		return nil, apperrors.ErrInvalidStateTransition
	}
	if _, ok := rec.conns[conn.ID()]; !ok {
		return nil, apperrors.ErrInvalidStateTransition
	}
	return rec, nil
}

func (s *presenceService) audienceRooms(rec *presenceRecord) []string {
	rooms := make([]string, 0, len(rec.audience.Servers)+len(rec.audience.Friends))
	for _, id := range rec.audience.Servers {
		rooms = append(rooms, domain.ServerRoom(id))
	}
	for _, id := range rec.audience.Friends {
		rooms = append(rooms, domain.UserRoom(id))
	}
	return rooms
}

// broadcastStatus вызывается под блокировкой identity: события одной identity не переставляются
func (s *presenceService) broadcastStatus(rec *presenceRecord, exclude uuid.UUID) {
	payload := PresencePayload{
		UserID:       rec.profile.UserID,
		Username:     rec.profile.Username,
		Status:       rec.presence.Status,
		CustomStatus: rec.presence.CustomStatus,
		Timestamp:    s.now(),
	}
	if rec.presence.Status == domain.PresenceOffline {
		lastSeen := rec.presence.LastSeen
		payload.LastSeen = &lastSeen
	}

	rooms := s.audienceRooms(rec)
	s.hub.BroadcastRooms(rooms, EventPresenceUpdate, payload, exclude)
	s.hub.BroadcastRooms(rooms, EventUserStatusUpdate, payload, exclude)

	s.log.Debug("Presence changed", "user_id", rec.profile.UserID, "status", rec.presence.Status)
}

func (s *presenceService) persist(ctx context.Context, presence domain.Presence) {
	if err := s.repo.Save(ctx, &presence); err != nil {
		// присутствие в памяти остается авторитетным
		s.log.Warn("Failed to persist presence", "error", err, "user_id", presence.UserID)
	}
}
