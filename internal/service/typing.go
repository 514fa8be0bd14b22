package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/pkg/logger"
)

type TypingService interface {
	Start(conn *realtime.Connection, channelID uuid.UUID)
	Stop(conn *realtime.Connection, channelID uuid.UUID)
	// ExpireIdentity сразу снимает все записи identity (последнее соединение закрыто)
	ExpireIdentity(userID uuid.UUID) int
	// Sweep снимает записи, истекшие к моменту now, и рассылает синтетические stop
	Sweep(now time.Time) int
	Run(ctx context.Context)
	Typing(channelID uuid.UUID) []uuid.UUID
}

type typingEntry struct {
	expires  time.Time
	username string
}

type typingStop struct {
	channelID uuid.UUID
	userID    uuid.UUID
}

type typingService struct {
	hub      *realtime.Hub
	ttl      time.Duration
	interval time.Duration
	log      logger.Logger

	mu       sync.Mutex
	channels map[uuid.UUID]map[uuid.UUID]typingEntry

	now func() time.Time
}

func NewTypingService(hub *realtime.Hub, ttl, interval time.Duration, log logger.Logger) TypingService {
	return &typingService{
		hub:      hub,
		ttl:      ttl,
		interval: interval,
		log:      log,
		channels: make(map[uuid.UUID]map[uuid.UUID]typingEntry),
		now:      time.Now,
	}
}

func (s *typingService) Start(conn *realtime.Connection, channelID uuid.UUID) {
	userID := conn.UserID()
	now := s.now()

	s.mu.Lock()
	// соединение, уже снятое с учета, не должно оставлять записей
	if conn.IsClosed() {
		s.mu.Unlock()
		return
	}
	entries := s.channels[channelID]
	if entries == nil {
		entries = make(map[uuid.UUID]typingEntry)
		s.channels[channelID] = entries
	}
	prev, existed := entries[userID]
	fresh := !existed || !now.Before(prev.expires)
	entries[userID] = typingEntry{expires: now.Add(s.ttl), username: conn.User().Username}
	s.mu.Unlock()

	if !fresh {
		return
	}
	s.hub.Broadcast(domain.ChannelRoom(channelID), EventUserTyping, TypingPayload{
		UserID:    userID,
		Username:  conn.User().Username,
		ChannelID: channelID,
	}, conn.ID())
}

func (s *typingService) Stop(conn *realtime.Connection, channelID uuid.UUID) {
	s.mu.Lock()
	s.remove(channelID, conn.UserID())
	s.mu.Unlock()

	s.hub.Broadcast(domain.ChannelRoom(channelID), EventUserStopTyping, TypingPayload{
		UserID:    conn.UserID(),
		ChannelID: channelID,
	}, conn.ID())
}

func (s *typingService) ExpireIdentity(userID uuid.UUID) int {
	var stops []typingStop

	s.mu.Lock()
	for channelID, entries := range s.channels {
		if _, ok := entries[userID]; ok {
			s.remove(channelID, userID)
			stops = append(stops, typingStop{channelID: channelID, userID: userID})
		}
	}
	s.mu.Unlock()

	s.broadcastStops(stops)
	return len(stops)
}

func (s *typingService) Sweep(now time.Time) int {
	var stops []typingStop

	// под блокировкой только сбор, рассылка после
	s.mu.Lock()
	for channelID, entries := range s.channels {
		for userID, entry := range entries {
			if !now.Before(entry.expires) {
				stops = append(stops, typingStop{channelID: channelID, userID: userID})
			}
		}
	}
	for _, stop := range stops {
		s.remove(stop.channelID, stop.userID)
	}
	s.mu.Unlock()

	s.broadcastStops(stops)
	return len(stops)
}

func (s *typingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Typing sweep started", "ttl", s.ttl, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Typing sweep stopped")
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.log.Debug("Typing entries expired", "count", n)
			}
		}
	}
}

// Typing - identity, которые сейчас печатают в канале
func (s *typingService) Typing(channelID uuid.UUID) []uuid.UUID {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var users []uuid.UUID
	for userID, entry := range s.channels[channelID] {
		if now.Before(entry.expires) {
			users = append(users, userID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users
}

func (s *typingService) remove(channelID, userID uuid.UUID) {
	entries := s.channels[channelID]
	delete(entries, userID)
	if len(entries) == 0 {
		delete(s.channels, channelID)
	}
}

func (s *typingService) broadcastStops(stops []typingStop) {
	for _, stop := range stops {
		s.hub.Broadcast(domain.ChannelRoom(stop.channelID), EventUserStopTyping, TypingPayload{
			UserID:    stop.userID,
			ChannelID: stop.channelID,
		}, uuid.Nil)
	}
}
