package handler

import (
	"github.com/redis/go-redis/v9"

	"chat_realtime/internal/config"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/internal/service"
	"chat_realtime/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	WebSocket *WebSocketHandler
	Events    *EventsHandler
}

func NewHandlers(services *service.Services, repos *repository.Repositories, rdb redis.UniversalClient, hub *realtime.Hub, cfg *config.Config, log logger.Logger) *Handlers {
	dispatcher := NewDispatcher(hub, services, log)

	return &Handlers{
		Health:    NewHealthHandler(repos.Directory, rdb, hub, log),
		WebSocket: NewWebSocketHandler(hub, services, dispatcher, cfg, log),
		Events:    NewEventsHandler(services, log),
	}
}
