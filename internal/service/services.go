package service

import (
	"chat_realtime/internal/config"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/pkg/logger"
)

type Services struct {
	Auth      AuthService
	Access    AccessService
	Presence  PresenceService
	Typing    TypingService
	Fanout    FanoutService
	Reaction  ReactionService
	Voice     VoiceService
	Session   SessionService
	RateLimit RateLimitService
}

func NewServices(repos *repository.Repositories, hub *realtime.Hub, cfg *config.Config, log logger.Logger) *Services {
	auth := NewAuthService(repos.Directory, cfg.JWT, cfg.Internal, log)
	access := NewAccessService(repos.Directory, log)
	presence := NewPresenceService(hub, repos.Presence, log)
	typing := NewTypingService(hub, cfg.Realtime.TypingTTL, cfg.Realtime.TypingSweepInterval, log)
	voice := NewVoiceService(hub, access, log)

	services := &Services{
		Auth:      auth,
		Access:    access,
		Presence:  presence,
		Typing:    typing,
		Fanout:    NewFanoutService(hub, repos.Reaction, log),
		Reaction:  NewReactionService(hub, repos.Reaction, repos.Directory, access, log),
		Voice:     voice,
		Session:   NewSessionService(hub, auth, access, repos.Directory, presence, typing, voice, log),
		RateLimit: NewRateLimitService(repos.RateLimit, cfg.Realtime, log),
	}

	log.Info("Services initialized")

	return services
}
