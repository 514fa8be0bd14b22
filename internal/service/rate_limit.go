package service

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"chat_realtime/internal/config"
	"chat_realtime/internal/repository"
	"chat_realtime/pkg/logger"
)

const connectWindow = time.Minute

type RateLimitService interface {
	// AllowConnect - лимит попыток рукопожатия с одного адреса (общий для инстансов)
	AllowConnect(ctx context.Context, ip string) (bool, error)
	// CommandLimiter - локальный лимит команд одного соединения
	CommandLimiter() *rate.Limiter
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	cfg           config.RealtimeConfig
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, cfg config.RealtimeConfig, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		cfg:           cfg,
		log:           log,
	}
}

func (s *rateLimitService) AllowConnect(ctx context.Context, ip string) (bool, error) {
	if s.cfg.ConnectLimit <= 0 {
		return true, nil
	}
	count, err := s.rateLimitRepo.Hit(ctx, "connect", ip, connectWindow)
	if err != nil {
		return false, err
	}
	if count > int64(s.cfg.ConnectLimit) {
		s.log.Warn("Connect rate limit exceeded", "ip", ip, "count", count)
		return false, nil
	}
	return true, nil
}

func (s *rateLimitService) CommandLimiter() *rate.Limiter {
	if s.cfg.CommandRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst)
}
