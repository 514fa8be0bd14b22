package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat_realtime/pkg/logger"
)

const RateLimitKeyPrefix = "ratelimit:%s:%s"

// RateLimitRepository - счетчик с фиксированным окном в Redis
type RateLimitRepository interface {
	// Hit увеличивает счетчик и возвращает его значение в текущем окне
	Hit(ctx context.Context, scope, subject string, window time.Duration) (int64, error)
}

type rateLimitRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewRateLimitRepository(rdb *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{rdb: rdb, log: log}
}

func (r *rateLimitRepository) Hit(ctx context.Context, scope, subject string, window time.Duration) (int64, error) {
	key := fmt.Sprintf(RateLimitKeyPrefix, scope, subject)

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "scope", scope)
		return 0, err
	}

	// окно открывает первый запрос и не сдвигается последующими
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit window", "error", err, "scope", scope)
		}
	}

	return count, nil
}
