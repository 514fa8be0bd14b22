package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat_realtime/internal/domain"
	"chat_realtime/pkg/logger"
)

const (
	// последнее известное присутствие живет неделю после ухода
	PresenceTTL = 7 * 24 * time.Hour

	PresenceKeyPrefix = "presence:user:%s"
)

type PresenceRepository interface {
	Save(ctx context.Context, presence *domain.Presence) error
	// Get возвращает nil без ошибки, если записи нет
	Get(ctx context.Context, userID uuid.UUID) (*domain.Presence, error)
}

type presenceRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewPresenceRepository(rdb *redis.Client, log logger.Logger) PresenceRepository {
	return &presenceRepository{rdb: rdb, log: log}
}

func (r *presenceRepository) key(userID uuid.UUID) string {
	return fmt.Sprintf(PresenceKeyPrefix, userID.String())
}

func (r *presenceRepository) Save(ctx context.Context, presence *domain.Presence) error {
	key := r.key(presence.UserID)

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(presence.Status),
			"custom_status", presence.CustomStatus,
			"activity", string(presence.Activity),
			"last_seen", presence.LastSeen.UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, PresenceTTL)
		return nil
	})
	if err != nil {
		r.log.Error("Failed to save presence", "error", err, "user_id", presence.UserID)
		return fmt.Errorf("failed to save presence: %w", err)
	}
	return nil
}

func (r *presenceRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.Presence, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Error("Failed to get presence", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	presence := &domain.Presence{
		UserID:       userID,
		Status:       domain.PresenceStatus(fields["status"]),
		CustomStatus: fields["custom_status"],
	}
	if activity := fields["activity"]; activity != "" {
		presence.Activity = []byte(activity)
	}
	if lastSeen, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
		presence.LastSeen = lastSeen
	}
	return presence, nil
}
