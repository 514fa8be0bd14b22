package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat_realtime/internal/domain"
	"chat_realtime/pkg/logger"
)

const (
	ReactionKeyPrefix = "reactions:message:%s"

	// повторы оптимистичной транзакции при конфликте с другим инстансом
	reactionUpdateRetries = 10
)

var ErrReactionConflict = errors.New("reaction update conflict")

// ReactionRepository хранит агрегаты реакций в Redis.
// Ключ живет без TTL: ядро не пишет реакции в базу, поэтому агрегат
// в Redis - единственная копия переключений, сделанных через сокет.
// Update выполняет read-modify-write под WATCH, так что инстансы
// за балансировщиком не теряют обновления друг друга.
type ReactionRepository interface {
	// seed вызывается, только если агрегата еще нет в Redis
	Update(ctx context.Context, messageID uuid.UUID, seed func() (*domain.ReactionSet, error),
		mutate func(set *domain.ReactionSet) error) (*domain.ReactionSet, error)
	Get(ctx context.Context, messageID uuid.UUID) (*domain.ReactionSet, error)
	Delete(ctx context.Context, messageID uuid.UUID) error
}

type reactionRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewReactionRepository(rdb *redis.Client, log logger.Logger) ReactionRepository {
	return &reactionRepository{rdb: rdb, log: log}
}

func (r *reactionRepository) key(messageID uuid.UUID) string {
	return fmt.Sprintf(ReactionKeyPrefix, messageID.String())
}

func (r *reactionRepository) Get(ctx context.Context, messageID uuid.UUID) (*domain.ReactionSet, error) {
	data, err := r.rdb.Get(ctx, r.key(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		r.log.Error("Failed to get reactions", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("failed to get reactions: %w", err)
	}

	set := &domain.ReactionSet{}
	if err := json.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("failed to decode reactions: %w", err)
	}
	return set, nil
}

func (r *reactionRepository) Delete(ctx context.Context, messageID uuid.UUID) error {
	if err := r.rdb.Del(ctx, r.key(messageID)).Err(); err != nil {
		r.log.Error("Failed to delete reactions", "error", err, "message_id", messageID)
		return fmt.Errorf("failed to delete reactions: %w", err)
	}
	return nil
}

func (r *reactionRepository) Update(
	ctx context.Context,
	messageID uuid.UUID,
	seed func() (*domain.ReactionSet, error),
	mutate func(set *domain.ReactionSet) error,
) (*domain.ReactionSet, error) {
	key := r.key(messageID)
	var result *domain.ReactionSet

	txf := func(tx *redis.Tx) error {
		set := &domain.ReactionSet{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if seed != nil {
				seeded, err := seed()
				if err != nil {
					return err
				}
				if seeded != nil {
					set = seeded
				}
			}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, set); err != nil {
				return fmt.Errorf("failed to decode reactions: %w", err)
			}
		}

		if err := mutate(set); err != nil {
			return err
		}

		encoded, err := json.Marshal(set)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			result = set
		}
		return err
	}

	for i := 0; i < reactionUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		r.log.Error("Failed to update reactions", "error", err, "message_id", messageID)
		return nil, err
	}

	r.log.Warn("Reaction update retries exhausted", "message_id", messageID)
	return nil, ErrReactionConflict
}
