package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"chat_realtime/pkg/logger"
)

type Repositories struct {
	Directory DirectoryRepository
	Presence  PresenceRepository
	Reaction  ReactionRepository
	RateLimit RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, rdb *redis.Client, log logger.Logger) *Repositories {
	repos := &Repositories{
		Directory: NewDirectoryRepository(db, log),
		Presence:  NewPresenceRepository(rdb, log),
		Reaction:  NewReactionRepository(rdb, log),
		RateLimit: NewRateLimitRepository(rdb, log),
	}

	log.Info("Repositories initialized")

	return repos
}
