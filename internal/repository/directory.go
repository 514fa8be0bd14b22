package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"chat_realtime/internal/domain"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// DirectoryRepository - чтения из хранилища CRUD-слоя.
// Ядро реального времени ничего сюда не пишет.
type DirectoryRepository interface {
	GetIdentity(ctx context.Context, id uuid.UUID) (*domain.User, error)
	ServerMemberships(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	Friends(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	GetChannel(ctx context.Context, channelID uuid.UUID) (*domain.Channel, error)
	IsServerMember(ctx context.Context, serverID, userID uuid.UUID) (bool, error)
	GetMessageMeta(ctx context.Context, messageID uuid.UUID) (*domain.MessageMeta, error)
	Ping(ctx context.Context) error
}

type directoryRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
	// склеивает одновременные загрузки снимков одного пользователя
	// (несколько вкладок переподключаются разом)
	loads *sharedLoad
}

func NewDirectoryRepository(db *pgxpool.Pool, log logger.Logger) DirectoryRepository {
	return &directoryRepository{db: db, log: log, loads: newSharedLoad(directoryLoadTimeout)}
}

const directoryLoadTimeout = 5 * time.Second

// sharedLoad - singleflight, у которого общая загрузка идет на своем
// контексте: отмена первого вызывающего не обрывает остальных ожидающих.
// Каждый вызывающий при этом перестает ждать по своему ctx.
type sharedLoad struct {
	group   singleflight.Group
	timeout time.Duration
}

func newSharedLoad(timeout time.Duration) *sharedLoad {
	return &sharedLoad{timeout: timeout}
}

func (l *sharedLoad) do(ctx context.Context, key string, load func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := l.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()
		return load(loadCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *directoryRepository) GetIdentity(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	v, err := r.loads.do(ctx, "identity:"+id.String(), func(ctx context.Context) (interface{}, error) {
		query := `
			SELECT id, email, username, display_name, avatar_url, global_role, is_active, last_seen_at
			FROM users
			WHERE id = $1
		`

		user := &domain.User{}
		var lastSeen *time.Time
		err := r.db.QueryRow(ctx, query, id).Scan(
			&user.ID, &user.Email, &user.Username, &user.DisplayName, &user.Avatar,
			&user.GlobalRole, &user.IsActive, &lastSeen,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperrors.ErrUserNotFound
			}
			r.log.Error("Failed to get user by ID", "error", err, "user_id", id)
			return nil, fmt.Errorf("failed to get user: %w", err)
		}
		user.LastSeen = lastSeen
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	// копия: результат singleflight разделяется между вызывающими
	user := *v.(*domain.User)
	return &user, nil
}

func (r *directoryRepository) ServerMemberships(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	v, err := r.loads.do(ctx, "servers:"+userID.String(), func(ctx context.Context) (interface{}, error) {
		query := `
			SELECT server_id
			FROM server_members
			WHERE user_id = $1
			ORDER BY joined_at
		`
		return r.queryIDs(ctx, query, userID)
	})
	if err != nil {
		r.log.Error("Failed to load server memberships", "error", err, "user_id", userID)
		return nil, err
	}
	return append([]uuid.UUID(nil), v.([]uuid.UUID)...), nil
}

func (r *directoryRepository) Friends(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	v, err := r.loads.do(ctx, "friends:"+userID.String(), func(ctx context.Context) (interface{}, error) {
		query := `
			SELECT friend_id
			FROM friendships
			WHERE user_id = $1 AND status = 'accepted'
		`
		return r.queryIDs(ctx, query, userID)
	})
	if err != nil {
		r.log.Error("Failed to load friends", "error", err, "user_id", userID)
		return nil, err
	}
	return append([]uuid.UUID(nil), v.([]uuid.UUID)...), nil
}

func (r *directoryRepository) GetChannel(ctx context.Context, channelID uuid.UUID) (*domain.Channel, error) {
	query := `
		SELECT id, server_id, name, type, COALESCE(user_limit, 0)
		FROM channels
		WHERE id = $1
	`

	channel := &domain.Channel{}
	err := r.db.QueryRow(ctx, query, channelID).Scan(
		&channel.ID, &channel.ServerID, &channel.Name, &channel.Type, &channel.UserLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrChannelNotFound
		}
		r.log.Error("Failed to get channel", "error", err, "channel_id", channelID)
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	if channel.IsDirect() {
		participants, err := r.queryIDs(ctx,
			`SELECT user_id FROM channel_participants WHERE channel_id = $1`, channelID)
		if err != nil {
			r.log.Error("Failed to get channel participants", "error", err, "channel_id", channelID)
			return nil, err
		}
		channel.Participants = participants
	}

	return channel, nil
}

func (r *directoryRepository) IsServerMember(ctx context.Context, serverID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, serverID, userID).Scan(&exists); err != nil {
		r.log.Error("Failed to check server membership", "error", err, "server_id", serverID, "user_id", userID)
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

func (r *directoryRepository) GetMessageMeta(ctx context.Context, messageID uuid.UUID) (*domain.MessageMeta, error) {
	query := `
		SELECT id, channel_id, server_id, COALESCE(reactions, '[]'::jsonb)
		FROM messages
		WHERE id = $1
	`

	meta := &domain.MessageMeta{}
	var reactions []byte
	err := r.db.QueryRow(ctx, query, messageID).Scan(&meta.ID, &meta.ChannelID, &meta.ServerID, &reactions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	if err := json.Unmarshal(reactions, &meta.Reactions); err != nil {
		r.log.Warn("Failed to decode stored reactions", "error", err, "message_id", messageID)
		meta.Reactions = nil
	}
	return meta, nil
}

func (r *directoryRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *directoryRepository) queryIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	return ids, nil
}
