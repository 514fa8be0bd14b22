package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"chat_realtime/internal/config"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/jwt"
	"chat_realtime/pkg/logger"
)

type AuthService interface {
	// Authenticate проверяет токен рукопожатия и загружает identity.
	// Любая ошибка совместима с errors.IsAuthentication.
	Authenticate(ctx context.Context, token string) (*domain.User, error)
	// VerifyServiceKey проверяет ключ, которым CRUD-слой подписывает внутренние вызовы
	VerifyServiceKey(key string) bool
}

type authService struct {
	directory repository.DirectoryRepository
	jwtCfg    config.JWTConfig
	keyHash   []byte
	log       logger.Logger
}

func NewAuthService(directory repository.DirectoryRepository, jwtCfg config.JWTConfig, internalCfg config.InternalConfig, log logger.Logger) AuthService {
	return &authService{
		directory: directory,
		jwtCfg:    jwtCfg,
		keyHash:   []byte(internalCfg.APIKeyHash),
		log:       log,
	}
}

func (s *authService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := jwt.ValidateToken(token, s.jwtCfg.AccessSecret)
	if err != nil {
		s.log.Debug("Handshake token rejected", "error", err)
		return nil, err
	}

	user, err := s.directory.GetIdentity(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	if !user.IsActive {
		s.log.Warn("Inactive user tried to connect", "user_id", user.ID)
		return nil, apperrors.ErrUnauthorized
	}

	return user, nil
}

func (s *authService) VerifyServiceKey(key string) bool {
	if len(s.keyHash) == 0 {
		// ключ не настроен: внутренний API открыт (только вне production)
		return true
	}
	if key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)) == nil
}
