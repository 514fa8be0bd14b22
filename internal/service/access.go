package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// AccessService отвечает на вопрос "может ли identity войти в комнату канала".
// Мультиплексор сам ничего не проверяет, поэтому каждый join проходит здесь.
type AccessService interface {
	CheckChannelAccess(ctx context.Context, userID, channelID uuid.UUID) (*domain.Channel, error)
}

type accessService struct {
	directory repository.DirectoryRepository
	log       logger.Logger
}

func NewAccessService(directory repository.DirectoryRepository, log logger.Logger) AccessService {
	return &accessService{directory: directory, log: log}
}

func (s *accessService) CheckChannelAccess(ctx context.Context, userID, channelID uuid.UUID) (*domain.Channel, error) {
	channel, err := s.directory.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	if channel.IsDirect() {
		if !channel.HasParticipant(userID) {
			return nil, apperrors.ErrForbidden
		}
		return channel, nil
	}

	if channel.ServerID == nil {
		return nil, apperrors.ErrForbidden
	}

	member, err := s.directory.IsServerMember(ctx, *channel.ServerID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check channel access: %w", err)
	}
	if !member {
		s.log.Debug("Channel access denied", "user_id", userID, "channel_id", channelID)
		return nil, apperrors.ErrForbidden
	}
	return channel, nil
}
