package service

import (
	"context"

	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// FanoutService рассылает сообщения, которые CRUD-слой уже сохранил.
// Публикации в один канал сериализуются, поэтому порядок одного
// писателя сохраняется для всех получателей.
type FanoutService interface {
	PublishCreated(ctx context.Context, message *domain.Message) (int, error)
	PublishEdited(ctx context.Context, message *domain.Message) (int, error)
	PublishDeleted(ctx context.Context, messageID, channelID uuid.UUID) (int, error)
}

type fanoutService struct {
	hub       *realtime.Hub
	reactions repository.ReactionRepository
	locks     *realtime.KeyedMutex
	log       logger.Logger
}

func NewFanoutService(hub *realtime.Hub, reactions repository.ReactionRepository, log logger.Logger) FanoutService {
	return &fanoutService{hub: hub, reactions: reactions, locks: realtime.NewKeyedMutex(), log: log}
}

func (s *fanoutService) PublishCreated(ctx context.Context, message *domain.Message) (int, error) {
	if err := validateMessage(message); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(message.ChannelID.String())
	defer unlock()

	delivered := s.hub.Broadcast(domain.ChannelRoom(message.ChannelID), EventNewMessage, message, uuid.Nil)
	s.log.Debug("Message published", "message_id", message.ID, "channel_id", message.ChannelID, "delivered", delivered)
	return delivered, nil
}

func (s *fanoutService) PublishEdited(ctx context.Context, message *domain.Message) (int, error) {
	if err := validateMessage(message); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(message.ChannelID.String())
	defer unlock()

	room := domain.ChannelRoom(message.ChannelID)
	delivered := s.hub.Broadcast(room, EventMessageEdited, message, uuid.Nil)
	s.hub.Broadcast(room, EventMessageEditedLegacy, message, uuid.Nil)

	s.log.Debug("Message edit published", "message_id", message.ID, "channel_id", message.ChannelID, "delivered", delivered)
	return delivered, nil
}

func (s *fanoutService) PublishDeleted(ctx context.Context, messageID, channelID uuid.UUID) (int, error) {
	if messageID == uuid.Nil || channelID == uuid.Nil {
		return 0, apperrors.ErrBadRequest
	}

	// агрегат живет без TTL, удаленному сообщению он больше не нужен
	if err := s.reactions.Delete(ctx, messageID); err != nil {
		s.log.Warn("Failed to drop reactions of deleted message", "error", err, "message_id", messageID)
	}

	unlock := s.locks.Lock(channelID.String())
	defer unlock()

	delivered := s.hub.Broadcast(domain.ChannelRoom(channelID), EventMessageDeleted, MessageDeletedPayload{
		MessageID: messageID,
		ChannelID: channelID,
	}, uuid.Nil)

	s.log.Debug("Message deletion published", "message_id", messageID, "channel_id", channelID, "delivered", delivered)
	return delivered, nil
}

func validateMessage(message *domain.Message) error {
	if message == nil || message.ID == uuid.Nil || message.ChannelID == uuid.Nil {
		return apperrors.ErrBadRequest
	}
	return nil
}
