package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/service"
	apperrors "chat_realtime/pkg/errors"
	"chat_realtime/pkg/logger"
)

// EventsHandler принимает от CRUD-слоя уже зафиксированные факты
// и раздает их подписчикам. Ничего не сохраняет.
type EventsHandler struct {
	fanout   service.FanoutService
	reaction service.ReactionService
	session  service.SessionService
	voice    service.VoiceService
	log      logger.Logger
}

func NewEventsHandler(services *service.Services, log logger.Logger) *EventsHandler {
	return &EventsHandler{
		fanout:   services.Fanout,
		reaction: services.Reaction,
		session:  services.Session,
		voice:    services.Voice,
		log:      log,
	}
}

// ReactionsRequest - агрегат, который CRUD-слой уже сохранил.
// Без поля reactions ядро перечитывает его из базы.
type ReactionsRequest struct {
	Reactions []domain.Reaction `json:"reactions"`
}

func pathID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", apperrors.ErrBadRequest, name)
	}
	return id, nil
}

func bindMessage(c *gin.Context) (*domain.Message, error) {
	var message domain.Message
	if err := c.ShouldBindJSON(&message); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
	}
	return &message, nil
}

// MessageCreated - POST /internal/v1/messages
func (h *EventsHandler) MessageCreated(c *gin.Context) {
	message, err := bindMessage(c)
	if err != nil {
		c.Error(err)
		return
	}

	delivered, err := h.fanout.PublishCreated(c.Request.Context(), message)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// MessageEdited - PUT /internal/v1/messages/:messageId
func (h *EventsHandler) MessageEdited(c *gin.Context) {
	messageID, err := pathID(c, "messageId")
	if err != nil {
		c.Error(err)
		return
	}
	message, err := bindMessage(c)
	if err != nil {
		c.Error(err)
		return
	}
	message.ID = messageID

	delivered, err := h.fanout.PublishEdited(c.Request.Context(), message)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// MessageDeleted - DELETE /internal/v1/channels/:channelId/messages/:messageId
func (h *EventsHandler) MessageDeleted(c *gin.Context) {
	channelID, err := pathID(c, "channelId")
	if err != nil {
		c.Error(err)
		return
	}
	messageID, err := pathID(c, "messageId")
	if err != nil {
		c.Error(err)
		return
	}

	delivered, err := h.fanout.PublishDeleted(c.Request.Context(), messageID, channelID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// PublishReactions - POST /internal/v1/messages/:messageId/reactions.
// Вызывается после того, как переключение сохранено; повторно не переключает.
func (h *EventsHandler) PublishReactions(c *gin.Context) {
	messageID, err := pathID(c, "messageId")
	if err != nil {
		c.Error(err)
		return
	}

	var req ReactionsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return
	}

	reactions, err := h.reaction.Publish(c.Request.Context(), messageID, req.Reactions)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messageId": messageID, "reactions": reactions})
}

// Reactions - GET /internal/v1/messages/:messageId/reactions
func (h *EventsHandler) Reactions(c *gin.Context) {
	messageID, err := pathID(c, "messageId")
	if err != nil {
		c.Error(err)
		return
	}

	reactions, err := h.reaction.Reactions(c.Request.Context(), messageID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messageId": messageID, "reactions": reactions})
}

// EvictMember - POST /internal/v1/servers/:serverId/members/:userId/evict.
// Kick и ban для живых соединений выглядят одинаково.
func (h *EventsHandler) EvictMember(c *gin.Context) {
	serverID, err := pathID(c, "serverId")
	if err != nil {
		c.Error(err)
		return
	}
	userID, err := pathID(c, "userId")
	if err != nil {
		c.Error(err)
		return
	}

	left := h.session.Evict(c.Request.Context(), serverID, userID)
	h.log.Info("Member eviction handled", "server_id", serverID, "user_id", userID)

	c.JSON(http.StatusOK, gin.H{"roomsLeft": left})
}

// VoiceRoster - GET /internal/v1/voice/:channelId
func (h *EventsHandler) VoiceRoster(c *gin.Context) {
	channelID, err := pathID(c, "channelId")
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channelId":    channelID,
		"participants": h.voice.Roster(channelID),
	})
}
