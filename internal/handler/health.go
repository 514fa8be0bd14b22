package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/pkg/logger"
)

type HealthHandler struct {
	directory repository.DirectoryRepository
	rdb       redis.UniversalClient
	hub       *realtime.Hub
	log       logger.Logger
}

func NewHealthHandler(directory repository.DirectoryRepository, rdb redis.UniversalClient, hub *realtime.Hub, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		directory: directory,
		rdb:       rdb,
		hub:       hub,
		log:       log,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "chat-realtime",
	})
}

// Ready проверяет зависимости и отдает число живых соединений
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := h.directory.Ping(ctx); err != nil {
		h.log.Warn("Database health check failed", "error", err)
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.log.Warn("Redis health check failed", "error", err)
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"checks":      checks,
		"connections": h.hub.ConnectionCount(),
	})
}
