package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat_realtime/internal/service"
	"chat_realtime/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	limit            int
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, limit int, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		limit:            limit,
		log:              log,
	}
}

// LimitConnects ограничивает попытки подключения с одного IP в минуту
func (m *RateLimitMiddleware) LimitConnects() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		allowed, err := m.rateLimitService.AllowConnect(c.Request.Context(), key)
		if err != nil {
			// Redis недоступен: пропускаем, чтобы не отрезать всех клиентов
			m.log.Warn("Rate limit check failed", "ip", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		if !allowed {
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
