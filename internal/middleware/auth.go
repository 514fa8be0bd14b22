package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat_realtime/internal/service"
	"chat_realtime/pkg/logger"
)

// ServiceKeyHeader - заголовок, которым CRUD-слой подписывает вызовы /internal
const ServiceKeyHeader = "X-Internal-Key"

type AuthMiddleware struct {
	authService service.AuthService
	log         logger.Logger
}

func NewAuthMiddleware(authService service.AuthService, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		log:         log,
	}
}

func (m *AuthMiddleware) RequireServiceKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(ServiceKeyHeader)
		if !m.authService.VerifyServiceKey(key) {
			m.log.Warn("Rejected internal call", "ip", c.ClientIP(), "path", c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid service key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
