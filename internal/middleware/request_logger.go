package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"chat_realtime/pkg/logger"
)

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" && c.Request.URL.Query().Has("token") {
			// токен в query не должен попадать в логи
			raw = ""
		}
		if raw != "" {
			path = path + "?" + raw
		}

		fields := []interface{}{
			"ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("Request failed", fields...)
		case status >= 400:
			log.Warn("Request rejected", fields...)
		default:
			log.Info("Request", fields...)
		}
	}
}
