package middleware

import (
	"github.com/gin-gonic/gin"

	"chat_realtime/pkg/errors"
)

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Проверяем есть ли ошибки
		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()

			statusCode := errors.HTTPStatusFromError(err.Err)
			message := err.Error()
			if statusCode >= 500 {
				message = errors.ErrInternalServer.Error()
			}

			c.JSON(statusCode, gin.H{
				"error": message,
			})
		}
	}
}
