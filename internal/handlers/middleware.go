package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/animal-lookalike/internal/logging"
)

// RequestID propagates an incoming X-Request-ID when it is a UUID and
// assigns a fresh one otherwise.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		if parsed, err := uuid.Parse(c.GetHeader(logging.RequestIDHeader)); err == nil {
			requestID = parsed.String()
		}
		c.Set(logging.RequestIDKey, requestID)
		c.Header(logging.RequestIDHeader, requestID)
		c.Next()
	}
}
