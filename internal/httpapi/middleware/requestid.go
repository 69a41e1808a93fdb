package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/leadgrid/leadgrid/internal/common"
)

const RequestIDHeader = "X-Request-ID"

// RequestID echoes the caller's request id or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			if v, err := common.NewULID(); err == nil {
				id = v
			}
		}
		c.Header(RequestIDHeader, id)
		c.Set("request_id", id)
		c.Next()
	}
}
