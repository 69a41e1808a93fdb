package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leadgrid/leadgrid/internal/common"
)

// Recovery keeps a panicking handler from taking the process down and
// answers with the standard error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic recovered path=%s err=%v", c.FullPath(), r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
