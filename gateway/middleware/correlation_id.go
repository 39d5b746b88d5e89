package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/infigaming-com/go-realtime/util"
)

const CorrelationIdKey string = "X-CORRELATION-ID"

// CorrelationIdMiddleware reuses the caller's correlation id when present and
// mints one otherwise.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdKey)
		if correlationId == "" {
			correlationId = util.NewUUID()
		}
		c.Header(CorrelationIdKey, correlationId)
		ctx := util.CorrelationIdToCtx(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
