package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/util"
)

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.lg = lg
	}
}

func WithExcludePaths(excludePaths []string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = excludePaths
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg:           zap.L(),
		excludePaths: []string{"/healthcheck"},
	}
}

// LoggingMiddleware writes one access log line per request. Websocket
// upgrades are logged when the connection ends, with the session duration.
func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, err := util.CorrelationIdFromCtx(c.Request.Context())
		if err != nil {
			correlationId = ""
		}
		startTime := time.Now()

		c.Next()

		fields := []zap.Field{
			zap.String("correlation_id", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		cfg.lg.Info("[Access]", fields...)
	}
}
