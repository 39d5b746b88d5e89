package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type handlerOptions struct {
	lg             *zap.Logger
	authorizer     Authorizer
	allowedOrigins []string
	sendBuffer     int
	writeTimeout   time.Duration
	pongTimeout    time.Duration
	maxMessage     int64
	now            func() time.Time
}

// pingInterval keeps pings well inside the pong deadline.
func (o *handlerOptions) pingInterval() time.Duration {
	return o.pongTimeout * 9 / 10
}

func defaultHandlerOptions() *handlerOptions {
	return &handlerOptions{
		lg:           zap.NewNop(),
		authorizer:   DefaultAuthorizer(),
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		pongTimeout:  60 * time.Second,
		maxMessage:   64 << 10,
		now:          time.Now,
	}
}

type HandlerOption func(*handlerOptions)

func WithLogger(lg *zap.Logger) HandlerOption {
	return func(o *handlerOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithAuthorizer(a Authorizer) HandlerOption {
	return func(o *handlerOptions) {
		if a != nil {
			o.authorizer = a
		}
	}
}

// WithAllowedOrigins restricts browser origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(o *handlerOptions) {
		o.allowedOrigins = origins
	}
}

func WithSendBuffer(n int) HandlerOption {
	return func(o *handlerOptions) {
		if n > 0 {
			o.sendBuffer = n
		}
	}
}

func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

func WithPongTimeout(d time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		if d > 0 {
			o.pongTimeout = d
		}
	}
}

func WithMaxMessageBytes(n int64) HandlerOption {
	return func(o *handlerOptions) {
		if n > 0 {
			o.maxMessage = n
		}
	}
}

type Server struct {
	handler         *Handler
	lg              *zap.Logger
	mode            string
	addr            string
	shutdownTimeout time.Duration
	middlewares     []gin.HandlerFunc
	engine          *gin.Engine
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		lg:              zap.NewNop(),
		mode:            gin.ReleaseMode,
		addr:            ":8080",
		shutdownTimeout: 15 * time.Second,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func WithMiddleware(mw ...gin.HandlerFunc) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

func WithServerLogger(lg *zap.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.lg = lg
		}
	}
}
