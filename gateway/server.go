package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewServer builds the gin engine serving the websocket endpoint and the
// health probes.
func NewServer(h *Handler, opts ...Option) *Server {
	s := defaultServer()
	for _, opt := range opts {
		opt(s)
	}
	s.handler = h

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.middlewares...)

	s.engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET("/healthcheck", s.healthcheck)
	s.engine.GET("/ws", h.ServeWS)
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) healthcheck(c *gin.Context) {
	reg := s.handler.Registry()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": reg.Len(),
		"channels":    reg.ChannelCount(),
		"pending":     s.handler.Dispatcher().Pending(),
	})
}

// Run serves until ctx is cancelled, then shuts down the listener and closes
// every live connection. Hijacked websocket connections are not tracked by
// http.Server, so the registry closes them.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler: s.engine,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.lg.Info("starting realtime gateway ...", zap.String("address", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.lg.Info("shutdown realtime gateway ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.handler.Registry().CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.lg.Error("fail to shutdown realtime gateway", zap.Error(err))
		return err
	}
	s.lg.Info("realtime gateway exiting")
	return <-errCh
}
