package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/bridge"
	"github.com/infigaming-com/go-realtime/broker"
	"github.com/infigaming-com/go-realtime/broker/driver/inmem"
	redisbroker "github.com/infigaming-com/go-realtime/broker/driver/redis"
	"github.com/infigaming-com/go-realtime/config"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/gateway"
	"github.com/infigaming-com/go-realtime/gateway/middleware"
	"github.com/infigaming-com/go-realtime/observability/metrics"
	"github.com/infigaming-com/go-realtime/presence"
	"github.com/infigaming-com/go-realtime/registry"
	"github.com/infigaming-com/go-realtime/router"
	"github.com/infigaming-com/go-realtime/util"
)

func newServeCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level, err := zapcore.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("LOG_LEVEL: %w", err)
			}
			if debug {
				level = zapcore.DebugLevel
			}
			lg, flush := util.NewLoggerWithLevel(level)
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, lg)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	recorder := metrics.NewNoopRecorder()
	if cfg.Metrics.Enabled {
		exporter, err := metrics.NewMetricExporter(
			metrics.WithServiceName(cfg.Metrics.ServiceName),
			metrics.WithEnvironment(cfg.Env),
			metrics.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.Metrics.OTLPGRPC),
		)
		if err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		defer closeWithTimeout(lg, "metrics exporter", exporter.Close)
		if recorder, err = newRecorder(exporter.Meter()); err != nil {
			return err
		}
	}

	var redisClient *goredis.Client
	if cfg.Broker.Driver == "redis" || cfg.Presence.Enabled {
		var err error
		redisClient, err = util.NewRedisClient(ctx, util.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var transport broker.Transport
	switch cfg.Broker.Driver {
	case "inmem":
		lg.Warn("using in-process broker, events will not cross process boundaries")
		transport = inmem.New()
	default:
		var err error
		transport, err = redisbroker.New(redisbroker.Config{Client: redisClient, Logger: lg})
		if err != nil {
			return err
		}
	}

	bc, err := broker.New(transport,
		broker.WithLogger(lg),
		broker.WithHooks(recorder.BrokerHooks()),
		broker.WithAttemptTimeout(cfg.Broker.AttemptTimeout),
		broker.WithRetryPolicy(broker.RetryPolicy{
			MaxAttempts:    cfg.Broker.MaxAttempts,
			InitialBackoff: cfg.Broker.InitialBackoff,
			MaxBackoff:     cfg.Broker.MaxBackoff,
			Multiplier:     2,
		}),
	)
	if err != nil {
		return err
	}
	defer closeWithTimeout(lg, "broker", bc.Shutdown)

	bm, err := bridge.New(bc,
		bridge.WithLogger(lg),
		bridge.WithHooks(recorder.BridgeHooks()),
		bridge.WithBuffer(cfg.Bridge.Buffer),
		bridge.WithReconnectPolicy(bridge.ReconnectPolicy{
			MaxAttempts:  cfg.Bridge.MaxReconnects,
			InitialDelay: cfg.Bridge.InitialBackoff,
			MaxDelay:     cfg.Bridge.MaxBackoff,
		}),
	)
	if err != nil {
		return err
	}
	defer closeWithTimeout(lg, "bridge", bm.Shutdown)

	reg := registry.New(bm, registry.WithLogger(lg), registry.WithHooks(recorder.RegistryHooks()))

	// the router is built after presence, whose change callback feeds it
	var rt *router.Router
	var tracker *presence.Tracker
	if cfg.Presence.Enabled {
		tracker = presence.New(redisClient, func(ev *presence.ChangeEvent) {
			publishPresence(rt, ev, lg)
		},
			presence.WithKeyPrefix(cfg.Presence.KeyPrefix),
			presence.WithTTL(cfg.Presence.TTL),
			presence.WithRefreshInterval(cfg.Presence.RefreshInterval),
			presence.WithLogger(lg),
		)
		defer tracker.Stop()
	}
	var pres router.Presence
	if tracker != nil {
		pres = tracker
	}
	rt = router.New(router.DefaultHandlers(bc, pres, lg),
		router.WithLogger(lg),
		router.WithHooks(recorder.RouterHooks()),
		router.WithWorkers(cfg.Router.Workers, cfg.Router.Queue),
		router.WithTimeout(cfg.Router.Timeout),
	)
	defer rt.Close()

	var jwtOpts []auth.JWTOption
	if cfg.Auth.Issuer != "" {
		jwtOpts = append(jwtOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	jwtAuth, err := auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), jwtOpts...)
	if err != nil {
		return err
	}
	authn := auth.NewCachingAuthenticator(jwtAuth, cfg.Auth.CacheSize, cfg.Auth.CacheTTL, lg)

	h, err := gateway.NewHandler(authn, reg, rt,
		gateway.WithLogger(lg),
		gateway.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		gateway.WithSendBuffer(cfg.Websocket.SendBuffer),
		gateway.WithWriteTimeout(cfg.Websocket.WriteTimeout),
		gateway.WithPongTimeout(cfg.Websocket.PongTimeout),
		gateway.WithMaxMessageBytes(cfg.Websocket.MaxMessage),
	)
	if err != nil {
		return err
	}

	mode := gin.ReleaseMode
	if cfg.Env == "development" {
		mode = gin.DebugMode
	}
	srv := gateway.NewServer(h,
		gateway.WithMode(mode),
		gateway.WithAddr(cfg.HTTP.Addr),
		gateway.WithShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		gateway.WithServerLogger(lg),
		gateway.WithMiddleware(
			middleware.CorrelationIdMiddleware(),
			middleware.LoggingMiddleware(middleware.WithLogger(lg)),
		),
	)
	return srv.Run(ctx)
}

func newRecorder(meter metric.Meter) (*metrics.Recorder, error) {
	r, err := metrics.NewRecorder(meter)
	if err != nil {
		return nil, fmt.Errorf("metrics recorder: %w", err)
	}
	return r, nil
}

// publishPresence relays operator presence changes to their website.
func publishPresence(rt *router.Router, ev *presence.ChangeEvent, lg *zap.Logger) {
	if rt == nil || ev.Kind != auth.KindOperator {
		return
	}
	env, err := event.New(event.TypeUserPresenceUpdate, event.UserPresenceData{
		UserID:    ev.PrincipalID,
		WebsiteID: ev.WebsiteID,
		Status:    ev.Status,
		LastSeen:  ev.Timestamp,
	})
	if err != nil {
		lg.Error("build presence event", zap.Error(err))
		return
	}
	rc := router.Context{PrincipalID: ev.PrincipalID, PrincipalKind: ev.Kind, WebsiteID: ev.WebsiteID, Channel: event.WebsiteChannel(ev.WebsiteID).String()}
	if err := rt.Go(context.Background(), env, rc); err != nil && !errors.Is(err, context.Canceled) {
		lg.Warn("dispatch presence event", zap.Error(err))
	}
}

func closeWithTimeout(lg *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		lg.Error("shutdown "+name, zap.Error(err))
	}
}
