package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP      HTTP
	Redis     Redis
	Broker    Broker
	Bridge    Bridge
	Router    Router
	Auth      Auth
	Presence  Presence
	Metrics   Metrics
	Websocket Websocket
}

type HTTP struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	AllowedOrigins  []string      `env:"HTTP_ALLOWED_ORIGINS" envSeparator:","`
}

type Redis struct {
	Addr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"0"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
}

type Broker struct {
	// Driver selects the broker transport: "redis" or "inmem".
	Driver         string        `env:"BROKER_DRIVER" envDefault:"redis"`
	MaxAttempts    int           `env:"BROKER_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `env:"BROKER_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"BROKER_MAX_BACKOFF" envDefault:"5s"`
	AttemptTimeout time.Duration `env:"BROKER_ATTEMPT_TIMEOUT" envDefault:"5s"`
}

type Bridge struct {
	MaxReconnects  int           `env:"BRIDGE_MAX_RECONNECTS" envDefault:"5"`
	InitialBackoff time.Duration `env:"BRIDGE_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"BRIDGE_MAX_BACKOFF" envDefault:"30s"`
	Buffer         int           `env:"BRIDGE_BUFFER" envDefault:"256"`
}

type Router struct {
	Workers int           `env:"ROUTER_WORKERS" envDefault:"8"`
	Queue   int           `env:"ROUTER_QUEUE" envDefault:"1024"`
	Timeout time.Duration `env:"ROUTER_TIMEOUT" envDefault:"10s"`
}

type Auth struct {
	JWTSecret string        `env:"AUTH_JWT_SECRET"`
	Issuer    string        `env:"AUTH_JWT_ISSUER"`
	CacheSize int           `env:"AUTH_CACHE_SIZE" envDefault:"8388608"`
	CacheTTL  time.Duration `env:"AUTH_CACHE_TTL" envDefault:"1m"`
}

type Presence struct {
	Enabled         bool          `env:"PRESENCE_ENABLED" envDefault:"true"`
	KeyPrefix       string        `env:"PRESENCE_KEY_PREFIX" envDefault:"presence"`
	TTL             time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`
	RefreshInterval time.Duration `env:"PRESENCE_REFRESH_INTERVAL" envDefault:"30s"`
}

type Metrics struct {
	Enabled      bool   `env:"METRICS_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTLPGRPC     string `env:"OTEL_EXPORTER_OTLP_GRPC_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"realtime-gateway"`
}

type Websocket struct {
	SendBuffer   int           `env:"WS_SEND_BUFFER" envDefault:"64"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	PongTimeout  time.Duration `env:"WS_PONG_TIMEOUT" envDefault:"60s"`
	MaxMessage   int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"65536"`
}

// Load reads Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Broker.Driver {
	case "redis", "inmem":
	default:
		return fmt.Errorf("BROKER_DRIVER must be redis or inmem, got %q", c.Broker.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	if c.Broker.MaxAttempts <= 0 {
		return errors.New("BROKER_MAX_ATTEMPTS must be positive")
	}
	if c.Bridge.MaxReconnects <= 0 {
		return errors.New("BRIDGE_MAX_RECONNECTS must be positive")
	}
	return nil
}
