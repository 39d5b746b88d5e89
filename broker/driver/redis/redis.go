package redis

import (
	"context"
	"errors"
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/broker"
)

type Config struct {
	Client *goredis.Client
	// OwnsClient closes Client when the transport is closed.
	OwnsClient bool
	Logger     *zap.Logger
}

// transport relays channels over Redis PUBLISH/SUBSCRIBE. Redis reports the
// number of receiving subscribers on PUBLISH, which is the delivered count.
type transport struct {
	client     *goredis.Client
	ownsClient bool
	lg         *zap.Logger
}

func New(cfg Config) (broker.Transport, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbroker: client required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &transport{
		client:     cfg.Client,
		ownsClient: cfg.OwnsClient,
		lg:         lg,
	}, nil
}

func (t *transport) Publish(ctx context.Context, channel string, payload string) (int64, error) {
	n, err := t.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redisbroker: publish %s: %w", channel, err)
	}
	return n, nil
}

func (t *transport) Subscribe(ctx context.Context, channel string) (broker.Stream, error) {
	ps := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so a successful return means the
	// broker is actually routing channel to us.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbroker: subscribe %s: %w", channel, err)
	}
	t.lg.Debug("redis stream opened", zap.String("channel", channel))
	return &stream{channel: channel, ps: ps}, nil
}

func (t *transport) Close(context.Context) error {
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

type stream struct {
	channel string
	ps      *goredis.PubSub
}

func (s *stream) Channel() string { return s.channel }

func (s *stream) Recv(ctx context.Context) (string, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, goredis.ErrClosed) {
			return "", io.EOF
		}
		return "", err
	}
	return msg.Payload, nil
}

func (s *stream) Close() error {
	err := s.ps.Close()
	if errors.Is(err, goredis.ErrClosed) {
		return nil
	}
	return err
}
