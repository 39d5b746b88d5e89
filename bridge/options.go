package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/internal/backoff"
)

type Option func(*options)

type options struct {
	lg        *zap.Logger
	hooks     Hooks
	reconnect ReconnectPolicy
	buffer    int
}

// ReconnectPolicy bounds how an Active subscription recovers from a dropped
// stream. Attempt n waits min(InitialDelay * Multiplier^(n-1), MaxDelay).
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return backoff.Config{Initial: p.InitialDelay, Max: p.MaxDelay, Multiplier: p.Multiplier}.Delay(attempt)
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

type Hooks struct {
	OnReconnect   func(ctx context.Context, channel string, attempt int, delay time.Duration)
	OnRecovered   func(ctx context.Context, channel string)
	OnExhausted   func(ctx context.Context, channel string, err error)
	OnDecodeError func(ctx context.Context, channel string, err error)
	OnDeliver     func(ctx context.Context, channel string, listeners int)
	OnDeliverFail func(ctx context.Context, channel string, err error)
}

func defaultOptions() options {
	return options{
		lg:        zap.NewNop(),
		reconnect: ReconnectPolicy{}.normalized(),
		buffer:    256,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		o.reconnect = p.normalized()
	}
}

// WithBuffer sets how many decoded envelopes may wait between a channel's
// read loop and its fan-out loop.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}
