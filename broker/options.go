package broker

import (
	"time"

	"go.uber.org/zap"
)

type Option func(*options)

type options struct {
	lg             *zap.Logger
	hooks          Hooks
	retryPolicy    RetryPolicy
	attemptTimeout time.Duration
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func defaultOptions() options {
	return options{
		lg: zap.NewNop(),
		retryPolicy: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
		},
		attemptTimeout: 5 * time.Second,
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

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy.normalized()
	}
}

// WithAttemptTimeout bounds each individual publish or subscribe attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 5 * time.Second
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	return r
}
