package presence

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the Tracker.
type Option func(*Tracker)

// WithKeyPrefix sets the prefix for Redis hash keys.
// Default: "presence".
func WithKeyPrefix(p string) Option {
	return func(t *Tracker) {
		t.keyPrefix = p
	}
}

// WithTTL sets how long a principal stays online without a refresh.
// Default: 90 seconds.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithRefreshInterval sets how often locally held principals are re-stamped.
// Default: 30 seconds.
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.refreshInterval = d
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(t *Tracker) {
		if lg != nil {
			t.lg = lg
		}
	}
}
