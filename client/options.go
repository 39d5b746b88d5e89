package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/protocol"
)

type Callbacks struct {
	OnMessage         func(msg protocol.ServerMessage)
	OnError           func(err error)
	OnStateChange     func(state State)
	OnReconnectFailed func(attempts int)
}

type options struct {
	lg                *zap.Logger
	callbacks         Callbacks
	reconnect         ReconnectPolicy
	heartbeatInterval time.Duration
	queueSize         int
	throttleWindow    time.Duration
	dialTimeout       time.Duration
}

func defaultOptions() *options {
	return &options{
		lg:                zap.NewNop(),
		reconnect:         DefaultReconnectPolicy(),
		heartbeatInterval: 30 * time.Second,
		queueSize:         100,
		throttleWindow:    100 * time.Millisecond,
		dialTimeout:       10 * time.Second,
	}
}

type Option func(*options)

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithCallbacks(cb Callbacks) Option {
	return func(o *options) {
		o.callbacks = cb
	}
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		o.reconnect = p
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithThrottleWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.throttleWindow = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}
