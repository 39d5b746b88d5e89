package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/internal/backoff"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("broker: client closed")

// Client publishes envelopes and opens subscribe streams against a Transport,
// retrying each call with capped exponential backoff. Channel names are not
// validated here.
type Client struct {
	transport Transport
	opts      options

	mu     sync.RWMutex
	closed bool
}

func New(transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("broker: transport required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	return &Client{
		transport: transport,
		opts:      base,
	}, nil
}

// Publish encodes env and sends it to channel, returning how many upstream
// subscribers received it. After exhausting retries the error matches
// errors.ErrBrokerUnavailable.
func (c *Client) Publish(ctx context.Context, channel string, env event.Envelope) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	payload, err := event.Encode(env)
	if err != nil {
		return 0, err
	}
	var delivered int64
	err = c.retry(ctx, channel, "publish", func(attemptCtx context.Context) error {
		n, err := c.transport.Publish(attemptCtx, channel, payload)
		if err != nil {
			return err
		}
		delivered = n
		return nil
	})
	if err != nil {
		if c.opts.hooks.OnPublishFail != nil {
			c.opts.hooks.OnPublishFail(ctx, channel, err)
		}
		return 0, err
	}
	if c.opts.hooks.OnPublish != nil {
		c.opts.hooks.OnPublish(ctx, channel, delivered)
	}
	return delivered, nil
}

// OpenStream subscribes to channel. The caller owns the returned Stream and
// must read it until it reports an error, then Close it.
func (c *Client) OpenStream(ctx context.Context, channel string) (Stream, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	var stream Stream
	err := c.retry(ctx, channel, "subscribe", func(attemptCtx context.Context) error {
		s, err := c.transport.Subscribe(attemptCtx, channel)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		if c.opts.hooks.OnStreamFail != nil {
			c.opts.hooks.OnStreamFail(ctx, channel, err)
		}
		return nil, err
	}
	if c.opts.hooks.OnStreamOpen != nil {
		c.opts.hooks.OnStreamOpen(ctx, channel)
	}
	return stream, nil
}

func (c *Client) retry(ctx context.Context, channel, op string, fn func(context.Context) error) error {
	policy := c.opts.retryPolicy
	schedule := backoff.Config{Initial: policy.InitialBackoff, Max: policy.MaxBackoff, Multiplier: policy.Multiplier, Jitter: policy.Jitter}
	bo := backoff.New(schedule)
	var attempt int
	for {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.attemptTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			c.opts.lg.Warn("broker call failed", zap.String("op", op), zap.String("channel", channel), zap.Int("attempts", attempt), zap.Error(err))
			return rterr.ErrBrokerUnavailable.Wrap(fmt.Errorf("%s %s after %d attempts: %w", op, channel, attempt, err))
		}
		delay := bo.Next()
		if c.opts.hooks.OnRetry != nil {
			c.opts.hooks.OnRetry(ctx, channel, attempt, delay.String())
		}
		c.opts.lg.Debug("broker call retry", zap.String("op", op), zap.String("channel", channel), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.transport.Close(ctx)
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

type permanentError struct{ Err error }

func (p permanentError) Error() string { return p.Err.Error() }

func (p permanentError) Unwrap() error { return p.Err }

// ErrPermanent marks a transport error that must not be retried.
func ErrPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{Err: err}
}

func isPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm)
}
