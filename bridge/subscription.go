package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/broker"
	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

var ErrReleased = errors.New("bridge: subscription released")

type listener struct {
	onEvent EventFunc
	onError ErrorFunc
}

// subscription owns one upstream stream. run reads it and pushes decoded
// envelopes into buffer; dispatch drains buffer to the listeners so a slow
// listener never stalls the stream read.
type subscription struct {
	m       *Manager
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
	buffer  chan event.Envelope

	ready   chan struct{}
	openErr error

	// guarded by m.mu
	listeners    map[uint64]listener
	state        State
	attempts     int
	stream       broker.Stream
	lastErr      string
	lastActivity time.Time
}

func newSubscription(m *Manager, channel string) *subscription {
	ctx, cancel := context.WithCancel(m.ctx)
	return &subscription{
		m:         m,
		channel:   channel,
		ctx:       ctx,
		cancel:    cancel,
		buffer:    make(chan event.Envelope, m.opts.buffer),
		ready:     make(chan struct{}),
		listeners: map[uint64]listener{},
		state:     StateSubscribing,
	}
}

func (s *subscription) run() {
	defer s.m.wg.Done()
	lg := s.m.opts.lg.With(zap.String("channel", s.channel))

	stream, err := s.m.opener.OpenStream(s.ctx, s.channel)
	if err != nil {
		s.m.mu.Lock()
		s.state = StateClosed
		s.lastErr = err.Error()
		s.m.mu.Unlock()
		s.openErr = err
		close(s.ready)
		s.cancel()
		lg.Warn("bridge subscribe failed", zap.Error(err))
		return
	}
	if !s.attach(stream) {
		s.openErr = ErrReleased
		close(s.ready)
		return
	}
	close(s.ready)
	lg.Debug("bridge subscription active")

	s.m.wg.Add(1)
	go s.dispatch()

	for {
		err := s.receive(stream)
		s.detach(stream)
		if s.ctx.Err() != nil {
			return
		}
		lg.Warn("bridge stream dropped", zap.Error(err))
		stream = s.reconnect(err)
		if stream == nil {
			return
		}
		lg.Info("bridge subscription recovered")
	}
}

func (s *subscription) receive(stream broker.Stream) error {
	for {
		payload, err := stream.Recv(s.ctx)
		if err != nil {
			return err
		}
		env, err := event.Decode(payload)
		if err != nil {
			s.m.opts.lg.Warn("bridge dropped undecodable event", zap.String("channel", s.channel), zap.Error(err))
			if s.m.opts.hooks.OnDecodeError != nil {
				s.m.opts.hooks.OnDecodeError(s.ctx, s.channel, err)
			}
			continue
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case s.buffer <- env:
		}
	}
}

func (s *subscription) reconnect(cause error) broker.Stream {
	policy := s.m.opts.reconnect
	for {
		attempt, ok := s.beginReconnect(cause)
		if attempt < 0 {
			return nil
		}
		if !ok {
			s.exhaust(cause)
			return nil
		}
		delay := policy.Delay(attempt)
		if s.m.opts.hooks.OnReconnect != nil {
			s.m.opts.hooks.OnReconnect(s.ctx, s.channel, attempt, delay)
		}
		s.m.opts.lg.Info("bridge reconnect scheduled", zap.String("channel", s.channel), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		tmr := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			tmr.Stop()
			return nil
		case <-tmr.C:
		}
		stream, err := s.m.opener.OpenStream(s.ctx, s.channel)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			cause = err
			continue
		}
		if !s.attach(stream) {
			return nil
		}
		if s.m.opts.hooks.OnRecovered != nil {
			s.m.opts.hooks.OnRecovered(s.ctx, s.channel)
		}
		return stream
	}
}

// beginReconnect moves to Reconnecting and reports whether another attempt
// is allowed. A negative attempt means the subscription was torn down.
func (s *subscription) beginReconnect(cause error) (int, bool) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.state == StateClosed {
		return -1, false
	}
	s.state = StateReconnecting
	s.attempts++
	if cause != nil {
		s.lastErr = cause.Error()
	}
	return s.attempts, s.attempts <= s.m.opts.reconnect.MaxAttempts
}

func (s *subscription) exhaust(cause error) {
	err := rterr.ErrSubscriptionExhausted.Wrap(fmt.Errorf("%s: %w", s.channel, cause))
	s.m.mu.Lock()
	s.state = StateClosed
	notify := make([]ErrorFunc, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l.onError != nil {
			notify = append(notify, l.onError)
		}
	}
	s.m.mu.Unlock()

	s.m.opts.lg.Error("bridge subscription exhausted", zap.String("channel", s.channel), zap.Error(err))
	if s.m.opts.hooks.OnExhausted != nil {
		s.m.opts.hooks.OnExhausted(s.ctx, s.channel, err)
	}
	for _, fn := range notify {
		fn(s.channel, err)
	}
	s.cancel()
}

// attach installs stream as the live upstream. It reports false, closing the
// stream, when the subscription was released in the meantime.
func (s *subscription) attach(stream broker.Stream) bool {
	s.m.mu.Lock()
	if s.ctx.Err() != nil || s.state == StateClosed {
		s.m.mu.Unlock()
		_ = stream.Close()
		return false
	}
	s.stream = stream
	s.state = StateActive
	s.attempts = 0
	s.lastActivity = time.Now()
	s.m.mu.Unlock()
	return true
}

func (s *subscription) detach(stream broker.Stream) {
	s.m.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.m.mu.Unlock()
	_ = stream.Close()
}

func (s *subscription) dispatch() {
	defer s.m.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.buffer:
			s.fanOut(env)
		}
	}
}

func (s *subscription) fanOut(env event.Envelope) {
	s.m.mu.Lock()
	targets := make([]listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		targets = append(targets, l)
	}
	s.lastActivity = time.Now()
	s.m.mu.Unlock()

	for _, l := range targets {
		if err := s.deliver(l, env); err != nil {
			s.m.opts.lg.Debug("bridge listener failed", zap.String("channel", s.channel), zap.String("type", env.Type.String()), zap.Error(err))
			if s.m.opts.hooks.OnDeliverFail != nil {
				s.m.opts.hooks.OnDeliverFail(s.ctx, s.channel, err)
			}
		}
	}
	if s.m.opts.hooks.OnDeliver != nil {
		s.m.opts.hooks.OnDeliver(s.ctx, s.channel, len(targets))
	}
}

func (s *subscription) deliver(l listener, env event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: listener panic: %v", r)
		}
	}()
	return l.onEvent(s.ctx, env)
}

func (s *subscription) infoLocked() Info {
	return Info{
		Channel:      s.channel,
		State:        s.state,
		Refcount:     len(s.listeners),
		Attempts:     s.attempts,
		LastError:    s.lastErr,
		LastActivity: s.lastActivity,
	}
}
