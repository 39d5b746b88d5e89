package inmem

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/infigaming-com/go-realtime/broker"
)

var _ broker.Transport = (*Transport)(nil)

var ErrInjected = errors.New("inmem: injected failure")

// Transport is an in-process broker. Besides single-node use it exposes fault
// injection so reconnect paths can be exercised deterministically.
type Transport struct {
	mu      sync.RWMutex
	streams map[string][]*stream
	opened  map[string]int
	buffer  int

	failMu        sync.Mutex
	failPublish   int
	failSubscribe int
}

type stream struct {
	t       *Transport
	channel string
	msgs    chan string
	done    chan struct{}
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

func New() *Transport {
	return &Transport{
		streams: map[string][]*stream{},
		opened:  map[string]int{},
		buffer:  64,
	}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload string) (int64, error) {
	if channel == "" {
		return 0, errors.New("inmem: channel required")
	}
	if t.consume(&t.failPublish) {
		return 0, ErrInjected
	}
	t.mu.RLock()
	subs := append([]*stream(nil), t.streams[channel]...)
	t.mu.RUnlock()
	var delivered int64
	for _, s := range subs {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-s.done:
		case s.msgs <- payload:
			delivered++
		}
	}
	return delivered, nil
}

func (t *Transport) Subscribe(ctx context.Context, channel string) (broker.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.consume(&t.failSubscribe) {
		return nil, ErrInjected
	}
	s := &stream{
		t:       t,
		channel: channel,
		msgs:    make(chan string, t.buffer),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.streams[channel] = append(t.streams[channel], s)
	t.opened[channel]++
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	var all []*stream
	for _, subs := range t.streams {
		all = append(all, subs...)
	}
	t.mu.Unlock()
	for _, s := range all {
		s.terminate(io.EOF)
	}
	return ctx.Err()
}

// FailPublish makes the next n Publish calls fail.
func (t *Transport) FailPublish(n int) {
	t.failMu.Lock()
	t.failPublish = n
	t.failMu.Unlock()
}

// FailSubscribe makes the next n Subscribe calls fail.
func (t *Transport) FailSubscribe(n int) {
	t.failMu.Lock()
	t.failSubscribe = n
	t.failMu.Unlock()
}

// Drop terminates every open stream on channel with err, as a broker
// disconnect would.
func (t *Transport) Drop(channel string, err error) {
	if err == nil {
		err = ErrInjected
	}
	t.mu.RLock()
	subs := append([]*stream(nil), t.streams[channel]...)
	t.mu.RUnlock()
	for _, s := range subs {
		s.terminate(err)
	}
}

// Streams reports how many upstream streams are currently open on channel.
func (t *Transport) Streams(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams[channel])
}

// Opened reports how many times channel has been subscribed in total.
func (t *Transport) Opened(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opened[channel]
}

func (t *Transport) consume(counter *int) bool {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (t *Transport) unregister(s *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.streams[s.channel]
	for i, candidate := range subs {
		if candidate == s {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(t.streams, s.channel)
	} else {
		t.streams[s.channel] = subs
	}
}

func (s *stream) Channel() string { return s.channel }

func (s *stream) Recv(ctx context.Context) (string, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		return "", s.terminalErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *stream) Close() error {
	s.terminate(nil)
	return nil
}

func (s *stream) terminate(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		s.t.unregister(s)
		close(s.done)
	})
}

func (s *stream) terminalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}
