package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/broker"
	"github.com/infigaming-com/go-realtime/event"
)

var (
	ErrManagerClosed = errors.New("bridge: manager closed")
	ErrNilListener   = errors.New("bridge: event listener required")
)

// EventFunc receives every envelope read from the channel. A returned error
// is reported through hooks and never affects other listeners.
type EventFunc func(ctx context.Context, env event.Envelope) error

// ErrorFunc is told when the subscription gives up on the channel.
type ErrorFunc func(channel string, err error)

// StreamOpener is satisfied by *broker.Client.
type StreamOpener interface {
	OpenStream(ctx context.Context, channel string) (broker.Stream, error)
}

// Manager keeps at most one upstream stream per channel and multiplexes it
// to every Handle acquired for that channel. All bookkeeping is guarded by a
// single mutex; stream reads and listener calls run outside it.
type Manager struct {
	opener StreamOpener
	opts   options
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type Handle struct {
	m       *Manager
	sub     *subscription
	id      uint64
	channel string
	once    sync.Once
}

func New(opener StreamOpener, opts ...Option) (*Manager, error) {
	if opener == nil {
		return nil, errors.New("bridge: stream opener required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opener: opener,
		opts:   base,
		ctx:    ctx,
		cancel: cancel,
		subs:   map[string]*subscription{},
	}, nil
}

// Acquire registers interest in channel. The first Acquire for a channel opens
// the upstream stream and waits for it; later calls join the existing
// subscription, including one that is currently reconnecting. A Closed
// subscription is replaced by a fresh one.
func (m *Manager) Acquire(ctx context.Context, channel string, onEvent EventFunc, onError ErrorFunc) (*Handle, error) {
	if onEvent == nil {
		return nil, ErrNilListener
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	sub := m.subs[channel]
	created := false
	if sub == nil || sub.state == StateClosed {
		sub = newSubscription(m, channel)
		m.subs[channel] = sub
		created = true
	}
	m.nextID++
	h := &Handle{m: m, sub: sub, id: m.nextID, channel: channel}
	sub.listeners[h.id] = listener{onEvent: onEvent, onError: onError}
	if created {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if created {
		go sub.run()
	}
	select {
	case <-sub.ready:
	case <-ctx.Done():
		h.Release()
		return nil, ctx.Err()
	}
	if sub.openErr != nil {
		h.Release()
		return nil, sub.openErr
	}
	return h, nil
}

// Release drops the handle's interest. The last release for a channel cancels
// its read loop and closes the upstream stream before returning.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.Release()
}

func (h *Handle) Channel() string { return h.channel }

// Closed reports whether the subscription behind h has stopped, either by
// exhausting its reconnects or through Shutdown. A closed handle never sees
// another event; acquire again to resume the channel.
func (h *Handle) Closed() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.sub.state == StateClosed
}

func (h *Handle) Release() {
	h.once.Do(func() {
		h.m.release(h)
	})
}

func (m *Manager) release(h *Handle) {
	sub := h.sub
	m.mu.Lock()
	delete(sub.listeners, h.id)
	if len(sub.listeners) > 0 {
		m.mu.Unlock()
		return
	}
	if m.subs[sub.channel] == sub {
		delete(m.subs, sub.channel)
	}
	sub.state = StateClosed
	stream := sub.stream
	sub.stream = nil
	m.mu.Unlock()

	sub.cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			m.opts.lg.Debug("bridge stream close", zap.String("channel", sub.channel), zap.Error(err))
		}
	}
	m.opts.lg.Debug("bridge subscription released", zap.String("channel", sub.channel))
}

// Snapshot reports the subscription currently registered for channel.
func (m *Manager) Snapshot(channel string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[channel]
	if !ok {
		return Info{}, false
	}
	return sub.infoLocked(), true
}

func (m *Manager) Snapshots() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.infoLocked())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Shutdown tears down every subscription and waits for their goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var streams []broker.Stream
	for channel, sub := range m.subs {
		sub.state = StateClosed
		if sub.stream != nil {
			streams = append(streams, sub.stream)
			sub.stream = nil
		}
		delete(m.subs, channel)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range streams {
		_ = s.Close()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
