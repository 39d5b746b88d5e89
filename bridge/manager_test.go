package bridge_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-realtime/bridge"
	"github.com/infigaming-com/go-realtime/broker"
	"github.com/infigaming-com/go-realtime/broker/driver/inmem"
	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

const channel = "conversation:C1"

type fixture struct {
	tr      *inmem.Transport
	broker  *broker.Client
	manager *bridge.Manager
}

func newFixture(t *testing.T, opts ...bridge.Option) *fixture {
	t.Helper()
	tr := inmem.New()
	bc, err := broker.New(tr, broker.WithRetryPolicy(broker.RetryPolicy{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}))
	require.NoError(t, err)
	base := []bridge.Option{bridge.WithReconnectPolicy(bridge.ReconnectPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})}
	m, err := bridge.New(bc, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &fixture{tr: tr, broker: bc, manager: m}
}

func (f *fixture) publish(t *testing.T, ch string, body string) {
	t.Helper()
	env, err := event.New(event.TypeNewMessage, event.NewMessageData{
		WebsiteID:      "W1",
		ConversationID: "C1",
		Message:        event.Message{ID: "M1", Body: body},
	})
	require.NoError(t, err)
	_, err = f.broker.Publish(context.Background(), ch, env)
	require.NoError(t, err)
}

type collector struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (c *collector) listen(_ context.Context, env event.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestAcquireSharesOneUpstreamStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var handles []*bridge.Handle
	for i := 0; i < 3; i++ {
		h, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 1, f.tr.Streams(channel))
	assert.Equal(t, 1, f.tr.Opened(channel))

	info, ok := f.manager.Snapshot(channel)
	require.True(t, ok)
	assert.Equal(t, bridge.StateActive, info.State)
	assert.Equal(t, 3, info.Refcount)

	handles[0].Release()
	handles[0].Release()
	f.manager.Release(handles[1])
	assert.Equal(t, 1, f.tr.Streams(channel))
	info, _ = f.manager.Snapshot(channel)
	assert.Equal(t, 1, info.Refcount)

	handles[2].Release()
	assert.Equal(t, 0, f.tr.Streams(channel))
	_, ok = f.manager.Snapshot(channel)
	assert.False(t, ok)
	assert.Zero(t, f.manager.Len())
}

func TestEventDeliveredOncePerHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b := &collector{}, &collector{}
	ha, err := f.manager.Acquire(ctx, channel, a.listen, nil)
	require.NoError(t, err)
	defer ha.Release()
	hb, err := f.manager.Acquire(ctx, channel, b.listen, nil)
	require.NoError(t, err)
	defer hb.Release()

	f.publish(t, channel, "hello")

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, a.envs[0], b.envs[0])
	assert.Equal(t, event.TypeNewMessage, a.envs[0].Type)
}

func TestOrderingWithinChannel(t *testing.T) {
	f := newFixture(t)
	c := &collector{}
	h, err := f.manager.Acquire(context.Background(), channel, c.listen, nil)
	require.NoError(t, err)
	defer h.Release()

	bodies := []string{"1", "2", "3", "4", "5"}
	for _, body := range bodies {
		f.publish(t, channel, body)
	}
	require.Eventually(t, func() bool { return c.count() == len(bodies) }, time.Second, 5*time.Millisecond)
	for i, env := range c.envs {
		data, err := event.DecodeData[event.NewMessageData](env)
		require.NoError(t, err)
		assert.Equal(t, bodies[i], data.Message.Body)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, nil)
				if !assert.NoError(t, err) {
					return
				}
				h.Release()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, f.manager.Len())
	assert.Eventually(t, func() bool { return f.tr.Streams(channel) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconnectAfterDrop(t *testing.T) {
	var recovered atomic.Int32
	f := newFixture(t, bridge.WithHooks(bridge.Hooks{
		OnRecovered: func(context.Context, string) { recovered.Add(1) },
	}))
	c := &collector{}
	h, err := f.manager.Acquire(context.Background(), channel, c.listen, nil)
	require.NoError(t, err)
	defer h.Release()

	f.tr.Drop(channel, errors.New("connection reset"))

	require.Eventually(t, func() bool {
		info, ok := f.manager.Snapshot(channel)
		return ok && info.State == bridge.StateActive && f.tr.Opened(channel) == 2
	}, time.Second, 5*time.Millisecond)
	info, _ := f.manager.Snapshot(channel)
	assert.Zero(t, info.Attempts)
	assert.Equal(t, 1, f.tr.Streams(channel))
	assert.Equal(t, int32(1), recovered.Load())

	f.publish(t, channel, "after")
	assert.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectExhaustionClosesAndNotifies(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, bridge.WithHooks(bridge.Hooks{
		OnReconnect: func(context.Context, string, int, time.Duration) { attempts.Add(1) },
	}))
	ctx := context.Background()

	var mu sync.Mutex
	var errs []error
	onError := func(ch string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	h1, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, onError)
	require.NoError(t, err)
	h2, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, onError)
	require.NoError(t, err)

	f.tr.FailSubscribe(100)
	f.tr.Drop(channel, errors.New("broker gone"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	for _, err := range errs {
		assert.ErrorIs(t, err, rterr.ErrSubscriptionExhausted)
	}
	assert.Equal(t, int32(5), attempts.Load())

	info, ok := f.manager.Snapshot(channel)
	require.True(t, ok)
	assert.Equal(t, bridge.StateClosed, info.State)
	assert.Equal(t, 2, info.Refcount)

	// A new Acquire replaces the closed subscription.
	f.tr.FailSubscribe(0)
	h3, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, nil)
	require.NoError(t, err)
	info, _ = f.manager.Snapshot(channel)
	assert.Equal(t, bridge.StateActive, info.State)
	assert.Equal(t, 1, info.Refcount)

	h1.Release()
	h2.Release()
	_, ok = f.manager.Snapshot(channel)
	assert.True(t, ok)
	h3.Release()
	assert.Zero(t, f.manager.Len())
}

func TestAcquireReportsBrokerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.tr.FailSubscribe(1)

	_, err := f.manager.Acquire(context.Background(), channel, (&collector{}).listen, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, rterr.ErrBrokerUnavailable)
	assert.Zero(t, f.manager.Len())

	h, err := f.manager.Acquire(context.Background(), channel, (&collector{}).listen, nil)
	require.NoError(t, err)
	h.Release()
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	var failures atomic.Int32
	f := newFixture(t, bridge.WithHooks(bridge.Hooks{
		OnDeliverFail: func(context.Context, string, error) { failures.Add(1) },
	}))
	ctx := context.Background()

	failing := func(context.Context, event.Envelope) error { return errors.New("send buffer full") }
	panicking := func(context.Context, event.Envelope) error { panic("boom") }
	ok := &collector{}

	for _, fn := range []bridge.EventFunc{failing, panicking, ok.listen} {
		h, err := f.manager.Acquire(ctx, channel, fn, nil)
		require.NoError(t, err)
		defer h.Release()
	}

	f.publish(t, channel, "hi")
	assert.Eventually(t, func() bool { return ok.count() == 1 && failures.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestUndecodablePayloadIsSkipped(t *testing.T) {
	var decodeErrors atomic.Int32
	f := newFixture(t, bridge.WithHooks(bridge.Hooks{
		OnDecodeError: func(context.Context, string, error) { decodeErrors.Add(1) },
	}))
	c := &collector{}
	h, err := f.manager.Acquire(context.Background(), channel, c.listen, nil)
	require.NoError(t, err)
	defer h.Release()

	_, err = f.tr.Publish(context.Background(), channel, "not json")
	require.NoError(t, err)
	_, err = f.tr.Publish(context.Background(), channel, `{"type":"NOT_A_TYPE","data":{},"timestamp":1}`)
	require.NoError(t, err)
	f.publish(t, channel, "valid")

	assert.Eventually(t, func() bool { return c.count() == 1 && decodeErrors.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAcquireRequiresListener(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Acquire(context.Background(), channel, nil, nil)
	assert.ErrorIs(t, err, bridge.ErrNilListener)
}

func TestShutdownClosesStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, ch := range []string{"conversation:C1", "website:W1"} {
		_, err := f.manager.Acquire(ctx, ch, (&collector{}).listen, nil)
		require.NoError(t, err)
	}
	assert.Len(t, f.manager.Snapshots(), 2)

	require.NoError(t, f.manager.Shutdown(ctx))
	assert.Zero(t, f.tr.Streams("conversation:C1"))
	assert.Zero(t, f.tr.Streams("website:W1"))

	_, err := f.manager.Acquire(ctx, channel, (&collector{}).listen, nil)
	assert.ErrorIs(t, err, bridge.ErrManagerClosed)
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := bridge.ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6))
}
