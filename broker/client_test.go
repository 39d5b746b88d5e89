package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

type fakeTransport struct {
	mu         sync.Mutex
	publishes  int
	subscribes int
	publishErr []error
	delivered  int64
	lastPayload string
	closed     bool
}

func (f *fakeTransport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	f.lastPayload = payload
	if len(f.publishErr) > 0 {
		err := f.publishErr[0]
		f.publishErr = f.publishErr[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.delivered, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribes < 2 {
		return nil, errors.New("not yet")
	}
	return fakeStream(channel), nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeStream string

func (s fakeStream) Channel() string { return string(s) }

func (s fakeStream) Recv(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (s fakeStream) Close() error { return nil }

func fastRetry() Option {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func testEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeNewMessage, map[string]string{"conversationId": "C1"})
	require.NoError(t, err)
	return env
}

func TestPublishReturnsDeliveredCount(t *testing.T) {
	ft := &fakeTransport{delivered: 2}
	var hooked int64
	c, err := New(ft, fastRetry(), WithHooks(Hooks{
		OnPublish: func(_ context.Context, _ string, n int64) { hooked = n },
	}))
	require.NoError(t, err)

	n, err := c.Publish(context.Background(), "conversation:C1", testEnvelope(t))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), hooked)

	decoded, err := event.Decode(ft.lastPayload)
	require.NoError(t, err)
	assert.Equal(t, event.TypeNewMessage, decoded.Type)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTransport{delivered: 1, publishErr: []error{errors.New("io timeout"), errors.New("io timeout")}}
	var retries []int
	c, err := New(ft, fastRetry(), WithHooks(Hooks{
		OnRetry: func(_ context.Context, _ string, attempt int, _ string) { retries = append(retries, attempt) },
	}))
	require.NoError(t, err)

	n, err := c.Publish(context.Background(), "conversation:C1", testEnvelope(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 3, ft.publishes)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestPublishExhaustsToBrokerUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	ft := &fakeTransport{publishErr: []error{boom, boom, boom, boom}}
	var failed error
	c, err := New(ft, fastRetry(), WithHooks(Hooks{
		OnPublishFail: func(_ context.Context, _ string, err error) { failed = err },
	}))
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "conversation:C1", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 3, ft.publishes)
	assert.ErrorIs(t, err, rterr.ErrBrokerUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, err, failed)
}

func TestPublishPermanentErrorIsNotRetried(t *testing.T) {
	ft := &fakeTransport{publishErr: []error{ErrPermanent(errors.New("NOAUTH"))}}
	c, err := New(ft, fastRetry())
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "conversation:C1", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 1, ft.publishes)
	assert.NotErrorIs(t, err, rterr.ErrBrokerUnavailable)
}

func TestPublishRejectsUnknownType(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(ft, fastRetry())
	require.NoError(t, err)

	_, err = c.Publish(context.Background(), "conversation:C1", event.Envelope{Type: "BOGUS"})
	assert.ErrorIs(t, err, event.ErrUnknownType)
	assert.Zero(t, ft.publishes)
}

func TestPublishHonorsCancellation(t *testing.T) {
	ft := &fakeTransport{publishErr: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	c, err := New(ft, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Publish(ctx, "conversation:C1", testEnvelope(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ft.publishes)
}

func TestOpenStreamRetries(t *testing.T) {
	ft := &fakeTransport{}
	var opened string
	c, err := New(ft, fastRetry(), WithHooks(Hooks{
		OnStreamOpen: func(_ context.Context, channel string) { opened = channel },
	}))
	require.NoError(t, err)

	s, err := c.OpenStream(context.Background(), "website:W1")
	require.NoError(t, err)
	assert.Equal(t, "website:W1", s.Channel())
	assert.Equal(t, 2, ft.subscribes)
	assert.Equal(t, "website:W1", opened)
}

func TestShutdownClosesClient(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(ft)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, ft.closed)

	_, err = c.Publish(context.Background(), "conversation:C1", testEnvelope(t))
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.OpenStream(context.Background(), "conversation:C1")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
