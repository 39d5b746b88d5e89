package redis

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPublishSubscribe(t *testing.T) {
	_, client := setupMiniredis(t)
	tr, err := New(Config{Client: client})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Subscribe(ctx, "conversation:C1")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "conversation:C1", s.Channel())

	n, err := tr.Publish(ctx, "conversation:C1", `{"type":"NEW_MESSAGE"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"NEW_MESSAGE"}`, got)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	_, client := setupMiniredis(t)
	tr, err := New(Config{Client: client})
	require.NoError(t, err)

	n, err := tr.Publish(context.Background(), "website:W1", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseEndsStream(t *testing.T) {
	_, client := setupMiniredis(t)
	tr, err := New(Config{Client: client})
	require.NoError(t, err)

	s, err := tr.Subscribe(context.Background(), "website:W1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribeFailsWhenServerDown(t *testing.T) {
	mr, client := setupMiniredis(t)
	tr, err := New(Config{Client: client})
	require.NoError(t, err)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tr.Subscribe(ctx, "website:W1")
	assert.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
