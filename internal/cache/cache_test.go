package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreWithClient(client, "hostdeck:", ttl), mr
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "all")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "all", []byte(`[{"id":"h-1"}]`)))
	require.NoError(t, s.Set(ctx, "h-1", []byte(`{"id":"h-1"}`)))

	v, found, err := s.Get(ctx, "all")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"h-1"}]`, string(v))

	require.NoError(t, s.Invalidate(ctx, "all", "h-1", "never-set"))
	for _, k := range []string{"all", "h-1"} {
		_, found, err = s.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found, k)
	}

	require.NoError(t, s.Invalidate(ctx))
	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestRedisStore(t *testing.T) {
	s, mr := newMiniRedisStore(t, 0)
	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), "h-2", []byte("x")))
	assert.True(t, mr.Exists("hostdeck:h-2"), "keys are namespaced by prefix")
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "all", []byte("x")))
	_, found, _ := s.Get(ctx, "all")
	assert.True(t, found)

	now = now.Add(time.Minute)
	_, found, err := s.Get(ctx, "all")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newMiniRedisStore(t, 30*time.Second)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "all", []byte("x")))

	mr.FastForward(31 * time.Second)
	_, found, err := s.Get(ctx, "all")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreErrorIsNotMiss(t *testing.T) {
	s, mr := newMiniRedisStore(t, 0)
	mr.Close()

	_, found, err := s.Get(context.Background(), "all")
	assert.Error(t, err)
	assert.False(t, found)
}
