package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "weather")
	ctx := context.Background()

	_, err := c.Get(ctx, "current:London")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "current:London", []byte(`{"t":1}`), 5*time.Minute))
	assert.True(t, mr.Exists("weather:current:London"))

	got, err := c.Get(ctx, "current:London")
	require.NoError(t, err)
	assert.Equal(t, `{"t":1}`, string(got))

	require.NoError(t, c.Delete(ctx, "current:London", "forecast:London"))
	_, err = c.Get(ctx, "current:London")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCache_TTL(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "weather")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("weather:k"))

	mr.FastForward(2 * time.Minute)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCache_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "weather")
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemoryCache(10, clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 5*time.Minute))

	clock.Advance(4 * time.Minute)
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	clock.Advance(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c := NewMemoryCache(10, nil)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", value, time.Hour))
	value[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache(10, nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Delete(ctx, "a", "missing"))
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}
