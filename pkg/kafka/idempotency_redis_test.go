package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, ttl), mr
}

func TestRedisIdempotencyStore_ClaimOnce(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()
	key := editEvent(5).DedupKey()

	first, err := store.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	assert.True(t, mr.Exists("sir:change:"+key))
	assert.Equal(t, time.Hour, mr.TTL("sir:change:"+key))
}

func TestRedisIdempotencyStore_ClaimExpires(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	claimed, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRedisIdempotencyStore_Release(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	_, err := store.Claim(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k"))
	assert.False(t, mr.Exists("sir:change:k"))
}

func TestRedisIdempotencyStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	mr.Close()

	_, err := store.Claim(context.Background(), "k")
	assert.ErrorContains(t, err, "redis claim k")
	assert.ErrorContains(t, store.Release(context.Background(), "k"), "redis release k")
}

func TestDeduplicate_SharedAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	replica := func() IdempotencyStore {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisIdempotencyStore(client, time.Hour)
	}

	calls := 0
	inner := func(context.Context, *ChangeEvent) error {
		calls++
		return nil
	}
	a := deduplicate(replica(), inner, testLogger(), func(*ChangeEvent) {})
	b := deduplicate(replica(), inner, testLogger(), func(*ChangeEvent) {})

	require.NoError(t, a(context.Background(), editEvent(3)))
	require.NoError(t, b(context.Background(), editEvent(3)))
	assert.Equal(t, 1, calls)
}
