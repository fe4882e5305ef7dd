package awaits

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

// leaseHarness runs one scenario against a store and a way to move time forward.
type leaseHarness struct {
	name    string
	store   LeaseStore
	advance func(time.Duration)
}

func leaseStores(t *testing.T) []leaseHarness {
	t.Helper()

	clock := clockwork.NewFakeClock()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []leaseHarness{
		{name: "memory", store: NewMemoryLeaseStore(clock), advance: clock.Advance},
		{name: "redis", store: NewRedisLeaseStore(client), advance: server.FastForward},
	}
}

func TestLeaseStores(t *testing.T) {
	ctx := context.Background()

	for _, h := range leaseStores(t) {
		t.Run(h.name, func(t *testing.T) {
			acquired, err := h.store.Acquire(ctx, "aw-1", "alice", time.Minute)
			require.NoError(t, err)
			assert.True(t, acquired)

			acquired, err = h.store.Acquire(ctx, "aw-1", "bob", time.Minute)
			require.NoError(t, err)
			assert.False(t, acquired)

			holder, held, err := h.store.Holder(ctx, "aw-1")
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, "alice", holder)

			renewed, err := h.store.Renew(ctx, "aw-1", "bob", time.Minute)
			require.NoError(t, err)
			assert.False(t, renewed)

			h.advance(50 * time.Second)

			renewed, err = h.store.Renew(ctx, "aw-1", "alice", time.Minute)
			require.NoError(t, err)
			assert.True(t, renewed)

			h.advance(50 * time.Second)

			_, held, err = h.store.Holder(ctx, "aw-1")
			require.NoError(t, err)
			assert.True(t, held, "renewal pushed expiry out")

			require.NoError(t, h.store.Release(ctx, "aw-1", "bob"))
			_, held, _ = h.store.Holder(ctx, "aw-1")
			assert.True(t, held, "only the holder releases")

			h.advance(time.Minute)

			_, held, err = h.store.Holder(ctx, "aw-1")
			require.NoError(t, err)
			assert.False(t, held)

			acquired, err = h.store.Acquire(ctx, "aw-1", "bob", time.Minute)
			require.NoError(t, err)
			assert.True(t, acquired, "expired lease is claimable without release")

			require.NoError(t, h.store.Release(ctx, "aw-1", "bob"))
			_, held, _ = h.store.Holder(ctx, "aw-1")
			assert.False(t, held)
		})
	}
}

func TestNewRedisLeaseStoreFromURL(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := NewRedisLeaseStoreFromURL("redis://" + server.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	acquired, err := store.Acquire(context.Background(), "aw-9", "carol", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	_, err = NewRedisLeaseStoreFromURL("::not a url")
	assert.Error(t, err)
}
