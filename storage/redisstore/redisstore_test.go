package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	mls "github.com/quietmesh/go-mls"
)

// Integration test; set REDIS_ADDR (e.g. localhost:6379) to run it.
func newTestStore(t *testing.T, opts ...Option) *Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return New(client, opts...)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithPrefix("mls-test/"))

	key := "group/roundtrip"
	t.Cleanup(func() { _ = store.Delete(ctx, key) })

	_, err := store.Read(ctx, key)
	require.ErrorIs(t, err, mls.ErrNotFound)

	require.NoError(t, store.Write(ctx, key, []byte("state-v1")))
	got, err := store.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("state-v1"), got)

	require.NoError(t, store.Write(ctx, key, []byte("state-v2")))
	got, err = store.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("state-v2"), got)

	require.NoError(t, store.Delete(ctx, key))
	require.ErrorIs(t, store.Delete(ctx, key), mls.ErrNotFound)
}

func TestStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t, WithPrefix("mls-test-a/"))
	b := newTestStore(t, WithPrefix("mls-test-b/"))

	t.Cleanup(func() { _ = a.Delete(ctx, "k") })

	require.NoError(t, a.Write(ctx, "k", []byte("v")))
	_, err := b.Read(ctx, "k")
	require.ErrorIs(t, err, mls.ErrNotFound)
}

func TestStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithPrefix("mls-test-ttl/"), WithTTL(time.Second))

	require.NoError(t, store.Write(ctx, "k", []byte("v")))
	_, err := store.Read(ctx, "k")
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	_, err = store.Read(ctx, "k")
	require.ErrorIs(t, err, mls.ErrNotFound)
}

func TestStoreBacksEngine(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithPrefix("mls-test-engine/"))

	groupID := []byte("redis-group")
	t.Cleanup(func() {
		engine := mls.NewEngine(store, nil)
		_ = engine.DeleteGroup(ctx, groupID)
	})

	engine := mls.NewEngine(store, nil)
	cred := mls.NewBasicCredential([]byte("redis-user"))
	require.NoError(t, engine.CreateGroup(ctx, groupID, cred, mls.DefaultGroupConfig()))

	// A second engine over the same store sees the group.
	other := mls.NewEngine(store, nil)
	epoch, err := other.GroupEpoch(ctx, groupID)
	require.NoError(t, err)
	require.Equal(t, mls.Epoch(0), epoch)
}
