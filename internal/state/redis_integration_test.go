//go:build integration

package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_Integration(t *testing.T) {
	url := testutil.RequireEnv(t, "REDIS_URL")[0]
	ctx := context.Background()

	store, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(ctx))

	prefix := fmt.Sprintf("harvester_test_%d:", time.Now().UnixNano())
	queue := prefix + KeyPriorityQueue
	counter := prefix + KeyNextID
	lease := prefix + KeyAllocationLease
	t.Cleanup(func() { _, _ = store.Del(context.Background(), queue, counter, lease) })

	require.NoError(t, store.RPush(ctx, queue, "5", "6", "7"))
	items, err := store.LPop(ctx, queue, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6"}, items)

	require.NoError(t, store.Atomic(ctx, func(tx Tx) {
		tx.IncrBy(counter, 20)
		tx.IncrBy(counter, 5)
	}))
	v, err := store.Get(ctx, counter)
	require.NoError(t, err)
	assert.Equal(t, "25", v)

	ok, err := store.SetNX(ctx, lease, "w1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	released, err := store.DelIfEqual(ctx, lease, "w2")
	require.NoError(t, err)
	assert.False(t, released)
	released, err = store.DelIfEqual(ctx, lease, "w1")
	require.NoError(t, err)
	assert.True(t, released)
}
