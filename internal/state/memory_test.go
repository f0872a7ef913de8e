package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, store.Set(ctx, "k", "v"))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	n, err := store.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_SetNXExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	ok, err := store.SetNX(ctx, "lock", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a live key")

	now = now.Add(11 * time.Second)
	ok, err = store.SetNX(ctx, "lock", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be taken")

	val, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestMemoryStore_DelIfEqual(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "lock", "owner"))

	ok, err := store.DelIfEqual(ctx, "lock", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.DelIfEqual(ctx, "lock", "owner")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_IncrBy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	v, err := store.IncrBy(ctx, "counter", 20)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)

	v, err = store.IncrBy(ctx, "counter", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)

	require.NoError(t, store.Set(ctx, "text", "abc"))
	_, err = store.IncrBy(ctx, "text", 1)
	assert.Error(t, err)
}

func TestMemoryStore_Lists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.RPush(ctx, "q", "1", "2", "3"))
	require.NoError(t, store.LPush(ctx, "q", "0"))

	all, err := store.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "3"}, all)

	popped, err := store.LPop(ctx, "q", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, popped)

	n, err := store.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	popped, err = store.LPop(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, popped)

	popped, err = store.LPop(ctx, "q", 10)
	require.NoError(t, err)
	assert.Empty(t, popped)
}

func TestMemoryStore_LPushOrderAndTrim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.LPush(ctx, "recent", "a", "b", "c"))
	all, err := store.LRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, all, "LPush prepends each value in turn")

	require.NoError(t, store.LTrim(ctx, "recent", 0, 1))
	all, err = store.LRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, all)
}

func TestMemoryStore_Hashes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.HIncrBy(ctx, KeyStats, StatSuccessful, 3)
	require.NoError(t, err)
	require.NoError(t, store.HSet(ctx, KeyStats, map[string]string{StatBanned: "7"}))

	all, err := store.HGetAll(ctx, KeyStats)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{StatSuccessful: "3", StatBanned: "7"}, all)

	empty, err := store.HGetAll(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_KeysPattern(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, RunStatusKey("w1"), StatusRunning))
	require.NoError(t, store.Set(ctx, RunStatusKey("w2"), StatusRunning))
	require.NoError(t, store.Set(ctx, KeyNextID, "10"))

	keys, err := store.Keys(ctx, RunStatusPrefix+"*")
	require.NoError(t, err)
	assert.Equal(t, []string{"scraper_status:w1", "scraper_status:w2"}, keys)
}

func TestMemoryStore_Atomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Atomic(ctx, func(tx Tx) {
		tx.HIncrBy(KeyStats, StatSuccessful, 2)
		tx.IncrBy(FoundByWorkerKey("w1"), 2)
		tx.LPush(KeyRecentProfiles, "p1", "p2")
		tx.LTrim(KeyRecentProfiles, 0, 0)
	})
	require.NoError(t, err)

	stats, _ := store.HGetAll(ctx, KeyStats)
	assert.Equal(t, "2", stats[StatSuccessful])
	found, _ := store.Get(ctx, FoundByWorkerKey("w1"))
	assert.Equal(t, "2", found)
	recent, _ := store.LRange(ctx, KeyRecentProfiles, 0, -1)
	assert.Equal(t, []string{"p2"}, recent)
}

func TestMemoryStore_WrongType(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "str", "x"))

	assert.Error(t, store.RPush(ctx, "str", "1"))
	_, err := store.HIncrBy(ctx, "str", "f", 1)
	assert.Error(t, err)
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.IncrBy(ctx, "c", 1)
		}()
	}
	wg.Wait()

	val, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "50", val)
}

func TestParseIDs(t *testing.T) {
	assert.Equal(t, []int64{1, 22, 333}, ParseIDs([]string{"1", " 22 ", "x", "333"}))
	assert.Equal(t, []string{"4", "5"}, FormatIDs([]int64{4, 5}))
}
