//go:build unit || !integration

package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/mocks"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func runWithTimeout(t *testing.T, r *Runner, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Run(ctx)
}

func statusExists(t *testing.T, store state.Store, workerID string) bool {
	t.Helper()
	ok, err := store.Exists(context.Background(), state.RunStatusKey(workerID))
	require.NoError(t, err)
	return ok
}

func TestRunner_StopRequeuesRemainder(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()

	scraper := funcScraper(func(ctx context.Context, id int64) crawler.Result {
		if id == 6 {
			_ = store.Set(ctx, state.RunStatusKey("w1"), state.StatusStopped)
		}
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	require.NoError(t, runWithTimeout(t, r, 5*time.Second))

	profiles := sink.profiles()
	assert.Len(t, profiles, 6, "everything scraped was flushed on exit")
	for id := int64(1); id <= 6; id++ {
		assert.Contains(t, profiles, id)
	}
	assert.Equal(t, []int64{7, 8}, queueIDs(t, store))
	assert.False(t, statusExists(t, store, "w1"))

	hash, err := store.HGetAll(context.Background(), state.KeyStats)
	require.NoError(t, err)
	assert.Equal(t, "6", hash[state.StatSuccessful])
}

func TestRunner_CancelRequeuesAndDrains(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scraper := funcScraper(func(_ context.Context, id int64) crawler.Result {
		if id == 2 {
			cancel()
		}
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	require.NoError(t, r.Run(ctx))

	profiles := sink.profiles()
	assert.Len(t, profiles, 2)
	assert.Equal(t, []int64{3, 4}, queueIDs(t, store))
	assert.False(t, statusExists(t, store, "w1"))
}

func TestRunner_RateLimitedIDsAreRetried(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()

	var mu sync.Mutex
	attempts := map[int64]int{}
	scraper := funcScraper(func(ctx context.Context, id int64) crawler.Result {
		mu.Lock()
		attempts[id]++
		n := attempts[id]
		mu.Unlock()

		if id == 3 && n == 1 {
			return crawler.Result{ID: id, Outcome: crawler.OutcomeRateLimited, StatusCode: 429}
		}
		if id == 3 {
			_ = store.Set(ctx, state.RunStatusKey("w1"), state.StatusStopped)
		}
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	require.NoError(t, runWithTimeout(t, r, 5*time.Second))

	mu.Lock()
	assert.Equal(t, 2, attempts[3])
	mu.Unlock()

	profiles := sink.profiles()
	for id := int64(1); id <= 4; id++ {
		assert.Contains(t, profiles, id)
	}
	assert.Empty(t, queueIDs(t, store))
}

func TestRunner_BreakerTripRewindsRange(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()

	settings := fastSettings()
	settings.ParallelMin = 1
	settings.ParallelMax = 1
	settings.BatchSize = 5
	settings.ConsecutiveMissLimit = 3

	var scraped atomic.Int64
	scraper := funcScraper(func(_ context.Context, id int64) crawler.Result {
		scraped.Add(1)
		return crawler.Result{ID: id, Outcome: crawler.OutcomeNotFound, StatusCode: 404}
	})

	r := newTestRunner(t, store, sink, scraper, settings)
	require.NoError(t, runWithTimeout(t, r, 200*time.Millisecond))

	assert.Equal(t, int64(3), scraped.Load(), "nothing is scraped while paused")
	assert.Empty(t, sink.profiles(), "tombstones of the rewound range are removed")
	assert.Equal(t, []int64{1}, sink.tombstoneCalls)
	assert.Empty(t, queueIDs(t, store), "the rewound counter hands out 3, 4 and 5 again")

	next, err := store.Get(context.Background(), state.KeyNextID)
	require.NoError(t, err)
	assert.Equal(t, "0", next)

	paused, err := store.Exists(context.Background(), state.KeyPauseUntil)
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestRunner_TripRequeuesOnlyIDsBelowStreakStart(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	sink := newMemSink()

	// Another worker began the streak at 4 and is still registered, so the
	// startup audit does not run.
	require.NoError(t, store.Set(ctx, state.RunStatusKey("w2"), state.StatusRunning))
	require.NoError(t, store.Set(ctx, state.KeyConsecutiveMisses, "2"))
	require.NoError(t, store.Set(ctx, state.KeyMissStartID, "4"))
	require.NoError(t, store.Set(ctx, state.KeyNextID, "40"))
	require.NoError(t, store.RPush(ctx, state.KeyPriorityQueue, "3", "5", "6"))

	settings := fastSettings()
	settings.ParallelMin = 1
	settings.ParallelMax = 1
	settings.BatchSize = 5
	settings.ConsecutiveMissLimit = 3

	var scraped atomic.Int64
	scraper := funcScraper(func(_ context.Context, id int64) crawler.Result {
		scraped.Add(1)
		return crawler.Result{ID: id, Outcome: crawler.OutcomeNotFound, StatusCode: 404}
	})

	r := newTestRunner(t, store, sink, scraper, settings)
	require.NoError(t, runWithTimeout(t, r, 200*time.Millisecond))

	assert.Equal(t, int64(1), scraped.Load())
	assert.Equal(t, []int64{4}, sink.tombstoneCalls)
	assert.Equal(t, []int64{3}, queueIDs(t, store), "5 and 6 are covered by the rewind")

	next, err := store.Get(ctx, state.KeyNextID)
	require.NoError(t, err)
	assert.Equal(t, "3", next)
}

func TestRunner_StopBeforeStartWins(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.Set(ctx, state.RunStatusKey("w1"), state.StatusStopped))

	var scraped atomic.Int64
	scraper := funcScraper(func(_ context.Context, id int64) crawler.Result {
		scraped.Add(1)
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, newMemSink(), scraper, fastSettings())
	require.NoError(t, runWithTimeout(t, r, 2*time.Second))

	assert.Zero(t, scraped.Load())
	assert.False(t, statusExists(t, store, "w1"))
}

func TestIDsBelow(t *testing.T) {
	assert.Equal(t, []int64{3, 1}, idsBelow([]int64{3, 9, 1, 4}, 4))
	assert.Empty(t, idsBelow([]int64{5, 6}, 5))
	assert.Empty(t, idsBelow(nil, 5))
}

func TestRunner_TombstonesBelowLimitArePersisted(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()

	settings := fastSettings()
	settings.ParallelMin = 1
	settings.ParallelMax = 1
	settings.BatchSize = 3

	scraper := funcScraper(func(ctx context.Context, id int64) crawler.Result {
		if id == 2 {
			return crawler.Result{ID: id, Outcome: crawler.OutcomeNotFound, StatusCode: 404}
		}
		if id == 3 {
			_ = store.Set(ctx, state.RunStatusKey("w1"), state.StatusStopped)
		}
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, sink, scraper, settings)
	require.NoError(t, runWithTimeout(t, r, 5*time.Second))

	profiles := sink.profiles()
	require.Contains(t, profiles, int64(2))
	assert.Equal(t, db.StatusNotFound, profiles[2].Status)
	assert.Equal(t, "w1", profiles[2].ScrapedBy)

	count, err := NewBreaker(store, "w1").MissCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "found id 3 ended the streak")
}

func TestRunner_WaitsForIntegrityLease(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()
	ctx := context.Background()

	_, err := store.SetNX(ctx, state.KeyIntegrityLease, "w2", 80*time.Millisecond)
	require.NoError(t, err)
	start := time.Now()

	var firstScrape atomic.Int64
	scraper := funcScraper(func(ctx context.Context, id int64) crawler.Result {
		firstScrape.CompareAndSwap(0, time.Now().UnixNano())
		_ = store.Set(ctx, state.RunStatusKey("w1"), state.StatusStopped)
		return foundResult(id, "w1")
	})

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	require.NoError(t, runWithTimeout(t, r, 5*time.Second))

	require.NotZero(t, firstScrape.Load())
	assert.GreaterOrEqual(t, time.Unix(0, firstScrape.Load()).Sub(start), 80*time.Millisecond)
	assert.Zero(t, sink.indexCalls, "startup setup skipped while another worker holds the lease")
}

type failingProvider struct{}

func (failingProvider) Current(context.Context) (config.Settings, error) {
	return config.Settings{}, errors.New("settings unavailable")
}

func TestRunner_SettingsFailureAtStartup(t *testing.T) {
	store := state.NewMemoryStore()
	scraper := new(mocks.MockScraper)

	r := NewRunner(RunnerOptions{
		WorkerID: "w1",
		Store:    store,
		Sink:     newMemSink(),
		Scraper:  scraper,
		Settings: failingProvider{},
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settings unavailable")
	assert.False(t, statusExists(t, store, "w1"))
	scraper.AssertNotCalled(t, "Scrape", mock.Anything, mock.Anything)
}

func TestRunner_StartupCheckFailure(t *testing.T) {
	store := state.NewMemoryStore()
	scraper := new(mocks.MockScraper)
	sink := new(mocks.MockResultSink)
	sink.On("EnsureIndexes", mock.Anything).Return(nil)
	sink.On("MaxFoundID", mock.Anything).Return(int64(0), errors.New("connection refused"))

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	err := r.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup integrity check")
	assert.False(t, statusExists(t, store, "w1"))
	scraper.AssertNotCalled(t, "Scrape", mock.Anything, mock.Anything)
	sink.AssertExpectations(t)
}

func TestRunner_ScrapesWithMockScraper(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newMemSink()
	require.NoError(t, store.RPush(context.Background(), state.KeyPriorityQueue, "42"))
	// A second status key means another worker is up, so startup setup is skipped
	require.NoError(t, store.Set(context.Background(), state.RunStatusKey("w2"), state.StatusRunning))

	scraper := new(mocks.MockScraper)
	scraper.On("Scrape", mock.Anything, int64(42)).
		Run(func(args mock.Arguments) {
			_ = store.Set(context.Background(), state.RunStatusKey("w1"), state.StatusStopped)
		}).
		Return(foundResult(42, "w1")).
		Once()

	r := newTestRunner(t, store, sink, scraper, fastSettings())
	require.NoError(t, runWithTimeout(t, r, 5*time.Second))

	scraper.AssertExpectations(t)
	assert.Contains(t, sink.profiles(), int64(42))
	assert.Zero(t, sink.indexCalls)

	_, err := store.Get(context.Background(), state.KeyNextID)
	assert.ErrorIs(t, err, state.ErrNil, "no fresh range allocated")
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), 0))
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.False(t, sleep(ctx, 0))
}
