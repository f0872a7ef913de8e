package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/rs/zerolog/log"
)

// StatsRecorder updates the shared dashboard counters after each flush.
type StatsRecorder struct {
	store       state.Store
	workerID    string
	recentLimit atomic.Int64
}

func NewStatsRecorder(store state.Store, workerID string, recentLimit int) *StatsRecorder {
	s := &StatsRecorder{store: store, workerID: workerID}
	s.SetRecentLimit(recentLimit)
	return s
}

// SetRecentLimit changes the cap of the recent profiles list.
func (s *StatsRecorder) SetRecentLimit(n int) {
	if n > 0 {
		s.recentLimit.Store(int64(n))
	}
}

// RecordFlush applies one flush to the shared counters in a single transaction.
func (s *StatsRecorder) RecordFlush(ctx context.Context, summary db.FlushSummary) error {
	found := len(summary.Found)
	if found == 0 && summary.Support == 0 && summary.Banned == 0 {
		return nil
	}

	limit := s.recentLimit.Load()
	recent := summary.Found
	if int64(len(recent)) > limit {
		recent = recent[:limit]
	}
	entries := make([]string, 0, len(recent))
	for _, p := range recent {
		b, err := json.Marshal(p)
		if err != nil {
			log.Warn().Err(err).Int64("id", p.ID).Msg("Failed to encode recent profile")
			continue
		}
		entries = append(entries, string(b))
	}

	err := s.store.Atomic(ctx, func(tx state.Tx) {
		if found > 0 {
			tx.HIncrBy(state.KeyStats, state.StatSuccessful, int64(found))
			tx.IncrBy(state.FoundByWorkerKey(s.workerID), int64(found))
		}
		if summary.Support > 0 {
			tx.HIncrBy(state.KeyStats, state.StatSupport, int64(summary.Support))
		}
		if summary.Banned > 0 {
			tx.HIncrBy(state.KeyStats, state.StatBanned, int64(summary.Banned))
		}
		if len(entries) > 0 {
			tx.LPush(state.KeyRecentProfiles, entries...)
			tx.LTrim(state.KeyRecentProfiles, 0, limit-1)
		}
	})
	if err != nil {
		return fmt.Errorf("record flush stats: %w", err)
	}
	return nil
}

// WorkerStatus is one entry of the worker list.
type WorkerStatus struct {
	WorkerID string `json:"workerId"`
	Status   string `json:"status"`
	Found    int64  `json:"found"`
}

// StatsSnapshot is the dashboard view of the shared state.
type StatsSnapshot struct {
	Successful      int64          `json:"successful"`
	Support         int64          `json:"support"`
	Banned          int64          `json:"banned"`
	NextID          int64          `json:"nextId"`
	QueueLength     int64          `json:"queueLength"`
	ConsecutiveMiss int64          `json:"consecutiveNotFound"`
	PauseUntil      *time.Time     `json:"pauseUntil,omitempty"`
	Workers         []WorkerStatus `json:"workers"`
	RecentProfiles  []db.Profile   `json:"recentProfiles"`
}

// ReadStats assembles a StatsSnapshot from the shared store.
func ReadStats(ctx context.Context, store state.Store) (StatsSnapshot, error) {
	snap := StatsSnapshot{Workers: []WorkerStatus{}, RecentProfiles: []db.Profile{}}

	hash, err := store.HGetAll(ctx, state.KeyStats)
	if err != nil {
		return snap, fmt.Errorf("read stats hash: %w", err)
	}
	snap.Successful = parseCount(hash[state.StatSuccessful])
	snap.Support = parseCount(hash[state.StatSupport])
	snap.Banned = parseCount(hash[state.StatBanned])

	if snap.NextID, err = getCount(ctx, store, state.KeyNextID); err != nil {
		return snap, err
	}
	if snap.ConsecutiveMiss, err = getCount(ctx, store, state.KeyConsecutiveMisses); err != nil {
		return snap, err
	}
	if snap.QueueLength, err = store.LLen(ctx, state.KeyPriorityQueue); err != nil {
		return snap, fmt.Errorf("read queue length: %w", err)
	}

	pauseMS, err := getCount(ctx, store, state.KeyPauseUntil)
	if err != nil {
		return snap, err
	}
	if pauseMS > 0 {
		until := time.UnixMilli(pauseMS).UTC()
		snap.PauseUntil = &until
	}

	workers, err := ListWorkers(ctx, store)
	if err != nil {
		return snap, err
	}
	snap.Workers = workers

	raw, err := store.LRange(ctx, state.KeyRecentProfiles, 0, -1)
	if err != nil {
		return snap, fmt.Errorf("read recent profiles: %w", err)
	}
	for _, entry := range raw {
		var p db.Profile
		if err := json.Unmarshal([]byte(entry), &p); err != nil {
			continue
		}
		snap.RecentProfiles = append(snap.RecentProfiles, p)
	}
	return snap, nil
}

// ListWorkers returns every worker with a run status key, sorted by ID.
func ListWorkers(ctx context.Context, store state.Store) ([]WorkerStatus, error) {
	keys, err := store.Keys(ctx, state.RunStatusPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list run status keys: %w", err)
	}
	sort.Strings(keys)

	workers := make([]WorkerStatus, 0, len(keys))
	for _, key := range keys {
		status, err := store.Get(ctx, key)
		if errors.Is(err, state.ErrNil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		id := state.WorkerIDFromStatusKey(key)
		found, err := getCount(ctx, store, state.FoundByWorkerKey(id))
		if err != nil {
			return nil, err
		}
		workers = append(workers, WorkerStatus{WorkerID: id, Status: status, Found: found})
	}
	return workers, nil
}

func getCount(ctx context.Context, store state.Store, key string) (int64, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, state.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return parseCount(raw), nil
}

func parseCount(raw string) int64 {
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}
