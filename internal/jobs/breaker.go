package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/rs/zerolog/log"
)

// MissResult is the breaker's verdict on one not-found ID.
type MissResult struct {
	// Tombstone is true while the streak is below the limit and the ID may be
	// persisted as not found.
	Tombstone bool
	// Tripped is true for the miss that reached the limit.
	Tripped bool
	// Paused is true when a global pause was already active; nothing was counted.
	Paused      bool
	Count       int64
	StreakStart int64
	PauseUntil  time.Time
}

// Breaker is the cross-worker budget of consecutive not-found results. When
// the budget runs out every worker pauses and the ID counter is rewound to
// the start of the streak so the range is retried later.
type Breaker struct {
	store    state.Store
	workerID string
	now      func() time.Time
}

func NewBreaker(store state.Store, workerID string) *Breaker {
	return &Breaker{store: store, workerID: workerID, now: time.Now}
}

// RecordHit ends the current miss streak.
func (b *Breaker) RecordHit(ctx context.Context) error {
	if _, err := b.store.Del(ctx, state.KeyConsecutiveMisses, state.KeyMissStartID); err != nil {
		return fmt.Errorf("reset miss streak: %w", err)
	}
	return nil
}

// RecordMiss counts a not-found ID against the shared budget. Counting,
// marking the streak start and tripping happen in one store step, so exactly
// one worker trips per streak and every worker agrees on the rewind point.
func (b *Breaker) RecordMiss(ctx context.Context, id int64, limit int, pause time.Duration) (MissResult, error) {
	now := b.now()
	verdict, err := b.store.CountMiss(ctx, state.MissRequest{
		ID:    id,
		Limit: int64(limit),
		Now:   now,
		Pause: pause,
	})
	if err != nil {
		return MissResult{}, fmt.Errorf("count miss: %w", err)
	}

	res := MissResult{Count: verdict.Count, StreakStart: verdict.StreakStart}
	switch {
	case verdict.Paused:
		return MissResult{Paused: true, PauseUntil: time.UnixMilli(verdict.PauseUntilMS).In(now.Location())}, nil
	case verdict.Tripped:
		res.Tripped = true
		res.PauseUntil = time.UnixMilli(verdict.PauseUntilMS).In(now.Location())
		log.Warn().
			Str("worker_id", b.workerID).
			Int64("misses", verdict.Count).
			Int64("streak_start", verdict.StreakStart).
			Int64("rewound_to", verdict.StreakStart-1).
			Time("pause_until", res.PauseUntil).
			Msg("Global not-found limit reached, pausing all workers")
	default:
		res.Tombstone = true
	}
	return res, nil
}

// PauseState returns the pause deadline and whether it is still in the future.
func (b *Breaker) PauseState(ctx context.Context) (time.Time, bool, error) {
	raw, err := b.store.Get(ctx, state.KeyPauseUntil)
	if errors.Is(err, state.ErrNil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read global pause: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable marker, treat as expired so it gets cleared
		return time.Time{}, false, nil
	}
	until := time.UnixMilli(ms)
	return until, b.now().Before(until), nil
}

// PauseSet reports whether any pause marker exists, expired or not.
func (b *Breaker) PauseSet(ctx context.Context) (bool, error) {
	return b.store.Exists(ctx, state.KeyPauseUntil)
}

// ClearPause removes the pause marker.
func (b *Breaker) ClearPause(ctx context.Context) error {
	if _, err := b.store.Del(ctx, state.KeyPauseUntil); err != nil {
		return fmt.Errorf("clear global pause: %w", err)
	}
	return nil
}

// MissCount is the current shared streak length.
func (b *Breaker) MissCount(ctx context.Context) (int64, error) {
	raw, err := b.store.Get(ctx, state.KeyConsecutiveMisses)
	if errors.Is(err, state.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read miss count: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}
