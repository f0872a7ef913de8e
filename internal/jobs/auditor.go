package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog/log"
)

const (
	integrityLeaseTTL = 300 * time.Second
	missingChunkSize  = 5000
	dedupDeleteChunk  = 1000
)

// ErrInvalidCategory is returned by Recount for an unknown category.
var ErrInvalidCategory = db.ErrInvalidCategory

// IntegrityReport is the result of a gap scan.
type IntegrityReport struct {
	MaxID        int64   `json:"maxId"`
	MissingCount int     `json:"missingCount"`
	MissingIDs   []int64 `json:"missingIds"`
}

// Auditor repairs gaps and duplicates in the result store.
type Auditor struct {
	store    state.Store
	sink     ResultSink
	workerID string
	lease    *state.Lease
}

func NewAuditor(store state.Store, sink ResultSink, workerID string) *Auditor {
	return &Auditor{
		store:    store,
		sink:     sink,
		workerID: workerID,
		lease:    state.NewLease(store, state.KeyIntegrityLease, workerID, integrityLeaseTTL, 0),
	}
}

// Lease exposes the integrity lease so the loop can wait while it is held.
func (a *Auditor) Lease() *state.Lease {
	return a.lease
}

// RunStartup performs the one-time setup if this worker wins the integrity
// lease. It returns false when another worker holds it.
func (a *Auditor) RunStartup(ctx context.Context) (bool, error) {
	acquired, err := a.lease.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		log.Info().Str("worker_id", a.workerID).Msg("Another worker is running startup setup, waiting")
		return false, nil
	}
	defer func() {
		if err := a.lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("worker_id", a.workerID).Msg("Failed to release integrity lease")
		}
	}()

	log.Info().Str("worker_id", a.workerID).Msg("Acquired integrity lease, running startup setup")

	removed, err := a.store.Del(ctx, state.StaleKeys...)
	if err != nil {
		return true, fmt.Errorf("clear stale keys: %w", err)
	}
	if removed > 0 {
		log.Info().Str("worker_id", a.workerID).Int64("keys", removed).Msg("Cleared stale shared keys")
	}

	if err := a.sink.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Str("worker_id", a.workerID).Msg("Failed to ensure result store indexes")
	}

	maxID, err := a.sink.MaxFoundID(ctx)
	if err != nil {
		return true, fmt.Errorf("read max id: %w", err)
	}
	if err := a.store.Set(ctx, state.KeyNextID, strconv.FormatInt(maxID, 10)); err != nil {
		return true, fmt.Errorf("initialise id counter: %w", err)
	}
	log.Info().Str("worker_id", a.workerID).Int64("max_id", maxID).Msg("ID counter initialised")

	if maxID == 0 {
		return true, nil
	}

	missing, err := a.missing(ctx, maxID)
	if err != nil {
		return true, err
	}
	if len(missing) == 0 {
		log.Info().Str("worker_id", a.workerID).Msg("Integrity check complete, no missing IDs")
		return true, nil
	}
	if _, err := a.QueueMissing(ctx, missing); err != nil {
		return true, err
	}
	return true, nil
}

// Check reports the missing IDs below the current maximum without side effects.
func (a *Auditor) Check(ctx context.Context) (IntegrityReport, error) {
	maxID, err := a.sink.MaxFoundID(ctx)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("read max id: %w", err)
	}
	report := IntegrityReport{MaxID: maxID, MissingIDs: []int64{}}
	if maxID == 0 {
		return report, nil
	}

	missing, err := a.missing(ctx, maxID)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.MissingIDs = missing
	report.MissingCount = len(missing)
	return report, nil
}

// QueueMissing pushes ids onto the priority queue in bounded chunks.
func (a *Auditor) QueueMissing(ctx context.Context, ids []int64) (int, error) {
	queued := 0
	for start := 0; start < len(ids); start += missingChunkSize {
		end := min(start+missingChunkSize, len(ids))
		chunk := ids[start:end]
		if err := a.store.RPush(ctx, state.KeyPriorityQueue, state.FormatIDs(chunk)...); err != nil {
			return queued, fmt.Errorf("queue missing ids: %w", err)
		}
		queued += len(chunk)
		log.Debug().Str("worker_id", a.workerID).Int("count", len(chunk)).Msg("Queued missing ID chunk")
	}
	if queued > 0 {
		log.Info().Str("worker_id", a.workerID).Int("count", queued).Msg("Missing IDs added to priority queue")
	}
	return queued, nil
}

func (a *Auditor) missing(ctx context.Context, maxID int64) ([]int64, error) {
	seen := bitset.New(uint(maxID) + 1)
	err := a.sink.StreamIDs(ctx, maxID, func(id int64) error {
		if id >= 1 && id <= maxID {
			seen.Set(uint(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stored ids: %w", err)
	}
	return clearBits(seen, maxID), nil
}

// MissingIDs returns the IDs in [1..max] absent from existing, ascending.
func MissingIDs(maxID int64, existing []int64) []int64 {
	if maxID <= 0 {
		return []int64{}
	}
	seen := bitset.New(uint(maxID) + 1)
	for _, id := range existing {
		if id >= 1 && id <= maxID {
			seen.Set(uint(id))
		}
	}
	return clearBits(seen, maxID)
}

func clearBits(seen *bitset.BitSet, maxID int64) []int64 {
	out := make([]int64, 0, uint(maxID)-seen.Count())
	for i, ok := seen.NextClear(1); ok && i <= uint(maxID); i, ok = seen.NextClear(i + 1) {
		out = append(out, int64(i))
	}
	return out
}

// Deduplicate keeps the most recently scraped document per ID and deletes
// the rest. It does not touch the allocation lease, so it can run while
// workers are scraping.
func (a *Auditor) Deduplicate(ctx context.Context) (int64, error) {
	groups, err := a.sink.DuplicateGroups(ctx)
	if err != nil {
		return 0, err
	}

	var doomed []string
	for _, g := range groups {
		if len(g.Members) < 2 {
			continue
		}
		keep := 0
		for i, m := range g.Members {
			if m.ScrapedAt.After(g.Members[keep].ScrapedAt) {
				keep = i
			}
		}
		for i, m := range g.Members {
			if i != keep {
				doomed = append(doomed, m.DocID)
			}
		}
	}

	var deleted int64
	for start := 0; start < len(doomed); start += dedupDeleteChunk {
		end := min(start+dedupDeleteChunk, len(doomed))
		n, err := a.sink.DeleteDocuments(ctx, doomed[start:end])
		deleted += n
		if err != nil {
			return deleted, err
		}
	}

	log.Info().
		Int("groups", len(groups)).
		Int64("deleted", deleted).
		Msg("Deduplication complete")
	return deleted, nil
}

// Recount recomputes one dashboard counter from the result store and writes
// it back to the shared store.
func (a *Auditor) Recount(ctx context.Context, category, workerID string) (int64, error) {
	n, err := a.sink.CountProfiles(ctx, db.CountFilter{Category: category, WorkerID: workerID})
	if err != nil {
		return 0, err
	}

	value := strconv.FormatInt(n, 10)
	switch category {
	case db.CategorySupport:
		err = a.store.HSet(ctx, state.KeyStats, map[string]string{state.StatSupport: value})
	case db.CategoryBanned:
		err = a.store.HSet(ctx, state.KeyStats, map[string]string{state.StatBanned: value})
	case db.CategoryTotal:
		err = a.store.HSet(ctx, state.KeyStats, map[string]string{state.StatSuccessful: value})
	case db.CategoryFoundByWorker:
		err = a.store.Set(ctx, state.FoundByWorkerKey(workerID), value)
	}
	if err != nil {
		return n, fmt.Errorf("store recount %s: %w", category, err)
	}

	log.Info().Str("category", category).Str("target_worker", workerID).Int64("count", n).Msg("Counter recounted")
	return n, nil
}

// ClearData removes every harvester key from the shared store and drops the
// profiles collection.
func (a *Auditor) ClearData(ctx context.Context) (int64, error) {
	var keys []string
	for _, pattern := range state.ProjectKeyPatterns {
		found, err := a.store.Keys(ctx, pattern)
		if err != nil {
			return 0, fmt.Errorf("list keys %s: %w", pattern, err)
		}
		keys = append(keys, found...)
	}

	var removed int64
	if len(keys) > 0 {
		n, err := a.store.Del(ctx, keys...)
		if err != nil {
			return 0, fmt.Errorf("delete project keys: %w", err)
		}
		removed = n
	}

	if err := a.sink.Drop(ctx); err != nil {
		return removed, err
	}

	log.Warn().Int64("keys", removed).Msg("All harvester data cleared")
	return removed, nil
}
