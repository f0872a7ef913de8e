package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/rs/zerolog/log"
)

const (
	allocationLeaseTTL   = 10 * time.Second
	allocationLeaseRetry = 100 * time.Millisecond
)

// BatchSource records where a batch of IDs came from.
type BatchSource string

const (
	SourcePriority BatchSource = "priority"
	SourceFresh    BatchSource = "fresh"
)

// Batch is a set of IDs handed to one worker.
type Batch struct {
	IDs    []int64
	Source BatchSource
}

// Distributor hands out IDs. Requeued IDs always go first; otherwise a fresh
// contiguous range is carved off the shared counter under the allocation lease.
type Distributor struct {
	store    state.Store
	lease    *state.Lease
	workerID string
}

func NewDistributor(store state.Store, workerID string) *Distributor {
	return &Distributor{
		store:    store,
		lease:    state.NewLease(store, state.KeyAllocationLease, workerID, allocationLeaseTTL, allocationLeaseRetry),
		workerID: workerID,
	}
}

// Acquire returns up to size IDs. An empty batch is valid when the queue
// was drained by another worker between the length check and the pop.
func (d *Distributor) Acquire(ctx context.Context, size int) (Batch, error) {
	if size <= 0 {
		return Batch{}, fmt.Errorf("invalid batch size %d", size)
	}

	queued, err := d.store.LLen(ctx, state.KeyPriorityQueue)
	if err != nil {
		return Batch{}, fmt.Errorf("read priority queue length: %w", err)
	}
	if queued > 0 {
		values, err := d.store.LPop(ctx, state.KeyPriorityQueue, size)
		if err != nil {
			return Batch{}, fmt.Errorf("pop priority queue: %w", err)
		}
		ids := state.ParseIDs(values)
		if len(ids) > 0 {
			log.Info().
				Str("worker_id", d.workerID).
				Int("count", len(ids)).
				Msg("Took IDs from priority queue")
		}
		return Batch{IDs: ids, Source: SourcePriority}, nil
	}

	return d.allocate(ctx, size)
}

func (d *Distributor) allocate(ctx context.Context, size int) (Batch, error) {
	if err := d.lease.Acquire(ctx); err != nil {
		return Batch{}, fmt.Errorf("wait for allocation lease: %w", err)
	}
	defer func() {
		// Released even when ctx is done so other workers are not held up until the TTL
		if err := d.lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("worker_id", d.workerID).Msg("Failed to release allocation lease")
		}
	}()

	end, err := d.store.IncrBy(ctx, state.KeyNextID, int64(size))
	if err != nil {
		return Batch{}, fmt.Errorf("advance id counter: %w", err)
	}

	start := end - int64(size) + 1
	ids := make([]int64, 0, size)
	for id := start; id <= end; id++ {
		ids = append(ids, id)
	}

	log.Info().
		Str("worker_id", d.workerID).
		Int64("start_id", start).
		Int("count", size).
		Msg("Allocated fresh ID range")

	return Batch{IDs: ids, Source: SourceFresh}, nil
}

// Requeue appends ids to the priority queue.
func (d *Distributor) Requeue(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.store.RPush(ctx, state.KeyPriorityQueue, state.FormatIDs(ids)...); err != nil {
		return fmt.Errorf("requeue %d ids: %w", len(ids), err)
	}
	return nil
}

// QueueLength is the number of IDs waiting in the priority queue.
func (d *Distributor) QueueLength(ctx context.Context) (int64, error) {
	return d.store.LLen(ctx, state.KeyPriorityQueue)
}
