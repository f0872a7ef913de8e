package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	// DefaultWriteBatchSize is the flush threshold when none is configured
	DefaultWriteBatchSize = 20
	// MaxConsecutiveFailures before falling back to individual upserts
	MaxConsecutiveFailures = 3
	// MaxShutdownRetries for final flush attempts
	MaxShutdownRetries = 5
	// ShutdownRetryDelay between retry attempts
	ShutdownRetryDelay = 500 * time.Millisecond

	duplicateKeyCode = 11000
)

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (poison pill that should be skipped)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("RetryableWriteError") || cmdErr.HasErrorLabel("TransientTransactionError") {
			return true
		}
		// Authentication and validation failures will not fix themselves
		switch cmdErr.Code {
		case 2, 13, 18, 121:
			return false
		}
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		if bulkErr.WriteConcernError != nil {
			return true
		}
		if len(bulkErr.WriteErrors) > 0 {
			return false
		}
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		if writeErr.WriteConcernError != nil {
			return true
		}
		if len(writeErr.WriteErrors) > 0 {
			return false
		}
	}

	errMsg := strings.ToLower(err.Error())
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"server selection",
		"timeout",
		"pool",
	} {
		if strings.Contains(errMsg, connErr) {
			return true
		}
	}

	// Unknown errors keep the batch in memory
	return true
}

// isDuplicateKeyOnly reports whether every write error is a duplicate key.
// Another worker already wrote those IDs, so the flush still counts.
func isDuplicateKeyOnly(err error) bool {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		if bulkErr.WriteConcernError != nil || len(bulkErr.WriteErrors) == 0 {
			return false
		}
		for _, we := range bulkErr.WriteErrors {
			if we.Code != duplicateKeyCode {
				return false
			}
		}
		return true
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		if writeErr.WriteConcernError != nil || len(writeErr.WriteErrors) == 0 {
			return false
		}
		for _, we := range writeErr.WriteErrors {
			if we.Code != duplicateKeyCode {
				return false
			}
		}
		return true
	}
	return false
}

// ProfileWriter persists records keyed by ID.
type ProfileWriter interface {
	BulkUpsert(ctx context.Context, profiles []Profile) error
	UpsertOne(ctx context.Context, profile Profile) error
}

// FlushSummary describes one successful flush.
type FlushSummary struct {
	Records int
	Found   []Profile
	Support int
	Banned  int
}

// StatsRecorder is told about every persisted batch.
type StatsRecorder interface {
	RecordFlush(ctx context.Context, summary FlushSummary) error
}

// Requeuer returns IDs to the priority queue.
type Requeuer interface {
	Requeue(ctx context.Context, ids ...int64) error
}

// FlushObserver is notified after every flush attempt.
type FlushObserver func(ctx context.Context, records int, err error)

// WriteBuffer accumulates scraped records and persists them in batches.
type WriteBuffer struct {
	writer   ProfileWriter
	stats    StatsRecorder
	requeuer Requeuer
	observer FlushObserver

	mu               sync.Mutex
	pending          []Profile
	threshold        int
	consecutiveFails int

	flushMu    sync.Mutex
	retryDelay time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWriteBuffer creates a buffer. stats, requeuer and observer may be nil.
func NewWriteBuffer(writer ProfileWriter, stats StatsRecorder, requeuer Requeuer, threshold int) *WriteBuffer {
	if threshold <= 0 {
		threshold = DefaultWriteBatchSize
	}
	return &WriteBuffer{
		writer:     writer,
		stats:      stats,
		requeuer:   requeuer,
		threshold:  threshold,
		retryDelay: ShutdownRetryDelay,
		stopCh:     make(chan struct{}),
	}
}

// SetObserver installs a callback invoked after each flush attempt.
func (wb *WriteBuffer) SetObserver(fn FlushObserver) {
	wb.observer = fn
}

// Add appends records to the buffer.
func (wb *WriteBuffer) Add(records ...Profile) {
	wb.mu.Lock()
	wb.pending = append(wb.pending, records...)
	wb.mu.Unlock()
}

func (wb *WriteBuffer) Len() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Full reports whether the buffer reached its flush threshold.
func (wb *WriteBuffer) Full() bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending) >= wb.threshold
}

// SetThreshold applies a new flush threshold; non-positive values are ignored.
func (wb *WriteBuffer) SetThreshold(n int) {
	if n <= 0 {
		return
	}
	wb.mu.Lock()
	wb.threshold = n
	wb.mu.Unlock()
}

// DiscardTombstonesFrom drops buffered not-found records with ID >= from.
// It waits for an in-flight flush so nothing older can land afterwards.
func (wb *WriteBuffer) DiscardTombstonesFrom(from int64) int {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	defer wb.mu.Unlock()

	kept := wb.pending[:0]
	dropped := 0
	for _, p := range wb.pending {
		if !p.Found() && p.ID >= from {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	wb.pending = kept
	return dropped
}

// take removes and returns everything pending.
func (wb *WriteBuffer) take() []Profile {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	batch := wb.pending
	wb.pending = nil
	return batch
}

// restore puts a failed batch back ahead of records added since.
func (wb *WriteBuffer) restore(batch []Profile) {
	wb.mu.Lock()
	wb.pending = append(batch, wb.pending...)
	wb.mu.Unlock()
}

// Flush performs one bulk upsert of everything pending.
func (wb *WriteBuffer) Flush(ctx context.Context) error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()
	return wb.flushLocked(ctx, false)
}

func (wb *WriteBuffer) flushLocked(ctx context.Context, final bool) error {
	batch := wb.take()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := wb.writer.BulkUpsert(ctx, batch)
	if err != nil && isDuplicateKeyOnly(err) {
		log.Debug().Err(err).Int("batch_size", len(batch)).Msg("Duplicate keys ignored during flush")
		err = nil
	}
	wb.notify(ctx, len(batch), err)

	if err == nil {
		wb.mu.Lock()
		wb.consecutiveFails = 0
		wb.mu.Unlock()

		log.Debug().
			Int("batch_size", len(batch)).
			Dur("duration", time.Since(start)).
			Msg("Write buffer flushed")
		wb.recordStats(ctx, batch)
		return nil
	}

	if isRetryableError(err) {
		log.Warn().
			Err(err).
			Int("batch_size", len(batch)).
			Bool("retryable", true).
			Msg("Batch flush failed due to infrastructure issue - will retry")
		wb.restore(batch)
		return fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	wb.mu.Lock()
	wb.consecutiveFails++
	failCount := wb.consecutiveFails
	wb.mu.Unlock()

	log.Error().
		Err(err).
		Int("batch_size", len(batch)).
		Int("consecutive_data_failures", failCount).
		Bool("retryable", false).
		Msg("Batch flush failed due to data error")

	if failCount < MaxConsecutiveFailures && !final {
		wb.restore(batch)
		return fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	sentry.CaptureException(fmt.Errorf("batch poison pill detected after %d consecutive data failures: %w", failCount, err))
	log.Warn().
		Int("batch_size", len(batch)).
		Msg("Attempting individual upserts to isolate poison pill")

	persisted, skipped, retry := wb.flushIndividual(ctx, batch)
	log.Info().
		Int("total", len(batch)).
		Int("success", len(persisted)).
		Int("skipped", skipped).
		Int("retry", len(retry)).
		Msg("Individual upsert fallback completed")

	wb.mu.Lock()
	wb.consecutiveFails = 0
	wb.mu.Unlock()

	wb.recordStats(ctx, persisted)
	if len(retry) > 0 {
		wb.restore(retry)
		return fmt.Errorf("flush left %d records pending", len(retry))
	}
	return nil
}

// flushIndividual upserts records one by one. Records failing on data errors
// are skipped; records failing on infrastructure errors are returned for retry.
func (wb *WriteBuffer) flushIndividual(ctx context.Context, batch []Profile) (persisted []Profile, skipped int, retry []Profile) {
	for _, p := range batch {
		err := wb.writer.UpsertOne(ctx, p)
		switch {
		case err == nil, isDuplicateKeyOnly(err):
			persisted = append(persisted, p)
		case isRetryableError(err):
			retry = append(retry, p)
		default:
			sentry.CaptureException(fmt.Errorf("poison pill record %d (status: %s) failed individual upsert: %w", p.ID, p.Status, err))
			log.Error().
				Err(err).
				Int64("id", p.ID).
				Str("status", p.Status).
				Msg("POISON PILL: Record failed even in individual mode - skipping")
			skipped++
		}
	}
	return persisted, skipped, retry
}

func (wb *WriteBuffer) recordStats(ctx context.Context, batch []Profile) {
	if wb.stats == nil || len(batch) == 0 {
		return
	}
	summary := FlushSummary{Records: len(batch)}
	for _, p := range batch {
		if !p.Found() {
			continue
		}
		summary.Found = append(summary.Found, p)
		if p.IsSupport {
			summary.Support++
		}
		if p.IsBanned {
			summary.Banned++
		}
	}
	if err := wb.stats.RecordFlush(ctx, summary); err != nil {
		log.Warn().Err(err).Int("records", len(batch)).Msg("Failed to update shared stats after flush")
	}
}

func (wb *WriteBuffer) notify(ctx context.Context, records int, err error) {
	if wb.observer != nil {
		wb.observer(ctx, records, err)
	}
}

// Start flushes on every tick until Drain is called.
func (wb *WriteBuffer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	wb.wg.Add(1)
	go func() {
		defer wb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := wb.Flush(ctx); err != nil {
					log.Debug().Err(err).Msg("Periodic flush failed")
				}
			case <-wb.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Drain stops the periodic flush and persists everything pending, retrying
// with a fixed delay. Records that still cannot be written have their IDs
// handed back to the requeuer.
func (wb *WriteBuffer) Drain(ctx context.Context) error {
	wb.stopOnce.Do(func() { close(wb.stopCh) })
	wb.wg.Wait()

	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	var lastErr error
retryLoop:
	for attempt := 0; attempt < MaxShutdownRetries; attempt++ {
		if wb.Len() == 0 {
			return nil
		}

		final := attempt == MaxShutdownRetries-1
		lastErr = wb.flushLocked(ctx, final)
		if lastErr == nil && wb.Len() == 0 {
			log.Info().Int("attempt", attempt+1).Msg("Final buffer flush successful")
			return nil
		}

		log.Warn().
			Err(lastErr).
			Int("pending", wb.Len()).
			Int("attempt", attempt+1).
			Int("max_attempts", MaxShutdownRetries).
			Msg("Final buffer flush failed - retrying")

		if !final {
			select {
			case <-time.After(wb.retryDelay):
			case <-ctx.Done():
				break retryLoop
			}
		}
	}

	leftover := wb.take()
	if len(leftover) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(leftover))
	for _, p := range leftover {
		ids = append(ids, p.ID)
	}

	sentry.CaptureException(fmt.Errorf("result store unavailable on stop, %d records requeued: %w", len(leftover), lastErr))
	log.Error().
		Err(lastErr).
		Int("records", len(leftover)).
		Msg("Result store unavailable on stop - returning IDs to the priority queue")

	if wb.requeuer == nil {
		return fmt.Errorf("drain: %d records could not be persisted: %w", len(leftover), lastErr)
	}
	if err := wb.requeuer.Requeue(context.WithoutCancel(ctx), ids...); err != nil {
		return fmt.Errorf("drain: requeue %d ids: %w", len(ids), err)
	}
	return nil
}
