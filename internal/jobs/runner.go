package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/observability"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

// RunnerOptions wires a Runner to its collaborators.
type RunnerOptions struct {
	WorkerID  string
	Store     state.Store
	Sink      ResultSink
	Scraper   Scraper
	Settings  config.Provider
	LogToggle LogToggle
	// FlushInterval enables a periodic flush in addition to the size trigger.
	FlushInterval time.Duration
}

// Runner is one worker's coordinator loop.
type Runner struct {
	workerID  string
	store     state.Store
	sink      ResultSink
	scraper   Scraper
	settings  config.Provider
	logToggle LogToggle
	logger    zerolog.Logger

	distributor *Distributor
	breaker     *Breaker
	throttle    *Throttle
	auditor     *Auditor
	stats       *StatsRecorder
	buffer      *db.WriteBuffer

	flushInterval time.Duration
	integrityWait time.Duration
	pauseWait     time.Duration
	idleWait      time.Duration
	now           func() time.Time
}

func NewRunner(opts RunnerOptions) *Runner {
	defaults := config.DefaultSettings()
	r := &Runner{
		workerID:      opts.WorkerID,
		store:         opts.Store,
		sink:          opts.Sink,
		scraper:       opts.Scraper,
		settings:      opts.Settings,
		logToggle:     opts.LogToggle,
		logger:        log.With().Str("worker_id", opts.WorkerID).Logger(),
		distributor:   NewDistributor(opts.Store, opts.WorkerID),
		breaker:       NewBreaker(opts.Store, opts.WorkerID),
		throttle:      NewThrottle(opts.WorkerID, defaults),
		auditor:       NewAuditor(opts.Store, opts.Sink, opts.WorkerID),
		stats:         NewStatsRecorder(opts.Store, opts.WorkerID, defaults.RecentProfilesLimit),
		flushInterval: opts.FlushInterval,
		integrityWait: 5 * time.Second,
		pauseWait:     60 * time.Second,
		idleWait:      time.Second,
		now:           time.Now,
	}
	r.buffer = db.NewWriteBuffer(opts.Sink, r.stats, r.distributor, defaults.WriteBatchSize)
	r.buffer.SetObserver(func(ctx context.Context, records int, err error) {
		observability.RecordFlush(ctx, r.workerID, records, err)
	})
	return r
}

func (r *Runner) WorkerID() string {
	return r.workerID
}

// Run executes the worker until it is told to stop, ctx ends or an
// infrastructure failure occurs. A requested stop returns nil.
func (r *Runner) Run(ctx context.Context) error {
	settings, err := r.settings.Current(ctx)
	if err != nil {
		return r.fail(ctx, "startup", fmt.Errorf("read settings: %w", err))
	}

	// A stop marker written before this point wins over the start.
	marked, err := r.store.SetNX(ctx, state.RunStatusKey(r.workerID), state.StatusRunning, 0)
	if err != nil {
		return r.fail(ctx, "startup", fmt.Errorf("mark worker running: %w", err))
	}
	if !marked {
		running, err := r.running(ctx)
		if err != nil {
			return r.fail(ctx, "startup", err)
		}
		if !running {
			r.logger.Info().Msg("Stop requested before the worker started")
			r.clearStatus(ctx)
			return nil
		}
	}
	r.logger.Info().Msg("Worker started")

	r.throttle.Reset(settings)
	r.apply(settings)

	statusKeys, err := r.store.Keys(ctx, state.RunStatusPrefix+"*")
	if err != nil {
		return r.fail(ctx, "startup", fmt.Errorf("list workers: %w", err))
	}
	if len(statusKeys) <= 1 {
		if _, err := r.auditor.RunStartup(ctx); err != nil {
			return r.fail(ctx, "startup", fmt.Errorf("startup integrity check: %w", err))
		}
	}

	r.buffer.Start(ctx, r.flushInterval)

	loopErr := r.loop(ctx, settings)

	r.logger.Info().Int("pending", r.buffer.Len()).Msg("Worker stopping, flushing buffer")
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	drainErr := r.buffer.Drain(drainCtx)
	if drainErr != nil {
		r.logger.Error().Err(drainErr).Msg("Final flush failed")
	}

	if loopErr != nil {
		return r.fail(ctx, "loop", errors.Join(loopErr, drainErr))
	}

	r.clearStatus(ctx)
	r.logger.Info().Msg("Worker stopped")
	return drainErr
}

// fail reports a fatal worker error and removes the run status key.
func (r *Runner) fail(ctx context.Context, phase string, err error) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("worker_id", r.workerID)
		scope.SetTag("event_type", "runner_failure")
		scope.SetTag("phase", phase)
		sentry.CaptureException(err)
	})
	r.logger.Error().Err(err).Str("phase", phase).Msg("Worker failed")
	r.clearStatus(ctx)
	return err
}

func (r *Runner) clearStatus(ctx context.Context) {
	if _, err := r.store.Del(context.WithoutCancel(ctx), state.RunStatusKey(r.workerID)); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to remove run status")
	}
}

// apply pushes a settings snapshot into the live components.
func (r *Runner) apply(settings config.Settings) {
	r.throttle.Configure(settings)
	r.buffer.SetThreshold(settings.WriteBatchSize)
	r.stats.SetRecentLimit(settings.RecentProfilesLimit)
	if r.logToggle != nil {
		r.logToggle.SetEnabled(settings.LoggingEnabled)
	}
}

func (r *Runner) refresh(ctx context.Context, last config.Settings) config.Settings {
	settings, err := r.settings.Current(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to reload settings, keeping previous values")
		return last
	}
	r.apply(settings)
	return settings
}

func (r *Runner) running(ctx context.Context) (bool, error) {
	status, err := r.store.Get(ctx, state.RunStatusKey(r.workerID))
	if errors.Is(err, state.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read run status: %w", err)
	}
	return status == state.StatusRunning, nil
}

func (r *Runner) loop(ctx context.Context, settings config.Settings) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		settings = r.refresh(ctx, settings)

		running, err := r.running(ctx)
		if err != nil {
			return err
		}
		if !running {
			r.logger.Info().Msg("Stop signal received")
			return nil
		}

		checking, err := r.auditor.Lease().Held(ctx)
		if err != nil {
			return fmt.Errorf("read integrity lease: %w", err)
		}
		if checking {
			r.logger.Debug().Msg("Integrity check in progress, waiting")
			if !sleep(ctx, r.integrityWait) {
				return nil
			}
			continue
		}

		until, paused, err := r.breaker.PauseState(ctx)
		if err != nil {
			return err
		}
		if paused {
			r.logger.Info().Time("pause_until", until).Msg("Global pause active, waiting")
			if !sleep(ctx, r.pauseWait) {
				return nil
			}
			continue
		}
		if set, err := r.breaker.PauseSet(ctx); err != nil {
			return err
		} else if set {
			if err := r.breaker.ClearPause(ctx); err != nil {
				return err
			}
			r.logger.Info().Msg("Global pause finished, resuming")
		}

		batch, err := r.distributor.Acquire(ctx, settings.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(batch.IDs) == 0 {
			if !sleep(ctx, r.idleWait) {
				return nil
			}
			continue
		}

		stop, err := r.processBatch(ctx, batch, settings)
		if r.buffer.Full() {
			if ferr := r.buffer.Flush(ctx); ferr != nil {
				r.logger.Warn().Err(ferr).Int("pending", r.buffer.Len()).Msg("Buffer flush failed, will retry")
			}
		}
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// processBatch works through batch in sub-batches sized by the throttle.
// It returns stop=true when the worker was asked to stop, after returning
// unprocessed IDs to the priority queue.
func (r *Runner) processBatch(ctx context.Context, batch Batch, settings config.Settings) (bool, error) {
	ids := batch.IDs
	for i := 0; i < len(ids); {
		if !sleep(ctx, r.throttle.Delay()) {
			r.requeue(ctx, ids[i:], "context cancelled")
			return true, nil
		}

		running, err := r.running(ctx)
		if err != nil {
			r.requeue(ctx, ids[i:], "run status unavailable")
			return false, err
		}
		if !running {
			r.requeue(ctx, ids[i:], "stop requested")
			return true, nil
		}

		end := min(i+r.throttle.Limit(), len(ids))
		sub := ids[i:end]

		r.logger.Debug().
			Int("sub_batch_size", len(sub)).
			Int("offset", i).
			Int("batch_size", len(ids)).
			Str("source", string(batch.Source)).
			Dur("delay", r.throttle.Delay()).
			Bool("stable", r.throttle.Stable()).
			Msg("Processing sub-batch")

		results := r.scrapeSubBatch(ctx, sub)
		rewoundFrom, err := r.handleResults(ctx, results, settings)
		if err != nil {
			rest := ids[end:]
			if rewoundFrom > 0 {
				rest = idsBelow(rest, rewoundFrom)
			}
			r.requeue(ctx, rest, "result handling failed")
			return false, err
		}
		if rewoundFrom > 0 {
			r.requeue(ctx, idsBelow(ids[end:], rewoundFrom), "not-found limit reached")
			return false, nil
		}
		i = end
	}
	return false, nil
}

// scrapeSubBatch fetches ids in parallel. In-flight requests are not
// cancelled when ctx ends; they are bounded by the fetch timeout.
func (r *Runner) scrapeSubBatch(ctx context.Context, ids []int64) []crawler.Result {
	spanCtx, span := observability.StartSubBatchSpan(ctx, r.workerID, len(ids))
	defer span.End()

	scrapeCtx := context.WithoutCancel(spanCtx)
	results := make([]crawler.Result, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(len(ids))
	for i, id := range ids {
		g.Go(func() error {
			results[i] = r.scraper.Scrape(scrapeCtx, id)
			if results[i].ID == 0 {
				results[i].ID = id
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleResults routes each outcome to the breaker, buffer or queue and
// feeds the throttle. After a trip it returns the streak start: the rewound
// counter hands out every ID from there again, so only lower IDs are requeued.
func (r *Runner) handleResults(ctx context.Context, results []crawler.Result, settings config.Settings) (int64, error) {
	outcomes := make([]crawler.Outcome, 0, len(results))
	var (
		retry       []int64
		rewoundFrom int64
	)

	for idx, res := range results {
		observability.RecordScrape(ctx, r.workerID, res.Outcome.String(), res.Duration)
		outcomes = append(outcomes, res.Outcome)

		var err error
		switch res.Outcome {
		case crawler.OutcomeFound:
			err = r.breaker.RecordHit(ctx)
			if err == nil && res.Profile != nil {
				r.buffer.Add(*res.Profile)
			}

		case crawler.OutcomeNotFound:
			var miss MissResult
			miss, err = r.breaker.RecordMiss(ctx, res.ID, settings.ConsecutiveMissLimit, settings.PauseDuration())
			switch {
			case err != nil:
			case miss.Tombstone:
				r.buffer.Add(db.NewTombstone(res.ID, r.workerID, r.now().UTC()))
			case miss.Tripped:
				rewoundFrom = miss.StreakStart
				retry = append(retry, res.ID)
				r.reconcileTrip(ctx, miss)
			case miss.Paused:
				retry = append(retry, res.ID)
			}

		default:
			r.logger.Warn().
				Int64("id", res.ID).
				Str("outcome", res.Outcome.String()).
				Int("status_code", res.StatusCode).
				Err(res.Err).
				Msg("Transient fetch failure, requeueing")
			retry = append(retry, res.ID)
		}

		if err != nil {
			for _, rest := range results[idx:] {
				retry = append(retry, rest.ID)
			}
			if rewoundFrom > 0 {
				retry = idsBelow(retry, rewoundFrom)
			}
			r.requeue(ctx, retry, "shared store failure")
			return rewoundFrom, err
		}
	}

	adj := r.throttle.Observe(outcomes)
	observability.RecordThrottle(ctx, r.workerID, adj.Limit, adj.Delay)

	if rewoundFrom > 0 {
		retry = idsBelow(retry, rewoundFrom)
	}
	r.requeue(ctx, retry, "retry")
	return rewoundFrom, nil
}

// idsBelow keeps the IDs lower than from, preserving order.
func idsBelow(ids []int64, from int64) []int64 {
	kept := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id < from {
			kept = append(kept, id)
		}
	}
	return kept
}

// reconcileTrip removes the tombstones of the rewound range so it is
// scraped again after the pause.
func (r *Runner) reconcileTrip(ctx context.Context, miss MissResult) {
	observability.RecordBreakerTrip(ctx, r.workerID)

	discarded := r.buffer.DiscardTombstonesFrom(miss.StreakStart)
	deleted, err := r.sink.DeleteTombstonesFrom(ctx, miss.StreakStart)
	if err != nil {
		r.logger.Warn().Err(err).Int64("from_id", miss.StreakStart).Msg("Failed to delete tombstones of rewound range")
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("worker_id", r.workerID)
		scope.SetTag("event_type", "breaker_trip")
		scope.SetLevel(sentry.LevelWarning)
		sentry.CaptureMessage(fmt.Sprintf("not-found limit reached at id %d, paused until %s",
			miss.StreakStart, miss.PauseUntil.UTC().Format(time.RFC3339)))
	})

	r.logger.Warn().
		Int64("streak_start", miss.StreakStart).
		Int("buffered_discarded", discarded).
		Int64("stored_deleted", deleted).
		Msg("Tombstones of rewound range removed")
}

// requeue returns ids to the priority queue. It uses a detached context so
// IDs are not lost when ctx is already cancelled.
func (r *Runner) requeue(ctx context.Context, ids []int64, reason string) {
	if len(ids) == 0 {
		return
	}
	if err := r.distributor.Requeue(context.WithoutCancel(ctx), ids...); err != nil {
		sentry.CaptureException(fmt.Errorf("worker %s lost %d ids: %w", r.workerID, len(ids), err))
		r.logger.Error().Err(err).Int("count", len(ids)).Str("reason", reason).Msg("Failed to requeue IDs")
		return
	}
	r.logger.Info().Int("count", len(ids)).Str("reason", reason).Msg("Returned IDs to priority queue")
}

// sleep waits d or until ctx ends; it reports false when ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
