package jobs

import (
	"sync"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/rs/zerolog/log"
)

// Adjustment reports what one Observe call changed.
type Adjustment struct {
	PrevLimit     int
	Limit         int
	PrevDelay     time.Duration
	Delay         time.Duration
	RateLimited   int
	EnteredStable bool
	Stable        bool
	SuccessRate   float64
}

// Changed reports whether the limit or delay moved.
func (a Adjustment) Changed() bool {
	return a.Limit != a.PrevLimit || a.Delay != a.PrevDelay
}

// Throttle is the per-worker adaptive controller for sub-batch size and the
// delay between sub-batches. It starts in tuning mode, ramps up after clean
// streaks and settles into stable mode once the recent success rate holds.
// Any rate-limit signal backs off immediately and resumes tuning.
type Throttle struct {
	mu       sync.Mutex
	workerID string
	settings config.Settings

	limit  int
	delay  time.Duration
	streak int
	stable bool

	// ring of recent outcomes, true = success
	window []bool
	next   int
	filled int
}

// NewThrottle creates a controller in tuning mode at the configured minimums.
func NewThrottle(workerID string, settings config.Settings) *Throttle {
	t := &Throttle{workerID: workerID}
	t.Reset(settings)
	return t
}

// Reset discards all runtime state. Called at the start of every run.
func (t *Throttle) Reset(settings config.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.settings = settings.Normalize()
	t.limit = t.settings.ParallelMin
	t.delay = t.settings.DelayMin()
	t.streak = 0
	t.stable = false
	t.window = make([]bool, t.settings.AnalysisWindow)
	t.next = 0
	t.filled = 0
}

// Configure applies new bounds without resetting the ramp. Current values are
// clamped into the new range.
func (t *Throttle) Configure(settings config.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()

	settings = settings.Normalize()
	if settings.AnalysisWindow != len(t.window) {
		t.window = make([]bool, settings.AnalysisWindow)
		t.next = 0
		t.filled = 0
	}
	t.settings = settings
	t.limit = clampInt(t.limit, settings.ParallelMin, settings.ParallelMax)
	t.delay = clampDuration(t.delay, settings.DelayMin(), settings.DelayMax())
}

func (t *Throttle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

func (t *Throttle) Stable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stable
}

// Observe feeds the outcomes of one sub-batch into the controller.
// Only Found counts as a success; everything else is an error for the window
// and the streak.
func (t *Throttle) Observe(outcomes []crawler.Outcome) Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()

	adj := Adjustment{PrevLimit: t.limit, PrevDelay: t.delay}
	s := t.settings
	hadError := false

	for _, o := range outcomes {
		ok := o == crawler.OutcomeFound
		t.record(ok)
		if !ok {
			hadError = true
		}
		if o == crawler.OutcomeRateLimited {
			adj.RateLimited++
			t.stable = false
			t.limit = max(t.limit-1, s.ParallelMin)
			t.delay = min(t.delay+s.DelayStep(), s.DelayMax())
		}
	}

	adj.SuccessRate = t.successRate()

	if hadError {
		t.streak = 0
	} else if len(outcomes) > 0 {
		t.streak++
		if !t.stable {
			if t.filled == len(t.window) && adj.SuccessRate >= s.SuccessThreshold {
				t.stable = true
				adj.EnteredStable = true
			} else if t.streak >= s.SuccessStreak && t.limit < s.ParallelMax {
				t.limit++
				t.delay = min(t.delay+s.DelayCompensation(), s.DelayMax())
				t.streak = 0
			}
		}
	}

	adj.Limit = t.limit
	adj.Delay = t.delay
	adj.Stable = t.stable
	t.logAdjustment(adj)
	return adj
}

func (t *Throttle) record(ok bool) {
	if len(t.window) == 0 {
		return
	}
	t.window[t.next] = ok
	t.next = (t.next + 1) % len(t.window)
	if t.filled < len(t.window) {
		t.filled++
	}
}

// successRate is a percentage over the filled part of the window.
func (t *Throttle) successRate() float64 {
	if t.filled == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < t.filled; i++ {
		if t.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(t.filled) * 100
}

func (t *Throttle) logAdjustment(adj Adjustment) {
	switch {
	case adj.RateLimited > 0:
		log.Warn().
			Str("worker_id", t.workerID).
			Int("rate_limited", adj.RateLimited).
			Int("limit", adj.Limit).
			Int("previous_limit", adj.PrevLimit).
			Dur("delay", adj.Delay).
			Dur("previous_delay", adj.PrevDelay).
			Msg("Rate limited, backing off")
	case adj.EnteredStable:
		log.Info().
			Str("worker_id", t.workerID).
			Float64("success_rate", adj.SuccessRate).
			Int("limit", adj.Limit).
			Dur("delay", adj.Delay).
			Msg("Throttle entered stable mode")
	case adj.Changed():
		log.Info().
			Str("worker_id", t.workerID).
			Int("limit", adj.Limit).
			Int("previous_limit", adj.PrevLimit).
			Dur("delay", adj.Delay).
			Dur("previous_delay", adj.PrevDelay).
			Msg("Throttle limit raised")
	}
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return max(lo, min(v, hi))
}
