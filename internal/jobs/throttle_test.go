//go:build unit || !integration

package jobs

import (
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/stretchr/testify/assert"
)

var (
	clean   = []crawler.Outcome{crawler.OutcomeFound, crawler.OutcomeFound}
	missed  = []crawler.Outcome{crawler.OutcomeFound, crawler.OutcomeNotFound}
	limited = []crawler.Outcome{crawler.OutcomeFound, crawler.OutcomeRateLimited}
)

func throttleSettings() config.Settings {
	s := config.DefaultSettings()
	s.ParallelMin = 1
	s.ParallelMax = 3
	s.DelayMinMS = 500
	s.DelayMaxMS = 1000
	s.DelayStepMS = 100
	s.DelayCompensationMS = 10
	s.SuccessStreak = 3
	s.AnalysisWindow = 1000
	s.SuccessThreshold = 99
	return s
}

func TestThrottle_StartsAtMinimums(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())

	assert.Equal(t, 1, th.Limit())
	assert.Equal(t, 500*time.Millisecond, th.Delay())
	assert.False(t, th.Stable())
}

func TestThrottle_RaisesLimitAfterStreak(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())

	th.Observe(clean)
	th.Observe(clean)
	assert.Equal(t, 1, th.Limit(), "no change before the streak is reached")

	adj := th.Observe(clean)
	assert.Equal(t, 2, th.Limit())
	assert.Equal(t, 510*time.Millisecond, th.Delay())
	assert.True(t, adj.Changed())
	assert.Equal(t, 1, adj.PrevLimit)

	for range 3 {
		th.Observe(clean)
	}
	assert.Equal(t, 3, th.Limit())

	for range 6 {
		th.Observe(clean)
	}
	assert.Equal(t, 3, th.Limit(), "capped at the configured maximum")
	assert.Equal(t, 520*time.Millisecond, th.Delay())
}

func TestThrottle_ErrorResetsStreak(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())

	th.Observe(clean)
	th.Observe(clean)
	th.Observe(missed)
	th.Observe(clean)
	th.Observe(clean)
	assert.Equal(t, 1, th.Limit())

	th.Observe(clean)
	assert.Equal(t, 2, th.Limit())
}

func TestThrottle_RateLimitBacksOff(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())
	for range 6 {
		th.Observe(clean)
	}
	assert.Equal(t, 3, th.Limit())
	before := th.Delay()

	adj := th.Observe(limited)

	assert.Equal(t, 1, adj.RateLimited)
	assert.Equal(t, 2, th.Limit())
	assert.Equal(t, before+100*time.Millisecond, th.Delay())
	assert.False(t, th.Stable())
}

func TestThrottle_RateLimitRespectsBounds(t *testing.T) {
	s := throttleSettings()
	s.DelayMaxMS = 550
	th := NewThrottle("w1", s)

	th.Observe([]crawler.Outcome{crawler.OutcomeRateLimited, crawler.OutcomeRateLimited})

	assert.Equal(t, 1, th.Limit(), "never below the minimum")
	assert.Equal(t, 550*time.Millisecond, th.Delay(), "never above the maximum")
}

func TestThrottle_EntersAndLeavesStableMode(t *testing.T) {
	s := throttleSettings()
	s.AnalysisWindow = 4
	th := NewThrottle("w1", s)

	adj := th.Observe(clean)
	assert.False(t, adj.EnteredStable, "window not full yet")

	adj = th.Observe(clean)
	assert.True(t, adj.EnteredStable)
	assert.True(t, th.Stable())

	for range 5 {
		th.Observe(clean)
	}
	assert.Equal(t, 1, th.Limit(), "no auto-increase in stable mode")

	th.Observe(limited)
	assert.False(t, th.Stable())
}

func TestThrottle_LowSuccessRateStaysTuning(t *testing.T) {
	s := throttleSettings()
	s.AnalysisWindow = 4
	th := NewThrottle("w1", s)

	th.Observe(missed)
	adj := th.Observe(clean)

	assert.InDelta(t, 75.0, adj.SuccessRate, 0.001)
	assert.False(t, th.Stable(), "75% success is below the threshold")
}

func TestThrottle_ConfigureClampsCurrentValues(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())
	for range 6 {
		th.Observe(clean)
	}
	assert.Equal(t, 3, th.Limit())

	s := throttleSettings()
	s.ParallelMax = 2
	s.DelayMinMS = 600
	th.Configure(s)

	assert.Equal(t, 2, th.Limit())
	assert.Equal(t, 600*time.Millisecond, th.Delay())
}

func TestThrottle_ResetDiscardsState(t *testing.T) {
	th := NewThrottle("w1", throttleSettings())
	for range 6 {
		th.Observe(clean)
	}

	th.Reset(throttleSettings())

	assert.Equal(t, 1, th.Limit())
	assert.Equal(t, 500*time.Millisecond, th.Delay())
	assert.False(t, th.Stable())
}
