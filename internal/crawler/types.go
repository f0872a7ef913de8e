package crawler

import (
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/db"
)

// Outcome classifies a single profile fetch.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeRateLimited
	OutcomeServerError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Transient reports whether the ID should be retried later.
func (o Outcome) Transient() bool {
	return o == OutcomeRateLimited || o == OutcomeServerError || o == OutcomeTimeout
}

// Result is what one Scrape call produced. Profile is set only for OutcomeFound.
type Result struct {
	ID         int64         `json:"id"`
	Outcome    Outcome       `json:"-"`
	StatusCode int           `json:"status_code"`
	Profile    *db.Profile   `json:"profile,omitempty"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration"`
}
