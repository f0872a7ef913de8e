package jobs

import (
	"context"

	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
)

// Scraper fetches and classifies a single profile ID
type Scraper interface {
	Scrape(ctx context.Context, id int64) crawler.Result
}

// ResultSink defines the result store operations needed by the coordinator
type ResultSink interface {
	db.ProfileWriter

	EnsureIndexes(ctx context.Context) error
	MaxFoundID(ctx context.Context) (int64, error)
	StreamIDs(ctx context.Context, max int64, fn func(id int64) error) error
	DuplicateGroups(ctx context.Context) ([]db.DuplicateGroup, error)
	DeleteDocuments(ctx context.Context, docIDs []string) (int64, error)
	DeleteTombstonesFrom(ctx context.Context, from int64) (int64, error)
	CountProfiles(ctx context.Context, filter db.CountFilter) (int64, error)
	Drop(ctx context.Context) error
}

// LogToggle switches shared-store log mirroring on and off
type LogToggle interface {
	SetEnabled(enabled bool)
}
