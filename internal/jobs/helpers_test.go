//go:build unit || !integration

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/Harvey-AU/profile-harvester/internal/state"
)

type storedDoc struct {
	docID   string
	profile db.Profile
}

// memSink is an in-memory ResultSink. Duplicate IDs can be seeded directly
// to exercise deduplication.
type memSink struct {
	mu             sync.Mutex
	docs           []storedDoc
	seq            int
	indexCalls     int
	tombstoneCalls []int64
}

func newMemSink(profiles ...db.Profile) *memSink {
	s := &memSink{}
	for _, p := range profiles {
		s.insert(p)
	}
	return s
}

func (s *memSink) insert(p db.Profile) string {
	s.seq++
	id := fmt.Sprintf("doc-%d", s.seq)
	s.docs = append(s.docs, storedDoc{docID: id, profile: p})
	return id
}

func (s *memSink) upsert(p db.Profile) {
	for i := range s.docs {
		if s.docs[i].profile.ID == p.ID {
			s.docs[i].profile = p
			return
		}
	}
	s.insert(p)
}

func (s *memSink) BulkUpsert(_ context.Context, profiles []db.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range profiles {
		s.upsert(p)
	}
	return nil
}

func (s *memSink) UpsertOne(_ context.Context, p db.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(p)
	return nil
}

func (s *memSink) EnsureIndexes(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexCalls++
	return nil
}

func (s *memSink) MaxFoundID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, d := range s.docs {
		if d.profile.Found() && d.profile.ID > max {
			max = d.profile.ID
		}
	}
	return max, nil
}

func (s *memSink) StreamIDs(_ context.Context, max int64, fn func(int64) error) error {
	s.mu.Lock()
	var ids []int64
	for _, d := range s.docs {
		if d.profile.ID <= max {
			ids = append(ids, d.profile.ID)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *memSink) DuplicateGroups(context.Context) ([]db.DuplicateGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := map[int64][]db.DocumentRef{}
	for _, d := range s.docs {
		byID[d.profile.ID] = append(byID[d.profile.ID], db.DocumentRef{DocID: d.docID, ScrapedAt: d.profile.ScrapedAt})
	}
	var groups []db.DuplicateGroup
	for id, members := range byID {
		if len(members) > 1 {
			groups = append(groups, db.DuplicateGroup{ID: id, Members: members})
		}
	}
	return groups, nil
}

func (s *memSink) DeleteDocuments(_ context.Context, docIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := map[string]bool{}
	for _, id := range docIDs {
		doomed[id] = true
	}
	kept := s.docs[:0]
	var n int64
	for _, d := range s.docs {
		if doomed[d.docID] {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.docs = kept
	return n, nil
}

func (s *memSink) DeleteTombstonesFrom(_ context.Context, from int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstoneCalls = append(s.tombstoneCalls, from)
	kept := s.docs[:0]
	var n int64
	for _, d := range s.docs {
		if !d.profile.Found() && d.profile.ID >= from {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.docs = kept
	return n, nil
}

func (s *memSink) CountProfiles(_ context.Context, f db.CountFilter) (int64, error) {
	if _, err := db.CountFilterDocument(f); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.docs {
		p := d.profile
		match := false
		switch f.Category {
		case db.CategorySupport:
			match = p.IsSupport
		case db.CategoryBanned:
			match = p.IsBanned
		case db.CategoryTotal:
			match = p.Found()
		case db.CategoryFoundByWorker:
			match = p.Found() && p.ScrapedBy == f.WorkerID
		}
		if match {
			n++
		}
	}
	return n, nil
}

func (s *memSink) Drop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = nil
	return nil
}

func (s *memSink) profiles() map[int64]db.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]db.Profile, len(s.docs))
	for _, d := range s.docs {
		out[d.profile.ID] = d.profile
	}
	return out
}

// funcScraper adapts a function to the Scraper interface.
type funcScraper func(ctx context.Context, id int64) crawler.Result

func (f funcScraper) Scrape(ctx context.Context, id int64) crawler.Result {
	return f(ctx, id)
}

func foundResult(id int64, workerID string) crawler.Result {
	return crawler.Result{
		ID:      id,
		Outcome: crawler.OutcomeFound,
		Profile: &db.Profile{
			ID:        id,
			Nickname:  fmt.Sprintf("user%d", id),
			ScrapedAt: time.Now().UTC(),
			ScrapedBy: workerID,
			Status:    db.StatusFound,
		},
	}
}

// fastSettings disables delays so tests run without waiting.
func fastSettings() config.Settings {
	s := config.DefaultSettings()
	s.DelayMinMS = 0
	s.DelayMaxMS = 0
	s.DelayStepMS = 0
	s.DelayCompensationMS = 0
	s.ParallelMin = 2
	s.ParallelMax = 2
	s.BatchSize = 4
	s.WriteBatchSize = 100
	return s
}

func newTestRunner(t *testing.T, store state.Store, sink ResultSink, scraper Scraper, settings config.Settings) *Runner {
	t.Helper()
	return newNamedRunner(t, "w1", store, sink, scraper, settings)
}

func newNamedRunner(t *testing.T, workerID string, store state.Store, sink ResultSink, scraper Scraper, settings config.Settings) *Runner {
	t.Helper()
	r := NewRunner(RunnerOptions{
		WorkerID: workerID,
		Store:    store,
		Sink:     sink,
		Scraper:  scraper,
		Settings: config.StaticProvider{Settings: settings},
	})
	r.integrityWait = 5 * time.Millisecond
	r.pauseWait = 5 * time.Millisecond
	r.idleWait = 5 * time.Millisecond
	return r
}

func queueIDs(t *testing.T, store state.Store) []int64 {
	t.Helper()
	values, err := store.LRange(context.Background(), state.KeyPriorityQueue, 0, -1)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	ids := state.ParseIDs(values)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
