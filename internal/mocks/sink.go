package mocks

import (
	"context"

	"github.com/Harvey-AU/profile-harvester/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockResultSink is a mock implementation of the result store
type MockResultSink struct {
	mock.Mock
}

func (m *MockResultSink) BulkUpsert(ctx context.Context, profiles []db.Profile) error {
	args := m.Called(ctx, profiles)
	return args.Error(0)
}

func (m *MockResultSink) UpsertOne(ctx context.Context, profile db.Profile) error {
	args := m.Called(ctx, profile)
	return args.Error(0)
}

func (m *MockResultSink) EnsureIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockResultSink) MaxFoundID(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// StreamIDs feeds the ids returned by the expectation to fn
func (m *MockResultSink) StreamIDs(ctx context.Context, max int64, fn func(id int64) error) error {
	args := m.Called(ctx, max)
	if ids, ok := args.Get(0).([]int64); ok {
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

func (m *MockResultSink) DuplicateGroups(ctx context.Context) ([]db.DuplicateGroup, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.DuplicateGroup), args.Error(1)
}

func (m *MockResultSink) DeleteDocuments(ctx context.Context, docIDs []string) (int64, error) {
	args := m.Called(ctx, docIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockResultSink) DeleteTombstonesFrom(ctx context.Context, from int64) (int64, error) {
	args := m.Called(ctx, from)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockResultSink) CountProfiles(ctx context.Context, filter db.CountFilter) (int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockResultSink) Drop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockResultSink) FindByID(ctx context.Context, id int64) (*db.Profile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Profile), args.Error(1)
}

func (m *MockResultSink) Search(ctx context.Context, q db.SearchQuery) ([]db.Profile, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.Profile), args.Error(1)
}

func (m *MockResultSink) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
