//go:build unit || !integration

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/jobs"
	"github.com/Harvey-AU/profile-harvester/internal/mocks"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockWorkers is a mock WorkerController
type MockWorkers struct {
	mock.Mock
}

func (m *MockWorkers) Start(workerID string) error {
	return m.Called(workerID).Error(0)
}

func (m *MockWorkers) Stop(ctx context.Context, workerID string) error {
	return m.Called(ctx, workerID).Error(0)
}

func (m *MockWorkers) Workers(ctx context.Context) ([]jobs.WorkerStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]jobs.WorkerStatus), args.Error(1)
}

// MockMaintenance is a mock Maintenance
type MockMaintenance struct {
	mock.Mock
}

func (m *MockMaintenance) Check(ctx context.Context) (jobs.IntegrityReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(jobs.IntegrityReport), args.Error(1)
}

func (m *MockMaintenance) QueueMissing(ctx context.Context, ids []int64) (int, error) {
	args := m.Called(ctx, ids)
	return args.Int(0), args.Error(1)
}

func (m *MockMaintenance) Deduplicate(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMaintenance) Recount(ctx context.Context, category, workerID string) (int64, error) {
	args := m.Called(ctx, category, workerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMaintenance) ClearData(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type testEnv struct {
	store       *state.MemoryStore
	workers     *MockWorkers
	maintenance *MockMaintenance
	profiles    *mocks.MockResultSink
	handler     *Handler
	mux         *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := state.NewMemoryStore()
	env := &testEnv{
		store:       store,
		workers:     new(MockWorkers),
		maintenance: new(MockMaintenance),
		profiles:    new(mocks.MockResultSink),
		mux:         http.NewServeMux(),
	}
	env.handler = NewHandler(Dependencies{
		Store:       store,
		Workers:     env.workers,
		Maintenance: env.maintenance,
		Profiles:    env.profiles,
		Settings:    config.NewOverlayProvider(config.StaticProvider{Settings: config.DefaultSettings()}, store, state.KeySettings),
		Checks:      map[string]Pinger{"mongo": env.profiles},
	})
	env.handler.SetupRoutes(env.mux)
	t.Cleanup(func() {
		env.workers.AssertExpectations(t)
		env.maintenance.AssertExpectations(t)
		env.profiles.AssertExpectations(t)
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(e.mux).ServeHTTP(rec, req)
	return rec
}

// decodeData unmarshals the data field of a success response into out
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) SuccessResponse {
	t.Helper()
	var envelope struct {
		SuccessResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
	return envelope.SuccessResponse
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
