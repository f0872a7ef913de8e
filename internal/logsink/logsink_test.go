//go:build unit || !integration

package logsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeWriter(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func TestWriter_RoutesByLevel(t *testing.T) {
	store := state.NewMemoryStore()
	w := New(store, 16, 10)
	logger := zerolog.New(w)

	logger.Info().Str("worker_id", "w1").Msg("Worker started")
	logger.Warn().Msg("Slow response")
	logger.Error().Err(errors.New("connection refused")).Str("worker_id", "w2").Msg("Flush failed")
	closeWriter(t, w)

	ctx := context.Background()
	normal, err := Read(ctx, store, false, 0)
	require.NoError(t, err)
	require.Len(t, normal, 2)
	assert.Equal(t, "Slow response", normal[0].Message, "newest first")
	assert.Equal(t, "warn", normal[0].Level)
	assert.Equal(t, "Worker started", normal[1].Message)
	assert.Equal(t, "w1", normal[1].WorkerID)
	assert.NotEmpty(t, normal[1].ID)

	critical, err := Read(ctx, store, true, 0)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "Flush failed: connection refused", critical[0].Message)
	assert.Equal(t, "error", critical[0].Level)
	assert.Equal(t, "w2", critical[0].WorkerID)
}

func TestWriter_TrimsToMaxEntries(t *testing.T) {
	store := state.NewMemoryStore()
	w := New(store, 64, 3)
	logger := zerolog.New(w)

	for i := range 10 {
		logger.Info().Int("n", i).Msgf("line %d", i)
	}
	closeWriter(t, w)

	entries, err := Read(context.Background(), store, false, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "line 9", entries[0].Message)

	limited, err := Read(context.Background(), store, false, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWriter_Disabled(t *testing.T) {
	store := state.NewMemoryStore()
	w := New(store, 16, 10)
	w.SetEnabled(false)
	assert.False(t, w.Enabled())

	n, err := w.WriteLevel(zerolog.InfoLevel, []byte(`{"message":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, len(`{"message":"ignored"}`), n)
	closeWriter(t, w)

	entries, err := Read(context.Background(), store, false, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_PlainTextLine(t *testing.T) {
	store := state.NewMemoryStore()
	w := New(store, 16, 10)

	_, err := w.Write([]byte("not json"))
	require.NoError(t, err)
	closeWriter(t, w)

	entries, err := Read(context.Background(), store, false, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "not json", entries[0].Message)
}

// blockingStore holds every Atomic call until release is closed.
type blockingStore struct {
	state.Store
	release chan struct{}
}

func (s *blockingStore) Atomic(ctx context.Context, fn func(state.Tx)) error {
	<-s.release
	return s.Store.Atomic(ctx, fn)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	store := &blockingStore{Store: state.NewMemoryStore(), release: make(chan struct{})}
	w := New(store, 2, 10)

	for range 10 {
		_, err := w.WriteLevel(zerolog.InfoLevel, []byte(`{"message":"x"}`))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, w.Dropped(), int64(7), "one line in flight and two buffered at most")

	close(store.release)
	closeWriter(t, w)
}

type failingStore struct {
	state.Store
}

func (failingStore) Atomic(context.Context, func(state.Tx)) error {
	return errors.New("store unavailable")
}

func TestWriter_CountsStoreFailures(t *testing.T) {
	w := New(failingStore{Store: state.NewMemoryStore()}, 16, 10)

	_, err := w.WriteLevel(zerolog.ErrorLevel, []byte(`{"message":"boom"}`))
	require.NoError(t, err, "store failures never reach the logger")
	closeWriter(t, w)

	assert.Equal(t, int64(1), w.Failed())
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w := New(state.NewMemoryStore(), 16, 10)
	closeWriter(t, w)

	n, err := w.Write([]byte(`{"message":"late"}`))
	require.NoError(t, err)
	assert.Positive(t, n)
	closeWriter(t, w)
}
