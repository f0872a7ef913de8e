// Package logsink copies log lines into shared-store lists so operators can
// read recent activity of every worker from one place.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize = 1024
	DefaultMaxEntries = 1000
	writeTimeout      = 2 * time.Second
)

// Entry is one stored log line.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	WorkerID  string    `json:"workerId,omitempty"`
	Message   string    `json:"message"`
}

type pending struct {
	key   string
	entry Entry
}

// Writer is a zerolog.LevelWriter that forwards lines to the shared store
// from a background goroutine. Lines are dropped when the buffer is full.
type Writer struct {
	store      state.Store
	maxEntries int64
	entries    chan pending
	enabled    atomic.Bool
	dropped    atomic.Int64
	failed     atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	now    func() time.Time
}

var _ zerolog.LevelWriter = (*Writer)(nil)

// New starts a Writer. bufferSize and maxEntries fall back to defaults when
// not positive.
func New(store state.Store, bufferSize, maxEntries int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	w := &Writer{
		store:      store,
		maxEntries: int64(maxEntries),
		entries:    make(chan pending, bufferSize),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	w.enabled.Store(true)
	go w.run()
	return w
}

// SetEnabled switches forwarding on or off.
func (w *Writer) SetEnabled(enabled bool) {
	w.enabled.Store(enabled)
}

func (w *Writer) Enabled() bool {
	return w.enabled.Load()
}

// Dropped is the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Failed is the number of lines the store rejected.
func (w *Writer) Failed() int64 {
	return w.failed.Load()
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel never blocks and never fails; the caller's own output is the
// primary log destination.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if !w.enabled.Load() {
		return len(p), nil
	}

	entry := w.parse(level, p)
	key := state.KeyProjectLogs
	if level >= zerolog.ErrorLevel && level != zerolog.NoLevel && level != zerolog.Disabled {
		key = state.KeyCriticalLogs
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return len(p), nil
	}
	select {
	case w.entries <- pending{key: key, entry: entry}:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *Writer) parse(level zerolog.Level, p []byte) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: w.now().UTC(),
		Level:     level.String(),
	}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		entry.Message = string(p)
		return entry
	}
	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = msg
	}
	if id, ok := fields["worker_id"].(string); ok {
		entry.WorkerID = id
	}
	if errText, ok := fields[zerolog.ErrorFieldName].(string); ok {
		entry.Message = fmt.Sprintf("%s: %s", entry.Message, errText)
	}
	return entry
}

func (w *Writer) run() {
	defer close(w.done)
	for p := range w.entries {
		w.push(p)
	}
}

func (w *Writer) push(p pending) {
	raw, err := json.Marshal(p.entry)
	if err != nil {
		w.failed.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err = w.store.Atomic(ctx, func(tx state.Tx) {
		tx.LPush(p.key, string(raw))
		tx.LTrim(p.key, 0, w.maxEntries-1)
	})
	if err != nil {
		// Logging here would feed back into this writer
		w.failed.Add(1)
	}
}

// Close stops accepting lines and waits for the buffer to empty or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns up to limit stored entries, newest first. limit <= 0 reads all.
func Read(ctx context.Context, store state.Store, critical bool, limit int) ([]Entry, error) {
	key := state.KeyProjectLogs
	if critical {
		key = state.KeyCriticalLogs
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := store.LRange(ctx, key, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, line := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
