package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

var (
	// ErrStopped is returned once the manager has been shut down
	ErrStopped = errors.New("manager is shut down")
	// ErrAlreadyRunning is returned when the worker already runs in this process
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotRunning is returned when no worker with that ID is known
	ErrNotRunning = errors.New("worker not running")
)

// RunnerFactory builds a fresh Runner for a worker ID.
type RunnerFactory func(workerID string) (*Runner, error)

type managedRunner struct {
	runner *Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the runners of this process and implements the operator
// start/stop actions. Stop works for workers in other processes too, since
// it only flips the shared run status.
type Manager struct {
	store   state.Store
	factory RunnerFactory
	baseCtx context.Context

	mu       sync.Mutex
	runners  map[string]*managedRunner
	shutdown bool
	wg       sync.WaitGroup
}

func NewManager(ctx context.Context, store state.Store, factory RunnerFactory) *Manager {
	return &Manager{
		store:   store,
		factory: factory,
		baseCtx: context.WithoutCancel(ctx),
		runners: make(map[string]*managedRunner),
	}
}

// Start launches a runner for workerID in the background.
func (m *Manager) Start(workerID string) error {
	if workerID == "" {
		return fmt.Errorf("worker id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrStopped
	}
	if _, ok := m.runners[workerID]; ok {
		return ErrAlreadyRunning
	}

	runner, err := m.factory(workerID)
	if err != nil {
		return fmt.Errorf("create runner %s: %w", workerID, err)
	}

	// Marked before launch so a Stop arriving before Run starts is not
	// overwritten.
	if err := m.store.Set(m.baseCtx, state.RunStatusKey(workerID), state.StatusRunning); err != nil {
		return fmt.Errorf("mark worker %s running: %w", workerID, err)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	mr := &managedRunner{runner: runner, cancel: cancel, done: make(chan struct{})}
	m.runners[workerID] = mr

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(mr.done)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				sentry.CurrentHub().Recover(rec)
				log.Error().Interface("panic", rec).Str("worker_id", workerID).Msg("Worker panicked")
			}
			m.mu.Lock()
			delete(m.runners, workerID)
			m.mu.Unlock()
		}()

		if err := runner.Run(ctx); err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("Worker exited with error")
		}
	}()

	log.Info().Str("worker_id", workerID).Msg("Worker launched")
	return nil
}

// Stop asks a worker to finish its current sub-batch and exit.
func (m *Manager) Stop(ctx context.Context, workerID string) error {
	key := state.RunStatusKey(workerID)
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}

	m.mu.Lock()
	_, local := m.runners[workerID]
	m.mu.Unlock()

	if !exists && !local {
		return ErrNotRunning
	}
	if err := m.store.Set(ctx, key, state.StatusStopped); err != nil {
		return fmt.Errorf("signal stop: %w", err)
	}
	log.Info().Str("worker_id", workerID).Msg("Stop signal sent")
	return nil
}

// Running reports whether workerID runs in this process.
func (m *Manager) Running(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[workerID]
	return ok
}

// Workers lists every worker known to the shared store.
func (m *Manager) Workers(ctx context.Context) ([]WorkerStatus, error) {
	return ListWorkers(ctx, m.store)
}

// Wait blocks until the local runner for workerID has exited.
func (m *Manager) Wait(ctx context.Context, workerID string) error {
	m.mu.Lock()
	mr, ok := m.runners[workerID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-mr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown signals every local runner to stop and waits for them. Runners
// still busy when ctx ends are cancelled, which makes them requeue and drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	runners := make(map[string]*managedRunner, len(m.runners))
	for id, mr := range m.runners {
		runners[id] = mr
	}
	m.mu.Unlock()

	for id := range runners {
		if err := m.store.Set(context.WithoutCancel(ctx), state.RunStatusKey(id), state.StatusStopped); err != nil {
			log.Warn().Err(err).Str("worker_id", id).Msg("Failed to signal stop, cancelling instead")
			runners[id].cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, mr := range runners {
			mr.cancel()
		}
		<-done
		return ctx.Err()
	}
}
