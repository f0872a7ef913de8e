package state

import (
	"context"
	"fmt"
	"time"
)

// Lease is a create-if-absent, auto-expiring mutual exclusion marker. The TTL
// lets other workers recover when a holder crashes without releasing.
type Lease struct {
	store  Store
	key    string
	holder string
	ttl    time.Duration
	retry  time.Duration
}

// NewLease returns a lease on key owned by holder.
func NewLease(store Store, key, holder string, ttl, retry time.Duration) *Lease {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &Lease{store: store, key: key, holder: holder, ttl: ttl, retry: retry}
}

// TryAcquire makes a single attempt.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, l.holder, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return ok, nil
}

// Acquire blocks, retrying every retry interval, until the lease is held or ctx ends.
func (l *Lease) Acquire(ctx context.Context) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.store.DelIfEqual(ctx, l.key, l.holder); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Held reports whether any holder currently owns the lease key.
func (l *Lease) Held(ctx context.Context) (bool, error) {
	return l.store.Exists(ctx, l.key)
}

func (l *Lease) Key() string {
	return l.key
}
