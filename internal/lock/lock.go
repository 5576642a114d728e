// Package lock provides the short-lived exclusive leases used to serialize
// minting across processes.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when releasing a lease that expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	// TryAcquire returns ok=false without blocking if key is held elsewhere.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Acquire polls TryAcquire until the lease is obtained or ctx is done.
func Acquire(ctx context.Context, l Locker, key string, ttl, poll time.Duration) (Lease, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		lease, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
