package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Locker = (*Local)(nil)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]localEntry), now: time.Now}
}

func (l *Local) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, exists := l.locks[key]; exists && l.now().Before(entry.expiresAt) {
		return nil, false, nil
	}

	entry := localEntry{token: uuid.NewString(), expiresAt: l.now().Add(ttl)}
	l.locks[key] = entry
	return &localLease{owner: l, key: key, token: entry.token}, true, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (ll *localLease) Key() string { return ll.key }

func (ll *localLease) Release(ctx context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()

	entry, exists := ll.owner.locks[ll.key]
	if !exists || entry.token != ll.token {
		return ErrNotHeld
	}
	delete(ll.owner.locks, ll.key)
	return nil
}
