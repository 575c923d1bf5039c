package leaselock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker serializes compiles of one workflow id against each other and
// against loads of the same id.
type Locker interface {
	// Lock takes the exclusive lock. The returned context is cancelled when
	// the lock is lost before release.
	Lock(ctx context.Context, key string) (context.Context, func(), error)
	RLock(ctx context.Context, key string) (func(), error)
}

const writerWeight = 1 << 30

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Local is an in-process keyed read/write lock. Entries exist only while
// someone holds or waits for them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: map[string]*localEntry{}}
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: semaphore.NewWeighted(writerWeight)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) acquire(ctx context.Context, key string, weight int64) (func(), error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, weight); err != nil {
		l.unref(key, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			l.unref(key, e)
		})
	}, nil
}

func (l *Local) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	release, err := l.acquire(ctx, key, writerWeight)
	if err != nil {
		return nil, nil, err
	}
	return ctx, release, nil
}

func (l *Local) RLock(ctx context.Context, key string) (func(), error) {
	return l.acquire(ctx, key, 1)
}

// Leased combines a Local lock with a Postgres lease so that only one replica
// compiles an id at a time. Readers only take the local lock.
type Leased struct {
	local  *Local
	leases *Leases
}

func NewLeased(leases *Leases) *Leased {
	return &Leased{local: NewLocal(), leases: leases}
}

// Lock waits for both locks. The returned context derives from ctx and ends
// early when the lease is lost.
func (l *Leased) Lock(ctx context.Context, workflowID string) (context.Context, func(), error) {
	_, releaseLocal, err := l.local.Lock(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	lease, err := l.leases.Acquire(ctx, workflowID)
	if err != nil {
		releaseLocal()
		return nil, nil, err
	}
	return lease.Context(), func() {
		if err := lease.Release(); err != nil {
			log.Warn("Failed to release compile lease", "workflow", workflowID, "err", err)
		}
		releaseLocal()
	}, nil
}

func (l *Leased) RLock(ctx context.Context, workflowID string) (func(), error) {
	return l.local.RLock(ctx, workflowID)
}
