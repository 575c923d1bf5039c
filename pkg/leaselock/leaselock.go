// Package leaselock serializes compiles of one workflow id. Leases rows in
// Postgres exclude other replicas; Local excludes goroutines of one process.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var log = logger.With("Lease")

var (
	ErrBusy = errors.New("workflow is being compiled by another holder")
	ErrLost = errors.New("compile lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	// TTL is how long a lease survives without being extended.
	TTL time.Duration
	// Poll and Jitter space the claims of a waiting Acquire.
	Poll   time.Duration
	Jitter time.Duration
	// HolderPrefix names this process in the holder column.
	HolderPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = time.Minute
	}
	if o.Poll <= 0 {
		o.Poll = 250 * time.Millisecond
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	return o
}

// Leases hands out compile leases from the workflow_leases table.
type Leases struct {
	db   dbConn
	opts Options
}

func New(pool *pgxpool.Pool, opts Options) *Leases {
	return newLeases(pool, opts)
}

func newLeases(db dbConn, opts Options) *Leases {
	return &Leases{db: db, opts: opts.withDefaults()}
}

// Lease is a held compile lease for one workflow. Its context ends when the
// lease is released or can no longer be extended.
type Lease struct {
	WorkflowID string
	Holder     string

	ctx    context.Context
	cancel context.CancelCauseFunc
	leases *Leases

	mu      sync.Mutex
	expires time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	err      error
}

// TryAcquire claims the lease of workflowID once. A live lease of another
// holder is ErrBusy.
func (l *Leases) TryAcquire(ctx context.Context, workflowID string) (*Lease, error) {
	holder, err := l.newHolder(workflowID)
	if err != nil {
		return nil, err
	}
	expires, err := l.claim(ctx, workflowID, holder)
	if err != nil {
		return nil, err
	}
	return l.start(ctx, workflowID, holder, expires), nil
}

// Acquire waits until the lease of workflowID is free or ctx ends.
func (l *Leases) Acquire(ctx context.Context, workflowID string) (*Lease, error) {
	holder, err := l.newHolder(workflowID)
	if err != nil {
		return nil, err
	}
	for {
		expires, err := l.claim(ctx, workflowID, holder)
		if err == nil {
			return l.start(ctx, workflowID, holder, expires), nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if err := l.pause(ctx); err != nil {
			return nil, err
		}
	}
}

func (l *Leases) newHolder(workflowID string) (string, error) {
	if workflowID == "" {
		return "", errors.New("lease needs a workflow id")
	}
	tok, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	if l.opts.HolderPrefix == "" {
		return tok, nil
	}
	return l.opts.HolderPrefix + "-" + tok, nil
}

// claim inserts or takes over an expired row. The local expiry is measured
// from before the statement so it never outlives the row.
func (l *Leases) claim(ctx context.Context, workflowID, holder string) (time.Time, error) {
	sent := time.Now()
	var got string
	err := l.db.QueryRow(ctx, claimSQL, workflowID, holder, l.opts.TTL.Milliseconds()).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return time.Time{}, ErrBusy
	case err != nil:
		return time.Time{}, fmt.Errorf("claim lease for %s: %w", workflowID, err)
	}
	return sent.Add(l.opts.TTL), nil
}

func (l *Leases) pause(ctx context.Context) error {
	d := l.opts.Poll
	if l.opts.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(l.opts.Jitter) + 1))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Leases) start(ctx context.Context, workflowID, holder string, expires time.Time) *Lease {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		WorkflowID: workflowID,
		Holder:     holder,
		ctx:        leaseCtx,
		cancel:     cancel,
		leases:     l,
		expires:    expires,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go lease.keepAlive()
	return lease
}

// Context is cancelled with ErrLost when the lease cannot be extended, and
// with context.Canceled on Release.
func (l *Lease) Context() context.Context {
	return l.ctx
}

func (l *Lease) Expires() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expires
}

// keepAlive extends the lease once half of its remaining time has passed.
func (l *Lease) keepAlive() {
	defer close(l.done)
	for {
		wait := max(time.Until(l.Expires())/2, 10*time.Millisecond)
		t := time.NewTimer(wait)
		select {
		case <-l.stop:
			t.Stop()
			return
		case <-l.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := l.extend(); err != nil {
			log.Warn("Compile lease lost", "workflow", l.WorkflowID, "holder", l.Holder, "err", err)
			l.cancel(err)
			return
		}
	}
}

// extend retries until the current expiry. Missing rows mean another holder
// took over.
func (l *Lease) extend() error {
	ctx, cancel := context.WithDeadline(l.ctx, l.Expires())
	defer cancel()
	for {
		sent := time.Now()
		var got string
		err := l.leases.db.QueryRow(ctx, extendSQL, l.WorkflowID, l.Holder, l.leases.opts.TTL.Milliseconds()).Scan(&got)
		if err == nil {
			l.mu.Lock()
			l.expires = sent.Add(l.leases.opts.TTL)
			l.mu.Unlock()
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		if err := l.leases.pause(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrLost, err)
		}
	}
}

// Release stops extending and deletes the row. It is safe to call twice.
func (l *Lease) Release() error {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), 5*time.Second)
		defer cancel()
		_, l.err = l.leases.db.Exec(ctx, releaseSQL, l.WorkflowID, l.Holder)
		l.cancel(context.Canceled)
	})
	return l.err
}

const claimSQL = `
INSERT INTO workflow_leases (workflow_id, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (workflow_id) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE workflow_leases.expires_at < now()
RETURNING holder;
`

const extendSQL = `
UPDATE workflow_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE workflow_id = $1 AND holder = $2
RETURNING holder;
`

const releaseSQL = `
DELETE FROM workflow_leases
WHERE workflow_id = $1 AND holder = $2;
`
