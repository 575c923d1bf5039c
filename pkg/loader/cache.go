package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/engine"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"golang.org/x/sync/singleflight"
)

var log = logger.With("Loader")

// Mirror restores a project directory from a remote copy.
type Mirror interface {
	Restore(ctx context.Context, id, dir string) error
}

// Guard lets a load wait for a compile of the same id to finish.
type Guard interface {
	RLock(ctx context.Context, id string) (func(), error)
}

// Cache maps workflow ids to built workflows. Handles are immutable; a
// regenerated workflow replaces the entry without touching running callers.
type Cache struct {
	baseDir string
	loader  *Loader
	mirror  Mirror
	guard   Guard

	mu      sync.RWMutex
	entries map[string]*engine.Workflow
	// gens counts replacements per id so a load never overwrites a newer entry.
	gens  map[string]uint64
	group singleflight.Group
}

type CacheOption func(*Cache)

func WithMirror(m Mirror) CacheOption {
	return func(c *Cache) { c.mirror = m }
}

func WithGuard(g Guard) CacheOption {
	return func(c *Cache) { c.guard = g }
}

func NewCache(baseDir string, l *Loader, opts ...CacheOption) *Cache {
	c := &Cache{
		baseDir: baseDir,
		loader:  l,
		entries: make(map[string]*engine.Workflow),
		gens:    make(map[string]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(id string) (*engine.Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.entries[id]
	return wf, ok
}

func (c *Cache) Store(id string, wf *engine.Workflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = wf
	c.gens[id]++
}

func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.gens[id]++
}

// IDs lists the cached workflow ids in order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Cache) generation(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[id]
}

// storeIf stores wf unless id was stored or evicted since gen. It returns the
// handle callers should use.
func (c *Cache) storeIf(id string, wf *engine.Workflow, gen uint64) *engine.Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		if cur, ok := c.entries[id]; ok {
			return cur
		}
		return wf
	}
	c.entries[id] = wf
	c.gens[id]++
	return wf
}

func (c *Cache) evictIf(id string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		return
	}
	delete(c.entries, id)
	c.gens[id]++
}

// Load builds the project of id and stores it while the guard is held. On
// failure a stale entry for id is evicted, unless ctx ended first.
func (c *Cache) Load(ctx context.Context, id string) (*engine.Workflow, error) {
	if err := common.ValidateID(id); err != nil {
		return nil, err
	}
	if c.guard != nil {
		release, err := c.guard.RLock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	gen := c.generation(id)
	wf, err := c.build(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.Error("Failed to load workflow", "id", id, "err", err)
		c.evictIf(id, gen)
		return nil, err
	}
	return c.storeIf(id, wf, gen), nil
}

// GetOrLoad returns the cached workflow, loading it on a miss. Concurrent
// misses for one id share a single load that outlives any one caller; a
// caller whose ctx ends gets ctx.Err().
func (c *Cache) GetOrLoad(ctx context.Context, id string) (*engine.Workflow, error) {
	if wf, ok := c.Get(id); ok {
		return wf, nil
	}
	if err := common.ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		if wf, ok := c.Get(id); ok {
			return wf, nil
		}
		return c.Load(shared, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*engine.Workflow), nil
	}
}

func (c *Cache) build(ctx context.Context, id string) (*engine.Workflow, error) {
	dir := filepath.Join(c.baseDir, id)
	if c.mirror != nil {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			if err := c.mirror.Restore(ctx, id, dir); err != nil {
				log.Warn("Failed to restore project from mirror", "id", id, "err", err)
			}
		}
	}
	return c.loader.Build(ctx, dir)
}
