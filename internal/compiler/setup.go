package compiler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/internal/storage"
	"github.com/OFFIS-RIT/flowforge/backend/internal/store"
	"github.com/OFFIS-RIT/flowforge/backend/internal/util"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/engine"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/loader"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/project"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/tools"
)

// Renderers returns the project renderers selected by RENDER_SCRIPT and
// SCRIPT_TEMPLATE.
func Renderers() ([]project.Renderer, error) {
	renderers := []project.Renderer{project.JSONRenderer{}}
	if !util.GetEnvBool("RENDER_SCRIPT", true) {
		return renderers, nil
	}

	var source string
	if path := util.GetEnv("SCRIPT_TEMPLATE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script template: %w", err)
		}
		source = string(raw)
	}
	tpl, err := project.NewTemplateRenderer(source)
	if err != nil {
		return nil, err
	}
	return append(renderers, tpl), nil
}

// FromEnv assembles a Service from the process environment. The returned
// cleanup closes the database pool when one was opened.
func FromEnv(ctx context.Context, opts ...Option) (*Service, func(), error) {
	cleanup := func() {}

	renderers, err := Renderers()
	if err != nil {
		return nil, cleanup, err
	}
	projectsDir := util.GetEnvString("PROJECTS_DIR", "projects")
	materializer := project.New(projectsDir, util.GetEnv("ASSETS_DIR"), renderers...)
	l := loader.New(tools.NewRegistry(nil), util.GetEnvInt("MAX_STEPS", engine.DefaultMaxSteps))

	var locks leaselock.Locker = leaselock.NewLocal()
	if dbURL := util.GetEnv("DATABASE_URL"); dbURL != "" {
		pool, err := store.Connect(ctx, dbURL)
		if err != nil {
			return nil, cleanup, err
		}
		if err := store.Migrate(dbURL, util.GetEnvString("MIGRATIONS_PATH", store.DefaultMigrationsPath)); err != nil {
			pool.Close()
			return nil, cleanup, err
		}
		cleanup = pool.Close
		locks = leaselock.NewLeased(leaselock.New(pool, leaselock.Options{
			TTL:          util.GetEnvDuration("LEASE_TTL", 0),
			Jitter:       100 * time.Millisecond,
			HolderPrefix: util.GetEnvString("HOSTNAME", "compile"),
		}))
		opts = append([]Option{WithStore(store.New(pool))}, opts...)
	}

	cacheOpts := []loader.CacheOption{loader.WithGuard(locks)}
	if bucket := util.GetEnv("AWS_BUCKET"); bucket != "" {
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		mirror := storage.NewMirror(client, bucket)
		cacheOpts = append(cacheOpts, loader.WithMirror(mirror))
		opts = append([]Option{WithMirror(mirror)}, opts...)
	}

	cache := loader.NewCache(projectsDir, l, cacheOpts...)
	return New(library.New(), materializer, l, cache, locks, opts...), cleanup, nil
}
