// Package project materializes enriched workflows as project directories.
package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const stagingDir = ".staging"

var log = logger.With("Project")

// Result reports one materialization. Logs are human readable progress lines.
type Result struct {
	Status Status
	Logs   []string
	Path   string
	Err    error
}

func (r *Result) logf(format string, args ...any) {
	r.Logs = append(r.Logs, fmt.Sprintf(format, args...))
}

func (r *Result) fail(err error, format string, args ...any) Result {
	r.logf(format, args...)
	r.Status = StatusError
	r.Err = err
	return *r
}

// Materializer writes projects under BaseDir, one directory per workflow id.
type Materializer struct {
	BaseDir   string
	AssetsDir string
	Renderers []Renderer
}

// New returns a materializer. Without renderers only workflow.json is written.
func New(baseDir, assetsDir string, renderers ...Renderer) *Materializer {
	if len(renderers) == 0 {
		renderers = []Renderer{JSONRenderer{}}
	}
	return &Materializer{BaseDir: baseDir, AssetsDir: assetsDir, Renderers: renderers}
}

// Dir is the final directory of a workflow.
func (m *Materializer) Dir(id string) string {
	return filepath.Join(m.BaseDir, id)
}

// Materialize stages and commits a project in one go.
func (m *Materializer) Materialize(ctx context.Context, def common.GraphDefinition, id string) Result {
	res := m.Stage(ctx, def, id)
	if res.Status != StatusSuccess {
		return res
	}
	final, err := m.Commit(res.Path, id)
	if err != nil {
		m.Discard(res.Path)
		return res.fail(err, "Error swapping project into place: %v", err)
	}
	res.Path = final
	res.logf("Project written to: %s", final)
	return res
}

// Stage builds the project in a fresh staging directory and returns its path.
// Nothing outside the staging directory is touched.
func (m *Materializer) Stage(ctx context.Context, def common.GraphDefinition, id string) Result {
	var res Result
	if err := common.ValidateID(id); err != nil {
		return res.fail(err, "Error: %v", err)
	}

	suffix, err := gonanoid.New(10)
	if err != nil {
		return res.fail(err, "Error creating staging directory: %v", err)
	}
	dir := filepath.Join(m.BaseDir, stagingDir, id+"-"+suffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res.fail(err, "Error creating staging directory: %v", err)
	}
	res.Path = dir
	res.logf("Created staging directory: %s", dir)

	m.copyAssets(&res, dir)

	for _, r := range m.Renderers {
		if err := ctx.Err(); err != nil {
			m.Discard(dir)
			return res.fail(err, "Error: %v", err)
		}
		out, err := r.Render(def)
		if err != nil {
			m.Discard(dir)
			return res.fail(err, "Error rendering %s: %v", r.FileName(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, r.FileName()), []byte(out), 0o644); err != nil {
			m.Discard(dir)
			return res.fail(err, "Error writing %s: %v", r.FileName(), err)
		}
		res.logf("Rendered %s", r.FileName())
	}

	res.Status = StatusSuccess
	return res
}

// copyAssets copies the optional shared assets. Failures are warnings.
func (m *Materializer) copyAssets(res *Result, dir string) {
	if m.AssetsDir == "" {
		return
	}
	copied := true
	warn := func(err error) {
		copied = false
		res.logf("Warning: Failed to copy dependencies: %v", err)
		log.Warn("Failed to copy project asset", "dir", dir, "err", err)
	}

	factory := filepath.Join(m.AssetsDir, "llm_factory")
	if exists(factory) {
		if err := os.CopyFS(filepath.Join(dir, "llm_factory"), os.DirFS(factory)); err != nil {
			warn(err)
		}
	}
	files := []struct{ src, dst string }{
		{".env", ".env"},
		{"requirement.txt", "requirements.txt"},
	}
	for _, f := range files {
		src := filepath.Join(m.AssetsDir, f.src)
		if !exists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, f.dst)); err != nil {
			warn(err)
		}
	}
	if copied {
		res.logf("Copied dependencies.")
	}
}

// Commit swaps a staged project in for id. The old project, if any, is moved
// aside first and put back when the swap fails.
func (m *Materializer) Commit(staged, id string) (string, error) {
	if err := common.ValidateID(id); err != nil {
		return "", err
	}
	final := m.Dir(id)
	trash := staged + ".old"

	hadOld := exists(final)
	if hadOld {
		if err := os.Rename(final, trash); err != nil {
			return "", fmt.Errorf("move old project aside: %w", err)
		}
	}
	if err := os.Rename(staged, final); err != nil {
		if hadOld {
			_ = os.Rename(trash, final)
		}
		return "", fmt.Errorf("move staged project: %w", err)
	}
	if hadOld {
		if err := os.RemoveAll(trash); err != nil {
			log.Warn("Failed to remove old project", "path", trash, "err", err)
		}
	}
	return final, nil
}

// Discard removes a staging directory that will not be committed.
func (m *Materializer) Discard(staged string) {
	if err := os.RemoveAll(staged); err != nil {
		log.Warn("Failed to remove staging directory", "path", staged, "err", err)
	}
}

// Remove deletes the project of id. A missing project is not an error.
func (m *Materializer) Remove(id string) error {
	if err := common.ValidateID(id); err != nil {
		return err
	}
	return os.RemoveAll(m.Dir(id))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
