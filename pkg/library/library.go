// Package library resolves named tool and condition components to their
// source text and the import lines that source declares.
package library

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

// Kind selects a category of the component library.
type Kind string

const (
	KindTool      Kind = "tool"
	KindCondition Kind = "condition"
)

var kindDirs = map[Kind]string{
	KindTool:      "tool_functions",
	KindCondition: "conditions",
}

// NotFoundMarker is embedded in the stub returned for unknown components.
const NotFoundMarker = "ERROR: Code for"

//go:embed components
var builtin embed.FS

var importPattern = regexp.MustCompile(`(?m)^\s*(import\s.+|from\s.+\simport\s.+)`)

// Component is the resolved source of one library entry.
type Component struct {
	Name    string
	Kind    Kind
	Source  string
	Imports []string
}

// Resolver looks up components by kind and name.
type Resolver interface {
	Resolve(kind Kind, name string) (Component, bool)
}

// Library is a Resolver over one or more file systems laid out as
// <kind dir>/<name>.py. Later layers shadow earlier ones.
type Library struct {
	layers []fs.FS
}

// New returns the embedded library, optionally overlaid with extra roots.
func New(extra ...fs.FS) *Library {
	sub, err := fs.Sub(builtin, "components")
	if err != nil {
		panic(err)
	}
	return &Library{layers: append([]fs.FS{sub}, extra...)}
}

// WithFS returns a copy of the library with one more layer on top.
func (l *Library) WithFS(fsys fs.FS) *Library {
	layers := append(append([]fs.FS(nil), l.layers...), fsys)
	return &Library{layers: layers}
}

// Resolve returns the component source and its import lines. An unknown kind or
// name never fails: the result is a stub carrying NotFoundMarker and no imports,
// and ok is false.
func (l *Library) Resolve(kind Kind, name string) (Component, bool) {
	src, err := l.read(kind, name)
	if err != nil {
		logger.Warn("[Library] Component not found", "kind", kind, "name", name, "err", err)
		return Stub(kind, name), false
	}
	return Component{
		Name:    name,
		Kind:    kind,
		Source:  src,
		Imports: ExtractImports(src),
	}, true
}

// Names lists the components available for kind, shadowed names once.
func (l *Library) Names(kind Kind) []string {
	dir, ok := kindDirs[kind]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, layer := range l.layers {
		entries, err := fs.ReadDir(layer, dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name, found := strings.CutSuffix(e.Name(), ".py")
			if e.IsDir() || !found || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

var errUnknownKind = errors.New("unknown component kind")

func (l *Library) read(kind Kind, name string) (string, error) {
	dir, ok := kindDirs[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnknownKind, kind)
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid component name %q", name)
	}
	p := path.Join(dir, name+".py")
	var lastErr error = fs.ErrNotExist
	for i := len(l.layers) - 1; i >= 0; i-- {
		b, err := fs.ReadFile(l.layers[i], p)
		if err == nil {
			return string(b), nil
		}
		lastErr = err
	}
	return "", lastErr
}

// Stub is the placeholder source for a component that could not be resolved.
func Stub(kind Kind, name string) Component {
	return Component{
		Name:   name,
		Kind:   kind,
		Source: fmt.Sprintf("# %s '%s' not found.", NotFoundMarker, name),
	}
}

// IsStub reports whether source is a not-found placeholder.
func IsStub(source string) bool {
	return strings.Contains(source, NotFoundMarker)
}

// ExtractImports greps import-like lines out of source, first occurrence wins.
func ExtractImports(source string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range importPattern.FindAllStringSubmatch(source, -1) {
		line := strings.TrimRight(m[1], " \t\r")
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}
