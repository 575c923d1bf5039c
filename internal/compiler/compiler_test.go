package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/flowforge/backend/internal/store"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai/provider"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/loader"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/project"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/tools"
)

type echoModel struct{ ai.MetricsRecorder }

func (*echoModel) GenerateMessage(_ context.Context, msgs []ai.ChatMessage, _ []ai.Tool, _ ...ai.GenerateOption) (ai.ChatMessage, error) {
	return ai.ChatMessage{Role: ai.RoleAssistant, Message: "echo: " + msgs[len(msgs)-1].Message}, nil
}

type failingModel struct{ ai.MetricsRecorder }

func (*failingModel) GenerateMessage(context.Context, []ai.ChatMessage, []ai.Tool, ...ai.GenerateOption) (ai.ChatMessage, error) {
	return ai.ChatMessage{}, errors.New("model offline")
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]store.Workflow
}

func (m *memStore) Upsert(_ context.Context, w store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[w.ID] = w
	return nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status store.Status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status, w.Message = status, message
	m.rows[id] = w
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	return w, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type recorder struct {
	mu         sync.Mutex
	uploads    []string
	deletes    []string
	events     []Event
	dispatched []string
	dispatch   error
}

func (r *recorder) Upload(_ context.Context, id, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, project.WorkflowFile)); err != nil {
		return err
	}
	r.uploads = append(r.uploads, id)
	return nil
}

func (r *recorder) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, id)
	return nil
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Dispatch(_ context.Context, def common.GraphDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatch != nil {
		return r.dispatch
	}
	r.dispatched = append(r.dispatched, def.ID)
	return nil
}

type fixture struct {
	svc   *Service
	cache *loader.Cache
	store *memStore
	rec   *recorder
	base  string
}

func newFixture(t *testing.T, model ai.ChatModel) fixture {
	t.Helper()
	base := t.TempDir()
	l := loader.New(tools.NewRegistry(nil), 0)
	l.Models = func(provider.Config) (ai.ChatModel, error) { return model, nil }
	locks := leaselock.NewLocal()
	cache := loader.NewCache(base, l, loader.WithGuard(locks))
	st := &memStore{rows: map[string]store.Workflow{}}
	rec := &recorder{}
	svc := New(library.New(), project.New(base, ""), l, cache, locks,
		WithStore(st), WithMirror(rec), WithPublisher(rec), WithDispatcher(rec))
	return fixture{svc: svc, cache: cache, store: st, rec: rec, base: base}
}

func definition(id string) common.GraphDefinition {
	return common.GraphDefinition{
		ID: id,
		Nodes: []common.Node{
			{ID: "a1", Type: common.NodeAgent, Data: map[string]any{"provider": "openai", "model": "gpt-4o"}},
			{ID: "t1", Type: common.NodeToolFunction, Data: map[string]any{"function_name": "get_stock_info"}},
		},
		Edges: []common.Edge{
			{ID: "e1", Source: "a1", Target: "t1", Type: common.EdgeSimple},
			{ID: "e2", Source: "t1", Target: "a1", Type: common.EdgeSimple},
		},
	}
}

func TestCompileThenRun(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()

	res, err := f.svc.Compile(ctx, definition("demo"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Status != store.StatusGenerated || res.Message != "" {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := f.cache.Get("demo"); !ok {
		t.Fatal("compiled workflow not cached")
	}
	if rec, _ := f.store.Get(ctx, "demo"); rec.Status != store.StatusGenerated {
		t.Fatalf("stored status = %q", rec.Status)
	}
	if len(f.rec.uploads) != 1 || len(f.rec.events) != 1 || f.rec.events[0].Origin != f.svc.Instance() {
		t.Fatalf("uploads %v events %v", f.rec.uploads, f.rec.events)
	}

	out, err := f.svc.Run(ctx, "demo", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "echo: hi" {
		t.Fatalf("Run = %q", out)
	}
}

func TestCompileIsIdempotentOnID(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()

	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}
	first, _ := f.cache.Get("demo")
	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}
	second, _ := f.cache.Get("demo")
	if first == second {
		t.Fatal("recompile did not replace the cached workflow")
	}
	entries, _ := os.ReadDir(filepath.Join(f.base, ".staging"))
	if len(entries) != 0 {
		t.Fatalf("staging left behind: %v", entries)
	}
}

func TestCompileEnrichmentError(t *testing.T) {
	f := newFixture(t, &echoModel{})
	def := definition("bad")
	def.Nodes = append(def.Nodes, def.Nodes[0])

	res, err := f.svc.Compile(context.Background(), def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Status != store.StatusError || res.Message == "" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(f.base, "bad")); !os.IsNotExist(err) {
		t.Fatal("project persisted for an invalid graph")
	}
	if len(f.rec.uploads) != 0 {
		t.Fatal("invalid graph mirrored")
	}
}

func TestCompileLoadFailure(t *testing.T) {
	f := newFixture(t, &echoModel{})
	def := common.GraphDefinition{
		ID:    "noagent",
		Nodes: []common.Node{{ID: "t1", Type: common.NodeToolFunction, Data: map[string]any{"function_name": "get_stock_info"}}},
	}

	res, err := f.svc.Compile(context.Background(), def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if res.Status != store.StatusGenerated || res.Message != LoadFailedMessage {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := f.cache.Get("noagent"); ok {
		t.Fatal("unloadable workflow cached")
	}
}

func TestCompileRejectsBadID(t *testing.T) {
	f := newFixture(t, &echoModel{})
	def := definition("")
	if _, err := f.svc.Compile(context.Background(), def); !errors.Is(err, common.ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	def.ID = "../x"
	if _, err := f.svc.Compile(context.Background(), def); !errors.Is(err, common.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestRunUnknownAndFailing(t *testing.T) {
	f := newFixture(t, &failingModel{})
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, "ghost", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Run(ctx, "demo", "hi")
	if err == nil {
		t.Fatal("expected execution error")
	}
	if _, ok := f.cache.Get("demo"); !ok {
		t.Fatal("execution error touched the cache")
	}
}

func TestRunLoadsFromDiskAfterRestart(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()
	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}
	f.cache.Evict("demo")

	out, err := f.svc.Run(ctx, "demo", "again")
	if err != nil || out != "echo: again" {
		t.Fatalf("Run = %q, %v", out, err)
	}
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()

	res, err := f.svc.Enqueue(ctx, definition("demo"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if res.Status != store.StatusQueued || len(f.rec.dispatched) != 1 {
		t.Fatalf("result %+v dispatched %v", res, f.rec.dispatched)
	}

	f.rec.dispatch = errors.New("broker down")
	if _, err := f.svc.Enqueue(ctx, definition("other")); err == nil {
		t.Fatal("expected dispatch error")
	}
	if rec, _ := f.store.Get(ctx, "other"); rec.Status != store.StatusError {
		t.Fatalf("failed dispatch stored as %q", rec.Status)
	}

	bare := New(library.New(), project.New(t.TempDir(), ""), loader.New(nil, 0), f.cache, nil)
	if _, err := bare.Enqueue(ctx, definition("demo")); !errors.Is(err, ErrAsyncUnavailable) {
		t.Fatalf("expected ErrAsyncUnavailable, got %v", err)
	}
}

func TestGetAndDelete(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}
	info, err := f.svc.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !info.Loaded || !info.Project || info.Record == nil || info.Entry != "a1" {
		t.Fatalf("info = %+v", info)
	}

	if err := f.svc.Delete(ctx, "demo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, "demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if len(f.rec.deletes) != 1 {
		t.Fatalf("mirror deletes = %v", f.rec.deletes)
	}
	if last := f.rec.events[len(f.rec.events)-1]; last.Status != StatusDeleted {
		t.Fatalf("last event = %+v", last)
	}
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t, &echoModel{})
	ctx := context.Background()
	if _, err := f.svc.Compile(ctx, definition("demo")); err != nil {
		t.Fatal(err)
	}

	f.svc.HandleEvent(Event{ID: "demo", Status: "generated", Origin: f.svc.Instance()})
	if _, ok := f.cache.Get("demo"); !ok {
		t.Fatal("own event evicted the entry")
	}
	f.svc.HandleEvent(Event{ID: "demo", Status: "generated", Origin: "other-replica"})
	if _, ok := f.cache.Get("demo"); ok {
		t.Fatal("foreign event did not evict the entry")
	}
}

// hookGuard runs afterRead once, right after the first read lock is released.
type hookGuard struct {
	*leaselock.Local
	once      sync.Once
	afterRead func()
}

func (g *hookGuard) RLock(ctx context.Context, key string) (func(), error) {
	release, err := g.Local.RLock(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() {
		release()
		g.once.Do(g.afterRead)
	}, nil
}

func systemMessage(t *testing.T, c *loader.Cache, id string) string {
	t.Helper()
	wf, ok := c.Get(id)
	if !ok {
		t.Fatalf("%s not cached", id)
	}
	for _, n := range wf.Definition().Nodes {
		if n.ID == "a1" {
			msg, _ := n.String("system_message")
			return msg
		}
	}
	t.Fatal("agent a1 missing")
	return ""
}

func TestRecompileWinsOverConcurrentLoad(t *testing.T) {
	base := t.TempDir()
	l := loader.New(tools.NewRegistry(nil), 0)
	l.Models = func(provider.Config) (ai.ChatModel, error) { return &echoModel{}, nil }
	locks := &hookGuard{Local: leaselock.NewLocal()}
	cache := loader.NewCache(base, l, loader.WithGuard(locks))
	svc := New(library.New(), project.New(base, ""), l, cache, locks)
	ctx := context.Background()

	withMessage := func(msg string) common.GraphDefinition {
		def := definition("demo")
		def.Nodes[0].Data["system_message"] = msg
		return def
	}
	if _, err := svc.Compile(ctx, withMessage("OLD")); err != nil {
		t.Fatal(err)
	}
	cache.Evict("demo")

	var regenerated Result
	locks.afterRead = func() {
		res, err := svc.Compile(ctx, withMessage("NEW"))
		if err != nil {
			t.Errorf("recompile: %v", err)
		}
		regenerated = res
	}

	if _, err := svc.Run(ctx, "demo", "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if regenerated.Status != store.StatusGenerated {
		t.Fatalf("recompile = %+v", regenerated)
	}
	if got := systemMessage(t, cache, "demo"); got != "NEW" {
		t.Fatalf("cached system_message = %q after recompile, want NEW", got)
	}
}

func TestRunReportsCancellation(t *testing.T) {
	f := newFixture(t, &echoModel{})
	if _, err := f.svc.Compile(context.Background(), definition("demo")); err != nil {
		t.Fatal(err)
	}
	f.cache.Evict("demo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Run(ctx, "demo", "hi")
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
		t.Fatalf("Run with cancelled ctx = %v, want context.Canceled", err)
	}
}
