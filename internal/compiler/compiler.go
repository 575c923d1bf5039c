// Package compiler turns submitted graph definitions into cached, runnable
// workflows and runs messages through them.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/OFFIS-RIT/flowforge/backend/internal/store"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/engine"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/graph"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/library"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/loader"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/project"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("workflow not compiled")
	ErrAsyncUnavailable = errors.New("compile queue not configured")
)

// LoadFailedMessage is reported when a project was written but could not be
// built into a workflow.
const LoadFailedMessage = "workflow could not be loaded"

const (
	EventCompiled = "workflow.compiled"
	StatusDeleted = "deleted"
)

var log = logger.With("Compiler")

// Store persists definitions and compile outcomes.
type Store interface {
	Upsert(ctx context.Context, w store.Workflow) error
	SetStatus(ctx context.Context, id string, status store.Status, message string) error
	Get(ctx context.Context, id string) (store.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// Mirror keeps a remote copy of each committed project.
type Mirror interface {
	Upload(ctx context.Context, id, dir string) error
	Delete(ctx context.Context, id string) error
}

// Event tells other replicas that a workflow changed.
type Event struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Origin  string `json:"origin"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher hands a compile to a background worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, def common.GraphDefinition) error
}

// Result is the outcome of one compile request.
type Result struct {
	ID      string       `json:"id"`
	Status  store.Status `json:"status"`
	Message string       `json:"message,omitempty"`
	Logs    []string     `json:"-"`
}

type Service struct {
	instance string

	resolver     library.Resolver
	materializer *project.Materializer
	loader       *loader.Loader
	cache        *loader.Cache
	locks        leaselock.Locker

	store      Store
	mirror     Mirror
	events     Publisher
	dispatcher Dispatcher
}

type Option func(*Service)

func WithStore(s Store) Option {
	return func(svc *Service) { svc.store = s }
}

func WithMirror(m Mirror) Option {
	return func(svc *Service) { svc.mirror = m }
}

func WithPublisher(p Publisher) Option {
	return func(svc *Service) { svc.events = p }
}

func WithDispatcher(d Dispatcher) Option {
	return func(svc *Service) { svc.dispatcher = d }
}

func New(
	resolver library.Resolver,
	materializer *project.Materializer,
	l *loader.Loader,
	cache *loader.Cache,
	locks leaselock.Locker,
	opts ...Option,
) *Service {
	if locks == nil {
		locks = leaselock.NewLocal()
	}
	s := &Service{
		instance:     uuid.NewString(),
		resolver:     resolver,
		materializer: materializer,
		loader:       l,
		cache:        cache,
		locks:        locks,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Instance identifies this service in published events.
func (s *Service) Instance() string {
	return s.instance
}

// Compile enriches, materializes and loads def under an exclusive lock for
// its id. A valid request always yields a Result; the returned error is
// reserved for bad ids and lock failures.
func (s *Service) Compile(ctx context.Context, def common.GraphDefinition) (Result, error) {
	id := def.ID
	if err := common.ValidateID(id); err != nil {
		return Result{ID: id}, err
	}

	lockCtx, release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("lock workflow %s: %w", id, err)
	}
	defer release()

	res := s.compile(lockCtx, def)
	s.record(lockCtx, def, res)
	if res.Status == store.StatusGenerated && s.mirror != nil {
		if err := s.mirror.Upload(lockCtx, id, s.materializer.Dir(id)); err != nil {
			log.Warn("Failed to mirror project", "id", id, "err", err)
		}
	}
	s.publish(lockCtx, Event{ID: id, Status: string(res.Status), Message: res.Message})
	return res, nil
}

func (s *Service) compile(ctx context.Context, def common.GraphDefinition) Result {
	id := def.ID
	res := Result{ID: id}

	enriched, err := graph.Enrich(def, s.resolver)
	if err != nil {
		log.Error("Failed to enrich workflow", "id", id, "err", err)
		res.Status = store.StatusError
		res.Message = err.Error()
		return res
	}

	staged := s.materializer.Stage(ctx, enriched, id)
	res.Logs = staged.Logs
	if staged.Status != project.StatusSuccess {
		log.Error("Failed to materialize workflow", "id", id, "err", staged.Err)
		res.Status = store.StatusError
		res.Message = staged.Err.Error()
		return res
	}

	wf, loadErr := s.loader.Build(ctx, staged.Path)

	final, err := s.materializer.Commit(staged.Path, id)
	if err != nil {
		s.materializer.Discard(staged.Path)
		log.Error("Failed to commit project", "id", id, "err", err)
		res.Status = store.StatusError
		res.Message = err.Error()
		return res
	}
	res.Logs = append(res.Logs, "Project written to: "+final)
	res.Status = store.StatusGenerated

	if loadErr != nil {
		log.Error("Failed to load workflow", "id", id, "err", loadErr)
		s.cache.Evict(id)
		res.Message = LoadFailedMessage
		return res
	}
	s.cache.Store(id, wf)
	log.Info("Workflow compiled", "id", id, "entry", wf.Entry())
	return res
}

func (s *Service) record(ctx context.Context, def common.GraphDefinition, res Result) {
	if s.store == nil {
		return
	}
	err := s.store.Upsert(ctx, store.Workflow{
		ID:         res.ID,
		Status:     res.Status,
		Message:    res.Message,
		Definition: def,
	})
	if err != nil {
		log.Warn("Failed to record compile result", "id", res.ID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.events == nil {
		return
	}
	ev.Origin = s.instance
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Warn("Failed to publish workflow event", "id", ev.ID, "err", err)
	}
}

// Enqueue hands def to the compile worker and records it as queued.
func (s *Service) Enqueue(ctx context.Context, def common.GraphDefinition) (Result, error) {
	if err := common.ValidateID(def.ID); err != nil {
		return Result{ID: def.ID}, err
	}
	if s.dispatcher == nil {
		return Result{ID: def.ID}, ErrAsyncUnavailable
	}
	res := Result{ID: def.ID, Status: store.StatusQueued}
	s.record(ctx, def, res)
	if err := s.dispatcher.Dispatch(ctx, def); err != nil {
		if s.store != nil {
			_ = s.store.SetStatus(ctx, def.ID, store.StatusError, err.Error())
		}
		return Result{ID: def.ID}, fmt.Errorf("dispatch compile %s: %w", def.ID, err)
	}
	return res, nil
}

// Run sends one user message through the compiled workflow id.
func (s *Service) Run(ctx context.Context, id, message string) (string, error) {
	if err := common.ValidateID(id); err != nil {
		return "", err
	}
	wf, err := s.cache.GetOrLoad(ctx, id)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	out, err := engine.Invoke(ctx, wf, message)
	if err != nil {
		log.Error("Workflow execution failed", "id", id, "message", message, "err", err)
		return "", err
	}
	return out, nil
}

// Info describes what is known about one workflow.
type Info struct {
	ID       string          `json:"id"`
	Loaded   bool            `json:"loaded"`
	Record   *store.Workflow `json:"record,omitempty"`
	Entry    string          `json:"entry,omitempty"`
	Project  bool            `json:"project"`
}

func (s *Service) Get(ctx context.Context, id string) (Info, error) {
	if err := common.ValidateID(id); err != nil {
		return Info{}, err
	}
	info := Info{ID: id}
	if wf, ok := s.cache.Get(id); ok {
		info.Loaded = true
		info.Entry = wf.Entry()
	}
	if _, err := os.Stat(s.materializer.Dir(id)); err == nil {
		info.Project = true
	}
	if s.store != nil {
		rec, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			info.Record = &rec
		case !errors.Is(err, store.ErrNotFound):
			return Info{}, err
		}
	}
	if !info.Loaded && !info.Project && info.Record == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// Delete drops every copy of id: cache entry, project directory, mirror
// objects and the stored record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := common.ValidateID(id); err != nil {
		return err
	}
	lockCtx, release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock workflow %s: %w", id, err)
	}
	defer release()

	s.cache.Evict(id)
	if err := s.materializer.Remove(id); err != nil {
		return fmt.Errorf("remove project %s: %w", id, err)
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(lockCtx, id); err != nil {
			log.Warn("Failed to delete mirrored project", "id", id, "err", err)
		}
	}
	if s.store != nil {
		if err := s.store.Delete(lockCtx, id); err != nil {
			return err
		}
	}
	s.publish(lockCtx, Event{ID: id, Status: StatusDeleted})
	log.Info("Workflow deleted", "id", id)
	return nil
}

// HandleEvent drops the local cache entry for a workflow another replica
// changed. The next run loads it again.
func (s *Service) HandleEvent(ev Event) {
	if ev.Origin == s.instance || common.ValidateID(ev.ID) != nil {
		return
	}
	s.cache.Evict(ev.ID)
	log.Debug("Evicted workflow changed elsewhere", "id", ev.ID, "status", ev.Status)
}
