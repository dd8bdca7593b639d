// Package watcher is the Feature Watcher (§4.G): a single periodic,
// non-overlapping loop, grounded on internal/controller/resource_monitor.go's
// ticker-with-ctx.Done() shape. It discovers ready features, acquires a
// Concurrency Manager slot, and spawns a Pipeline Engine run for each.
// Readiness and priority/createdAt ordering are resolved by the Store
// (store.Gateway.ListReadyFeatures) the way
// internal/controller/dependencies.go resolves a topological order and
// internal/controller/blocked_by.go resolves open-dependency gating,
// adapted here from "block on open issues" to "ready iff every dependency
// is passing."
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/pipeline"
)

// DefaultInterval is the loop's default tick period.
const DefaultInterval = 30 * time.Second

// Store is the subset of store.Gateway the Watcher needs.
type Store interface {
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
	ListReadyFeatures(ctx context.Context, projectID string) ([]domain.Feature, error)
}

// Concurrency is the subset of *concurrency.Manager the Watcher needs.
type Concurrency interface {
	CanStart(projectID string, cap int) bool
	Acquire(projectID, featureID string) (domain.PipelineSlot, error)
	IsActive(projectID, featureID string) bool
	Release(projectID, featureID string)
}

// PipelineRunner runs the four-stage pipeline for one feature. Satisfied by
// *pipeline.Engine; an interface so tests can script outcomes.
type PipelineRunner interface {
	Run(ctx context.Context, spec pipeline.RunSpec) pipeline.Result
}

// Config tunes the Watcher. AutoDispatch, when false, puts the Watcher in
// observability-only mode: it still runs the discovery loop and logs what
// it would have dispatched, but never acquires a slot or spawns a
// Pipeline. This gates only the Watcher's own admission path; it never
// affects the Queue Manager's independent auto-drain (§4.I).
type Config struct {
	Interval     time.Duration // default 30s
	AutoDispatch bool
	// WorkspaceRoot is the parent directory under which each dispatched
	// pipeline gets its own per-feature subdirectory.
	WorkspaceRoot string
	// AgentIdentity tags AgentRuns created by dispatched pipelines.
	AgentIdentity string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Logger is the minimal logging surface the Watcher uses for best-effort
// diagnostics; store-query failures are logged and the loop continues.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Watcher runs the discovery loop.
type Watcher struct {
	store  Store
	conc   Concurrency
	runner PipelineRunner
	cfg    Config
	log    Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	wg sync.WaitGroup // tracks in-flight pipeline dispatches
}

// New creates a Watcher. log may be nil, in which case diagnostics are
// discarded.
func New(store Store, conc Concurrency, runner PipelineRunner, cfg Config, log Logger) *Watcher {
	if log == nil {
		log = noopLogger{}
	}
	return &Watcher{
		store:  store,
		conc:   conc,
		runner: runner,
		cfg:    cfg.withDefaults(),
		log:    log,
	}
}

// Start begins the periodic loop in a background goroutine. Idempotent:
// calling Start while already running is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	go w.loop(loopCtx)
}

// Stop cancels the ticker loop. It does not interrupt in-flight Pipeline
// dispatches; callers that need to wait for those to drain should use Wait.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.running = false
}

// Wait blocks until every dispatched Pipeline has released its slot.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	// A tick is skipped if the previous one is still running, so the loop
	// never overlaps itself: tick() runs synchronously within the select.
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one full discovery pass across every active project.
func (w *Watcher) tick(ctx context.Context) {
	projects, err := w.store.ListActiveProjects(ctx)
	if err != nil {
		w.log.Printf("watcher: list active projects: %v", err)
		return
	}

	for _, p := range projects {
		if p.RepositoryURL == "" {
			continue
		}
		w.tickProject(ctx, p)
	}
}

func (w *Watcher) tickProject(ctx context.Context, p domain.Project) {
	if !w.conc.CanStart(p.ID, p.ConcurrencyCap) {
		return
	}

	features, err := w.store.ListReadyFeatures(ctx, p.ID)
	if err != nil {
		w.log.Printf("watcher: list ready features for project %s: %v", p.ID, err)
		return
	}

	for _, f := range features {
		if !w.conc.CanStart(p.ID, p.ConcurrencyCap) {
			return
		}
		if w.conc.IsActive(p.ID, f.ID) {
			continue
		}
		w.dispatch(ctx, p, f)
	}
}

// dispatch acquires a slot and spawns the Pipeline asynchronously, or, in
// AutoDispatch=false mode, only logs what it would have dispatched.
func (w *Watcher) dispatch(ctx context.Context, p domain.Project, f domain.Feature) {
	if !w.cfg.AutoDispatch {
		w.log.Printf("watcher: auto-dispatch disabled, skipping feature %s (project %s)", f.ID, p.ID)
		return
	}

	if _, err := w.conc.Acquire(p.ID, f.ID); err != nil {
		w.log.Printf("watcher: acquire slot for feature %s: %v", f.ID, err)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// The slot is released unconditionally, regardless of success or
		// panic, so one crashed pipeline never starves the project's
		// concurrency cap.
		defer w.conc.Release(p.ID, f.ID)
		defer func() {
			if r := recover(); r != nil {
				w.log.Printf("watcher: pipeline for feature %s panicked: %v", f.ID, r)
			}
		}()

		spec := pipeline.RunSpec{
			ProjectID:     p.ID,
			FeatureID:     f.ID,
			FeatureName:   f.Name,
			FeatureDesc:   f.Description,
			RepoURL:       p.RepositoryURL,
			BaseBranch:    p.DefaultBranch,
			WorkspaceRoot: filepath.Join(w.cfg.WorkspaceRoot, p.ID, f.ID),
			AgentIdentity: w.cfg.AgentIdentity,
		}
		w.runner.Run(ctx, spec)
	}()
}
