// Package pipeline is the Pipeline Engine (§4.F): drives one feature through
// the fixed architect -> coder -> [reviewer <-> coder] -> tester -> finalize
// sequence. Stage sequencing and the reviewer request-changes loop are
// grounded on internal/controller/phase_loop.go's iteration/skip-condition
// machinery and internal/controller/reviewer.go's per-stage session
// construction, re-expressed around the spec's exit-code verdict (0/2/other)
// in place of the teacher's free-text judge.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/memory"
	"github.com/andywolf/pipewright/internal/observability"
	"github.com/andywolf/pipewright/internal/routing"
	"github.com/andywolf/pipewright/internal/workerdriver"
)

// Config tunes retry and review-cycle bounds. Zero values fall back to the
// spec's defaults.
type Config struct {
	MaxStepRetries  int // default 1
	MaxReviewCycles int // default 1
}

func (c Config) withDefaults() Config {
	if c.MaxStepRetries <= 0 {
		c.MaxStepRetries = 1
	}
	if c.MaxReviewCycles <= 0 {
		c.MaxReviewCycles = 1
	}
	return c
}

// Store is the subset of store.Gateway the Pipeline needs. Kept narrow, as
// monitor.Store is, so tests can fake it and store.Gateway satisfies it
// structurally.
type Store interface {
	GetFeature(ctx context.Context, featureID string) (domain.Feature, error)
	CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error)
	UpdateAgentStatus(ctx context.Context, runID string, status domain.AgentRunStatus) error
	CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error
	GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error)
	CreateMessage(ctx context.Context, msg domain.AgentMessage) (string, error)
	ListMessages(ctx context.Context, runID string, since *time.Time, sender *domain.MessageSender) ([]domain.AgentMessage, error)
	MarkFeatureReviewReady(ctx context.Context, featureID string) error
	MarkFeatureFailing(ctx context.Context, featureID string) error
}

// Monitor is the subset of *monitor.Monitor the Pipeline needs, kept as an
// interface so tests can script terminal outcomes without a real worker.
type Monitor interface {
	Run(ctx context.Context, runID string, role domain.AgentRole, h workerdriver.Handle) MonitorResult
}

// MonitorResult mirrors monitor.Result; the Pipeline depends on this shape
// rather than the monitor package directly, so a test double needs only
// this struct.
type MonitorResult struct {
	Status     domain.AgentRunStatus
	ExitCode   *int
	StopReason string
}

// SyncHook is the External-System Sync Hook (§4.J), notified between
// stages and at finalization. Best-effort: the Pipeline never fails a
// feature because the hook failed.
type SyncHook interface {
	NotifyStageComplete(ctx context.Context, featureID string, role domain.AgentRole, status domain.AgentRunStatus) error
	NotifyFinalized(ctx context.Context, featureID string, succeeded bool, prURL, message string) error
}

// noopSyncHook is used when the caller wires no sync hook.
type noopSyncHook struct{}

func (noopSyncHook) NotifyStageComplete(context.Context, string, domain.AgentRole, domain.AgentRunStatus) error {
	return nil
}
func (noopSyncHook) NotifyFinalized(context.Context, string, bool, string, string) error { return nil }

// Launcher launches a worker for a stage. The Pipeline does not depend on
// workerdriver.Driver directly so it can be handed either the container or
// process variant interchangeably, per the "two variants share one
// contract" requirement.
type Launcher interface {
	Launch(ctx context.Context, spec workerdriver.LaunchSpec) (workerdriver.Handle, error)
}

// Engine runs the four-stage pipeline for one feature at a time. One Engine
// instance is reused across features; it holds no per-feature state between
// calls to Run.
type Engine struct {
	store    Store
	launcher Launcher
	monitor  Monitor
	router   *routing.Router
	hook     SyncHook
	tracer   observability.Tracer
	cfg      Config
	now      func() time.Time
}

// New creates an Engine. hook and router may be nil; nil hook becomes a
// no-op, nil router disables adapter/model override resolution.
func New(store Store, launcher Launcher, mon Monitor, router *routing.Router, hook SyncHook, cfg Config) *Engine {
	if hook == nil {
		hook = noopSyncHook{}
	}
	return &Engine{
		store:    store,
		launcher: launcher,
		monitor:  mon,
		router:   router,
		hook:     hook,
		tracer:   &observability.NoOpTracer{},
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// WithTracer attaches an observability.Tracer (e.g. a LangfuseTracer) that
// records one trace per Run call, one span per pipeline stage, and one
// generation per stage attempt. Passing nil restores the no-op tracer.
func (e *Engine) WithTracer(t observability.Tracer) *Engine {
	if t == nil {
		t = &observability.NoOpTracer{}
	}
	e.tracer = t
	return e
}

// Result is the outcome of running the full pipeline for one feature.
type Result struct {
	Succeeded bool
	FailedAt  domain.AgentRole
	Reason    string
}

// RunSpec carries the fixed-per-feature inputs a stage launch needs.
type RunSpec struct {
	ProjectID     string
	FeatureID     string
	FeatureName   string
	FeatureDesc   string
	RepoURL       string
	BaseBranch    string
	WorkspaceRoot string // parent dir; each stage gets its own subdirectory
	AgentIdentity string
	StageCommand  func(role domain.AgentRole) []string
}

// stageOutcome is the internal result of one runStageWithRetry call.
type stageOutcome struct {
	runID      string
	status     domain.AgentRunStatus
	exitCode   *int
	stopReason string
}

func (o stageOutcome) succeeded() bool { return o.status == domain.RunCompleted }

// Run drives spec.FeatureID through architect -> coder -> [reviewer <->
// coder] -> tester -> finalize, returning once the feature reaches
// review_ready or failing.
func (e *Engine) Run(ctx context.Context, spec RunSpec) Result {
	trace := e.tracer.StartTrace(spec.FeatureID, observability.TraceOptions{
		Workflow:   "pipeline",
		Repository: spec.RepoURL,
		SessionID:  spec.FeatureID,
	})
	result := e.run(ctx, spec, trace)

	status := "completed"
	if !result.Succeeded {
		status = "failed"
	}
	e.tracer.CompleteTrace(trace, observability.CompleteOptions{Status: status})
	return result
}

func (e *Engine) run(ctx context.Context, spec RunSpec, trace observability.TraceContext) Result {
	architect := e.runStageWithRetry(ctx, spec, domain.RoleArchitect, "", trace)
	if !architect.succeeded() {
		return e.fail(ctx, spec, domain.RoleArchitect, architect)
	}

	coder := e.runStageWithRetry(ctx, spec, domain.RoleCoder, architect.runID, trace)
	if !coder.succeeded() {
		return e.fail(ctx, spec, domain.RoleCoder, coder)
	}

	tester, failedRole, failedOutcome, ok := e.reviewCycle(ctx, spec, coder, trace)
	if !ok {
		return e.fail(ctx, spec, failedRole, failedOutcome)
	}

	if !tester.succeeded() {
		return e.fail(ctx, spec, domain.RoleTester, tester)
	}

	return e.finalizeSuccess(ctx, spec, tester)
}

// reviewCycle runs the reviewer against the coder's output, looping coder ->
// reviewer up to cfg.MaxReviewCycles times on a request-changes verdict,
// then always runs the tester (the backstop). ok is false if a stage
// terminally failed (as opposed to exhausting review cycles, which is not a
// failure). prior is the most recent stage outcome, whose run carries any
// context accumulated since.
func (e *Engine) reviewCycle(ctx context.Context, spec RunSpec, prior stageOutcome, trace observability.TraceContext) (tester stageOutcome, failedRole domain.AgentRole, failedOutcome stageOutcome, ok bool) {
	for cycle := 0; ; cycle++ {
		reviewer := e.runStageWithRetry(ctx, spec, domain.RoleReviewer, prior.runID, trace)

		verdict := reviewVerdict(reviewer)
		switch verdict {
		case verdictApprove:
			t := e.runStageWithRetry(ctx, spec, domain.RoleTester, reviewer.runID, trace)
			return t, "", stageOutcome{}, true

		case verdictRequestChanges:
			if cycle >= e.cfg.MaxReviewCycles {
				// Exhausted: proceed to tester anyway, the backstop.
				t := e.runStageWithRetry(ctx, spec, domain.RoleTester, reviewer.runID, trace)
				return t, "", stageOutcome{}, true
			}
			recoded := e.runStageWithRetry(ctx, spec, domain.RoleCoder, reviewer.runID, trace)
			if !recoded.succeeded() {
				return stageOutcome{}, domain.RoleCoder, recoded, false
			}
			prior = recoded
			continue

		default: // verdictError
			return stageOutcome{}, domain.RoleReviewer, reviewer, false
		}
	}
}

// verdict classifies a reviewer stage's exit code per §4.F.
type verdict int

const (
	verdictApprove verdict = iota
	verdictRequestChanges
	verdictError
)

func reviewVerdict(o stageOutcome) verdict {
	if !o.succeeded() {
		// A non-zero exit that isn't the request-changes code 2 is a
		// reviewer error, handled like any failed stage.
		if o.exitCode != nil && *o.exitCode == 2 {
			return verdictRequestChanges
		}
		return verdictError
	}
	return verdictApprove
}

// runStageWithRetry implements the per-stage algorithm of §4.F: create an
// AgentRun, launch a worker, drive it to terminal via the Monitor, and retry
// on failure up to cfg.MaxStepRetries times.
func (e *Engine) runStageWithRetry(ctx context.Context, spec RunSpec, role domain.AgentRole, priorRunID string, trace observability.TraceContext) stageOutcome {
	e.accumulateContext(ctx, spec, role, priorRunID)

	phaseStart := e.now()
	span := e.tracer.StartPhase(trace, string(role), observability.SpanOptions{MaxIterations: e.cfg.MaxStepRetries + 1})

	var last stageOutcome
	for attempt := 0; attempt <= e.cfg.MaxStepRetries; attempt++ {
		attemptStart := e.now()
		runID, err := e.store.CreateAgentRun(ctx, spec.ProjectID, spec.FeatureID, role, spec.AgentIdentity)
		if err != nil {
			last = stageOutcome{status: domain.RunFailed, stopReason: fmt.Sprintf("create agent run: %v", err)}
			e.recordAttempt(span, role, last, attemptStart)
			continue
		}

		workspace := filepath.Join(spec.WorkspaceRoot, string(role))
		_ = os.MkdirAll(workspace, 0o755)

		var command []string
		if spec.StageCommand != nil {
			command = spec.StageCommand(role)
		}

		launchSpec := workerdriver.LaunchSpec{
			Role:               role,
			ProjectID:          spec.ProjectID,
			FeatureID:          spec.FeatureID,
			FeatureName:        spec.FeatureName,
			FeatureDescription: spec.FeatureDesc,
			RepoURL:            spec.RepoURL,
			BaseBranch:         spec.BaseBranch,
			Workspace:          workspace,
			Command:            command,
			Env:                e.stageEnv(role),
		}

		h, err := e.launcher.Launch(ctx, launchSpec)
		if err != nil {
			last = stageOutcome{runID: runID, status: domain.RunFailed, stopReason: fmt.Sprintf("launch: %v", err)}
			_ = e.store.CompleteAgentRun(ctx, runID, domain.RunFailed, "", last.stopReason)
			e.recordAttempt(span, role, last, attemptStart)
			continue
		}

		res := e.monitor.Run(ctx, runID, role, h)
		last = stageOutcome{runID: runID, status: res.Status, exitCode: res.ExitCode, stopReason: res.StopReason}
		e.recordAttempt(span, role, last, attemptStart)
		e.recordMemorySignals(workspace, attempt+1, spec.FeatureID)

		_ = e.hook.NotifyStageComplete(ctx, spec.FeatureID, role, res.Status)

		if last.succeeded() {
			break
		}
	}

	endStatus := "completed"
	if !last.succeeded() {
		endStatus = "failed"
	}
	e.tracer.EndPhase(span, endStatus, e.now().Sub(phaseStart).Milliseconds())
	return last
}

// recordAttempt records one stage attempt as a Generation on span, named
// after the stage's role the way phase_loop_iteration.go names each
// worker/reviewer/judge invocation it records to Langfuse.
func (e *Engine) recordAttempt(span observability.SpanContext, role domain.AgentRole, outcome stageOutcome, attemptStart time.Time) {
	status := "completed"
	if !outcome.succeeded() {
		status = "error"
	}
	e.tracer.RecordGeneration(span, observability.GenerationInput{
		Name:       roleTitle(role),
		Output:     outcome.stopReason,
		Status:     status,
		DurationMs: e.now().Sub(attemptStart).Milliseconds(),
	})
}

// roleTitle capitalizes role's first letter for display in tracer spans
// ("architect" -> "Architect"), since domain.AgentRole values are lowercase.
func roleTitle(role domain.AgentRole) string {
	s := string(role)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// stageEnv resolves the adapter/model override for role via the Router,
// exactly as reviewer.go resolves REVIEW-phase overrides, and surfaces it as
// environment variables the worker's adapter shim reads.
func (e *Engine) stageEnv(role domain.AgentRole) map[string]string {
	if e.router == nil || !e.router.IsConfigured() {
		return nil
	}
	cfg := e.router.ModelForPhase(strings.ToUpper(string(role)))
	env := make(map[string]string)
	if cfg.Adapter != "" {
		env["PIPEWRIGHT_ADAPTER"] = cfg.Adapter
	}
	if cfg.Model != "" {
		env["PIPEWRIGHT_MODEL"] = cfg.Model
	}
	return env
}

// accumulateContext polls for new user messages posted to the previous
// stage's run and appends them, together with the previous stage's recorded
// memory.Entry signals, to .pipewright/context.md in the upcoming stage's
// workspace. This has no effect on stage outcome; it exists so later stages
// (and tests) can observe what was said and learned between stages.
// priorRunID is empty for the first stage (architect), which has no
// predecessor.
func (e *Engine) accumulateContext(ctx context.Context, spec RunSpec, role domain.AgentRole, priorRunID string) {
	if priorRunID == "" {
		return
	}

	sender := domain.SenderUser
	msgs, _ := e.store.ListMessages(ctx, priorRunID, nil, &sender)

	memoryContext := ""
	if priorRun, err := e.store.GetAgentRun(ctx, priorRunID); err == nil {
		priorWorkspace := filepath.Join(spec.WorkspaceRoot, string(priorRun.Role))
		memStore := memory.NewStore(priorWorkspace, memory.Config{})
		if memStore.Load() == nil {
			memoryContext = memStore.BuildContext(spec.FeatureID)
		}
	}

	if len(msgs) == 0 && memoryContext == "" {
		return
	}

	workspace := filepath.Join(spec.WorkspaceRoot, string(role))
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return
	}

	dir := filepath.Join(workspace, ".pipewright")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	var b strings.Builder
	b.WriteString("# context for next stage\n\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Timestamp.Format(time.RFC3339), m.Content)
	}
	if memoryContext != "" {
		b.WriteString("\n")
		b.WriteString(memoryContext)
	}
	_ = os.WriteFile(filepath.Join(dir, "context.md"), []byte(b.String()), 0o644)
}

// recordMemorySignals parses PIPEWRIGHT_MEMORY lines out of the stage's
// captured stdout (written by the process driver; a no-op if absent, as with
// the container driver, whose output goes to the Docker daemon's log
// instead) and persists them to the stage workspace's memory store, the way
// phase_loop_iteration.go feeds memory.Store.Update after each iteration.
func (e *Engine) recordMemorySignals(workspace string, attempt int, featureID string) {
	data, err := os.ReadFile(filepath.Join(workspace, "stdout.log"))
	if err != nil {
		return
	}
	signals := memory.ParseSignals(string(data))
	if len(signals) == 0 {
		return
	}
	store := memory.NewStore(workspace, memory.Config{})
	_ = store.Load()
	store.Update(signals, attempt, featureID)
	_ = store.Save()
}

// fail finalizes the feature as failing: markFeatureFailing, complete the
// failed AgentRun with a descriptive error, and notify the sync hook.
func (e *Engine) fail(ctx context.Context, spec RunSpec, role domain.AgentRole, outcome stageOutcome) Result {
	reason := outcome.stopReason
	if reason == "" {
		reason = fmt.Sprintf("%s stage failed", role)
	}

	_ = e.store.MarkFeatureFailing(ctx, spec.FeatureID)
	if outcome.runID != "" {
		_ = e.store.CompleteAgentRun(ctx, outcome.runID, domain.RunFailed, "", reason)
	}
	_ = e.hook.NotifyFinalized(ctx, spec.FeatureID, false, "", fmt.Sprintf("%s: %s", role, reason))

	return Result{Succeeded: false, FailedAt: role, Reason: reason}
}

// finalizeSuccess marks the feature review_ready, posts a pr_ready message
// to the tester's run, and notifies the sync hook with no PR URL (the PR
// itself is the worker's responsibility; the hook only announces review
// readiness).
func (e *Engine) finalizeSuccess(ctx context.Context, spec RunSpec, tester stageOutcome) Result {
	if err := e.store.MarkFeatureReviewReady(ctx, spec.FeatureID); err != nil {
		return e.fail(ctx, spec, domain.RoleTester, stageOutcome{
			runID:      tester.runID,
			status:     domain.RunFailed,
			stopReason: fmt.Sprintf("mark review_ready: %v", err),
		})
	}

	_, _ = e.store.CreateMessage(ctx, domain.AgentMessage{
		RunID:     tester.runID,
		Sender:    domain.SenderSystem,
		Type:      domain.MessagePRReady,
		Role:      domain.RoleTester,
		Content:   "feature is ready for review",
		Timestamp: e.now(),
	})

	_ = e.hook.NotifyFinalized(ctx, spec.FeatureID, true, "", "")

	return Result{Succeeded: true}
}
