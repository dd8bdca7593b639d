// Command pipewright is the orchestrator daemon: it wires the Store,
// Concurrency Manager, Feature Watcher, Pipeline Engine, Work-Session
// Manager, Queue Manager, External-System Sync Hook, and the thin HTTP/SSE
// API surface into one running process, the way cmd/controller/main.go
// wires config -> controller -> signal-context -> run, generalized here
// from one VM session to a long-lived daemon serving many projects at
// once.
//
// The worker image/binary this daemon launches (the §6 worker entrypoint
// contract: clone, checkout, install, invoke the coding agent, push) is a
// separately-deployed artifact, not built by this repo; worker.command in
// config points the daemon at it the way the teacher's controller points
// docker run at a pre-built image.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andywolf/pipewright/internal/api"
	"github.com/andywolf/pipewright/internal/cloud/gcp"
	"github.com/andywolf/pipewright/internal/concurrency"
	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/github"
	"github.com/andywolf/pipewright/internal/monitor"
	"github.com/andywolf/pipewright/internal/pipeline"
	"github.com/andywolf/pipewright/internal/queue"
	"github.com/andywolf/pipewright/internal/routing"
	"github.com/andywolf/pipewright/internal/store"
	"github.com/andywolf/pipewright/internal/store/memstore"
	"github.com/andywolf/pipewright/internal/store/sqlstore"
	"github.com/andywolf/pipewright/internal/streambus"
	"github.com/andywolf/pipewright/internal/synchook"
	"github.com/andywolf/pipewright/internal/version"
	"github.com/andywolf/pipewright/internal/watcher"
	"github.com/andywolf/pipewright/internal/workerdriver"
	"github.com/andywolf/pipewright/internal/workerdriver/container"
	"github.com/andywolf/pipewright/internal/workerdriver/interactive"
	"github.com/andywolf/pipewright/internal/workerdriver/process"
	"github.com/andywolf/pipewright/internal/worksession"
)

// gcpLogAdapter narrows gcp.LoggerInterface down to the Printf shape
// watcher.Logger, synchook.Logger, and queue.Logger each declare, the same
// way internal/controller adapts its CloudLogger to callers that only need
// a formatted line.
type gcpLogAdapter struct{ gcp.LoggerInterface }

func (l gcpLogAdapter) Printf(format string, args ...any) {
	l.LogInfo(fmt.Sprintf(format, args...))
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pipewright %s starting", version.Short())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gw, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	cloudLogger := gcp.NewLogger(context.Background(), cfg.ListenAddr, gcp.WithLabels(map[string]string{
		"component": "pipewright-daemon",
	}))
	defer cloudLogger.Close()
	logger := gcpLogAdapter{cloudLogger}
	logger.LogInfo(fmt.Sprintf("pipewright %s starting", version.Short()))

	bus := streambus.New()
	conc := concurrency.New()

	driver, interactiveLauncher := buildDrivers(cfg)

	mon := monitorAdapter{monitor.New(driver, gw, bus, monitor.Config{JournalDir: cfg.Monitor.JournalDir})}
	router := routing.NewRouter(nil)

	tokenSource, err := buildTokenSource(cfg)
	if err != nil {
		logger.LogWarning(fmt.Sprintf("github app token source unavailable, sync hook disabled: %v", err))
	}
	var resolver synchook.FeatureResolver
	if tokenSource != nil {
		resolver = storeFeatureResolver{store: gw}
	}
	hook := synchook.New(resolver, tokenSource, logger)

	engine := pipeline.New(gw, driver, mon, router, hook, pipeline.Config{})

	stageCommand := func(role domain.AgentRole) []string { return cfg.Worker.Command }
	runner := stageCommandRunner{engine: engine, command: stageCommand}

	watchInterval, err := time.ParseDuration(cfg.Watcher.Interval)
	if err != nil {
		logger.LogError(fmt.Sprintf("invalid watcher.interval %q: %v", cfg.Watcher.Interval, err))
		os.Exit(1)
	}
	w := watcher.New(gw, conc, runner, watcher.Config{
		Interval:      watchInterval,
		AutoDispatch:  cfg.Watcher.AutoDispatch,
		WorkspaceRoot: cfg.Watcher.WorkspaceRoot,
		AgentIdentity: cfg.Watcher.AgentIdentity,
	}, logger)

	sess := worksession.New(gw, interactiveLauncher, bus, worksession.Config{})
	sess.SetAuditLog(cloudLogger)

	q := queue.New(gw, storeProjectLookup{store: gw, tokens: tokenSource}, logger)
	q.SetWorkSessions(sess)

	apiServer := api.New(gw, conc, q, sess, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.LogInfo(fmt.Sprintf("received signal %v, shutting down", sig))
		cancel()
	}()

	w.Start(ctx)

	// Sweeps expired streambus topics every minute so SSE subscribers from
	// finished runs don't accumulate in memory for the life of the daemon.
	go bus.Run(ctx.Done(), time.Minute)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: apiServer}
	go func() {
		logger.LogInfo(fmt.Sprintf("api listening on %s", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogError(fmt.Sprintf("api server: %v", err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	w.Stop()
	w.Wait()
	sess.Cleanup()

	logger.LogInfo("pipewright stopped")
}

func openStore(cfg *Config) (store.Gateway, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(), func() {}, nil
	case "sqlite", "":
		db, err := sqlstore.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
}

// buildDrivers constructs the batch Worker Driver (used by the Pipeline
// Engine and its Monitor) and the interactive Launcher (used by the
// Work-Session Manager). Both variants satisfy workerdriver.Driver's
// Launch method signature, so the batch driver also satisfies
// pipeline.Launcher with no adapter.
func buildDrivers(cfg *Config) (*containerOrProcess, *interactive.Driver) {
	var d containerOrProcess
	switch cfg.Worker.Driver {
	case "container":
		d = containerOrProcess{container: container.New(cfg.Worker.Image)}
	default:
		d = containerOrProcess{process: process.New()}
	}
	return &d, interactive.New()
}

// containerOrProcess forwards to whichever concrete Driver was configured,
// so the rest of main only deals with one type regardless of which
// workerdriver variant is active.
type containerOrProcess struct {
	container *container.Driver
	process   *process.Driver
}

func (d *containerOrProcess) Launch(ctx context.Context, spec workerdriver.LaunchSpec) (workerdriver.Handle, error) {
	if d.container != nil {
		return d.container.Launch(ctx, spec)
	}
	return d.process.Launch(ctx, spec)
}

func (d *containerOrProcess) Poll(ctx context.Context, h workerdriver.Handle) (workerdriver.PollResult, error) {
	if d.container != nil {
		return d.container.Poll(ctx, h)
	}
	return d.process.Poll(ctx, h)
}

func (d *containerOrProcess) Terminate(ctx context.Context, h workerdriver.Handle, reason string) error {
	if d.container != nil {
		return d.container.Terminate(ctx, h, reason)
	}
	return d.process.Terminate(ctx, h, reason)
}

var _ workerdriver.Driver = (*containerOrProcess)(nil)

// monitorAdapter narrows *monitor.Monitor's Result (which also carries
// TimedOut/Cancelled, consumed elsewhere by the HTTP API) down to
// pipeline.MonitorResult's smaller shape, since pipeline depends on that
// shape rather than the monitor package directly.
type monitorAdapter struct{ m *monitor.Monitor }

func (a monitorAdapter) Run(ctx context.Context, runID string, role domain.AgentRole, h workerdriver.Handle) pipeline.MonitorResult {
	r := a.m.Run(ctx, runID, role, h)
	return pipeline.MonitorResult{Status: r.Status, ExitCode: r.ExitCode, StopReason: r.StopReason}
}

// stageCommandRunner adapts a *pipeline.Engine into watcher.PipelineRunner
// while injecting the configured per-role worker command, since
// watcher.Watcher builds RunSpec without one (it has no opinion on how a
// worker is invoked).
type stageCommandRunner struct {
	engine  *pipeline.Engine
	command func(role domain.AgentRole) []string
}

func (r stageCommandRunner) Run(ctx context.Context, spec pipeline.RunSpec) pipeline.Result {
	spec.StageCommand = r.command
	return r.engine.Run(ctx, spec)
}

// buildTokenSource constructs a synchook.TokenSource from GitHub App
// credentials, or returns nil if none are configured (disabling the Sync
// Hook entirely).
func buildTokenSource(cfg *Config) (synchook.TokenSource, error) {
	if cfg.GitHub.AppID == "" || cfg.GitHub.PrivateKeyPath == "" {
		return nil, nil
	}
	keyData, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read github private key: %w", err)
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(keyData)); err == nil {
		keyData = decoded
	}
	tm, err := github.NewTokenManager(cfg.GitHub.AppID, cfg.GitHub.InstallationID, keyData)
	if err != nil {
		return nil, fmt.Errorf("create token manager: %w", err)
	}
	return tokenManagerSource{tm: tm}, nil
}

type tokenManagerSource struct{ tm *github.TokenManager }

func (s tokenManagerSource) Token(ctx context.Context) (string, error) {
	return s.tm.Token()
}

// storeFeatureResolver implements synchook.FeatureResolver directly against
// store.Gateway, the same ListActiveProjects-scan pattern internal/api
// uses to resolve a project's concurrency cap.
type storeFeatureResolver struct {
	store store.Gateway
}

func (r storeFeatureResolver) ResolveIssue(ctx context.Context, featureID string) (repo, issueID, featureName string, err error) {
	feature, err := r.store.GetFeature(ctx, featureID)
	if err != nil {
		return "", "", "", err
	}
	if feature.IssueTrackerID == "" {
		return "", "", feature.Name, nil
	}
	projects, err := r.store.ListActiveProjects(ctx)
	if err != nil {
		return "", "", "", err
	}
	for _, p := range projects {
		if p.ID == feature.ProjectID {
			return p.IssueTrackerRepo, feature.IssueTrackerID, feature.Name, nil
		}
	}
	return "", "", feature.Name, nil
}

// storeProjectLookup implements queue.ProjectLookup against store.Gateway,
// reusing the configured GitHub App token as the issue-tracker credential
// since both point at the same repository host.
type storeProjectLookup struct {
	store  store.Gateway
	tokens synchook.TokenSource
}

func (l storeProjectLookup) RepositoryURL(ctx context.Context, projectID string) (string, error) {
	projects, err := l.store.ListActiveProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.ID == projectID {
			return p.RepositoryURL, nil
		}
	}
	return "", fmt.Errorf("project %s not found among active projects", projectID)
}

func (l storeProjectLookup) IssueTrackerToken(ctx context.Context, projectID string) (string, error) {
	if l.tokens == nil {
		return "", nil
	}
	return l.tokens.Token(ctx)
}
