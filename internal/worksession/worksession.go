// Package worksession is the Work-Session Manager (§4.H): a long-lived,
// interactive worker the user can converse with outside the fixed pipeline
// stages. Interactive launch (stdin pipe, stdout decoded live) is grounded
// on internal/controller/docker_interactive.go's stdin-attached exec.Cmd;
// graceful-then-forced shutdown is grounded on internal/controller/
// shutdown.go's sync.Once staged sequence, narrowed to one session instead
// of the whole process.
package worksession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andywolf/pipewright/internal/audit"
	"github.com/andywolf/pipewright/internal/cloud/gcp"
	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/security"
	"github.com/andywolf/pipewright/internal/streambus"
	"github.com/andywolf/pipewright/internal/workerdriver"
)

// auditMessageLimit truncates an audit event's message before it is logged,
// matching internal/controller/audit.go's emitAuditEvents cap.
const auditMessageLimit = 2000

// AuditLogger receives security-audit events classified from a live
// session's tool_use output. gcp.LoggerInterface satisfies this directly,
// so main wires the daemon's own Cloud Logging logger straight through.
type AuditLogger interface {
	LogWithLabels(severity gcp.Severity, message string, extraLabels map[string]string)
}

// noopAuditLog is used until SetAuditLog is called.
type noopAuditLog struct{}

func (noopAuditLog) LogWithLabels(gcp.Severity, string, map[string]string) {}

// DefaultInactivityTimeout is how long a session may sit idle before it is
// killed and finalized.
const DefaultInactivityTimeout = 30 * time.Minute

// DefaultShutdownGrace is how long endSession waits for a graceful "/exit"
// before force-killing the worker.
const DefaultShutdownGrace = 5 * time.Second

// maxLineLength bounds the interactive stdout decoder's per-line buffer,
// guarding against a worker that never emits a newline.
const maxLineLength = 1 << 20 // 1 MiB

// Handle is one launched interactive worker. Implementations own the
// underlying process/container and must be safe for Stdin/Kill to be
// called while a goroutine reads Stdout.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done reports the worker's exit code once it terminates, by itself or
	// via Kill.
	Done() <-chan int
	Kill() error
}

// Launcher starts one worker in interactive mode.
type Launcher interface {
	LaunchInteractive(ctx context.Context, spec workerdriver.LaunchSpec) (Handle, error)
}

// Store is the subset of store.Gateway the Work-Session Manager needs.
type Store interface {
	CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error)
	CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error
}

// Config tunes session timing. Zero values fall back to defaults.
type Config struct {
	InactivityTimeout time.Duration
	ShutdownGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// session is one active WorkSession record. ready is closed once the
// session has either finished starting (runID/handle populated) or failed
// to start (startErr set); concurrent StartSession calls for the same
// thread key block on it instead of racing CreateAgentRun/LaunchInteractive.
type session struct {
	runID      string
	agentID    string
	projectID  string
	threadID   string
	featureID  string
	handle     Handle
	startedAt  time.Time
	lastActive time.Time

	ready    chan struct{}
	startErr error

	timer *time.Timer

	mu     sync.Mutex
	ending bool // true once endSession/cleanup has begun, suppresses the abnormal-exit path
}

// Manager tracks active WorkSessions keyed by (agentID, threadID) and by
// run ID.
type Manager struct {
	store    Store
	launcher Launcher
	bus      *streambus.Bus
	cfg      Config
	auditLog AuditLogger
	scrubber *security.Scrubber

	mu       sync.Mutex
	byThread map[string]*session // key: agentID + "/" + threadID
	byRun    map[string]*session
}

// New creates a Manager.
func New(store Store, launcher Launcher, bus *streambus.Bus, cfg Config) *Manager {
	return &Manager{
		store:    store,
		launcher: launcher,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		auditLog: noopAuditLog{},
		scrubber: security.NewScrubber(),
		byThread: make(map[string]*session),
		byRun:    make(map[string]*session),
	}
}

// SetAuditLog wires a Cloud Logging-backed AuditLogger (e.g. the daemon's
// gcp.LoggerInterface) so tool_use events in every live session are
// classified and logged for forensic visibility, the way
// internal/controller/audit.go's emitAuditEvents does per phase iteration.
// Passing nil restores the no-op default.
func (m *Manager) SetAuditLog(l AuditLogger) {
	if l == nil {
		l = noopAuditLog{}
	}
	m.auditLog = l
}

func threadKey(agentID, threadID string) string { return agentID + "/" + threadID }

// StartResult is the outcome of startSession.
type StartResult struct {
	RunID  string
	Status string // "created" or "existing"
}

// StartSession implements §4.H's startSession: reuse an existing session
// for (agentID, threadID) if one is live, otherwise create an AgentRun and
// launch a new interactive worker. The byThread slot is reserved under the
// lock before CreateAgentRun/LaunchInteractive run, so two concurrent calls
// for the same key can never both pass the check and both launch a worker;
// the loser blocks on the winner's session.ready instead.
func (m *Manager) StartSession(ctx context.Context, spec workerdriver.LaunchSpec, agentID, projectID, threadID string) (StartResult, error) {
	key := threadKey(agentID, threadID)

	m.mu.Lock()
	if existing, ok := m.byThread[key]; ok {
		m.mu.Unlock()
		<-existing.ready
		if existing.startErr != nil {
			return StartResult{}, existing.startErr
		}
		return StartResult{RunID: existing.runID, Status: "existing"}, nil
	}
	s := &session{
		agentID:   agentID,
		projectID: projectID,
		threadID:  threadID,
		featureID: spec.FeatureID,
		ready:     make(chan struct{}),
	}
	m.byThread[key] = s
	m.mu.Unlock()

	runID, err := m.store.CreateAgentRun(ctx, projectID, spec.FeatureID, spec.Role, agentID)
	if err != nil {
		s.startErr = fmt.Errorf("worksession: create agent run: %w", err)
		close(s.ready)
		m.mu.Lock()
		delete(m.byThread, key)
		m.mu.Unlock()
		return StartResult{}, s.startErr
	}

	h, err := m.launcher.LaunchInteractive(ctx, spec)
	if err != nil {
		_ = m.store.CompleteAgentRun(ctx, runID, domain.RunFailed, "", fmt.Sprintf("launch interactive worker: %v", err))
		s.startErr = fmt.Errorf("worksession: launch interactive worker: %w", err)
		close(s.ready)
		m.mu.Lock()
		delete(m.byThread, key)
		m.mu.Unlock()
		return StartResult{}, s.startErr
	}

	s.runID = runID
	s.handle = h
	s.startedAt = time.Now()
	s.lastActive = time.Now()

	m.mu.Lock()
	m.byRun[runID] = s
	m.mu.Unlock()
	close(s.ready)

	s.timer = time.AfterFunc(m.cfg.InactivityTimeout, func() { m.onInactivityTimeout(s) })

	go m.pump(s)
	go m.watchExit(s)

	return StartResult{RunID: runID, Status: "created"}, nil
}

// SendMessage implements §4.H's sendMessage: write to the session's stdin
// and reset its inactivity timer.
func (m *Manager) SendMessage(runID, text string) error {
	m.mu.Lock()
	s, ok := m.byRun[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("worksession: no session for run %s", runID)
	}

	if _, err := io.WriteString(s.handle.Stdin(), text+"\n"); err != nil {
		return fmt.Errorf("worksession: write stdin: %w", err)
	}
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.timer.Reset(m.cfg.InactivityTimeout)
	return nil
}

// EndSession implements §4.H's endSession: cancel the timer, attempt a
// graceful "/exit", wait up to ShutdownGrace, force-kill if still alive,
// and finalize the AgentRun as completed.
func (m *Manager) EndSession(runID string) error {
	m.mu.Lock()
	s, ok := m.byRun[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("worksession: no session for run %s", runID)
	}

	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.timer.Stop()

	_, _ = io.WriteString(s.handle.Stdin(), "/exit\n")

	select {
	case <-s.handle.Done():
		m.finalize(s, domain.RunCompleted, "completed")
	case <-time.After(m.cfg.ShutdownGrace):
		_ = s.handle.Kill()
		<-s.handle.Done()
		m.finalize(s, domain.RunCompleted, "completed (force-killed)")
	}
	m.remove(s)
	return nil
}

// Cleanup implements §4.H's cleanup(): EndSession on every active session,
// concurrently, all attempted even if some fail.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.byRun))
	for _, s := range m.byRun {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			_ = m.EndSession(s.runID)
		}(s)
	}
	wg.Wait()
}

func (m *Manager) onInactivityTimeout(s *session) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.mu.Unlock()

	_ = s.handle.Kill()
	<-s.handle.Done()
	m.finalize(s, domain.RunFailed, "timed out")
	m.bus.Emit(s.runID, streambus.Event{Kind: streambus.StreamError, Message: "Session timed out"})
	m.remove(s)
}

// watchExit observes the worker exiting on its own (not via EndSession or
// the inactivity timer) and finalizes the run accordingly.
func (m *Manager) watchExit(s *session) {
	code := <-s.handle.Done()

	s.mu.Lock()
	alreadyEnding := s.ending
	s.ending = true
	s.mu.Unlock()
	if alreadyEnding {
		return
	}

	s.timer.Stop()
	if code == 0 {
		m.finalize(s, domain.RunCompleted, "worker exited")
	} else {
		m.finalize(s, domain.RunFailed, fmt.Sprintf("worker exited with code %d", code))
		m.bus.Emit(s.runID, streambus.Event{Kind: streambus.StreamError, Message: fmt.Sprintf("worker exited with code %d", code)})
	}
	m.remove(s)
}

func (m *Manager) finalize(s *session, status domain.AgentRunStatus, reason string) {
	_ = m.store.CompleteAgentRun(context.Background(), s.runID, status, reason, "")
	m.bus.Emit(s.runID, streambus.Event{Kind: streambus.ThinkingEnd})
}

// ListSessions returns the run IDs of every live session owned by agentID.
// The Queue Manager uses an empty result to mean the agent is idle and
// ready to drain its next queued job.
func (m *Manager) ListSessions(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runIDs []string
	for _, s := range m.byRun {
		if s.agentID == agentID {
			runIDs = append(runIDs, s.runID)
		}
	}
	return runIDs
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byThread, threadKey(s.agentID, s.threadID))
	delete(m.byRun, s.runID)
}

// pump reads the worker's stdout line-by-line, decodes each line as one
// JSON event per §4.H's mapping table, and emits the corresponding Stream
// Bus event. Malformed lines are skipped silently, mirroring
// claudecode.ParseStreamJSON's per-line error handling.
func (m *Manager) pump(s *session) {
	scanner := bufio.NewScanner(s.handle.Stdout())
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}

		if raw.Type == "tool_use" {
			m.emitAuditEvents(s, raw)
		}

		for _, ev := range translate(raw) {
			if ev.Kind == streambus.Token {
				ev.Text = m.scrubber.Scrub(ev.Text)
			}
			m.bus.Emit(s.runID, ev)
		}
	}
}

// emitAuditEvents classifies a tool_use line into security-audit categories
// and logs each one with the same label set (audit_category, tool_name,
// task_id, agent) internal/controller/audit.go's emitAuditEvents attaches,
// truncating the message the same way.
func (m *Manager) emitAuditEvents(s *session, raw rawEvent) {
	for _, ev := range audit.ClassifyToolUse(raw.Name, raw.Input, s.agentID, s.featureID) {
		msg := ev.Message
		if len(msg) > auditMessageLimit {
			msg = msg[:auditMessageLimit]
		}
		m.auditLog.LogWithLabels(gcp.SeverityInfo, msg, map[string]string{
			"audit_category": string(ev.Category),
			"tool_name":      ev.ToolName,
			"task_id":        ev.TaskID,
			"agent":          ev.Agent,
		})
	}
}

// rawEvent is the line-oriented JSON shape the interactive CLI emits, per
// §4.H's mapping table.
type rawEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Delta   *rawDelta       `json:"delta,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
}

type rawDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// translate maps one decoded rawEvent to zero or more Stream Bus events per
// §4.H's table.
func translate(raw rawEvent) []streambus.Event {
	switch raw.Type {
	case "assistant":
		switch raw.Subtype {
		case "start":
			return []streambus.Event{{Kind: streambus.ThinkingStart}}
		case "end":
			return []streambus.Event{{Kind: streambus.ThinkingEnd}}
		}
	case "content_block_delta":
		if raw.Delta != nil && raw.Delta.Type == "text_delta" {
			return []streambus.Event{{Kind: streambus.Token, Text: raw.Delta.Text}}
		}
	case "tool_use":
		return []streambus.Event{{Kind: streambus.Token, Text: fmt.Sprintf("using tool %s(%s)", raw.Name, string(raw.Input))}}
	case "result":
		return []streambus.Event{
			{Kind: streambus.Token, Text: raw.Result},
			{Kind: streambus.ThinkingEnd},
		}
	}
	return nil
}
