// Package queue is the Queue Manager (§4.I): a per-agent FIFO queue of
// pending prompts that auto-drains onto the Work-Session Manager once an
// agent goes idle. Position bookkeeping (domain.QueueEntry,
// domain.NextQueuePosition) is spec-defined sparse-gap arithmetic, left
// entirely to the Store; this package only sequences enqueue/dequeue calls
// and decides when to drain, the way internal/controller/phase_loop.go
// sequences pipeline phases without owning their state itself.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/workerdriver"
	"github.com/andywolf/pipewright/internal/worksession"
)

// Store is the subset of store.Gateway the Queue Manager needs.
type Store interface {
	EnqueueJob(ctx context.Context, entry domain.QueueEntry) (jobID string, position int, err error)
	DequeueJob(ctx context.Context, agentID string) (entry domain.QueueEntry, ok bool, err error)
	PeekJob(ctx context.Context, agentID string) (entry domain.QueueEntry, ok bool, err error)
	RemoveJob(ctx context.Context, agentID, jobID string) error
	ReorderJob(ctx context.Context, agentID, jobID string, newPosition int) error
	ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error)
	MarkJobCompleted(ctx context.Context, agentID, jobID string) error
	MarkJobFailed(ctx context.Context, agentID, jobID, message string) error

	GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error)
	CreateThread(ctx context.Context, agentID, projectID, title string, mode domain.ThreadMode) (string, error)
}

// WorkSessions is the subset of *worksession.Manager the Queue Manager
// needs. An agent is idle iff ListSessions(agent) is empty. Satisfied
// structurally by *worksession.Manager with zero adapter code.
type WorkSessions interface {
	ListSessions(agentID string) []string
	StartSession(ctx context.Context, spec workerdriver.LaunchSpec, agentID, projectID, threadID string) (worksession.StartResult, error)
	SendMessage(runID, text string) error
}

// ProjectLookup resolves a project's repository URL and, if configured, an
// issue-tracker token for use while draining a job.
type ProjectLookup interface {
	RepositoryURL(ctx context.Context, projectID string) (string, error)
	IssueTrackerToken(ctx context.Context, projectID string) (string, error) // "" if unconfigured
}

// Logger is the minimal logging surface used for best-effort diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Manager sequences enqueue/dequeue against the Store and drains onto the
// Work-Session Manager once an agent is idle.
type Manager struct {
	store  Store
	lookup ProjectLookup
	log    Logger
	sess   WorkSessions
}

// New creates a Manager. sessions may be nil and supplied later via
// SetWorkSessions, breaking the Queue Manager / Work-Session Manager
// construction cycle per spec.md's "one-shot setter" note.
func New(store Store, lookup ProjectLookup, log Logger) *Manager {
	if log == nil {
		log = noopLogger{}
	}
	return &Manager{store: store, lookup: lookup, log: log}
}

// SetWorkSessions wires the Work-Session Manager in after both managers are
// constructed. Must be called exactly once before Enqueue/ProcessNext are
// used; calling it more than once overwrites the prior wiring.
func (m *Manager) SetWorkSessions(sess WorkSessions) {
	m.sess = sess
}

// Enqueue implements §4.I's enqueue: insert a QueueEntry via the store and,
// if the agent is currently idle, fire-and-forget a drain.
func (m *Manager) Enqueue(ctx context.Context, agentID, projectID, prompt string, by domain.QueuedBy, featureID string) (jobID string, position int, err error) {
	entry := domain.QueueEntry{
		AgentID:   agentID,
		ProjectID: projectID,
		Prompt:    prompt,
		QueuedBy:  by,
		FeatureID: featureID,
		Status:    domain.QueueQueued,
	}
	jobID, position, err = m.store.EnqueueJob(ctx, entry)
	if err != nil {
		return "", 0, fmt.Errorf("queue: enqueue: %w", err)
	}

	if m.isIdle(agentID) {
		go m.ProcessNext(context.Background(), agentID)
	}
	return jobID, position, nil
}

// Dequeue implements §4.I's dequeue.
func (m *Manager) Dequeue(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	return m.store.DequeueJob(ctx, agentID)
}

// Peek, Remove, Reorder, ListQueue are thin pass-throughs to the store.
func (m *Manager) Peek(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	return m.store.PeekJob(ctx, agentID)
}

func (m *Manager) Remove(ctx context.Context, agentID, jobID string) error {
	return m.store.RemoveJob(ctx, agentID, jobID)
}

func (m *Manager) Reorder(ctx context.Context, agentID, jobID string, newPosition int) error {
	return m.store.ReorderJob(ctx, agentID, jobID, newPosition)
}

func (m *Manager) ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error) {
	return m.store.ListQueue(ctx, agentID)
}

// GetQueueDepth returns the number of entries currently queued for agentID.
func (m *Manager) GetQueueDepth(ctx context.Context, agentID string) (int, error) {
	entries, err := m.store.ListQueue(ctx, agentID)
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, e := range entries {
		if e.Status == domain.QueueQueued {
			depth++
		}
	}
	return depth, nil
}

func (m *Manager) isIdle(agentID string) bool {
	if m.sess == nil {
		return false
	}
	return len(m.sess.ListSessions(agentID)) == 0
}

// ProcessNext implements §4.I's processNext: dequeue the next job, ensure a
// thread, resolve the project's repository and issue-tracker token, start a
// Work Session, and mark the job completed or failed.
func (m *Manager) ProcessNext(ctx context.Context, agentID string) {
	entry, ok, err := m.store.DequeueJob(ctx, agentID)
	if err != nil {
		m.log.Printf("queue: dequeue for agent %s: %v", agentID, err)
		return
	}
	if !ok {
		return
	}

	threadID, err := m.ensureThread(ctx, entry)
	if err != nil {
		m.log.Printf("queue: ensure thread for job %s: %v", entry.ID, err)
		_ = m.store.MarkJobFailed(ctx, agentID, entry.ID, err.Error())
		return
	}

	repoURL, issueToken, err := m.resolveProject(ctx, entry.ProjectID)
	if err != nil {
		m.log.Printf("queue: resolve project for job %s: %v", entry.ID, err)
		_ = m.store.MarkJobFailed(ctx, agentID, entry.ID, err.Error())
		return
	}

	if m.sess == nil {
		_ = m.store.MarkJobFailed(ctx, agentID, entry.ID, "work-session manager not wired")
		return
	}

	spec := workerdriver.LaunchSpec{
		ProjectID: entry.ProjectID,
		FeatureID: entry.FeatureID,
		RepoURL:   repoURL,
		Env:       map[string]string{"ISSUE_TRACKER_TOKEN": issueToken},
	}

	res, err := m.sess.StartSession(ctx, spec, agentID, entry.ProjectID, threadID)
	if err != nil {
		m.log.Printf("queue: start session for job %s: %v", entry.ID, err)
		_ = m.store.MarkJobFailed(ctx, agentID, entry.ID, err.Error())
		return
	}

	if res.Status == "created" {
		if err := m.sess.SendMessage(res.RunID, entry.Prompt); err != nil {
			m.log.Printf("queue: send prompt for job %s: %v", entry.ID, err)
			_ = m.store.MarkJobFailed(ctx, agentID, entry.ID, err.Error())
			return
		}
	}

	if err := m.store.MarkJobCompleted(ctx, agentID, entry.ID); err != nil {
		m.log.Printf("queue: mark job %s completed: %v", entry.ID, err)
	}
}

func (m *Manager) ensureThread(ctx context.Context, entry domain.QueueEntry) (string, error) {
	if entry.ThreadID != "" {
		if _, err := m.store.GetThread(ctx, entry.AgentID, entry.ThreadID); err == nil {
			return entry.ThreadID, nil
		}
	}
	title := titleFromPrompt(entry.Prompt)
	return m.store.CreateThread(ctx, entry.AgentID, entry.ProjectID, title, domain.ThreadWork)
}

func (m *Manager) resolveProject(ctx context.Context, projectID string) (repoURL, issueToken string, err error) {
	if m.lookup == nil {
		return "", "", nil
	}
	repoURL, err = m.lookup.RepositoryURL(ctx, projectID)
	if err != nil {
		return "", "", fmt.Errorf("resolve repository url: %w", err)
	}
	issueToken, _ = m.lookup.IssueTrackerToken(ctx, projectID)
	return repoURL, issueToken, nil
}

const titlePrefixLen = 60

func titleFromPrompt(prompt string) string {
	p := strings.TrimSpace(prompt)
	if len(p) <= titlePrefixLen {
		return p
	}
	return p[:titlePrefixLen] + "..."
}
