package store

import (
	"context"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
)

// Gateway is the closed set of named persistence operations the control
// plane depends on. Every implementation (sqlstore, memstore) must preserve
// the CAS and ordering contracts documented per method; callers depend only
// on these contracts, never on how they are realized.
//
// Every method may fail with *TransientError (caller retries) or
// *PermanentError (caller surfaces and terminates the stage as failed).
type Gateway interface {
	// Projects

	ListActiveProjects(ctx context.Context) ([]domain.Project, error)

	// Features

	// ListReadyFeatures returns features in a project where the readiness
	// invariant (domain.Feature.IsReady) holds, ordered ascending by
	// priority with ties broken by older CreatedAt first.
	ListReadyFeatures(ctx context.Context, projectID string) ([]domain.Feature, error)
	GetFeature(ctx context.Context, featureID string) (domain.Feature, error)

	// ClaimFeature performs an atomic CAS from `pending` to `in_progress`.
	// Fails with *AlreadyClaimed if the feature is not `pending` at the time
	// of the attempt.
	ClaimFeature(ctx context.Context, featureID, agentIdentity string) error

	// MarkFeatureReviewReady transitions in_progress -> review_ready.
	// Fails with *InvalidTransition on violation.
	MarkFeatureReviewReady(ctx context.Context, featureID string) error

	// MarkFeatureFailing transitions in_progress -> failing.
	// Fails with *InvalidTransition on violation.
	MarkFeatureFailing(ctx context.Context, featureID string) error

	// TransitionReviewReadyToPassing transitions review_ready -> passing.
	// Fails with *InvalidTransition on violation.
	TransitionReviewReadyToPassing(ctx context.Context, featureID string) error

	// AgentRuns

	CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error)

	// UpdateAgentStatus is a best-effort, non-terminal status update.
	UpdateAgentStatus(ctx context.Context, runID string, status domain.AgentRunStatus) error

	// CompleteAgentRun writes the terminal status for a run. It must be
	// called at most once per run over the run's lifetime (ignoring retries
	// of the storage call itself).
	CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error

	GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error)

	// Messages

	CreateMessage(ctx context.Context, msg domain.AgentMessage) (string, error)
	ListMessages(ctx context.Context, runID string, since *time.Time, sender *domain.MessageSender) ([]domain.AgentMessage, error)
	ListMessagesByThread(ctx context.Context, threadID string, since *time.Time) ([]domain.AgentMessage, error)

	// Threads

	CreateThread(ctx context.Context, agentID, projectID, title string, mode domain.ThreadMode) (string, error)
	GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error)
	UpdateThread(ctx context.Context, threadID string, status domain.ThreadStatus) error

	// Queue

	// EnqueueJob inserts a QueueEntry; the store assigns a unique,
	// strictly-increasing position within the agent's queue per
	// domain.NextQueuePosition.
	EnqueueJob(ctx context.Context, entry domain.QueueEntry) (jobID string, position int, err error)

	// DequeueJob removes and returns the entry with minimum position among
	// status=queued, transitioning it to processing. Returns ok=false if
	// none exists.
	DequeueJob(ctx context.Context, agentID string) (entry domain.QueueEntry, ok bool, err error)

	PeekJob(ctx context.Context, agentID string) (entry domain.QueueEntry, ok bool, err error)
	RemoveJob(ctx context.Context, agentID, jobID string) error
	ReorderJob(ctx context.Context, agentID, jobID string, newPosition int) error
	ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error)
	MarkJobCompleted(ctx context.Context, agentID, jobID string) error
	MarkJobFailed(ctx context.Context, agentID, jobID, message string) error
}
