// Package memstore is an in-memory store.Gateway used by every other
// component's test suite. It is not persistent; state is lost on process
// exit, matching the control-plane's documented restart-and-rediscover
// semantics (spec.md §3, "Crash and restart").
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/store"
)

// Store is a mutex-guarded in-memory implementation of store.Gateway,
// structured the way container_pool.go guards its map of managed
// containers: one mutex, plain Go maps, no external dependency.
type Store struct {
	mu sync.Mutex

	projects map[string]domain.Project
	features map[string]domain.Feature
	runs     map[string]domain.AgentRun
	messages map[string]domain.AgentMessage // keyed by message ID
	threads  map[string]domain.AgentThread  // keyed by thread ID
	queue    map[string]domain.QueueEntry   // keyed by job ID

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		projects: make(map[string]domain.Project),
		features: make(map[string]domain.Feature),
		runs:     make(map[string]domain.AgentRun),
		messages: make(map[string]domain.AgentMessage),
		threads:  make(map[string]domain.AgentThread),
		queue:    make(map[string]domain.QueueEntry),
		now:      time.Now,
	}
}

// WithNowFunc overrides the time source, for deterministic tests.
func (s *Store) WithNowFunc(fn func() time.Time) *Store {
	s.now = fn
	return s
}

// SeedProject inserts a project directly, bypassing the Gateway contract.
// Intended for test setup only.
func (s *Store) SeedProject(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// SeedFeature inserts a feature directly. Intended for test setup only.
func (s *Store) SeedFeature(f domain.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.ID] = f
}

var _ store.Gateway = (*Store)(nil)

func (s *Store) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListReadyFeatures(ctx context.Context, projectID string) ([]domain.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]domain.FeatureStatus, len(s.features))
	for id, f := range s.features {
		statuses[id] = f.Status
	}

	var ready []domain.Feature
	for _, f := range s.features {
		if f.ProjectID != projectID {
			continue
		}
		if f.IsReady(statuses) {
			ready = append(ready, f)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

func (s *Store) GetFeature(ctx context.Context, featureID string) (domain.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[featureID]
	if !ok {
		return domain.Feature{}, &store.PermanentError{Op: "GetFeature", Err: errNotFound(featureID)}
	}
	return f, nil
}

func (s *Store) ClaimFeature(ctx context.Context, featureID, agentIdentity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return &store.PermanentError{Op: "ClaimFeature", Err: errNotFound(featureID)}
	}
	if f.Status != domain.FeaturePending {
		return &store.AlreadyClaimed{FeatureID: featureID}
	}
	f.Status = domain.FeatureInProgress
	f.AssignedAgent = agentIdentity
	f.UpdatedAt = s.now()
	s.features[featureID] = f
	return nil
}

func (s *Store) transitionFeature(featureID string, to domain.FeatureStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return &store.PermanentError{Op: "transitionFeature", Err: errNotFound(featureID)}
	}
	if !domain.ValidFeatureTransition(f.Status, to) {
		return &store.InvalidTransition{Entity: "feature", From: string(f.Status), To: string(to)}
	}
	f.Status = to
	f.UpdatedAt = s.now()
	s.features[featureID] = f
	return nil
}

func (s *Store) MarkFeatureReviewReady(ctx context.Context, featureID string) error {
	return s.transitionFeature(featureID, domain.FeatureReviewReady)
}

func (s *Store) MarkFeatureFailing(ctx context.Context, featureID string) error {
	return s.transitionFeature(featureID, domain.FeatureFailing)
}

func (s *Store) TransitionReviewReadyToPassing(ctx context.Context, featureID string) error {
	return s.transitionFeature(featureID, domain.FeaturePassing)
}

func (s *Store) CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	s.runs[id] = domain.AgentRun{
		ID:        id,
		ProjectID: projectID,
		FeatureID: featureID,
		AgentID:   agentID,
		Role:      role,
		Status:    domain.RunStarted,
		StartedAt: s.now(),
	}
	return id, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, runID string, status domain.AgentRunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &store.TransientError{Op: "UpdateAgentStatus", Err: errNotFound(runID)}
	}
	if r.Status.IsTerminal() {
		// Terminal status already written; non-terminal updates afterward are a no-op.
		return nil
	}
	r.Status = status
	s.runs[runID] = r
	return nil
}

func (s *Store) CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return &store.TransientError{Op: "CompleteAgentRun", Err: errNotFound(runID)}
	}
	if r.Status.IsTerminal() {
		// completeAgentRun is idempotent at the storage layer so retried
		// terminal writes (see Agent-Run Monitor §4.E) don't double-fire.
		return nil
	}
	now := s.now()
	r.Status = status
	r.EndedAt = &now
	r.Summary = summary
	r.ErrorMessage = errorMessage
	s.runs[runID] = r
	return nil
}

func (s *Store) GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.AgentRun{}, &store.PermanentError{Op: "GetAgentRun", Err: errNotFound(runID)}
	}
	return r, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg domain.AgentMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	msg.ID = id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.messages[id] = msg
	return id, nil
}

func (s *Store) ListMessages(ctx context.Context, runID string, since *time.Time, sender *domain.MessageSender) ([]domain.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AgentMessage
	for _, m := range s.messages {
		if m.RunID != runID {
			continue
		}
		if since != nil && !m.Timestamp.After(*since) {
			continue
		}
		if sender != nil && m.Sender != *sender {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) ListMessagesByThread(ctx context.Context, threadID string, since *time.Time) ([]domain.AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AgentMessage
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if since != nil && !m.Timestamp.After(*since) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) CreateThread(ctx context.Context, agentID, projectID, title string, mode domain.ThreadMode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := s.now()
	s.threads[id] = domain.AgentThread{
		ID:        id,
		AgentID:   agentID,
		ProjectID: projectID,
		Title:     title,
		Mode:      mode,
		Status:    domain.ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *Store) GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || t.AgentID != agentID {
		return domain.AgentThread{}, &store.PermanentError{Op: "GetThread", Err: errNotFound(threadID)}
	}
	return t, nil
}

func (s *Store) UpdateThread(ctx context.Context, threadID string, status domain.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return &store.PermanentError{Op: "UpdateThread", Err: errNotFound(threadID)}
	}
	t.Status = status
	t.UpdatedAt = s.now()
	s.threads[threadID] = t
	return nil
}

func (s *Store) maxQueuePosition(agentID string) int {
	max := 0
	for _, q := range s.queue {
		if q.AgentID == agentID && q.Position > max {
			max = q.Position
		}
	}
	return max
}

func (s *Store) EnqueueJob(ctx context.Context, entry domain.QueueEntry) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	entry.ID = id
	entry.Status = domain.QueueQueued
	entry.Position = domain.NextQueuePosition(s.maxQueuePosition(entry.AgentID))
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = s.now()
	}
	s.queue[id] = entry
	return id, entry.Position, nil
}

func (s *Store) DequeueJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.QueueEntry
	for id, q := range s.queue {
		if q.AgentID != agentID || q.Status != domain.QueueQueued {
			continue
		}
		if best == nil || q.Position < best.Position {
			entryCopy := s.queue[id]
			best = &entryCopy
		}
	}
	if best == nil {
		return domain.QueueEntry{}, false, nil
	}
	best.Status = domain.QueueProcessing
	s.queue[best.ID] = *best
	return *best, true, nil
}

func (s *Store) PeekJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.QueueEntry
	for id, q := range s.queue {
		if q.AgentID != agentID || q.Status != domain.QueueQueued {
			continue
		}
		if best == nil || q.Position < best.Position {
			entryCopy := s.queue[id]
			best = &entryCopy
		}
	}
	if best == nil {
		return domain.QueueEntry{}, false, nil
	}
	return *best, true, nil
}

func (s *Store) RemoveJob(ctx context.Context, agentID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[jobID]
	if !ok || q.AgentID != agentID {
		return &store.PermanentError{Op: "RemoveJob", Err: errNotFound(jobID)}
	}
	delete(s.queue, jobID)
	return nil
}

func (s *Store) ReorderJob(ctx context.Context, agentID, jobID string, newPosition int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[jobID]
	if !ok || q.AgentID != agentID {
		return &store.PermanentError{Op: "ReorderJob", Err: errNotFound(jobID)}
	}
	q.Position = newPosition
	s.queue[jobID] = q
	return nil
}

func (s *Store) ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.QueueEntry
	for _, q := range s.queue {
		if q.AgentID == agentID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, agentID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[jobID]
	if !ok || q.AgentID != agentID {
		return &store.PermanentError{Op: "MarkJobCompleted", Err: errNotFound(jobID)}
	}
	q.Status = domain.QueueCompleted
	s.queue[jobID] = q
	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, agentID, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[jobID]
	if !ok || q.AgentID != agentID {
		return &store.PermanentError{Op: "MarkJobFailed", Err: errNotFound(jobID)}
	}
	q.Status = domain.QueueFailed
	q.FailureNote = message
	s.queue[jobID] = q
	return nil
}
