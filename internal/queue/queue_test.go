package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/workerdriver"
	"github.com/andywolf/pipewright/internal/worksession"
)

type fakeStore struct {
	mu        sync.Mutex
	seq       int
	entries   map[string][]domain.QueueEntry // by agent
	threads   map[string]domain.AgentThread
	failed    []string
	completed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string][]domain.QueueEntry{}, threads: map[string]domain.AgentThread{}}
}

func (s *fakeStore) EnqueueJob(ctx context.Context, entry domain.QueueEntry) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.ID = fmt.Sprintf("job-%d", s.seq)
	entry.Status = domain.QueueQueued
	max := 0
	for _, e := range s.entries[entry.AgentID] {
		if e.Position > max {
			max = e.Position
		}
	}
	entry.Position = domain.NextQueuePosition(max)
	s.entries[entry.AgentID] = append(s.entries[entry.AgentID], entry)
	return entry.ID, entry.Position, nil
}

func (s *fakeStore) DequeueJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[agentID]
	minIdx := -1
	for i, e := range list {
		if e.Status != domain.QueueQueued {
			continue
		}
		if minIdx == -1 || e.Position < list[minIdx].Position {
			minIdx = i
		}
	}
	if minIdx == -1 {
		return domain.QueueEntry{}, false, nil
	}
	list[minIdx].Status = domain.QueueProcessing
	s.entries[agentID] = list
	return list[minIdx], true, nil
}

func (s *fakeStore) PeekJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	return domain.QueueEntry{}, false, nil
}

func (s *fakeStore) RemoveJob(ctx context.Context, agentID, jobID string) error { return nil }

func (s *fakeStore) ReorderJob(ctx context.Context, agentID, jobID string, newPosition int) error {
	return nil
}

func (s *fakeStore) ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.QueueEntry(nil), s.entries[agentID]...), nil
}

func (s *fakeStore) MarkJobCompleted(ctx context.Context, agentID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
	s.setStatus(agentID, jobID, domain.QueueCompleted)
	return nil
}

func (s *fakeStore) MarkJobFailed(ctx context.Context, agentID, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, jobID)
	s.setStatus(agentID, jobID, domain.QueueFailed)
	return nil
}

func (s *fakeStore) setStatus(agentID, jobID string, status domain.QueueEntryStatus) {
	list := s.entries[agentID]
	for i, e := range list {
		if e.ID == jobID {
			list[i].Status = status
		}
	}
}

func (s *fakeStore) GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error) {
	if th, ok := s.threads[threadID]; ok {
		return th, nil
	}
	return domain.AgentThread{}, errors.New("not found")
}

func (s *fakeStore) CreateThread(ctx context.Context, agentID, projectID, title string, mode domain.ThreadMode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("thread-%d", len(s.threads)+1)
	s.threads[id] = domain.AgentThread{ID: id, AgentID: agentID, ProjectID: projectID, Mode: mode}
	return id, nil
}

type fakeLookup struct {
	repoURL string
	token   string
	err     error
}

func (l fakeLookup) RepositoryURL(ctx context.Context, projectID string) (string, error) {
	return l.repoURL, l.err
}

func (l fakeLookup) IssueTrackerToken(ctx context.Context, projectID string) (string, error) {
	return l.token, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	active   map[string][]string // agentID -> runIDs
	started  []workerdriver.LaunchSpec
	messages []string
	startErr error
	sendErr  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{active: map[string][]string{}}
}

func (f *fakeSessions) ListSessions(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[agentID]
}

func (f *fakeSessions) StartSession(ctx context.Context, spec workerdriver.LaunchSpec, agentID, projectID, threadID string) (worksession.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return worksession.StartResult{}, f.startErr
	}
	f.started = append(f.started, spec)
	runID := fmt.Sprintf("run-%d", len(f.started))
	f.active[agentID] = append(f.active[agentID], runID)
	return worksession.StartResult{RunID: runID, Status: "created"}, nil
}

func (f *fakeSessions) SendMessage(runID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, text)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestEnqueueDrainsImmediatelyWhenAgentIdle(t *testing.T) {
	store := newFakeStore()
	sess := newFakeSessions()
	m := New(store, fakeLookup{repoURL: "https://example.com/r.git"}, nil)
	m.SetWorkSessions(sess)

	jobID, pos, err := m.Enqueue(context.Background(), "agent-1", "proj-1", "do the thing", domain.QueuedByUser, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if jobID == "" || pos != domain.InitialQueuePosition {
		t.Fatalf("jobID=%q pos=%d", jobID, pos)
	}

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1
	})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.messages) != 1 || sess.messages[0] != "do the thing" {
		t.Fatalf("messages = %v", sess.messages)
	}
}

func TestEnqueueDoesNotDrainWhenAgentBusy(t *testing.T) {
	store := newFakeStore()
	sess := newFakeSessions()
	sess.active["agent-1"] = []string{"run-existing"}
	m := New(store, fakeLookup{}, nil)
	m.SetWorkSessions(sess)

	if _, _, err := m.Enqueue(context.Background(), "agent-1", "proj-1", "later", domain.QueuedByUser, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	depth, err := m.GetQueueDepth(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetQueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (job should remain queued while agent is busy)", depth)
	}
}

func TestProcessNextFailsJobWhenRepositoryLookupErrors(t *testing.T) {
	store := newFakeStore()
	sess := newFakeSessions()
	m := New(store, fakeLookup{err: errors.New("no such project")}, nil)
	m.SetWorkSessions(sess)

	if _, _, err := m.Enqueue(context.Background(), "agent-1", "proj-1", "x", domain.QueuedByUser, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failed) == 1
	})
}

func TestProcessNextReusesExistingThread(t *testing.T) {
	store := newFakeStore()
	store.threads["thread-1"] = domain.AgentThread{ID: "thread-1", AgentID: "agent-1"}
	sess := newFakeSessions()
	m := New(store, fakeLookup{repoURL: "https://x"}, nil)
	m.SetWorkSessions(sess)

	store.mu.Lock()
	store.seq++
	store.entries["agent-1"] = []domain.QueueEntry{{
		ID: "job-1", AgentID: "agent-1", ProjectID: "proj-1", Prompt: "hi",
		ThreadID: "thread-1", Status: domain.QueueQueued, Position: domain.InitialQueuePosition,
	}}
	store.mu.Unlock()

	m.ProcessNext(context.Background(), "agent-1")

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.started) != 1 {
		t.Fatalf("expected one session started, got %d", len(sess.started))
	}
	if len(store.threads) != 1 {
		t.Fatalf("expected no new thread created, got %d threads", len(store.threads))
	}
}

func TestProcessNextNoopWhenQueueEmpty(t *testing.T) {
	store := newFakeStore()
	sess := newFakeSessions()
	m := New(store, fakeLookup{}, nil)
	m.SetWorkSessions(sess)

	m.ProcessNext(context.Background(), "agent-1")

	if len(sess.started) != 0 {
		t.Fatal("expected no session started for an empty queue")
	}
}

func TestProcessNextFailsWhenWorkSessionsNotWired(t *testing.T) {
	store := newFakeStore()
	m := New(store, fakeLookup{repoURL: "https://x"}, nil)

	store.entries["agent-1"] = []domain.QueueEntry{{
		ID: "job-1", AgentID: "agent-1", ProjectID: "proj-1", Prompt: "hi",
		Status: domain.QueueQueued, Position: domain.InitialQueuePosition,
	}}

	m.ProcessNext(context.Background(), "agent-1")

	if len(store.failed) != 1 {
		t.Fatalf("failed = %v, want one entry", store.failed)
	}
}
