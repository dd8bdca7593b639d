package worksession

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/streambus"
	"github.com/andywolf/pipewright/internal/workerdriver"
)

// fakeStore is a minimal Store double.
type fakeStore struct {
	mu       sync.Mutex
	runSeq   int
	statuses map[string]domain.AgentRunStatus
	reasons  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[string]domain.AgentRunStatus{}, reasons: map[string]string{}}
}

func (s *fakeStore) CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runSeq++
	return "run-1", nil
}

func (s *fakeStore) CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[runID] = status
	s.reasons[runID] = summary
	return nil
}

func (s *fakeStore) statusOf(runID string) domain.AgentRunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[runID]
}

// fakeHandle is a Handle double backed by in-memory pipes.
type fakeHandle struct {
	stdinBuf *bytes.Buffer
	stdinMu  sync.Mutex
	stdoutR  io.Reader
	done     chan int
	killed   bool
	killMu   sync.Mutex
}

func newFakeHandle(stdout string) *fakeHandle {
	return &fakeHandle{
		stdinBuf: &bytes.Buffer{},
		stdoutR:  bytes.NewBufferString(stdout),
		done:     make(chan int, 1),
	}
}

func (h *fakeHandle) Stdin() io.WriteCloser { return nopWriteCloser{h} }
func (h *fakeHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeHandle) Done() <-chan int      { return h.done }
func (h *fakeHandle) Kill() error {
	h.killMu.Lock()
	defer h.killMu.Unlock()
	if !h.killed {
		h.killed = true
		select {
		case h.done <- -9:
		default:
		}
	}
	return nil
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	return h.stdinBuf.Write(p)
}

func (h *fakeHandle) written() string {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	return h.stdinBuf.String()
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// scriptedLauncher hands back one pre-built fakeHandle per LaunchInteractive
// call.
type scriptedLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	calls   int
}

func (l *scriptedLauncher) LaunchInteractive(ctx context.Context, spec workerdriver.LaunchSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.handles[l.calls]
	l.calls++
	return h, nil
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

func ndjson(events ...map[string]any) string {
	var buf bytes.Buffer
	for _, e := range events {
		b, _ := json.Marshal(e)
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.String()
}

func TestStartSessionCreatesNewSession(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle(ndjson(map[string]any{"type": "assistant", "subtype": "start"}))
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder, FeatureID: "f1"}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.Status != "created" {
		t.Fatalf("Status = %q, want created", res.Status)
	}
	if res.RunID == "" {
		t.Fatal("expected non-empty run ID")
	}
}

func TestStartSessionReusesExistingForSameThread(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{})

	first, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	second, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession (reuse): %v", err)
	}
	if second.Status != "existing" {
		t.Fatalf("Status = %q, want existing", second.Status)
	}
	if second.RunID != first.RunID {
		t.Fatalf("RunID = %q, want %q", second.RunID, first.RunID)
	}
	if launcher.calls != 1 {
		t.Fatalf("launcher called %d times, want 1", launcher.calls)
	}
}

func TestSendMessageWritesToStdin(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := m.SendMessage(res.RunID, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if h.written() != "hello\n" {
		t.Fatalf("written = %q, want %q", h.written(), "hello\n")
	}
}

func TestSendMessageUnknownRunErrors(t *testing.T) {
	store := newFakeStore()
	m := New(store, &scriptedLauncher{}, streambus.New(), Config{})
	if err := m.SendMessage("no-such-run", "hi"); err == nil {
		t.Fatal("expected an error for an unknown run")
	}
}

func TestEndSessionGracefulExit(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{ShutdownGrace: 50 * time.Millisecond})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	go func() {
		// Simulate the worker exiting cleanly once it sees "/exit".
		waitFor(t, func() bool { return h.written() == "/exit\n" })
		h.done <- 0
	}()

	if err := m.EndSession(res.RunID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if store.statusOf(res.RunID) != domain.RunCompleted {
		t.Fatalf("status = %v, want completed", store.statusOf(res.RunID))
	}
	if h.killed {
		t.Fatal("expected a graceful exit, not a force-kill")
	}
}

func TestEndSessionForceKillsAfterGrace(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{ShutdownGrace: 20 * time.Millisecond})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := m.EndSession(res.RunID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !h.killed {
		t.Fatal("expected the worker to be force-killed after the grace period")
	}
	if store.statusOf(res.RunID) != domain.RunCompleted {
		t.Fatalf("status = %v, want completed", store.statusOf(res.RunID))
	}
}

func TestStreamDecodesEventsAndSkipsMalformedLines(t *testing.T) {
	store := newFakeStore()
	stdout := ndjson(
		map[string]any{"type": "assistant", "subtype": "start"},
		map[string]any{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "hi"}},
	) + "not json at all\n" + ndjson(
		map[string]any{"type": "result", "result": "done"},
	)
	h := newFakeHandle(stdout)
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	bus := streambus.New()
	m := New(store, launcher, bus, Config{})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	var mu sync.Mutex
	var kinds []streambus.EventKind
	bus.Subscribe(res.RunID, func(ev streambus.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= 4
	})

	want := []streambus.EventKind{streambus.ThinkingStart, streambus.Token, streambus.Token, streambus.ThinkingEnd}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestInactivityTimeoutKillsAndFinalizesFailed(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{InactivityTimeout: 20 * time.Millisecond})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	waitFor(t, func() bool { return h.killed })
	waitFor(t, func() bool { return store.statusOf(res.RunID) == domain.RunFailed })
}

func TestAbnormalExitFinalizesFailed(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{})

	res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	h.done <- 1 // worker crashes on its own, not via EndSession

	waitFor(t, func() bool { return store.statusOf(res.RunID) == domain.RunFailed })
}

// TestStartSessionConcurrentCallsLaunchOnce drives many concurrent
// StartSession calls for the same (agentID, threadID) through a launcher
// that only has one handle queued; if the byThread reservation raced, a
// second call would reach LaunchInteractive and index past the single
// scripted handle.
func TestStartSessionConcurrentCallsLaunchOnce(t *testing.T) {
	store := newFakeStore()
	h := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h}}
	m := New(store, launcher, streambus.New(), Config{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]StartResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("StartSession[%d]: %v", i, err)
		}
	}
	if launcher.calls != 1 {
		t.Fatalf("launcher called %d times, want exactly 1", launcher.calls)
	}
	store.mu.Lock()
	createCalls := store.runSeq
	store.mu.Unlock()
	if createCalls != 1 {
		t.Fatalf("CreateAgentRun called %d times, want exactly 1", createCalls)
	}
	want := results[0].RunID
	for i, res := range results {
		if res.RunID != want {
			t.Fatalf("results[%d].RunID = %q, want %q (all calls should share one session)", i, res.RunID, want)
		}
	}
}

func TestCleanupEndsAllSessionsConcurrently(t *testing.T) {
	store := newFakeStore()
	h1 := newFakeHandle("")
	h2 := newFakeHandle("")
	launcher := &scriptedLauncher{handles: []*fakeHandle{h1, h2}}
	m := New(store, launcher, streambus.New(), Config{ShutdownGrace: 20 * time.Millisecond})

	r1, _ := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-1", "proj-1", "thread-1")
	r2, _ := m.StartSession(context.Background(), workerdriver.LaunchSpec{Role: domain.RoleCoder}, "agent-2", "proj-1", "thread-2")

	m.Cleanup()

	if store.statusOf(r1.RunID) != domain.RunCompleted {
		t.Fatalf("session 1 status = %v, want completed", store.statusOf(r1.RunID))
	}
	if store.statusOf(r2.RunID) != domain.RunCompleted {
		t.Fatalf("session 2 status = %v, want completed", store.statusOf(r2.RunID))
	}
}
