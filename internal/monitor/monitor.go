// Package monitor is the Agent-Run Monitor (§4.E): drives a launched
// worker to a terminal state, publishing status transitions to the store
// and token events to the Stream Bus. Its poll loop is grounded on
// internal/controller/resource_monitor.go's ticker-with-ctx.Done() shape;
// its exit-code-to-status mapping follows internal/controller/docker.go's
// executeAndCollect.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/events"
	"github.com/andywolf/pipewright/internal/streambus"
	"github.com/andywolf/pipewright/internal/workerdriver"
)

// Config tunes the Monitor's timing. Zero values fall back to the spec's
// defaults.
type Config struct {
	Timeout            time.Duration // default 30 min
	PollInterval       time.Duration // default 10 s
	StatusUpdateMinGap time.Duration // default 5 s

	// JournalDir, if set, persists one events.AgentEvent per status
	// transition to a newline-delimited file per run under this
	// directory, independent of the Stream Bus's bounded in-memory
	// replay buffer — an on-disk record that survives the 5-minute
	// topic sweep.
	JournalDir string
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.StatusUpdateMinGap == 0 {
		c.StatusUpdateMinGap = 5 * time.Second
	}
	return c
}

// Store is the subset of store.Gateway the Monitor needs, kept narrow so
// tests can fake it without pulling in the whole Gateway.
type Store interface {
	UpdateAgentStatus(ctx context.Context, runID string, status domain.AgentRunStatus) error
	CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error
}

// stateStatus maps a driver State observed mid-flight to the transient
// AgentRunStatus to publish. Terminal states are resolved separately by
// exit code, since StateTerminal alone doesn't distinguish completed from
// failed.
func stateStatus(role domain.AgentRole, s workerdriver.State) domain.AgentRunStatus {
	switch s {
	case workerdriver.StateStarted:
		return domain.RunStarted
	case workerdriver.StateRunning:
		if role == domain.RoleReviewer {
			return domain.RunReviewing
		}
		if role == domain.RoleTester {
			return domain.RunTesting
		}
		return domain.RunCoding
	default:
		return domain.RunThinking
	}
}

// Result is returned once the worker reaches a terminal outcome.
type Result struct {
	Status     domain.AgentRunStatus // RunCompleted or RunFailed
	ExitCode   *int
	StopReason string
	TimedOut   bool
	Cancelled  bool
}

// Monitor drives one launched worker to terminal.
type Monitor struct {
	driver  workerdriver.Driver
	store   Store
	bus     *streambus.Bus
	cfg     Config
	now     func() time.Time
	journal *events.FileSink

	cancelCh chan struct{}
}

// New creates a Monitor for one worker. If cfg.JournalDir is set but
// cannot be opened, journaling is silently disabled rather than failing
// construction — the on-disk journal is a diagnostic aid, not required
// for correctness.
func New(driver workerdriver.Driver, store Store, bus *streambus.Bus, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	var journal *events.FileSink
	if cfg.JournalDir != "" {
		journal, _ = events.NewFileSink(cfg.JournalDir)
	}
	return &Monitor{
		driver:   driver,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		journal:  journal,
		cancelCh: make(chan struct{}),
	}
}

// journalEvent appends one status transition to the on-disk journal.
// Best-effort: journaling failures never affect the poll loop.
func (m *Monitor) journalEvent(runID string, role domain.AgentRole, status domain.AgentRunStatus, summary string) {
	if m.journal == nil {
		return
	}
	_ = m.journal.WriteOne(events.AgentEvent{
		Timestamp: m.now(),
		SessionID: runID,
		Adapter:   string(role),
		Type:      events.EventText,
		Summary:   summary,
		Content:   string(status),
	})
}

// Cancel requests the Monitor finalize the run as failed with reason
// "cancelled" on its next loop iteration.
func (m *Monitor) Cancel() {
	select {
	case <-m.cancelCh:
	default:
		close(m.cancelCh)
	}
}

func (m *Monitor) finalize(ctx context.Context, runID string, role domain.AgentRole, status domain.AgentRunStatus, reason string) Result {
	// The terminal completion call is mandatory and retried on transient
	// failure, bounded at 3 attempts.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := m.store.CompleteAgentRun(ctx, runID, status, reason, reason); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}
	_ = lastErr // best-effort surface via logging is left to the caller
	m.journalEvent(runID, role, status, reason)
	return Result{Status: status, StopReason: reason}
}

// Run drives h (for runID, played by role) to terminal, publishing status
// updates to the store and token lifecycle markers to the Stream Bus topic
// named runID.
func (m *Monitor) Run(ctx context.Context, runID string, role domain.AgentRole, h workerdriver.Handle) Result {
	start := m.now()
	var lastStatus domain.AgentRunStatus
	var lastUpdate time.Time

	for {
		select {
		case <-m.cancelCh:
			_ = m.driver.Terminate(ctx, h, "cancelled")
			res := m.finalize(ctx, runID, role, domain.RunFailed, "cancelled")
			res.Cancelled = true
			return res
		default:
		}

		if m.now().Sub(start) > m.cfg.Timeout {
			_ = m.driver.Terminate(ctx, h, "timed out")
			res := m.finalize(ctx, runID, role, domain.RunFailed, "timed out")
			res.TimedOut = true
			return res
		}

		poll, err := m.driver.Poll(ctx, h)
		if err != nil {
			// A failed poll is not itself terminal; sleep and retry on the
			// next iteration same as any other transient condition.
			time.Sleep(m.cfg.PollInterval)
			continue
		}

		if poll.State == workerdriver.StateTerminal {
			status := domain.RunCompleted
			if poll.ExitCode == nil || *poll.ExitCode != 0 {
				status = domain.RunFailed
			}
			reason := poll.StopReason
			if reason == "" {
				reason = fmt.Sprintf("worker exited (role=%s)", role)
			}
			m.bus.Emit(runID, streambus.Event{Kind: streambus.ThinkingEnd})
			res := m.finalize(ctx, runID, role, status, reason)
			res.ExitCode = poll.ExitCode
			return res
		}

		newStatus := stateStatus(role, poll.State)
		if newStatus != lastStatus || m.now().Sub(lastUpdate) >= m.cfg.StatusUpdateMinGap {
			// Status updates are best-effort: failures are logged (by the
			// caller wrapping Store) and the loop continues regardless.
			_ = m.store.UpdateAgentStatus(ctx, runID, newStatus)
			m.journalEvent(runID, role, newStatus, "status update")
			lastStatus = newStatus
			lastUpdate = m.now()
		}

		time.Sleep(m.cfg.PollInterval)
	}
}
