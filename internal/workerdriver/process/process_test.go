package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andywolf/pipewright/internal/workerdriver"
)

func waitTerminal(t *testing.T, d *Driver, h workerdriver.Handle) workerdriver.PollResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := d.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.State == workerdriver.StateTerminal {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process did not reach terminal state in time")
	return workerdriver.PollResult{}
}

func TestLaunchSuccessfulExit(t *testing.T) {
	d := New()
	ws := t.TempDir()
	h, err := d.Launch(context.Background(), workerdriver.LaunchSpec{
		Workspace: ws,
		Command:   []string{"sh", "-c", "echo hello; exit 0"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	res := waitTerminal(t, d, h)
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("ExitCode = %v, want 0", res.ExitCode)
	}

	data, err := os.ReadFile(filepath.Join(ws, "stdout.log"))
	if err != nil {
		t.Fatalf("read stdout.log: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("stdout.log = %q, want \"hello\\n\"", data)
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	d := New()
	h, err := d.Launch(context.Background(), workerdriver.LaunchSpec{
		Workspace: t.TempDir(),
		Command:   []string{"sh", "-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	res := waitTerminal(t, d, h)
	if res.ExitCode == nil || *res.ExitCode != 7 {
		t.Fatalf("ExitCode = %v, want 7", res.ExitCode)
	}
}

// TestStopReasonContainsExitCode drives a coder-style exit-1 failure through
// the real process driver, matching spec.md §8 scenario S3's requirement
// that a failed AgentRun's errorMessage contain "Exit code: 1" verbatim.
func TestStopReasonContainsExitCode(t *testing.T) {
	d := New()
	h, err := d.Launch(context.Background(), workerdriver.LaunchSpec{
		Workspace: t.TempDir(),
		Command:   []string{"sh", "-c", "exit 1"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	res := waitTerminal(t, d, h)
	if !strings.Contains(res.StopReason, "Exit code: 1") {
		t.Fatalf("StopReason = %q, want it to contain %q", res.StopReason, "Exit code: 1")
	}
}

func TestTerminateKillsRunningProcess(t *testing.T) {
	d := New()
	h, err := d.Launch(context.Background(), workerdriver.LaunchSpec{
		Workspace: t.TempDir(),
		Command:   []string{"sleep", "30"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	res, err := d.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.State != workerdriver.StateRunning {
		t.Fatalf("State = %v, want StateRunning before terminate", res.State)
	}

	if err := d.Terminate(context.Background(), h, "test teardown"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitTerminal(t, d, h)
}
