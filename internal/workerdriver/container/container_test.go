package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/andywolf/pipewright/internal/workerdriver"
)

// mockResponse is the canned stdout/exit code for one docker subcommand.
type mockResponse struct {
	stdout   string
	exitCode int
}

func mockCmdRunner(responses map[string]mockResponse) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		key := "unknown"
		if len(args) > 0 {
			key = args[0] // "run", "inspect", "stop"
		}
		resp, ok := responses[key]
		if !ok {
			resp = mockResponse{stdout: "", exitCode: 0}
		}
		cs := []string{"-test.run=TestContainerHelperProcess", "--", resp.stdout, fmt.Sprintf("%d", resp.exitCode)}
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			"GO_WANT_CONTAINER_HELPER=1",
			fmt.Sprintf("CONTAINER_MOCK_STDOUT=%s", resp.stdout),
			fmt.Sprintf("CONTAINER_MOCK_EXIT=%d", resp.exitCode),
		)
		return cmd
	}
}

func TestContainerHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_CONTAINER_HELPER") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, os.Getenv("CONTAINER_MOCK_STDOUT"))
	if os.Getenv("CONTAINER_MOCK_EXIT") != "0" {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestLaunchReturnsContainerID(t *testing.T) {
	d := New("ghcr.io/andywolf/pipewright-worker:latest").WithCmdRunner(mockCmdRunner(map[string]mockResponse{
		"run": {stdout: "abc123\n", exitCode: 0},
	}))

	h, err := d.Launch(context.Background(), workerdriver.LaunchSpec{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if h.ID != "abc123" {
		t.Fatalf("ID = %q, want abc123", h.ID)
	}
}

func TestPollMapsRunningAndExited(t *testing.T) {
	d := New("image").WithCmdRunner(mockCmdRunner(map[string]mockResponse{
		"inspect": {stdout: "running|0\n", exitCode: 0},
	}))
	res, err := d.Poll(context.Background(), workerdriver.Handle{ID: "abc123"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.State != workerdriver.StateRunning {
		t.Fatalf("State = %v, want StateRunning", res.State)
	}

	d2 := New("image").WithCmdRunner(mockCmdRunner(map[string]mockResponse{
		"inspect": {stdout: "exited|1\n", exitCode: 0},
	}))
	res2, err := d2.Poll(context.Background(), workerdriver.Handle{ID: "abc123"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res2.State != workerdriver.StateTerminal {
		t.Fatalf("State = %v, want StateTerminal", res2.State)
	}
	if res2.ExitCode == nil || *res2.ExitCode != 1 {
		t.Fatalf("ExitCode = %v, want 1", res2.ExitCode)
	}
	if !strings.Contains(res2.StopReason, "Exit code: 1") {
		t.Fatalf("StopReason = %q, want it to contain %q", res2.StopReason, "Exit code: 1")
	}
}
