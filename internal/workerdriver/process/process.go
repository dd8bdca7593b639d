// Package process is the local-process Worker Driver variant: launches a
// worker as a plain OS process and polls it via a background Wait
// goroutine, using the same concurrent-pipe-draining shape as
// internal/controller/docker.go's executeAndCollect, minus the container
// layer.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/andywolf/pipewright/internal/workerdriver"
)

// Driver launches workers as local OS processes. Command[0] of the
// LaunchSpec is the executable; the remainder are its arguments.
type Driver struct {
	mu    sync.Mutex
	procs map[string]*tracked
}

type tracked struct {
	cmd        *exec.Cmd
	done       chan struct{}
	exitCode   int
	stopReason string
}

var _ workerdriver.Driver = (*Driver)(nil)

// New creates a process Driver.
func New() *Driver {
	return &Driver{procs: make(map[string]*tracked)}
}

func pidHandle(pid int) workerdriver.Handle {
	return workerdriver.Handle{ID: fmt.Sprintf("pid-%d", pid)}
}

// Launch starts the worker and forwards its stdout/stderr to
// <workspace>/stdout.log and <workspace>/stderr.log, inherited/attached the
// way the container variant's logs are attached to the Docker daemon.
// Reading both streams concurrently before Wait mirrors executeAndCollect's
// deadlock avoidance: if either pipe's OS buffer fills while the other is
// read sequentially, the process blocks.
func (d *Driver) Launch(ctx context.Context, spec workerdriver.LaunchSpec) (workerdriver.Handle, error) {
	if len(spec.Command) == 0 {
		return workerdriver.Handle{}, fmt.Errorf("process driver: LaunchSpec.Command must name an executable")
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workspace
	for k, v := range workerdriver.BaseEnv(spec) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return workerdriver.Handle{}, fmt.Errorf("process driver: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return workerdriver.Handle{}, fmt.Errorf("process driver: stderr pipe: %w", err)
	}

	stdoutFile, err := os.Create(filepath.Join(spec.Workspace, "stdout.log"))
	if err != nil {
		return workerdriver.Handle{}, fmt.Errorf("process driver: create stdout log: %w", err)
	}
	stderrFile, err := os.Create(filepath.Join(spec.Workspace, "stderr.log"))
	if err != nil {
		stdoutFile.Close()
		return workerdriver.Handle{}, fmt.Errorf("process driver: create stderr log: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return workerdriver.Handle{}, fmt.Errorf("process driver: start: %w", err)
	}

	t := &tracked{cmd: cmd, done: make(chan struct{})}
	h := pidHandle(cmd.Process.Pid)

	d.mu.Lock()
	d.procs[h.ID] = t
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stdoutFile.Close()
		io.Copy(stdoutFile, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		defer stderrFile.Close()
		io.Copy(stderrFile, stderrPipe)
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		t.exitCode = exitCode
		close(t.done)
	}()

	return h, nil
}

func (d *Driver) Poll(ctx context.Context, h workerdriver.Handle) (workerdriver.PollResult, error) {
	d.mu.Lock()
	t, ok := d.procs[h.ID]
	d.mu.Unlock()
	if !ok {
		return workerdriver.PollResult{}, fmt.Errorf("process driver: unknown handle %q", h.ID)
	}

	select {
	case <-t.done:
		exitCode := t.exitCode
		reason := t.stopReason
		if reason == "" {
			reason = fmt.Sprintf("Exit code: %d", exitCode)
		}
		return workerdriver.PollResult{
			State:      workerdriver.StateTerminal,
			ExitCode:   &exitCode,
			StopReason: reason,
		}, nil
	default:
		return workerdriver.PollResult{State: workerdriver.StateRunning}, nil
	}
}

func (d *Driver) Terminate(ctx context.Context, h workerdriver.Handle, reason string) error {
	d.mu.Lock()
	t, ok := d.procs[h.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("process driver: unknown handle %q", h.ID)
	}

	select {
	case <-t.done:
		return nil
	default:
	}
	t.stopReason = reason
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
