// Package interactive is the Work-Session Manager's Launcher: it starts a
// worker as a local OS process with stdin attached for the life of the
// session, grounded on internal/controller/docker_interactive.go's
// stdin-attached exec.Cmd and internal/workerdriver/process.Driver's
// concurrent-pipe-draining/Wait-goroutine shape, generalized from "drain to
// a log file" to "hand the live pipes to the caller."
package interactive

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/andywolf/pipewright/internal/workerdriver"
	"github.com/andywolf/pipewright/internal/worksession"
)

// Driver launches interactive workers as local OS processes with stdin
// attached, satisfying worksession.Launcher.
type Driver struct{}

// New creates an interactive process Driver.
func New() *Driver {
	return &Driver{}
}

var _ worksession.Launcher = (*Driver)(nil)

// procHandle adapts a running *exec.Cmd to worksession.Handle.
type procHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan int
}

func (h *procHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *procHandle) Stdout() io.Reader     { return h.stdout }
func (h *procHandle) Done() <-chan int      { return h.done }

func (h *procHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

var _ worksession.Handle = (*procHandle)(nil)

// LaunchInteractive starts spec.Command with a stdin pipe the caller can
// write to for the life of the session, and a stdout pipe the caller
// decodes line by line. The worker's environment always includes
// workerdriver.BaseEnv(spec).
func (d *Driver) LaunchInteractive(ctx context.Context, spec workerdriver.LaunchSpec) (worksession.Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("interactive driver: LaunchSpec.Command must name an executable")
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workspace
	for k, v := range workerdriver.BaseEnv(spec) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("interactive driver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("interactive driver: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("interactive driver: start: %w", err)
	}

	h := &procHandle{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan int, 1)}
	go func() {
		waitErr := cmd.Wait()
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		h.done <- exitCode
		close(h.done)
	}()

	return h, nil
}
