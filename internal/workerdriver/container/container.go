// Package container is the remote-container Worker Driver variant:
// launches a worker as a detached Docker container and polls its state via
// `docker inspect`, the way internal/controller/container_pool.go starts a
// long-lived container with `docker run -d` and internal/controller/docker.go
// shells out to the docker CLI rather than linking a Docker SDK.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andywolf/pipewright/internal/security"
	"github.com/andywolf/pipewright/internal/workerdriver"
)

// cmdRunner abstracts process creation for testability, the same shape
// container_pool.go's cmdRunner field uses.
type cmdRunner func(ctx context.Context, name string, args ...string) *exec.Cmd

// Driver launches workers as detached Docker containers.
type Driver struct {
	image     string
	cmdRunner cmdRunner
	security  *security.ContainerSecurityOptions
}

var _ workerdriver.Driver = (*Driver)(nil)

// New creates a Driver that launches containers from image, hardened with
// security.DefaultContainerSecurityOptions (dropped capabilities, pids/
// memory/CPU limits, no-new-privileges).
func New(image string) *Driver {
	return &Driver{
		image:     image,
		cmdRunner: exec.CommandContext,
		security:  security.DefaultContainerSecurityOptions(),
	}
}

// WithCmdRunner overrides the command runner, for tests.
func (d *Driver) WithCmdRunner(r cmdRunner) *Driver {
	d.cmdRunner = r
	return d
}

// WithSecurityOptions overrides the container hardening options, for
// projects that need a looser or stricter profile than the default.
func (d *Driver) WithSecurityOptions(o *security.ContainerSecurityOptions) *Driver {
	d.security = o
	return d
}

func (d *Driver) Launch(ctx context.Context, spec workerdriver.LaunchSpec) (workerdriver.Handle, error) {
	args := []string{
		"run", "-d", "--rm",
		"-v", fmt.Sprintf("%s:/workspace", spec.Workspace),
		"-w", "/workspace",
	}
	if d.security != nil {
		args = append(args, d.security.ToDockerArgs()...)
	}
	env := workerdriver.BaseEnv(spec)
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, d.image)
	args = append(args, spec.Command...)

	cmd := d.cmdRunner(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return workerdriver.Handle{}, fmt.Errorf("container driver: docker run: %w (stderr: %s)", err, stderr.String())
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return workerdriver.Handle{}, fmt.Errorf("container driver: docker run returned empty container ID")
	}
	return workerdriver.Handle{ID: id}, nil
}

// inspectState mirrors the fields docker inspect's Go template extracts;
// see Poll below.
type inspectState struct {
	Status   string // "created", "running", "exited", ...
	ExitCode int
}

func (d *Driver) inspect(ctx context.Context, h workerdriver.Handle) (inspectState, error) {
	cmd := d.cmdRunner(ctx, "docker", "inspect", "-f",
		`{{.State.Status}}|{{.State.ExitCode}}`, h.ID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return inspectState{}, fmt.Errorf("container driver: docker inspect: %w (stderr: %s)", err, stderr.String())
	}
	parts := strings.SplitN(strings.TrimSpace(stdout.String()), "|", 2)
	if len(parts) != 2 {
		return inspectState{}, fmt.Errorf("container driver: unexpected inspect output %q", stdout.String())
	}
	exitCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return inspectState{}, fmt.Errorf("container driver: parse exit code: %w", err)
	}
	return inspectState{Status: parts[0], ExitCode: exitCode}, nil
}

func (d *Driver) Poll(ctx context.Context, h workerdriver.Handle) (workerdriver.PollResult, error) {
	st, err := d.inspect(ctx, h)
	if err != nil {
		return workerdriver.PollResult{}, err
	}

	switch st.Status {
	case "created":
		return workerdriver.PollResult{State: workerdriver.StateStarted}, nil
	case "running":
		return workerdriver.PollResult{State: workerdriver.StateRunning}, nil
	case "exited", "dead":
		exitCode := st.ExitCode
		reason := fmt.Sprintf("Exit code: %d", exitCode)
		return workerdriver.PollResult{
			State:      workerdriver.StateTerminal,
			ExitCode:   &exitCode,
			StopReason: reason,
		}, nil
	default:
		return workerdriver.PollResult{State: workerdriver.StateStarted}, nil
	}
}

func (d *Driver) Terminate(ctx context.Context, h workerdriver.Handle, reason string) error {
	cmd := d.cmdRunner(ctx, "docker", "stop", h.ID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("container driver: docker stop (%s): %w (stderr: %s)", reason, err, stderr.String())
	}
	return nil
}
