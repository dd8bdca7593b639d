// Package workerdriver defines the Worker Driver contract (§4.B): launch
// one worker and poll it to a terminal state without exposing
// platform-specific types to the caller. Two variants satisfy Driver:
// workerdriver/container (remote/local Docker containers, grounded on
// internal/controller/docker.go and container_pool.go) and
// workerdriver/process (bare OS processes, grounded on the same
// concurrent-pipe-draining pattern minus the container layer).
package workerdriver

import (
	"context"

	"github.com/andywolf/pipewright/internal/domain"
)

// State is the small enum of worker lifecycle states a Driver maps its
// platform-specific status onto, per the §4.B status-poll table.
type State int

const (
	// StateStarted covers PROVISIONING/PENDING/ACTIVATING (container) or a
	// process that has been started but not yet observed running.
	StateStarted State = iota
	// StateRunning covers RUNNING/DEACTIVATING (container) or a process
	// that has not yet exited.
	StateRunning
	// StateTerminal covers STOPPED (container) or a process that has
	// exited; ExitCode and StopReason on PollResult are meaningful.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// LaunchSpec carries everything a Driver needs to start one worker. Only
// the fields relevant to a given variant are read; the env map built by
// BaseEnv is always passed through verbatim to the worker.
type LaunchSpec struct {
	Role               domain.AgentRole
	ProjectID          string
	FeatureID          string
	FeatureName        string
	FeatureDescription string
	RepoURL            string
	BaseBranch         string
	Workspace          string // isolated directory keyed by (feature, role)
	Env                map[string]string
	Command            []string // argv override, appended after the entrypoint
}

// BaseEnv returns the worker environment map mandated by spec.md §4.B,
// merged with any caller-supplied overrides in spec.Env (which win on
// conflict).
func BaseEnv(spec LaunchSpec) map[string]string {
	env := map[string]string{
		"AGENT_ROLE":          string(spec.Role),
		"REPO_URL":            spec.RepoURL,
		"FEATURE_ID":          spec.FeatureID,
		"PROJECT_ID":          spec.ProjectID,
		"FEATURE_NAME":        spec.FeatureName,
		"FEATURE_DESCRIPTION": spec.FeatureDescription,
		"BASE_BRANCH":         spec.BaseBranch,
		"WORKSPACE":           spec.Workspace,
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// Handle is the opaque launch/monitor handle a Driver returns. ID is a
// container ID for the container variant or a formatted PID for the
// process variant; callers must treat it as opaque.
type Handle struct {
	ID string
}

// PollResult is one Driver.Poll observation.
type PollResult struct {
	State      State
	ExitCode   *int   // set only when State == StateTerminal
	StopReason string // set only when State == StateTerminal
}

// Driver launches and monitors one worker. Implementations must not block
// in Poll beyond a single, bounded status query.
type Driver interface {
	// Launch starts one worker and returns its handle. The worker's
	// environment always includes BaseEnv(spec).
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Poll performs one status query and returns the mapped state.
	Poll(ctx context.Context, h Handle) (PollResult, error)

	// Terminate stops the worker, recording reason for diagnostics. It is
	// safe to call on an already-terminal worker.
	Terminate(ctx context.Context, h Handle, reason string) error
}
