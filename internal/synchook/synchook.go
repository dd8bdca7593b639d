// Package synchook is the External-System Sync Hook (§4.J): a best-effort,
// strictly non-blocking bridge from the Pipeline Engine to each feature's
// GitHub issue. One Hook is wired into the Engine for its whole lifetime
// (pipeline.Engine is reused across features per its own doc comment), so
// the repo/issue/token for a given call are re-resolved on every
// NotifyStageComplete/NotifyFinalized rather than captured at construction
// — directly implementing spec.md §9's "re-resolve the token at the start
// of each stage" note. Comment formatting and the shell-out-to-gh
// transport are grounded on internal/controller/comments.go's
// postIssueComment/appendSignature.
package synchook

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/andywolf/pipewright/internal/domain"
)

// State is the external issue-tracker state a Hook pushes.
type State string

const (
	StateInProgress State = "in progress"
	StateDone       State = "done"
	StateFailing    State = "failing"
)

// stateLabelPrefix namespaces the label synced onto the issue so it doesn't
// collide with the repo's own labels.
const stateLabelPrefix = "pipewright:"

// Logger is the minimal logging surface for best-effort diagnostics; every
// Hook method logs and swallows its own errors, per spec.md §4.J.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// FeatureResolver maps a feature to the external issue it syncs to. An
// empty repo or issueID means the feature has no linked issue, and the
// Hook silently skips that call.
type FeatureResolver interface {
	ResolveIssue(ctx context.Context, featureID string) (repo, issueID, featureName string, err error)
}

// TokenSource produces the credential used for one gh invocation, resolved
// fresh on every call so a long-running pipeline always uses a current
// token rather than one captured at Hook construction.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// runner issues one `gh` CLI invocation. A separate interface so tests can
// script command outcomes without shelling out.
type runner interface {
	Run(ctx context.Context, token string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, token string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+token, "GH_TOKEN="+token)
	return cmd.CombinedOutput()
}

// Hook is wired into the Pipeline Engine once. If features or tokens is
// nil the deployment has no GitHub integration configured and every
// method is a no-op.
type Hook struct {
	features FeatureResolver
	tokens   TokenSource
	log      Logger
	run      runner
}

// New creates a Hook. features or tokens may be nil, disabling the Hook
// entirely.
func New(features FeatureResolver, tokens TokenSource, log Logger) *Hook {
	if log == nil {
		log = noopLogger{}
	}
	return &Hook{features: features, tokens: tokens, log: log, run: execRunner{}}
}

func (h *Hook) configured() bool {
	return h.features != nil && h.tokens != nil
}

// resolve looks up the (repo, issueID, featureName, token) quadruple for
// one call. It returns ok=false whenever any piece is unavailable, in
// which case the caller must treat the call as a silent no-op.
func (h *Hook) resolve(ctx context.Context, featureID string) (repo, issueID, featureName, token string, ok bool) {
	if !h.configured() {
		return "", "", "", "", false
	}
	repo, issueID, featureName, err := h.features.ResolveIssue(ctx, featureID)
	if err != nil {
		h.log.Printf("synchook: resolve issue for feature %s: %v", featureID, err)
		return "", "", "", "", false
	}
	if repo == "" || issueID == "" {
		return "", "", "", "", false
	}
	token, err = h.tokens.Token(ctx)
	if err != nil || token == "" {
		h.log.Printf("synchook: resolve token for feature %s: %v", featureID, err)
		return "", "", "", "", false
	}
	return repo, issueID, featureName, token, true
}

// NotifyStageComplete implements pipeline.SyncHook. Any in-flight stage
// completing (successfully or not, short of the final verdict) means the
// pipeline is still running, so the external state is set to "in progress".
func (h *Hook) NotifyStageComplete(ctx context.Context, featureID string, role domain.AgentRole, status domain.AgentRunStatus) error {
	repo, issueID, _, token, ok := h.resolve(ctx, featureID)
	if !ok {
		return nil
	}
	h.setState(ctx, token, repo, issueID, StateInProgress)
	return nil
}

// NotifyFinalized implements pipeline.SyncHook: sets the terminal external
// state and posts a summarizing or failure comment.
func (h *Hook) NotifyFinalized(ctx context.Context, featureID string, succeeded bool, prURL, message string) error {
	repo, issueID, featureName, token, ok := h.resolve(ctx, featureID)
	if !ok {
		return nil
	}
	if succeeded {
		h.setState(ctx, token, repo, issueID, StateDone)
		h.postComment(ctx, token, repo, issueID, successComment(featureName, prURL))
	} else {
		h.setState(ctx, token, repo, issueID, StateFailing)
		h.postComment(ctx, token, repo, issueID, failureComment(featureName, message))
	}
	return nil
}

func successComment(featureName, prURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline for **%s** finished: all stages passed.", featureName)
	if prURL != "" {
		fmt.Fprintf(&b, "\n\n%s", prURL)
	}
	return b.String()
}

func failureComment(featureName, message string) string {
	return fmt.Sprintf("Pipeline for **%s** failed.\n\n%s", featureName, message)
}

func (h *Hook) setState(ctx context.Context, token, repo, issueID string, state State) {
	label := stateLabelPrefix + strings.ReplaceAll(string(state), " ", "-")
	args := []string{"issue", "edit", issueID, "--repo", repo, "--add-label", label}
	if _, err := h.run.Run(ctx, token, args); err != nil {
		h.log.Printf("synchook: set state %q on issue %s: %v", state, issueID, err)
	}
}

func (h *Hook) postComment(ctx context.Context, token, repo, issueID, body string) {
	body = appendSignature(body)
	args := []string{"issue", "comment", issueID, "--repo", repo, "--body", body}
	if _, err := h.run.Run(ctx, token, args); err != nil {
		h.log.Printf("synchook: post comment on issue %s: %v", issueID, err)
	}
}

func appendSignature(body string) string {
	return fmt.Sprintf("%s\n\n<!-- pipewright:sync-hook -->", body)
}
