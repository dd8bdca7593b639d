// Package domain defines the core entities of the pipeline orchestrator:
// projects, features, agent runs, messages, threads, and queue entries.
package domain

import "time"

// Project is a repository under orchestration.
type Project struct {
	ID                string
	Name              string
	RepositoryURL     string
	DefaultBranch     string
	ConcurrencyCap    int
	IssueTrackerRepo  string // "owner/repo", empty if unlinked
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FeatureStatus is the lifecycle state of a Feature.
type FeatureStatus string

const (
	FeaturePending     FeatureStatus = "pending"
	FeatureInProgress  FeatureStatus = "in_progress"
	FeatureReviewReady FeatureStatus = "review_ready"
	FeaturePassing     FeatureStatus = "passing"
	FeatureFailing     FeatureStatus = "failing"
)

// IsValid reports whether s is one of the defined FeatureStatus values.
func (s FeatureStatus) IsValid() bool {
	switch s {
	case FeaturePending, FeatureInProgress, FeatureReviewReady, FeaturePassing, FeatureFailing:
		return true
	}
	return false
}

// IsTerminal reports whether s is a state the store's transition DAG forbids
// leaving, except for the single review_ready -> passing edge.
func (s FeatureStatus) IsTerminal() bool {
	return s == FeaturePassing || s == FeatureReviewReady
}

// Feature is one unit of work run through the four-stage pipeline.
type Feature struct {
	ID             string
	ProjectID      string
	Name           string
	Description    string
	Priority       int // smaller = higher priority
	Category       string
	Status         FeatureStatus
	DependsOn      []string // feature IDs that must be `passing` for this feature to be ready
	IssueTrackerID string   // external issue id, empty if unlinked
	AssignedAgent  string   // agent identity, empty if unassigned
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsReady reports whether f may be admitted to a pipeline: pending status
// and every dependency resolved to passing. deps maps dependency feature ID
// to its current status, as returned by the store alongside the feature.
func (f Feature) IsReady(deps map[string]FeatureStatus) bool {
	if f.Status != FeaturePending {
		return false
	}
	for _, depID := range f.DependsOn {
		if deps[depID] != FeaturePassing {
			return false
		}
	}
	return true
}

// ValidFeatureTransition reports whether moving from `from` to `to` is
// permitted by the DAG in spec.md §3: pending -> in_progress ->
// {review_ready | failing}, review_ready -> passing, failing -> pending
// (operator-triggered reset only).
func ValidFeatureTransition(from, to FeatureStatus) bool {
	switch from {
	case FeaturePending:
		return to == FeatureInProgress
	case FeatureInProgress:
		return to == FeatureReviewReady || to == FeatureFailing
	case FeatureReviewReady:
		return to == FeaturePassing
	case FeatureFailing:
		return to == FeaturePending
	case FeaturePassing:
		return false
	}
	return false
}
