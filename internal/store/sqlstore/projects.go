package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/store"
)

func (s *Store) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repository_url, default_branch, concurrency_cap,
		       issue_tracker_repo, active, created_at, updated_at
		FROM projects WHERE active = 1 ORDER BY id
	`)
	if err != nil {
		return nil, &store.TransientError{Op: "ListActiveProjects", Err: err}
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var issueRepo sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.RepositoryURL, &p.DefaultBranch,
			&p.ConcurrencyCap, &issueRepo, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, &store.TransientError{Op: "ListActiveProjects", Err: err}
		}
		p.IssueTrackerRepo = issueRepo.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TransientError{Op: "ListActiveProjects", Err: err}
	}
	return out, nil
}

// CreateProject inserts a new project. Not part of store.Gateway (the
// control plane only reads projects), but needed by seed/admin tooling and
// tests.
func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repository_url, default_branch,
			concurrency_cap, issue_tracker_repo, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RepositoryURL, p.DefaultBranch, p.ConcurrencyCap,
		p.IssueTrackerRepo, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return &store.PermanentError{Op: "CreateProject", Err: err}
	}
	return nil
}

func scanFeature(row interface{ Scan(...any) error }) (domain.Feature, error) {
	var f domain.Feature
	var desc, category, issueID, assigned sql.NullString
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &desc, &f.Priority,
		&category, &f.Status, &issueID, &assigned, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return domain.Feature{}, err
	}
	f.Description = desc.String
	f.Category = category.String
	f.IssueTrackerID = issueID.String
	f.AssignedAgent = assigned.String
	return f, nil
}

func (s *Store) loadDependencies(ctx context.Context, featureID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_id FROM feature_dependencies WHERE feature_id = ?`, featureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (s *Store) GetFeature(ctx context.Context, featureID string) (domain.Feature, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, priority, category, status,
		       issue_tracker_id, assigned_agent, created_at, updated_at
		FROM features WHERE id = ?
	`, featureID)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Feature{}, &store.PermanentError{Op: "GetFeature", Err: fmt.Errorf("feature %s not found", featureID)}
	}
	if err != nil {
		return domain.Feature{}, &store.TransientError{Op: "GetFeature", Err: err}
	}
	deps, err := s.loadDependencies(ctx, featureID)
	if err != nil {
		return domain.Feature{}, &store.TransientError{Op: "GetFeature", Err: err}
	}
	f.DependsOn = deps
	return f, nil
}

// ListReadyFeatures applies domain.Feature.IsReady over every pending
// feature in the project, loading the status of each dependency.
func (s *Store) ListReadyFeatures(ctx context.Context, projectID string) ([]domain.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, priority, category, status,
		       issue_tracker_id, assigned_agent, created_at, updated_at
		FROM features WHERE project_id = ? AND status = 'pending'
		ORDER BY priority ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
	}
	defer rows.Close()

	var candidates []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
		}
		candidates = append(candidates, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
	}

	statusRows, err := s.db.QueryContext(ctx, `SELECT id, status FROM features WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
	}
	defer statusRows.Close()
	statuses := make(map[string]domain.FeatureStatus)
	for statusRows.Next() {
		var id string
		var st domain.FeatureStatus
		if err := statusRows.Scan(&id, &st); err != nil {
			return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
		}
		statuses[id] = st
	}

	var ready []domain.Feature
	for _, f := range candidates {
		deps, err := s.loadDependencies(ctx, f.ID)
		if err != nil {
			return nil, &store.TransientError{Op: "ListReadyFeatures", Err: err}
		}
		f.DependsOn = deps
		if f.IsReady(statuses) {
			ready = append(ready, f)
		}
	}
	return ready, nil
}

func (s *Store) ClaimFeature(ctx context.Context, featureID, agentIdentity string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE features SET status = 'in_progress', assigned_agent = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`, agentIdentity, featureID)
	if err != nil {
		return &store.TransientError{Op: "ClaimFeature", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "ClaimFeature", Err: err}
	}
	if n == 0 {
		if _, err := s.GetFeature(ctx, featureID); err != nil {
			return err
		}
		return &store.AlreadyClaimed{FeatureID: featureID}
	}
	return nil
}

// transitionFeature performs a compare-and-swap on status, validated
// against domain.ValidFeatureTransition before the write is attempted.
func (s *Store) transitionFeature(ctx context.Context, featureID string, to domain.FeatureStatus) error {
	f, err := s.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if !domain.ValidFeatureTransition(f.Status, to) {
		return &store.InvalidTransition{Entity: "feature", From: string(f.Status), To: string(to)}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE features SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?
	`, to, featureID, f.Status)
	if err != nil {
		return &store.TransientError{Op: "transitionFeature", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "transitionFeature", Err: err}
	}
	if n == 0 {
		return &store.InvalidTransition{Entity: "feature", From: string(f.Status), To: string(to)}
	}
	return nil
}

func (s *Store) MarkFeatureReviewReady(ctx context.Context, featureID string) error {
	return s.transitionFeature(ctx, featureID, domain.FeatureReviewReady)
}

func (s *Store) MarkFeatureFailing(ctx context.Context, featureID string) error {
	return s.transitionFeature(ctx, featureID, domain.FeatureFailing)
}

func (s *Store) TransitionReviewReadyToPassing(ctx context.Context, featureID string) error {
	return s.transitionFeature(ctx, featureID, domain.FeaturePassing)
}
