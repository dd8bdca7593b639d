package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/store"
)

func (s *Store) CreateAgentRun(ctx context.Context, projectID, featureID string, role domain.AgentRole, agentID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, project_id, feature_id, agent_id, role, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, id, projectID, featureID, agentID, role, domain.RunStarted)
	if err != nil {
		return "", &store.TransientError{Op: "CreateAgentRun", Err: err}
	}
	return id, nil
}

func (s *Store) GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	var r domain.AgentRun
	var featureID, summary, errMsg sql.NullString
	var endedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, feature_id, agent_id, role, status, started_at, ended_at, summary, error_message
		FROM agent_runs WHERE id = ?
	`, runID)
	err := row.Scan(&r.ID, &r.ProjectID, &featureID, &r.AgentID, &r.Role, &r.Status,
		&r.StartedAt, &endedAt, &summary, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentRun{}, &store.PermanentError{Op: "GetAgentRun", Err: fmt.Errorf("run %s not found", runID)}
	}
	if err != nil {
		return domain.AgentRun{}, &store.TransientError{Op: "GetAgentRun", Err: err}
	}
	r.FeatureID = featureID.String
	r.Summary = summary.String
	r.ErrorMessage = errMsg.String
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return r, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, runID string, status domain.AgentRunStatus) error {
	run, err := s.GetAgentRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE agent_runs SET status = ? WHERE id = ?`, status, runID)
	if err != nil {
		return &store.TransientError{Op: "UpdateAgentStatus", Err: err}
	}
	return nil
}

func (s *Store) CompleteAgentRun(ctx context.Context, runID string, status domain.AgentRunStatus, summary, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, ended_at = CURRENT_TIMESTAMP, summary = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, summary, errorMessage, runID, domain.RunCompleted, domain.RunFailed)
	if err != nil {
		return &store.TransientError{Op: "CompleteAgentRun", Err: err}
	}
	// RowsAffected == 0 means the run was already terminal: completeAgentRun
	// is idempotent, so a retried write is a silent no-op, not an error.
	_, _ = res.RowsAffected()
	return nil
}
