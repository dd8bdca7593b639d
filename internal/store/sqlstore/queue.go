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

func scanQueueEntry(row interface{ Scan(...any) error }) (domain.QueueEntry, error) {
	var q domain.QueueEntry
	var projectID, threadID, featureID, failureNote sql.NullString
	if err := row.Scan(&q.ID, &q.AgentID, &projectID, &q.Prompt, &threadID, &q.QueuedBy,
		&q.Status, &q.Position, &q.QueuedAt, &featureID, &failureNote); err != nil {
		return domain.QueueEntry{}, err
	}
	q.ProjectID = projectID.String
	q.ThreadID = threadID.String
	q.FeatureID = featureID.String
	q.FailureNote = failureNote.String
	return q, nil
}

const queueEntryColumns = `id, agent_id, project_id, prompt, thread_id, queued_by, status, position, queued_at, feature_id, failure_note`

func (s *Store) EnqueueJob(ctx context.Context, entry domain.QueueEntry) (string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, &store.TransientError{Op: "EnqueueJob", Err: err}
	}
	defer tx.Rollback()

	var currentMax sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(position) FROM queue_entries WHERE agent_id = ?`, entry.AgentID)
	if err := row.Scan(&currentMax); err != nil {
		return "", 0, &store.TransientError{Op: "EnqueueJob", Err: err}
	}
	position := domain.NextQueuePosition(int(currentMax.Int64))

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (id, agent_id, project_id, prompt, thread_id, queued_by, status, position, queued_at, feature_id, failure_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?)
	`, id, entry.AgentID, entry.ProjectID, entry.Prompt, entry.ThreadID, entry.QueuedBy,
		domain.QueueQueued, position, entry.FeatureID, entry.FailureNote)
	if err != nil {
		return "", 0, &store.TransientError{Op: "EnqueueJob", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", 0, &store.TransientError{Op: "EnqueueJob", Err: err}
	}
	return id, position, nil
}

func (s *Store) DequeueJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueEntry{}, false, &store.TransientError{Op: "DequeueJob", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueEntryColumns+` FROM queue_entries
		WHERE agent_id = ? AND status = ? ORDER BY position ASC LIMIT 1
	`, agentID, domain.QueueQueued)
	q, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, &store.TransientError{Op: "DequeueJob", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET status = ? WHERE id = ?`, domain.QueueProcessing, q.ID); err != nil {
		return domain.QueueEntry{}, false, &store.TransientError{Op: "DequeueJob", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueEntry{}, false, &store.TransientError{Op: "DequeueJob", Err: err}
	}
	q.Status = domain.QueueProcessing
	return q, true, nil
}

func (s *Store) PeekJob(ctx context.Context, agentID string) (domain.QueueEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueEntryColumns+` FROM queue_entries
		WHERE agent_id = ? AND status = ? ORDER BY position ASC LIMIT 1
	`, agentID, domain.QueueQueued)
	q, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, &store.TransientError{Op: "PeekJob", Err: err}
	}
	return q, true, nil
}

func (s *Store) RemoveJob(ctx context.Context, agentID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ? AND agent_id = ?`, jobID, agentID)
	if err != nil {
		return &store.TransientError{Op: "RemoveJob", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "RemoveJob", Err: err}
	}
	if n == 0 {
		return &store.PermanentError{Op: "RemoveJob", Err: fmt.Errorf("job %s not found", jobID)}
	}
	return nil
}

func (s *Store) ReorderJob(ctx context.Context, agentID, jobID string, newPosition int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET position = ? WHERE id = ? AND agent_id = ?
	`, newPosition, jobID, agentID)
	if err != nil {
		return &store.TransientError{Op: "ReorderJob", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "ReorderJob", Err: err}
	}
	if n == 0 {
		return &store.PermanentError{Op: "ReorderJob", Err: fmt.Errorf("job %s not found", jobID)}
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context, agentID string) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueEntryColumns+` FROM queue_entries WHERE agent_id = ? ORDER BY position ASC
	`, agentID)
	if err != nil {
		return nil, &store.TransientError{Op: "ListQueue", Err: err}
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, &store.TransientError{Op: "ListQueue", Err: err}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) MarkJobCompleted(ctx context.Context, agentID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ? WHERE id = ? AND agent_id = ?
	`, domain.QueueCompleted, jobID, agentID)
	if err != nil {
		return &store.TransientError{Op: "MarkJobCompleted", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "MarkJobCompleted", Err: err}
	}
	if n == 0 {
		return &store.PermanentError{Op: "MarkJobCompleted", Err: fmt.Errorf("job %s not found", jobID)}
	}
	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, agentID, jobID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, failure_note = ? WHERE id = ? AND agent_id = ?
	`, domain.QueueFailed, message, jobID, agentID)
	if err != nil {
		return &store.TransientError{Op: "MarkJobFailed", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "MarkJobFailed", Err: err}
	}
	if n == 0 {
		return &store.PermanentError{Op: "MarkJobFailed", Err: fmt.Errorf("job %s not found", jobID)}
	}
	return nil
}
