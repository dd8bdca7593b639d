package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/store"
)

func (s *Store) CreateMessage(ctx context.Context, msg domain.AgentMessage) (string, error) {
	id := uuid.New().String()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", &store.PermanentError{Op: "CreateMessage", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (id, run_id, thread_id, sender, type, role, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, msg.RunID, msg.ThreadID, msg.Sender, msg.Type, msg.Role, msg.Content, msg.Timestamp, string(metadata))
	if err != nil {
		return "", &store.TransientError{Op: "CreateMessage", Err: err}
	}
	return id, nil
}

func scanMessage(row interface{ Scan(...any) error }) (domain.AgentMessage, error) {
	var m domain.AgentMessage
	var runID, threadID, role, content, metadata sql.NullString
	if err := row.Scan(&m.ID, &runID, &threadID, &m.Sender, &m.Type, &role, &content, &m.Timestamp, &metadata); err != nil {
		return domain.AgentMessage{}, err
	}
	m.RunID = runID.String
	m.ThreadID = threadID.String
	m.Role = domain.AgentRole(role.String)
	m.Content = content.String
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, runID string, since *time.Time, sender *domain.MessageSender) ([]domain.AgentMessage, error) {
	query := `SELECT id, run_id, thread_id, sender, type, role, content, timestamp, metadata FROM agent_messages WHERE run_id = ?`
	args := []any{runID}
	if since != nil {
		query += " AND timestamp > ?"
		args = append(args, *since)
	}
	if sender != nil {
		query += " AND sender = ?"
		args = append(args, *sender)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.TransientError{Op: "ListMessages", Err: err}
	}
	defer rows.Close()

	var out []domain.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, &store.TransientError{Op: "ListMessages", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMessagesByThread(ctx context.Context, threadID string, since *time.Time) ([]domain.AgentMessage, error) {
	query := `SELECT id, run_id, thread_id, sender, type, role, content, timestamp, metadata FROM agent_messages WHERE thread_id = ?`
	args := []any{threadID}
	if since != nil {
		query += " AND timestamp > ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.TransientError{Op: "ListMessagesByThread", Err: err}
	}
	defer rows.Close()

	var out []domain.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, &store.TransientError{Op: "ListMessagesByThread", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateThread(ctx context.Context, agentID, projectID, title string, mode domain.ThreadMode) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_threads (id, agent_id, project_id, title, mode, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, agentID, projectID, title, mode, domain.ThreadActive)
	if err != nil {
		return "", &store.TransientError{Op: "CreateThread", Err: err}
	}
	return id, nil
}

func (s *Store) GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error) {
	var t domain.AgentThread
	var title sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, project_id, title, mode, status, created_at, updated_at
		FROM agent_threads WHERE id = ? AND agent_id = ?
	`, threadID, agentID)
	err := row.Scan(&t.ID, &t.AgentID, &t.ProjectID, &title, &t.Mode, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentThread{}, &store.PermanentError{Op: "GetThread", Err: fmt.Errorf("thread %s not found", threadID)}
	}
	if err != nil {
		return domain.AgentThread{}, &store.TransientError{Op: "GetThread", Err: err}
	}
	t.Title = title.String
	return t, nil
}

func (s *Store) UpdateThread(ctx context.Context, threadID string, status domain.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_threads SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, threadID)
	if err != nil {
		return &store.TransientError{Op: "UpdateThread", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &store.TransientError{Op: "UpdateThread", Err: err}
	}
	if n == 0 {
		return &store.PermanentError{Op: "UpdateThread", Err: fmt.Errorf("thread %s not found", threadID)}
	}
	return nil
}
