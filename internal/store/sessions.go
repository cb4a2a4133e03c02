package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

const sessionColumns = `s.id, s.user_id, s.agent_id, s.state, s.cursor, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)`

// OpenSession returns the (user, agent) session, creating it on first use.
func (s *SQLiteStore) OpenSession(ctx context.Context, userID, agentID string) (*model.Session, error) {
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("user and agent ids are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.user_id = ? AND s.agent_id = ?`, userID, agentID))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, agent_id, state, cursor, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, userID, agentID, string(model.StateIdle), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &model.Session{
		ID: id, UserID: userID, AgentID: agentID, State: model.StateIdle,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "session", ID: id}
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) SetSessionState(ctx context.Context, id string, st model.State) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(st), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, t model.Turn, cursor int64) (*model.Turn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM turns WHERE session_id = ?`, t.SessionID).Scan(&t.Index); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, idx, user_id, agent_id, chapter, user_message, reply, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Index, t.UserID, t.AgentID, t.Chapter, t.UserMessage, t.Reply,
		t.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET cursor = MAX(cursor, ?), updated_at = ? WHERE id = ?`,
		cursor, t.CreatedAt.Format(timeLayout), t.SessionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &model.NotFoundError{Kind: "session", ID: t.SessionID}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) Turns(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	query := `SELECT id, session_id, idx, user_id, agent_id, chapter, user_message, reply, created_at
		FROM turns WHERE session_id = ? ORDER BY idx DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Index, &t.UserID, &t.AgentID, &t.Chapter,
			&t.UserMessage, &t.Reply, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "session", ID: id}
	}
	return tx.Commit()
}

func scanSession(row scanner) (*model.Session, error) {
	var sess model.Session
	var state, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AgentID, &state, &sess.Cursor,
		&createdAt, &updatedAt, &sess.TurnCount)
	if err != nil {
		return nil, err
	}
	sess.State = model.State(state)
	sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &sess, nil
}
