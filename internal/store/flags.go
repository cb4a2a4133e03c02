package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

var validFlagKinds = map[model.FlagKind]bool{
	model.FlagInvalidated:   true,
	model.FlagContradiction: true,
}

// PutFlags stores consistency findings. A (record, cause) pair is only flagged once.
func (s *SQLiteStore) PutFlags(ctx context.Context, flags []model.Flag) (int, error) {
	if len(flags) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	added := 0
	for _, f := range flags {
		if !validFlagKinds[f.Kind] {
			return 0, fmt.Errorf("invalid flag kind %q (valid: invalidated, contradiction)", f.Kind)
		}
		if f.ID == "" {
			f.ID = s.newID()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO flags (id, record_id, cause_id, kind, reason, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.RecordID, f.CauseID, string(f.Kind), f.Reason, string(model.FlagOpen), now)
		if err != nil {
			return 0, fmt.Errorf("insert flag: %w", err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// ResolveFlag marks a flag as reviewed.
func (s *SQLiteStore) ResolveFlag(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE flags SET status = ? WHERE id = ?`, string(model.FlagResolved), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "flag", ID: id}
	}
	return nil
}

// ListFlags returns flags with the given status, or all flags when status is empty.
func (r reader) ListFlags(ctx context.Context, status model.FlagStatus) ([]model.Flag, error) {
	query := `SELECT id, record_id, cause_id, kind, reason, status, created_at FROM flags`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var f model.Flag
		var kind, st, createdAt string
		if err := rows.Scan(&f.ID, &f.RecordID, &f.CauseID, &kind, &f.Reason, &st, &createdAt); err != nil {
			return nil, err
		}
		f.Kind = model.FlagKind(kind)
		f.Status = model.FlagStatus(st)
		f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}
