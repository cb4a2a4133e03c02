package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// PutCharacter registers a character, or updates name and background if the id exists.
func (s *SQLiteStore) PutCharacter(ctx context.Context, c model.Character) (*model.Character, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("character id is required")
	}
	if c.Name == "" {
		return nil, fmt.Errorf("character name is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, name, background, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, background = excluded.background`,
		c.ID, c.Name, c.Background, c.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	return s.GetCharacter(ctx, c.ID)
}

func (r reader) GetCharacter(ctx context.Context, id string) (*model.Character, error) {
	var c model.Character
	var createdAt string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, background, created_at FROM characters WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Background, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "character", ID: id}
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &c, nil
}

func (r reader) ListCharacters(ctx context.Context) ([]model.Character, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, name, background, created_at FROM characters ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []model.Character
	for rows.Next() {
		var c model.Character
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Background, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// PutWorldState appends a new world version for the chapter.
func (s *SQLiteStore) PutWorldState(ctx context.Context, chapter int, summary string) (*model.WorldState, error) {
	if chapter < 0 {
		return nil, fmt.Errorf("chapter must be >= 0")
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO world_states (chapter, summary, created_at) VALUES (?, ?, ?)`,
		chapter, summary, now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert world state: %w", err)
	}
	version, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.WorldState{Version: int(version), Chapter: chapter, Summary: summary, CreatedAt: now}, nil
}

func (r reader) WorldStateAt(ctx context.Context, chapter int) (*model.WorldState, error) {
	var ws model.WorldState
	var createdAt string
	err := r.q.QueryRowContext(ctx,
		`SELECT version, chapter, summary, created_at FROM world_states
		 WHERE chapter <= ? ORDER BY chapter DESC, version DESC LIMIT 1`, chapter).
		Scan(&ws.Version, &ws.Chapter, &ws.Summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "world state", ID: fmt.Sprintf("chapter %d", chapter)}
	}
	if err != nil {
		return nil, err
	}
	ws.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &ws, nil
}

func (r reader) ListWorldStates(ctx context.Context) ([]model.WorldState, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT version, chapter, summary, created_at FROM world_states ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.WorldState
	for rows.Next() {
		var ws model.WorldState
		var createdAt string
		if err := rows.Scan(&ws.Version, &ws.Chapter, &ws.Summary, &createdAt); err != nil {
			return nil, err
		}
		ws.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		states = append(states, ws)
	}
	return states, rows.Err()
}
