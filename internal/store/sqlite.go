package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

const timeLayout = time.RFC3339Nano

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements Reader over a connection or a transaction.
type reader struct {
	q querier
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	reader
	db *sql.DB

	// writeMu serialises writers in-process; SQLite allows one writer and
	// upgrading a deferred read transaction can deadlock under WAL.
	writeMu sync.Mutex

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		reader:  reader{q: db},
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		background  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_states (
		version     INTEGER PRIMARY KEY AUTOINCREMENT,
		chapter     INTEGER NOT NULL,
		summary     TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_world_states_chapter ON world_states(chapter);

	CREATE TABLE IF NOT EXISTS memory_records (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		type          TEXT NOT NULL,
		subject_id    TEXT NOT NULL,
		object_id     TEXT NOT NULL DEFAULT '',
		topic         TEXT NOT NULL,
		chapter       INTEGER NOT NULL,
		world_version INTEGER NOT NULL DEFAULT 0,
		content       TEXT NOT NULL,
		confidence    REAL NOT NULL,
		content_hash  TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		superseded_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_key ON memory_records(type, subject_id, object_id, topic);
	CREATE INDEX IF NOT EXISTS idx_records_object ON memory_records(object_id);
	CREATE INDEX IF NOT EXISTS idx_records_chapter ON memory_records(type, chapter);

	CREATE TABLE IF NOT EXISTS flags (
		id          TEXT PRIMARY KEY,
		record_id   TEXT NOT NULL,
		cause_id    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		reason      TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'open',
		created_at  TEXT NOT NULL,
		UNIQUE (record_id, cause_id)
	);
	CREATE INDEX IF NOT EXISTS idx_flags_status ON flags(status);

	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'IDLE',
		cursor      INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		UNIQUE (user_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		idx          INTEGER NOT NULL,
		user_id      TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		chapter      INTEGER NOT NULL,
		user_message TEXT NOT NULL,
		reply        TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, idx);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Apply commits a batch of writes in one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, writes []Write) ([]model.MemoryRecord, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	for i, w := range writes {
		if err := w.Record.Validate(); err != nil {
			return nil, &model.InvalidInputError{Err: fmt.Errorf("write %d: %w", i, err)}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	created := make([]model.MemoryRecord, 0, len(writes))
	for _, w := range writes {
		rec := w.Record
		if rec.ID == "" {
			rec.ID = s.newID()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.Topic = model.NormalizeTopic(rec.Topic)
		rec.ContentHash = model.HashContent(rec.Content)
		rec.SupersededBy = ""
		if rec.Type == model.World && rec.WorldVersion == 0 {
			// Stamp the version active at the record's chapter; 0 when no world state exists yet.
			err := tx.QueryRowContext(ctx,
				`SELECT version FROM world_states WHERE chapter <= ? ORDER BY chapter DESC, version DESC LIMIT 1`,
				rec.Chapter).Scan(&rec.WorldVersion)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("stamp world version: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO memory_records (id, type, subject_id, object_id, topic, chapter, world_version,
			                             content, confidence, content_hash, session_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.Type), rec.SubjectID, rec.ObjectID, rec.Topic, rec.Chapter, rec.WorldVersion,
			rec.Content, rec.Confidence, rec.ContentHash, rec.SessionID, rec.CreatedAt.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("insert record: %w", err)
		}
		rec.Seq, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("record seq: %w", err)
		}

		for _, old := range w.Supersedes {
			if err := supersede(ctx, tx, old, rec.ID); err != nil {
				return nil, err
			}
		}
		created = append(created, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// supersede sets superseded_by on oldID only if it is still a head.
func supersede(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if oldID == newID {
		return fmt.Errorf("record %s cannot supersede itself", oldID)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_records SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, oldID)
	if err != nil {
		return fmt.Errorf("supersede %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM memory_records WHERE id = ?`, oldID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.NotFoundError{Kind: "record", ID: oldID}
	}
	if err != nil {
		return err
	}
	return &model.ConflictError{RecordID: oldID}
}

// Snapshot runs fn inside a read-only transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()
	return fn(reader{q: tx})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, type, subject_id, object_id, topic, chapter, world_version, content,
	confidence, content_hash, session_id, seq, created_at, superseded_by`

func (r reader) Get(ctx context.Context, id string) (*model.MemoryRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// keyClause matches a key; IC keys match either ordering of the pair.
func keyClause(k model.Key) (string, []any) {
	k = model.NewKey(k.Type, k.Subject, k.Object, k.Topic)
	if k.Type == model.InterCharacter {
		return `type = ? AND topic = ? AND ((subject_id = ? AND object_id = ?) OR (subject_id = ? AND object_id = ?))`,
			[]any{string(k.Type), k.Topic, k.Subject, k.Object, k.Object, k.Subject}
	}
	return `type = ? AND topic = ? AND subject_id = ? AND object_id = ?`,
		[]any{string(k.Type), k.Topic, k.Subject, k.Object}
}

func (r reader) Heads(ctx context.Context, k model.Key) ([]model.MemoryRecord, error) {
	where, args := keyClause(k)
	return r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE `+where+` AND superseded_by IS NULL ORDER BY seq`,
		args...)
}

func (r reader) History(ctx context.Context, k model.Key) ([]model.MemoryRecord, error) {
	where, args := keyClause(k)
	return r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE `+where+` ORDER BY seq DESC`,
		args...)
}

func (r reader) Chain(ctx context.Context, id string) ([]model.MemoryRecord, error) {
	var chain []model.MemoryRecord
	seen := map[string]bool{}
	for id != "" {
		if seen[id] {
			return chain, fmt.Errorf("supersession cycle at record %s", id)
		}
		seen[id] = true
		rec, err := r.Get(ctx, id)
		if err != nil {
			return chain, err
		}
		chain = append(chain, *rec)
		id = rec.SupersededBy
	}
	return chain, nil
}

func (r reader) Visible(ctx context.Context, p VisibleParams) ([]model.MemoryRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM memory_records
		WHERE ((type IN (?, ?) AND (subject_id = ? OR object_id = ?)) OR (type = ? AND chapter <= ?))`
	args := []any{string(model.CharacterToUser), string(model.InterCharacter), p.CharacterID, p.CharacterID,
		string(model.World), p.Chapter}
	if !p.IncludeSuperseded {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY seq`
	return r.queryRecords(ctx, query, args...)
}

func (r reader) Since(ctx context.Context, seq int64, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE seq > ? ORDER BY seq LIMIT ?`,
		seq, limit)
}

func (r reader) List(ctx context.Context, p ListParams) ([]model.MemoryRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM memory_records WHERE 1 = 1`
	var args []any
	if p.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(p.Type))
	}
	if p.CharacterID != "" {
		query += ` AND (subject_id = ? OR object_id = ?)`
		args = append(args, p.CharacterID, p.CharacterID)
	}
	if !p.IncludeSuperseded {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	return r.queryRecords(ctx, query, args...)
}

func (r reader) HasSpace(ctx context.Context, characterID string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM characters WHERE id = ?)
		     OR EXISTS (SELECT 1 FROM memory_records WHERE type != ? AND (subject_id = ? OR object_id = ?))`,
		characterID, string(model.World), characterID, characterID).Scan(&exists)
	return exists, err
}

func (r reader) queryRecords(ctx context.Context, query string, args ...any) ([]model.MemoryRecord, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.MemoryRecord, error) {
	var rec model.MemoryRecord
	var typ, createdAt string
	var supersededBy sql.NullString

	err := row.Scan(
		&rec.ID, &typ, &rec.SubjectID, &rec.ObjectID, &rec.Topic, &rec.Chapter, &rec.WorldVersion,
		&rec.Content, &rec.Confidence, &rec.ContentHash, &rec.SessionID, &rec.Seq, &createdAt, &supersededBy,
	)
	if err != nil {
		return rec, err
	}

	rec.Type = model.RecordType(typ)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if supersededBy.Valid {
		rec.SupersededBy = supersededBy.String
	}
	return rec, nil
}
