package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Export is a full dump of the memory database.
type Export struct {
	Characters  []model.Character    `json:"characters"`
	WorldStates []model.WorldState   `json:"world_states"`
	Records     []model.MemoryRecord `json:"records"`
	Flags       []model.Flag         `json:"flags,omitempty"`
}

// ExportAll returns every character, world state, record (superseded included) and flag.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Export, error) {
	var out Export
	err := s.Snapshot(ctx, func(r Reader) error {
		var err error
		if out.Characters, err = r.ListCharacters(ctx); err != nil {
			return err
		}
		if out.WorldStates, err = r.ListWorldStates(ctx); err != nil {
			return err
		}
		if out.Flags, err = r.ListFlags(ctx, ""); err != nil {
			return err
		}
		out.Records, err = r.(reader).queryRecords(ctx,
			`SELECT `+recordColumns+` FROM memory_records ORDER BY seq`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportResult counts what an import added.
type ImportResult struct {
	Characters  int `json:"characters"`
	WorldStates int `json:"world_states"`
	Records     int `json:"records"`
	Flags       int `json:"flags"`
}

// Import loads an export. Ids and supersession links are preserved; records
// whose id already exists are skipped.
func (s *SQLiteStore) Import(ctx context.Context, data *Export) (*ImportResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &ImportResult{}
	count := func(r sql.Result) int {
		n, _ := r.RowsAffected()
		return int(n)
	}

	for _, c := range data.Characters {
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO characters (id, name, background, created_at) VALUES (?, ?, ?, ?)`,
			c.ID, c.Name, c.Background, c.CreatedAt.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("import character %s: %w", c.ID, err)
		}
		res.Characters += count(r)
	}
	for _, ws := range data.WorldStates {
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO world_states (version, chapter, summary, created_at) VALUES (?, ?, ?, ?)`,
			ws.Version, ws.Chapter, ws.Summary, ws.CreatedAt.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("import world state %d: %w", ws.Version, err)
		}
		res.WorldStates += count(r)
	}
	for _, rec := range data.Records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("import record %s: %w", rec.ID, err)
		}
		var supersededBy *string
		if rec.SupersededBy != "" {
			supersededBy = &rec.SupersededBy
		}
		if rec.ContentHash == "" {
			rec.ContentHash = model.HashContent(rec.Content)
		}
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_records (id, type, subject_id, object_id, topic, chapter, world_version,
			                                       content, confidence, content_hash, session_id, created_at, superseded_by)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.Type), rec.SubjectID, rec.ObjectID, model.NormalizeTopic(rec.Topic), rec.Chapter,
			rec.WorldVersion, rec.Content, rec.Confidence, rec.ContentHash, rec.SessionID,
			rec.CreatedAt.Format(timeLayout), supersededBy)
		if err != nil {
			return nil, fmt.Errorf("import record %s: %w", rec.ID, err)
		}
		res.Records += count(r)
	}
	for _, f := range data.Flags {
		r, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO flags (id, record_id, cause_id, kind, reason, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.RecordID, f.CauseID, string(f.Kind), f.Reason, string(f.Status), f.CreatedAt.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("import flag %s: %w", f.ID, err)
		}
		res.Flags += count(r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
