package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath            string      `json:"db_path"`
	DBSizeBytes       int64       `json:"db_size_bytes"`
	TotalRecords      int         `json:"total_records"`
	ActiveRecords     int         `json:"active_records"`
	SupersededRecords int         `json:"superseded_records"`
	Characters        int         `json:"characters"`
	WorldVersions     int         `json:"world_versions"`
	Sessions          int         `json:"sessions"`
	OpenFlags         int         `json:"open_flags"`
	Types             []TypeStats `json:"types"`
}

// TypeStats holds per-tier counts.
type TypeStats struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Active int    `json:"active"`
	Keys   int    `json:"keys"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE superseded_by IS NULL`).Scan(&st.ActiveRecords)
	st.SupersededRecords = st.TotalRecords - st.ActiveRecords
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM characters`).Scan(&st.Characters)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM world_states`).Scan(&st.WorldVersions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags WHERE status = 'open'`).Scan(&st.OpenFlags)

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) AS cnt,
		       SUM(CASE WHEN superseded_by IS NULL THEN 1 ELSE 0 END) AS active,
		       COUNT(DISTINCT subject_id || '|' || object_id || '|' || topic) AS keys
		FROM memory_records
		GROUP BY type ORDER BY type`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.Type, &ts.Count, &ts.Active, &ts.Keys); err != nil {
			return st, err
		}
		st.Types = append(st.Types, ts)
	}

	return st, rows.Err()
}
