package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// SearchParams holds parameters for keyword search over records.
type SearchParams struct {
	Query       string
	Type        model.RecordType
	CharacterID string
	Limit       int
}

// Search finds current records whose content or topic contain the query substring.
// CharacterID restricts results to that character's visible records (WM included).
func (r reader) Search(ctx context.Context, p SearchParams) ([]model.MemoryRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	like := "%" + p.Query + "%"
	where := []string{"superseded_by IS NULL", "(content LIKE ? OR topic LIKE ?)"}
	args := []any{like, like}

	if p.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(p.Type))
	}
	if p.CharacterID != "" {
		where = append(where, "(type = ? OR subject_id = ? OR object_id = ?)")
		args = append(args, string(model.World), p.CharacterID, p.CharacterID)
	}

	query := fmt.Sprintf(`SELECT %s FROM memory_records WHERE %s ORDER BY seq DESC LIMIT ?`,
		recordColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	return r.queryRecords(ctx, query, args...)
}
