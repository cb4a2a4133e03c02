package retrieval

import (
	"fmt"
	"math"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// ContextMemory is a ranked memory packed for a prompt.
type ContextMemory struct {
	ID      string           `json:"id"`
	Type    model.RecordType `json:"type"`
	Chapter int              `json:"chapter"`
	Content string           `json:"content"`
	Score   float64          `json:"score"`
	Excerpt bool             `json:"excerpt,omitempty"`
}

// Context is the assembled memory block.
type Context struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Memories []ContextMemory `json:"memories"`
}

// Assemble packs ranked results into a token budget (1 token ≈ 4 chars).
// The first result that does not fit is excerpted if at least 100 chars remain.
func Assemble(results []Result, budget int) *Context {
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	out := &Context{Budget: budget, Memories: []ContextMemory{}}
	used := 0
	for _, r := range results {
		m := ContextMemory{
			ID:      r.Record.ID,
			Type:    r.Record.Type,
			Chapter: r.Record.Chapter,
			Content: r.Record.Content,
			Score:   math.Round(r.Score*100) / 100,
		}
		if used+len(m.Content) <= charBudget {
			out.Memories = append(out.Memories, m)
			used += len(m.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			m.Content = strings.ToValidUTF8(m.Content[:remaining], "") + "..."
			m.Excerpt = true
			out.Memories = append(out.Memories, m)
			used += len(m.Content)
		}
		break
	}
	out.Used = used / 4
	return out
}

// Text renders the memories as prompt lines, one per memory.
func (c *Context) Text() string {
	if c == nil || len(c.Memories) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range c.Memories {
		fmt.Fprintf(&sb, "- [%s, chapter %d] %s\n", label(m.Type), m.Chapter, m.Content)
	}
	return sb.String()
}

func label(t model.RecordType) string {
	switch t {
	case model.CharacterToUser:
		return "about the user"
	case model.InterCharacter:
		return "between characters"
	case model.World:
		return "world"
	}
	return string(t)
}
