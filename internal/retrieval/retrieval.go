// Package retrieval ranks the memories a character can see for the current
// dialogue context and chapter.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

// Index is the vector side of retrieval.
type Index interface {
	Add(ctx context.Context, rec model.MemoryRecord) (embedding.Vector, error)
	Similarities(ctx context.Context, characterID string, query embedding.Vector) (map[string]float64, error)
	Embed(ctx context.Context, text string) (embedding.Vector, error)
}

// Weights of the ranking score.
type Weights struct {
	Relevance  float64 `json:"relevance" mapstructure:"relevance"`
	Proximity  float64 `json:"proximity" mapstructure:"proximity"`
	Confidence float64 `json:"confidence" mapstructure:"confidence"`
}

// Config tunes ranking.
type Config struct {
	Weights Weights
	// Lambda is the decay rate of chapter proximity.
	Lambda float64
	// MinRelevance drops records less similar than this to the context.
	MinRelevance float64
	// Timeout bounds embedding the context.
	Timeout time.Duration
	// K is the default result count.
	K int
}

// SemanticMinRelevance is the relevance floor for model embedders. Hash
// embeddings of short facts rarely reach it, so DefaultConfig keeps the floor
// at zero.
const SemanticMinRelevance = 0.3

func DefaultConfig() Config {
	return Config{
		Weights:      Weights{Relevance: 0.6, Proximity: 0.25, Confidence: 0.15},
		Lambda:       0.3,
		MinRelevance: 0,
		Timeout:      5 * time.Second,
		K:            8,
	}
}

// Query asks for the top memories of one character at one chapter.
type Query struct {
	CharacterID    string `json:"character_id"`
	Context        string `json:"context"`
	Chapter        int    `json:"chapter"`
	K              int    `json:"k"`
	IncludeHistory bool   `json:"include_history,omitempty"`
}

// Result is a ranked record with its score components.
type Result struct {
	Record    model.MemoryRecord `json:"record"`
	Score     float64            `json:"score"`
	Relevance float64            `json:"relevance"`
	Proximity float64            `json:"proximity"`
}

type Engine struct {
	store  store.Reader
	index  Index
	cfg    Config
	logger *slog.Logger
}

func New(s store.Reader, idx Index, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.K <= 0 {
		cfg.K = DefaultConfig().K
	}
	return &Engine{store: s, index: idx, cfg: cfg, logger: logger}
}

// Retrieve returns at most K records visible to the character at the chapter,
// best first. It returns a NotFoundError when the character has no memory space.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	ok, err := e.store.HasSpace(ctx, q.CharacterID)
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}
	if !ok {
		return nil, &model.NotFoundError{Kind: "memory space", ID: q.CharacterID}
	}
	k := q.K
	if k <= 0 {
		k = e.cfg.K
	}

	recs, err := e.store.Visible(ctx, store.VisibleParams{
		CharacterID:       q.CharacterID,
		Chapter:           q.Chapter,
		IncludeSuperseded: q.IncludeHistory,
	})
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}
	if !q.IncludeHistory {
		recs = latestWorldChapter(recs)
	}
	if len(recs) == 0 {
		return []Result{}, nil
	}

	relevance, filter, err := e.relevance(ctx, q, recs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(recs))
	for _, r := range recs {
		rel := relevance[r.ID]
		if filter && rel < e.cfg.MinRelevance {
			continue
		}
		prox := math.Exp(-e.cfg.Lambda * math.Abs(float64(q.Chapter-r.Chapter)))
		w := e.cfg.Weights
		results = append(results, Result{
			Record:    r,
			Score:     w.Relevance*rel + w.Proximity*prox + w.Confidence*r.Confidence,
			Relevance: rel,
			Proximity: prox,
		})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Record.Chapter, a.Record.Chapter); c != 0 {
			return c
		}
		return cmp.Compare(b.Record.Seq, a.Record.Seq)
	})
	if len(results) > k {
		results = results[:k]
	}

	e.logger.Debug("memories retrieved",
		"character", q.CharacterID, "chapter", q.Chapter, "visible", len(recs), "returned", len(results))
	return results, nil
}

// latestWorldChapter drops world heads shadowed by a head of the same key
// from a later chapter. World supersession is chapter-local at write time, so
// an earlier chapter's state stays a head after the world moves on.
func latestWorldChapter(recs []model.MemoryRecord) []model.MemoryRecord {
	latest := make(map[model.Key]int)
	for _, r := range recs {
		if r.Type != model.World {
			continue
		}
		if ch, ok := latest[r.Key()]; !ok || r.Chapter > ch {
			latest[r.Key()] = r.Chapter
		}
	}
	out := recs[:0:0]
	for _, r := range recs {
		if r.Type == model.World && r.Chapter < latest[r.Key()] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// relevance scores each record against the context. The second return value
// is false when there is no usable context, in which case the relevance
// filter does not apply.
func (e *Engine) relevance(ctx context.Context, q Query, recs []model.MemoryRecord) (map[string]float64, bool, error) {
	out := make(map[string]float64, len(recs))
	if e.index == nil {
		return out, false, nil
	}

	ectx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	qv, err := e.index.Embed(ectx, q.Context)
	if err != nil {
		return nil, false, fmt.Errorf("embed context: %w", err)
	}
	if embedding.CosineSimilarity(qv, qv) == 0 {
		return out, false, nil
	}

	sims, err := e.index.Similarities(ctx, q.CharacterID, qv)
	if err != nil {
		return nil, false, fmt.Errorf("query index: %w", err)
	}
	for _, r := range recs {
		if s, ok := sims[r.ID]; ok {
			out[r.ID] = s
			continue
		}
		vec, err := e.index.Add(ctx, r)
		if err != nil {
			e.logger.Warn("lazy index failed", "id", r.ID, "error", err)
			continue
		}
		out[r.ID] = embedding.CosineSimilarity(qv, vec)
	}
	return out, true, nil
}
