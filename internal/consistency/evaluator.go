// Package consistency flags memories that later world facts have made stale
// or that contradict the world as it stood when they were written.
package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

const scanPageSize = 500

// Evaluator checks one record at a time against the records it could conflict with.
type Evaluator struct {
	store    store.Store
	detector Detector
	logger   *slog.Logger
}

func NewEvaluator(s store.Store, d Detector, logger *slog.Logger) *Evaluator {
	if d == nil {
		d = KeywordDetector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: s, detector: d, logger: logger}
}

type pair struct {
	world  model.MemoryRecord
	memory model.MemoryRecord
	kind   model.FlagKind
}

// Evaluate checks rec and persists any findings, returning how many new flags were added.
// World records are checked against earlier character memories; character memories
// against the world facts in force at their chapter.
func (e *Evaluator) Evaluate(ctx context.Context, rec model.MemoryRecord) (int, error) {
	var pairs []pair
	err := e.store.Snapshot(ctx, func(r store.Reader) error {
		cur, err := r.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if cur.Superseded() {
			return nil
		}
		if cur.Type == model.World {
			pairs, err = worldPairs(ctx, r, *cur)
		} else {
			pairs, err = memoryPairs(ctx, r, *cur)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("evaluate record %s: %w", rec.ID, err)
	}

	var flags []model.Flag
	for _, p := range pairs {
		f, err := e.detector.Detect(ctx, p.world, p.memory)
		if err != nil {
			e.logger.Warn("detector failed", "world", p.world.ID, "memory", p.memory.ID, "error", err)
			continue
		}
		if f == nil {
			continue
		}
		flags = append(flags, model.Flag{
			RecordID: p.memory.ID,
			CauseID:  p.world.ID,
			Kind:     p.kind,
			Reason:   f.Reason,
		})
	}
	if len(flags) == 0 {
		return 0, nil
	}

	n, err := e.store.PutFlags(ctx, flags)
	if err != nil {
		return 0, fmt.Errorf("store flags: %w", err)
	}
	if n > 0 {
		e.logger.Info("consistency flags raised", "record", rec.ID, "type", rec.Type, "flags", n)
	}
	return n, nil
}

func worldPairs(ctx context.Context, r store.Reader, w model.MemoryRecord) ([]pair, error) {
	chars, err := r.ListCharacters(ctx)
	if err != nil {
		return nil, err
	}
	affected := mentioned(w.Content, chars)
	if len(affected) == 0 {
		affected = chars
	}

	seen := make(map[string]bool)
	var pairs []pair
	for _, ch := range affected {
		recs, err := r.Visible(ctx, store.VisibleParams{CharacterID: ch.ID, Chapter: w.Chapter})
		if err != nil {
			return nil, err
		}
		for _, m := range recs {
			if m.Type == model.World || seen[m.ID] || !before(m, w) {
				continue
			}
			seen[m.ID] = true
			pairs = append(pairs, pair{world: w, memory: m, kind: model.FlagInvalidated})
		}
	}
	return pairs, nil
}

func memoryPairs(ctx context.Context, r store.Reader, m model.MemoryRecord) ([]pair, error) {
	recs, err := r.Visible(ctx, store.VisibleParams{CharacterID: m.SubjectID, Chapter: m.Chapter})
	if err != nil {
		return nil, err
	}
	var pairs []pair
	for _, w := range recs {
		if w.Type == model.World && w.ID != m.ID {
			pairs = append(pairs, pair{world: w, memory: m, kind: model.FlagContradiction})
		}
	}
	return pairs, nil
}

// before reports whether m was written earlier in the story than w.
func before(m, w model.MemoryRecord) bool {
	if m.Chapter != w.Chapter {
		return m.Chapter < w.Chapter
	}
	return m.Seq < w.Seq
}

func mentioned(content string, chars []model.Character) []model.Character {
	lower := strings.ToLower(content)
	var out []model.Character
	for _, ch := range chars {
		if ch.Name != "" && strings.Contains(lower, strings.ToLower(ch.Name)) {
			out = append(out, ch)
		}
	}
	return out
}

// ScanResult summarises a batch scan.
type ScanResult struct {
	Evaluated int `json:"evaluated"`
	Flagged   int `json:"flagged"`
}

// Scan re-evaluates every current world record with at most concurrency
// evaluations in flight.
func (e *Evaluator) Scan(ctx context.Context, concurrency int) (*ScanResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	var worlds []model.MemoryRecord
	var cursor int64
	for {
		page, err := e.store.Since(ctx, cursor, scanPageSize)
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		for _, rec := range page {
			if rec.Type == model.World && !rec.Superseded() {
				worlds = append(worlds, rec)
			}
		}
		if len(page) < scanPageSize {
			break
		}
		cursor = page[len(page)-1].Seq
	}

	var flagged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, w := range worlds {
		g.Go(func() error {
			n, err := e.Evaluate(gctx, w)
			if err != nil {
				return err
			}
			flagged.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &ScanResult{Evaluated: len(worlds), Flagged: int(flagged.Load())}
	e.logger.Info("consistency scan complete", "evaluated", res.Evaluated, "flagged", res.Flagged)
	return res, nil
}
