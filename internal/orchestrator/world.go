package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/world"
)

// InitRequest creates a world from free text or a structured definition.
type InitRequest struct {
	Text       string            `json:"text,omitempty"`
	Definition *world.Definition `json:"definition,omitempty"`
}

type InitResult struct {
	Characters []model.Character `json:"characters"`
	WorldState *model.WorldState `json:"world_state"`
	Seeded     int               `json:"seeded"`
	// Fallback is set when the characters could not be parsed from the text.
	Fallback bool `json:"fallback,omitempty"`
}

// InitWorld registers the world's characters, records the starting world
// state and seeds world memory from the description, one fact per passage.
func (o *Orchestrator) InitWorld(ctx context.Context, req InitRequest) (*InitResult, error) {
	def := req.Definition
	if def == nil {
		if strings.TrimSpace(req.Text) == "" {
			return nil, fmt.Errorf("world text is required")
		}
		def = &world.Definition{Description: req.Text, Chapter: 1}
	}
	if def.Chapter <= 0 {
		def.Chapter = 1
	}

	res := &InitResult{}
	specs := def.Characters
	if len(specs) == 0 {
		specs, res.Fallback = o.cfg.Parser.Parse(ctx, def.Description)
	}
	for _, spec := range specs {
		c, err := o.store.PutCharacter(ctx, model.Character{
			ID:         uuid.NewString(),
			Name:       spec.Name,
			Background: spec.Background,
		})
		if err != nil {
			return nil, fmt.Errorf("register character %q: %w", spec.Name, err)
		}
		res.Characters = append(res.Characters, *c)
	}

	summary := def.Description
	if summary == "" {
		summary = def.Title
	}
	ws, err := o.store.PutWorldState(ctx, def.Chapter, summary)
	if err != nil {
		return nil, fmt.Errorf("store world state: %w", err)
	}
	res.WorldState = ws

	facts := append(world.Seeds(def.Description, def.Chapter), def.Facts...)
	n, err := o.commitFacts(ctx, facts, def.Chapter)
	if err != nil {
		return nil, err
	}
	res.Seeded = n

	o.logger.Info("world initialised",
		"characters", len(res.Characters), "chapter", def.Chapter, "seeded", n, "fallback", res.Fallback)
	return res, nil
}

// AdvanceRequest moves the story to a new chapter.
type AdvanceRequest struct {
	Chapter int          `json:"chapter" binding:"required"`
	Summary string       `json:"summary"`
	Facts   []world.Fact `json:"facts"`
}

type AdvanceResult struct {
	WorldState *model.WorldState `json:"world_state"`
	Written    int               `json:"written"`
}

// AdvanceChapter records a new world state and its facts. The facts reach the
// consistency evaluator through the writer.
func (o *Orchestrator) AdvanceChapter(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if req.Chapter <= 0 {
		return nil, &model.InvalidInputError{Err: fmt.Errorf("chapter must be positive")}
	}
	summary := req.Summary
	if summary == "" {
		var parts []string
		for _, f := range req.Facts {
			parts = append(parts, f.Content)
		}
		summary = strings.Join(parts, " ")
	}
	ws, err := o.store.PutWorldState(ctx, req.Chapter, summary)
	if err != nil {
		return nil, fmt.Errorf("store world state: %w", err)
	}

	n, err := o.commitFacts(ctx, req.Facts, req.Chapter)
	if err != nil {
		return nil, err
	}
	o.logger.Info("chapter advanced", "chapter", req.Chapter, "version", ws.Version, "facts", n)
	return &AdvanceResult{WorldState: ws, Written: n}, nil
}

// commitFacts writes world facts grouped by chapter. Facts without a chapter
// belong to the given default.
func (o *Orchestrator) commitFacts(ctx context.Context, facts []world.Fact, chapter int) (int, error) {
	byChapter := make(map[int][]model.Candidate)
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		ch := f.Chapter
		if ch <= 0 {
			ch = chapter
		}
		byChapter[ch] = append(byChapter[ch], model.Candidate{
			Type:       model.World,
			Topic:      f.Topic,
			Content:    f.Content,
			Confidence: 1,
		})
	}
	chapters := make([]int, 0, len(byChapter))
	for ch := range byChapter {
		chapters = append(chapters, ch)
	}
	sort.Ints(chapters)

	written := 0
	for _, ch := range chapters {
		res, err := o.cfg.Writer.Commit(ctx, pipeline.Turn{Chapter: ch}, byChapter[ch])
		if err != nil {
			return written, fmt.Errorf("write chapter %d facts: %w", ch, err)
		}
		written += len(res.Created)
	}
	return written, nil
}
