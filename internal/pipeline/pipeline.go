// Package pipeline writes facts from finished dialogue turns into memory.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/extract"
	"github.com/sekai-engine/sekai-memory/internal/keylock"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

// Indexer embeds committed records for retrieval.
type Indexer interface {
	Add(ctx context.Context, rec model.MemoryRecord) (embedding.Vector, error)
}

// Enqueuer receives committed records for consistency evaluation.
type Enqueuer interface {
	Enqueue(rec model.MemoryRecord) bool
}

// Config wires the pipeline's collaborators. Index and Queue are optional.
type Config struct {
	Store     store.Store
	Extractor extract.Extractor
	Judge     extract.Judge
	Index     Indexer
	Queue     Enqueuer
	Locks     *keylock.Locker
	Logger    *slog.Logger
}

// Pipeline extracts, classifies, deduplicates and commits facts.
type Pipeline struct {
	store     store.Store
	extractor extract.Extractor
	judge     extract.Judge
	index     Indexer
	queue     Enqueuer
	locks     *keylock.Locker
	logger    *slog.Logger
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		judge:     cfg.Judge,
		index:     cfg.Index,
		queue:     cfg.Queue,
		locks:     cfg.Locks,
		logger:    cfg.Logger,
	}
	if p.judge == nil {
		p.judge = extract.HeuristicJudge{}
	}
	if p.locks == nil {
		p.locks = keylock.New()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Turn is a completed exchange, or the context of a direct write.
type Turn struct {
	SessionID   string
	UserID      string
	CharacterID string
	Chapter     int
	UserMessage string
	Reply       string
}

func (t Turn) validate() error {
	if t.Chapter < 0 {
		return &model.InvalidInputError{Err: fmt.Errorf("chapter %d must be >= 0", t.Chapter)}
	}
	return nil
}

// Result summarises one ingest.
type Result struct {
	Created    []model.MemoryRecord `json:"created"`
	Superseded []string             `json:"superseded,omitempty"`
	Skipped    int                  `json:"skipped"`
	Fallback   bool                 `json:"fallback,omitempty"`
}

// Ingest extracts facts from the turn and commits them. When extraction
// fails the user message is stored verbatim as a low-confidence C2U record.
func (p *Pipeline) Ingest(ctx context.Context, t Turn) (*Result, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	chars, err := p.store.ListCharacters(ctx)
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}

	fallback := false
	var cands []model.Candidate
	if p.extractor == nil {
		fallback = true
	} else {
		cands, err = p.extractor.Extract(ctx, extract.Input{
			UserID:      t.UserID,
			CharacterID: t.CharacterID,
			Characters:  chars,
			UserMessage: t.UserMessage,
			Reply:       t.Reply,
			Chapter:     t.Chapter,
		})
		if err != nil {
			p.logger.Warn("fact extraction failed, storing raw message", "session", t.SessionID, "error", err)
			fallback = true
		}
	}
	if fallback {
		cands = []model.Candidate{fallbackCandidate(t)}
	}

	res, err := p.commit(ctx, t, chars, cands)
	if err != nil {
		return nil, err
	}
	res.Fallback = fallback
	return res, nil
}

// Commit classifies and writes candidates without extraction.
func (p *Pipeline) Commit(ctx context.Context, t Turn, cands []model.Candidate) (*Result, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	chars, err := p.store.ListCharacters(ctx)
	if err != nil {
		return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
	}
	return p.commit(ctx, t, chars, cands)
}

func fallbackCandidate(t Turn) model.Candidate {
	hash := model.HashContent(t.UserMessage)
	return model.Candidate{
		Type:       model.CharacterToUser,
		SubjectID:  t.CharacterID,
		ObjectID:   t.UserID,
		Topic:      "said:" + hash[:12],
		Content:    "user said: " + strings.TrimSpace(t.UserMessage),
		Confidence: 0.3,
	}
}

func (p *Pipeline) commit(ctx context.Context, t Turn, chars []model.Character, cands []model.Candidate) (*Result, error) {
	var classified []model.Candidate
	for _, c := range cands {
		c, ok := Classify(c, t, chars)
		if !ok {
			p.logger.Debug("dropping unusable candidate", "topic", c.Topic, "type", c.Type)
			continue
		}
		classified = append(classified, c)
	}
	if len(classified) == 0 {
		return &Result{}, nil
	}

	keys := make([]string, 0, len(classified))
	for _, c := range classified {
		keys = append(keys, c.Key().String())
	}
	unlock := p.locks.LockAll(keys)
	defer unlock()

	var (
		res    *Result
		writes []store.Write
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		writes, res, err = p.plan(ctx, t, classified)
		if err != nil {
			return nil, err
		}
		if len(writes) == 0 {
			return res, nil
		}
		res.Created, err = p.store.Apply(ctx, writes)
		if err == nil {
			break
		}
		if model.IsInvalidInput(err) {
			return nil, err
		}
		if !model.IsConflict(err) {
			return nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
		}
		p.logger.Warn("supersession conflict, re-reading heads", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, err
	}

	for _, rec := range res.Created {
		if p.index != nil {
			if _, err := p.index.Add(ctx, rec); err != nil {
				// Retrieval indexes missing records lazily.
				p.logger.Warn("index record failed", "id", rec.ID, "error", err)
			}
		}
		if p.queue != nil {
			p.queue.Enqueue(rec)
		}
	}
	p.logger.Info("memory written",
		"session", t.SessionID, "character", t.CharacterID, "chapter", t.Chapter,
		"created", len(res.Created), "superseded", len(res.Superseded), "skipped", res.Skipped)
	return res, nil
}

type pending struct {
	id      string
	write   store.Write
	dropped bool
}

func (pw pending) record() model.MemoryRecord {
	r := pw.write.Record
	r.ID = pw.id
	r.ContentHash = model.HashContent(r.Content)
	return r
}

// plan reads current heads and asks the judge about every candidate. A later
// candidate may replace an earlier one from the same batch.
func (p *Pipeline) plan(ctx context.Context, t Turn, cands []model.Candidate) ([]store.Write, *Result, error) {
	res := &Result{}
	var batch []*pending
	// ids already superseded by an earlier candidate in this batch
	claimed := make(map[string]bool)

	for i, c := range cands {
		key := c.Key()
		heads, err := p.store.Heads(ctx, key)
		if err != nil {
			return nil, nil, &model.BackendUnavailableError{Backend: "memory store", Err: err}
		}
		if c.Type == model.World {
			// World facts only compete within their chapter; earlier chapters stay true for earlier queries.
			heads = sameChapter(heads, t.Chapter)
		}
		heads = unclaimed(heads, claimed)
		byID := make(map[string]*pending)
		for _, pw := range batch {
			if !pw.dropped && pw.write.Record.Key() == key {
				heads = append(heads, pw.record())
				byID[pw.id] = pw
			}
		}

		d, err := p.judge.Judge(ctx, c, heads)
		if err != nil {
			p.logger.Warn("judge failed, treating fact as new", "topic", c.Topic, "error", err)
			d = extract.Decision{Verdict: extract.VerdictCompatible}
		}

		var supersedes []string
		switch d.Verdict {
		case extract.VerdictDuplicate:
			res.Skipped++
			continue
		case extract.VerdictContradicts:
			for _, id := range d.Supersedes {
				if slices.Contains(supersedes, id) {
					continue
				}
				if pw, ok := byID[id]; ok {
					pw.dropped = true
					supersedes = append(supersedes, pw.write.Supersedes...)
					continue
				}
				supersedes = append(supersedes, id)
			}
		}
		for _, id := range supersedes {
			claimed[id] = true
		}

		batch = append(batch, &pending{
			id: fmt.Sprintf("pending-%d", i),
			write: store.Write{
				Record: model.MemoryRecord{
					Type:       c.Type,
					SubjectID:  c.SubjectID,
					ObjectID:   c.ObjectID,
					Topic:      c.Topic,
					Chapter:    t.Chapter,
					Content:    c.Content,
					Confidence: c.Confidence,
					SessionID:  t.SessionID,
				},
				Supersedes: supersedes,
			},
		})
	}

	var writes []store.Write
	for _, pw := range batch {
		if pw.dropped {
			continue
		}
		writes = append(writes, pw.write)
		res.Superseded = append(res.Superseded, pw.write.Supersedes...)
	}
	return writes, res, nil
}

func unclaimed(recs []model.MemoryRecord, claimed map[string]bool) []model.MemoryRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if !claimed[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func sameChapter(recs []model.MemoryRecord, chapter int) []model.MemoryRecord {
	var out []model.MemoryRecord
	for _, r := range recs {
		if r.Chapter == chapter {
			out = append(out, r)
		}
	}
	return out
}

// Classify places a candidate in its tier. WM drops the object; an object
// naming a registered character (by id or name) makes the fact IC; anything
// else is about the session user.
func Classify(c model.Candidate, t Turn, chars []model.Character) (model.Candidate, bool) {
	if strings.TrimSpace(c.Content) == "" {
		return c, false
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		c.Confidence = 0.5
	}
	if c.Topic == "" {
		c.Topic = "general"
	}

	if c.Type == model.World {
		c.SubjectID = model.WorldSubject
		c.ObjectID = ""
		return c, true
	}

	if c.SubjectID == "" {
		c.SubjectID = t.CharacterID
	}
	if c.SubjectID == "" {
		return c, false
	}

	if id, ok := resolveCharacter(c.ObjectID, chars); ok && id != c.SubjectID {
		c.Type = model.InterCharacter
		c.ObjectID = id
		return c, true
	}

	if t.UserID == "" {
		return c, false
	}
	c.Type = model.CharacterToUser
	c.ObjectID = t.UserID
	return c, true
}

func resolveCharacter(ref string, chars []model.Character) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	for _, ch := range chars {
		if ch.ID == ref || strings.EqualFold(ch.Name, ref) {
			return ch.ID, true
		}
	}
	return "", false
}
