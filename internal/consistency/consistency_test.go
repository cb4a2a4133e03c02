package consistency

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	s.PutCharacter(ctx, model.Character{ID: "alice", Name: "Alice"})
	s.PutCharacter(ctx, model.Character{ID: "bob", Name: "Bob"})
	return s
}

func apply(t *testing.T, s *store.SQLiteStore, recs ...model.MemoryRecord) []model.MemoryRecord {
	t.Helper()
	var writes []store.Write
	for _, r := range recs {
		if r.Confidence == 0 {
			r.Confidence = 0.9
		}
		writes = append(writes, store.Write{Record: r})
	}
	out, err := s.Apply(context.Background(), writes)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

func world(topic, content string, chapter int) model.MemoryRecord {
	return model.MemoryRecord{Type: model.World, SubjectID: model.WorldSubject, Topic: topic, Content: content, Chapter: chapter}
}

func c2u(subject, topic, content string, chapter int) model.MemoryRecord {
	return model.MemoryRecord{Type: model.CharacterToUser, SubjectID: subject, ObjectID: "user", Topic: topic, Content: content, Chapter: chapter}
}

func TestKeywordDetector(t *testing.T) {
	tests := []struct {
		name   string
		world  string
		memory string
		want   bool
	}{
		{"destroyed place", "The old castle has been destroyed", "User promised to meet at the castle", true},
		{"no terminal change", "The castle hosts a festival", "User promised to meet at the castle", false},
		{"unrelated", "The bridge collapsed", "User loves ramen", false},
		{"dead person", "Merchant Tomas is dead", "User owes Tomas ten coins", true},
	}
	for _, tt := range tests {
		f, err := KeywordDetector{}.Detect(context.Background(),
			model.MemoryRecord{Content: tt.world, Chapter: 3}, model.MemoryRecord{Content: tt.memory})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if (f != nil) != tt.want {
			t.Errorf("%s: finding=%v, want conflict=%v", tt.name, f, tt.want)
		}
	}
}

func TestWorldChangeInvalidatesEarlierMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := apply(t, s,
		c2u("alice", "plans", "User promised to meet Alice at the castle", 1),
		c2u("bob", "food", "User loves ramen", 1),
	)
	w := apply(t, s, world("castle", "The castle was destroyed in the night", 4))[0]
	later := apply(t, s, c2u("alice", "rebuild", "User wants to rebuild the castle", 5))[0]

	e := NewEvaluator(s, nil, nil)
	n, err := e.Evaluate(ctx, w)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flag, got %d", n)
	}
	flags, _ := s.ListFlags(ctx, model.FlagOpen)
	if flags[0].RecordID != old[0].ID || flags[0].CauseID != w.ID || flags[0].Kind != model.FlagInvalidated {
		t.Errorf("unexpected flag: %+v", flags[0])
	}
	for _, f := range flags {
		if f.RecordID == later.ID {
			t.Error("memories written after the world change are not invalidated by it")
		}
	}

	// Re-evaluating adds nothing.
	n, _ = e.Evaluate(ctx, w)
	if n != 0 {
		t.Errorf("expected idempotent evaluation, got %d new flags", n)
	}
}

func TestMemoryCheckedAgainstWorld(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w := apply(t, s, world("tomas", "Merchant Tomas was killed by bandits", 2))[0]
	apply(t, s, world("future", "The harbor burned down", 9))
	m := apply(t, s, c2u("alice", "debt", "User will repay Tomas tomorrow", 3))[0]

	n, err := NewEvaluator(s, KeywordDetector{}, nil).Evaluate(ctx, m)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flag, got %d", n)
	}
	flags, _ := s.ListFlags(ctx, "")
	if flags[0].Kind != model.FlagContradiction || flags[0].CauseID != w.ID || flags[0].RecordID != m.ID {
		t.Errorf("unexpected flag: %+v", flags[0])
	}
}

func TestEvaluateSkipsSuperseded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	apply(t, s, c2u("alice", "plans", "User will visit the tower", 1))
	w := apply(t, s, world("tower", "The tower collapsed", 2))[0]
	if _, err := s.Apply(ctx, []store.Write{{Record: world("tower", "The tower stands again", 2), Supersedes: []string{w.ID}}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	n, err := NewEvaluator(s, nil, nil).Evaluate(ctx, w)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 0 {
		t.Errorf("superseded world fact should not raise flags, got %d", n)
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	apply(t, s,
		c2u("alice", "plans", "User will visit the tower", 1),
		c2u("bob", "shop", "User buys bread at the bakery", 1),
	)
	apply(t, s,
		world("tower", "The tower collapsed", 2),
		world("bakery", "The bakery burned", 3),
		world("weather", "Spring arrives", 3),
	)

	res, err := NewEvaluator(s, nil, nil).Scan(ctx, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Evaluated != 3 || res.Flagged != 2 {
		t.Errorf("unexpected scan result: %+v", res)
	}
}

func TestPoolDrainsOnClose(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	apply(t, s, c2u("alice", "plans", "User will visit the tower", 1))
	w := apply(t, s, world("tower", "The tower collapsed", 2))[0]

	p, err := NewPool(&PoolConfig{Evaluator: NewEvaluator(s, nil, nil), NumWorkers: 2})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if !p.Enqueue(w) {
		t.Fatal("expected job queued")
	}
	p.Close()

	flags, _ := s.ListFlags(ctx, model.FlagOpen)
	if len(flags) != 1 {
		t.Errorf("expected 1 flag after drain, got %d", len(flags))
	}
	if p.Enqueue(w) {
		t.Error("enqueue after close should be rejected")
	}
	p.Close()
}

func TestPoolDropsWhenFull(t *testing.T) {
	s := newTestStore(t)
	p := &Pool{
		config: &PoolConfig{Evaluator: NewEvaluator(s, nil, nil)},
		queue:  make(chan model.MemoryRecord, 1),
		logger: NewEvaluator(s, nil, nil).logger,
	}
	if !p.Enqueue(model.MemoryRecord{ID: "a"}) {
		t.Fatal("first enqueue should fit")
	}
	if p.Enqueue(model.MemoryRecord{ID: "b"}) {
		t.Error("second enqueue should be dropped")
	}
}

func TestNewPoolRequiresEvaluator(t *testing.T) {
	if _, err := NewPool(&PoolConfig{}); err == nil {
		t.Error("expected error without evaluator")
	}
}

func TestLLMDetector(t *testing.T) {
	ctx := context.Background()
	w := model.MemoryRecord{Content: "The moon shattered", Chapter: 2}
	m := model.MemoryRecord{Content: "User wants to watch the full moon", Topic: "plans"}

	yes := NewLLMDetector(llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if !req.JSON {
			t.Error("expected JSON mode")
		}
		return &llm.Response{Content: "```json\n{\"conflict\": true, \"reason\": \"the moon is gone\"}\n```"}, nil
	}), nil)
	f, err := yes.Detect(ctx, w, m)
	if err != nil || f == nil || f.Reason != "the moon is gone" {
		t.Errorf("expected model finding, got %+v, %v", f, err)
	}

	no := NewLLMDetector(llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: `{"conflict": false, "reason": ""}`}, nil
	}), nil)
	if f, _ := no.Detect(ctx, w, m); f != nil {
		t.Errorf("expected no finding, got %+v", f)
	}

	// Keyword fallback has no terminal word to match here.
	failing := NewLLMDetector(llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, errors.New("down")
	}), nil)
	if f, err := failing.Detect(ctx, w, m); err != nil || f != nil {
		t.Errorf("expected keyword fallback without finding, got %+v, %v", f, err)
	}
}
