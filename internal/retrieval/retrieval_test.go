package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/index"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

func newTestEngine(t *testing.T, minRelevance float64) (*Engine, *store.SQLiteStore, *index.Index) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	idx, err := index.New("", embedding.NewHashEmbedder(256), nil)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MinRelevance = minRelevance
	return New(s, idx, cfg, nil), s, idx
}

func apply(t *testing.T, s *store.SQLiteStore, writes ...store.Write) []model.MemoryRecord {
	t.Helper()
	out, err := s.Apply(context.Background(), writes)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

func mem(typ model.RecordType, subject, object, topic, content string, chapter int) store.Write {
	return store.Write{Record: model.MemoryRecord{
		Type: typ, SubjectID: subject, ObjectID: object, Topic: topic,
		Content: content, Chapter: chapter, Confidence: 0.8,
	}}
}

func ids(results []Result) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.Record.Content)
	}
	return out
}

func TestRetrieveUnknownCharacter(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	_, err := e.Retrieve(context.Background(), Query{CharacterID: "nobody", Context: "hello", Chapter: 1})
	if !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRetrieveIsolation(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t, 0)

	apply(t, s,
		mem(model.CharacterToUser, "alice", "user", "secret", "User told Alice a secret", 1),
		mem(model.CharacterToUser, "bob", "user", "secret", "User told Bob a different secret", 1),
		mem(model.InterCharacter, "alice", "bob", "duel", "Alice and Bob fought a duel", 1),
	)

	for _, tt := range []struct {
		who  string
		want []string
	}{
		{"alice", []string{"User told Alice a secret", "Alice and Bob fought a duel"}},
		{"bob", []string{"User told Bob a different secret", "Alice and Bob fought a duel"}},
	} {
		got, err := e.Retrieve(ctx, Query{CharacterID: tt.who, Chapter: 1, K: 10})
		if err != nil {
			t.Fatalf("%s: %v", tt.who, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v", tt.who, ids(got))
		}
		seen := make(map[string]bool)
		for _, r := range got {
			seen[r.Record.Content] = true
		}
		for _, w := range tt.want {
			if !seen[w] {
				t.Errorf("%s: missing %q in %v", tt.who, w, ids(got))
			}
		}
	}
}

func TestRetrieveRespectsChapter(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t, 0)

	apply(t, s,
		mem(model.CharacterToUser, "alice", "user", "name", "User is called Sam", 1),
		mem(model.World, model.WorldSubject, "", "state", "The world is normal", 1),
		mem(model.World, model.WorldSubject, "", "state", "A zombie outbreak has begun", 10),
	)

	got, err := e.Retrieve(ctx, Query{CharacterID: "alice", Chapter: 5, K: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for _, r := range got {
		if r.Record.Type == model.World && r.Record.Chapter > 5 {
			t.Errorf("chapter 10 world fact leaked into chapter 5: %q", r.Record.Content)
		}
	}
	if len(got) != 2 {
		t.Errorf("expected the name and the chapter 1 world fact, got %v", ids(got))
	}
}

func TestRetrieveLatestWorldState(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t, 0)

	apply(t, s,
		mem(model.World, model.WorldSubject, "", "lighthouse", "The lighthouse stands on the cliff", 1),
		mem(model.World, model.WorldSubject, "", "lighthouse", "The lighthouse was destroyed", 10),
		mem(model.World, model.WorldSubject, "", "harbor", "The harbor is busy", 1),
		mem(model.CharacterToUser, "alice", "user", "meeting", "Alice met the user", 1),
	)

	for _, tt := range []struct {
		chapter int
		history bool
		want    []string
	}{
		{12, false, []string{"The lighthouse was destroyed", "The harbor is busy", "Alice met the user"}},
		{5, false, []string{"The lighthouse stands on the cliff", "The harbor is busy", "Alice met the user"}},
		{12, true, []string{"The lighthouse was destroyed", "The lighthouse stands on the cliff", "The harbor is busy", "Alice met the user"}},
	} {
		got, err := e.Retrieve(ctx, Query{CharacterID: "alice", Context: "lighthouse", Chapter: tt.chapter, K: 10, IncludeHistory: tt.history})
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		gotSet := map[string]bool{}
		for _, c := range ids(got) {
			gotSet[c] = true
		}
		if len(got) != len(tt.want) {
			t.Errorf("chapter %d history=%v: got %v, want %v", tt.chapter, tt.history, ids(got), tt.want)
			continue
		}
		for _, w := range tt.want {
			if !gotSet[w] {
				t.Errorf("chapter %d history=%v: missing %q in %v", tt.chapter, tt.history, w, ids(got))
			}
		}
	}
}

func TestRetrieveDefaultsRecallUserFacts(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	idx, err := index.New("", embedding.NewHashEmbedder(256), nil)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	e := New(s, idx, DefaultConfig(), nil)

	apply(t, s, mem(model.CharacterToUser, "alice", "user", "name", "The user's name is Sam", 1))

	for _, text := range []string{"what is my name", "Do you remember me?", "What do you know about me?"} {
		got, err := e.Retrieve(ctx, Query{CharacterID: "alice", Context: text, Chapter: 1})
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if len(got) != 1 || got[0].Record.Content != "The user's name is Sam" {
			t.Errorf("%q: expected the name fact, got %v", text, ids(got))
		}
	}
}

func TestRetrieveRanksByRelevance(t *testing.T) {
	ctx := context.Background()
	e, s, idx := newTestEngine(t, 0.3)

	recs := apply(t, s,
		mem(model.CharacterToUser, "alice", "user", "food", "User loves ramen noodles", 1),
		mem(model.CharacterToUser, "alice", "user", "fear", "User fears spiders", 1),
	)

	got, err := e.Retrieve(ctx, Query{CharacterID: "alice", Context: "ramen noodles", Chapter: 1})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != recs[0].ID {
		t.Fatalf("expected only the ramen memory, got %v", ids(got))
	}
	if got[0].Relevance < 0.3 || got[0].Proximity != 1 {
		t.Errorf("unexpected score components: %+v", got[0])
	}

	// Records were indexed lazily on the way.
	qv, _ := idx.Embed(ctx, "spiders")
	sims, _ := idx.Similarities(ctx, "alice", qv)
	if _, ok := sims[recs[1].ID]; !ok {
		t.Error("expected lazily indexed record")
	}
}

func TestRetrieveTieBreaks(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t, 0)

	apply(t, s,
		mem(model.CharacterToUser, "alice", "user", "a", "before", 4),
		mem(model.CharacterToUser, "alice", "user", "b", "after", 6),
		mem(model.CharacterToUser, "alice", "user", "c", "first write", 8),
		mem(model.CharacterToUser, "alice", "user", "d", "second write", 8),
	)

	got, err := e.Retrieve(ctx, Query{CharacterID: "alice", Chapter: 5, K: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want := []string{"after", "before", "second write", "first write"}
	if strings.Join(ids(got), ",") != strings.Join(want, ",") {
		t.Errorf("got order %v, want %v", ids(got), want)
	}
}

func TestRetrieveLimitAndHistory(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t, 0)

	old := apply(t, s, mem(model.CharacterToUser, "alice", "user", "home", "User lives in Paris", 1))[0]
	next := mem(model.CharacterToUser, "alice", "user", "home", "User lives in Tokyo", 2)
	next.Supersedes = []string{old.ID}
	apply(t, s, next)
	for i := 0; i < 5; i++ {
		apply(t, s, mem(model.World, model.WorldSubject, "", "lore", strings.Repeat("lore ", i+1), 1))
	}

	got, _ := e.Retrieve(ctx, Query{CharacterID: "alice", Chapter: 2, K: 3})
	if len(got) != 3 {
		t.Errorf("expected 3 results, got %d", len(got))
	}

	got, _ = e.Retrieve(ctx, Query{CharacterID: "alice", Chapter: 2, K: 20})
	for _, r := range got {
		if r.Record.ID == old.ID {
			t.Error("superseded record returned without history")
		}
	}
	got, _ = e.Retrieve(ctx, Query{CharacterID: "alice", Chapter: 2, K: 20, IncludeHistory: true})
	found := false
	for _, r := range got {
		found = found || r.Record.ID == old.ID
	}
	if !found {
		t.Error("expected superseded record with history")
	}
}

func TestAssemble(t *testing.T) {
	results := []Result{
		{Record: model.MemoryRecord{ID: "a", Type: model.World, Chapter: 1, Content: strings.Repeat("a", 30)}, Score: 0.912},
		{Record: model.MemoryRecord{ID: "b", Type: model.CharacterToUser, Chapter: 2, Content: strings.Repeat("b", 200)}, Score: 0.5},
		{Record: model.MemoryRecord{ID: "c", Content: "never reached"}, Score: 0.1},
	}

	ctx := Assemble(results, 40)
	if len(ctx.Memories) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(ctx.Memories))
	}
	if ctx.Memories[0].Score != 0.91 || ctx.Memories[0].Excerpt {
		t.Errorf("unexpected first memory: %+v", ctx.Memories[0])
	}
	ex := ctx.Memories[1]
	if !ex.Excerpt || len(ex.Content) != 130+3 {
		t.Errorf("expected a 130 char excerpt, got %d chars (excerpt=%v)", len(ex.Content), ex.Excerpt)
	}

	small := Assemble(results, 10)
	if len(small.Memories) != 1 {
		t.Errorf("expected no excerpt below 100 chars, got %d memories", len(small.Memories))
	}

	text := ctx.Text()
	if !strings.Contains(text, "[world, chapter 1]") || !strings.Contains(text, "[about the user, chapter 2]") {
		t.Errorf("unexpected text:\n%s", text)
	}
	if (&Context{}).Text() != "" {
		t.Error("empty context should render nothing")
	}
}
