package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/extract"
	"github.com/sekai-engine/sekai-memory/internal/index"
	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
	"github.com/sekai-engine/sekai-memory/internal/store"
	"github.com/sekai-engine/sekai-memory/internal/world"
)

type extractorFunc func(ctx context.Context, in extract.Input) ([]model.Candidate, error)

func (f extractorFunc) Extract(ctx context.Context, in extract.Input) ([]model.Candidate, error) {
	return f(ctx, in)
}

type harness struct {
	store *store.SQLiteStore
	orch  *Orchestrator
	mu    sync.Mutex
	reqs  []llm.Request
}

func (h *harness) requests() []llm.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Request(nil), h.reqs...)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	idx, _ := index.New("", embedding.NewHashEmbedder(128), nil)

	h := &harness{store: s}
	gen := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		h.mu.Lock()
		h.reqs = append(h.reqs, req)
		h.mu.Unlock()
		return &llm.Response{Content: " Greetings, traveller. "}, nil
	})
	ext := extractorFunc(func(ctx context.Context, in extract.Input) ([]model.Candidate, error) {
		return []model.Candidate{{Type: model.CharacterToUser, Topic: "said", Content: "User said " + in.UserMessage, Confidence: 0.7}}, nil
	})
	rcfg := retrieval.DefaultConfig()
	// Hashed vectors can score below zero; keep every visible record.
	rcfg.MinRelevance = -1

	cfg := Config{
		Store:     s,
		Retriever: retrieval.New(s, idx, rcfg, nil),
		Writer:    pipeline.New(pipeline.Config{Store: s, Extractor: ext, Index: idx}),
		Generator: gen,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) character(t *testing.T, id, name string) {
	t.Helper()
	if _, err := h.store.PutCharacter(context.Background(), model.Character{ID: id, Name: name, Background: name + " is a knight."}); err != nil {
		t.Fatalf("put character: %v", err)
	}
}

func TestChatRunsFullTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.character(t, "alice", "Alice")
	h.store.PutWorldState(ctx, 1, "The kingdom is at peace.")
	h.store.Apply(ctx, []store.Write{{Record: model.MemoryRecord{
		Type: model.CharacterToUser, SubjectID: "alice", ObjectID: "sam", Topic: "name",
		Content: "User is called Sam", Chapter: 1, Confidence: 0.9,
	}}})

	resp, err := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "Do you remember me?"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Reply != "Greetings, traveller." || resp.Turn != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Memories) != 1 || resp.Written == nil || len(resp.Written.Created) != 1 {
		t.Errorf("expected one memory used and one written, got %+v", resp)
	}

	sys := h.requests()[0].System
	for _, want := range []string{
		"respond as Alice, this is your background: Alice is a knight.",
		"World context: The kingdom is at peace.",
		"User is called Sam",
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}

	sess, _ := h.store.GetSession(ctx, resp.SessionID)
	if sess.State != model.StateIdle || sess.TurnCount != 1 {
		t.Errorf("expected idle session with one turn, got %+v", sess)
	}
	if sess.Cursor != resp.Written.Created[0].Seq {
		t.Errorf("expected cursor %d, got %d", resp.Written.Created[0].Seq, sess.Cursor)
	}

	// Second turn replays the first as history.
	h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "Tell me a story"})
	msgs := h.requests()[1].Messages
	if len(msgs) != 3 || msgs[0].Content != "Do you remember me?" || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected history: %+v", msgs)
	}
}

func TestChatHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.HistoryTurns = 2 })
	h.character(t, "alice", "Alice")

	for i := 0; i < 4; i++ {
		if _, err := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "hello again"}); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	reqs := h.requests()
	if n := len(reqs[3].Messages); n != 5 {
		t.Errorf("expected 2 history turns plus the message, got %d messages", n)
	}
}

func TestChatUnknownCharacter(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Chat(context.Background(), ChatRequest{UserID: "sam", CharacterID: "ghost", Message: "hi"})
	if !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

type blockingRetriever struct{}

func (blockingRetriever) Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChatRetrievalTimeoutUsesEmptyContext(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Retriever = blockingRetriever{}
		c.RetrievalTimeout = 20 * time.Millisecond
	})
	h.character(t, "alice", "Alice")

	resp, err := h.orch.Chat(context.Background(), ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "hi"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(resp.Memories) != 0 {
		t.Errorf("expected no memories, got %d", len(resp.Memories))
	}
	if strings.Contains(h.requests()[0].System, "What you remember") {
		t.Error("empty context should not add a memory block")
	}
}

func TestChatGenerationFailureSkipsWriting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Generator = llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			return nil, &model.BackendUnavailableError{Backend: "openai", Err: errors.New("503")}
		})
	})
	h.character(t, "alice", "Alice")

	_, err := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "hi"})
	if !model.IsBackendUnavailable(err) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	sessions, _ := h.store.ListSessions(ctx)
	if len(sessions) != 1 || sessions[0].State != model.StateIdle || sessions[0].TurnCount != 0 {
		t.Errorf("expected idle session without turns, got %+v", sessions)
	}
	recs, _ := h.store.List(ctx, store.ListParams{})
	if len(recs) != 0 {
		t.Errorf("expected nothing written, got %d records", len(recs))
	}
}

type failingWriter struct{ err error }

func (w failingWriter) Ingest(ctx context.Context, t pipeline.Turn) (*pipeline.Result, error) {
	return nil, w.err
}

func (w failingWriter) Commit(ctx context.Context, t pipeline.Turn, cands []model.Candidate) (*pipeline.Result, error) {
	return nil, w.err
}

func TestChatWriteFailureAbortsTurn(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"backend unavailable", &model.BackendUnavailableError{Backend: "memory store", Err: errors.New("disk full")}, model.IsBackendUnavailable},
		{"conflict", &model.ConflictError{RecordID: "r-raced"}, model.IsConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, func(c *Config) { c.Writer = failingWriter{err: tt.err} })
			h.character(t, "alice", "Alice")

			_, err := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "hi"})
			if !tt.check(err) {
				t.Fatalf("expected %s, got %v", tt.name, err)
			}
			sessions, _ := h.store.ListSessions(ctx)
			if sessions[0].TurnCount != 0 || sessions[0].State != model.StateIdle {
				t.Errorf("turn should not be appended: %+v", sessions[0])
			}
		})
	}
}

func TestChatRejectsInvalidRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.character(t, "alice", "Alice")

	for _, req := range []ChatRequest{
		{UserID: "sam", CharacterID: "alice", Chapter: -1, Message: "hi"},
		{UserID: " ", CharacterID: "alice", Chapter: 1, Message: "hi"},
		{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: ""},
	} {
		if _, err := h.orch.Chat(ctx, req); !model.IsInvalidInput(err) {
			t.Errorf("%+v: expected invalid input, got %v", req, err)
		}
	}
	if n := len(h.requests()); n != 0 {
		t.Errorf("expected no generation for invalid requests, got %d calls", n)
	}
	sessions, _ := h.store.ListSessions(ctx)
	if len(sessions) != 0 {
		t.Errorf("expected no session opened, got %+v", sessions)
	}
}

func TestChatSerialisesSession(t *testing.T) {
	ctx := context.Background()
	var inFlight, peak atomic.Int32
	h := newHarness(t, func(c *Config) {
		c.Generator = llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return &llm.Response{Content: "ok"}, nil
		})
	})
	h.character(t, "alice", "Alice")
	h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "first"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "same"}); err != nil {
				t.Errorf("chat: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("turns of one session overlapped: peak %d", peak.Load())
	}
	sessions, _ := h.store.ListSessions(ctx)
	if sessions[0].TurnCount != 6 {
		t.Errorf("expected 6 turns, got %d", sessions[0].TurnCount)
	}
}

func TestInitWorldFromText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Parser = world.NewParser(llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			return &llm.Response{Content: `{"characters":[{"name":"Mara","background":"You are Mara."},{"name":"Finn","background":"You are Finn."}]}`}, nil
		}), 1, nil)
	})

	res, err := h.orch.InitWorld(ctx, InitRequest{Text: "A lighthouse on a cliff.\n\nChapter 2\nThe lamp goes dark."})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if res.Fallback || len(res.Characters) != 2 {
		t.Fatalf("unexpected characters: %+v", res)
	}
	if res.Characters[0].ID == "" || res.Characters[0].ID == res.Characters[1].ID {
		t.Errorf("expected distinct generated ids: %+v", res.Characters)
	}
	if res.WorldState.Chapter != 1 || res.Seeded != 2 {
		t.Errorf("unexpected world state or seeds: %+v", res)
	}

	wm, _ := h.store.List(ctx, store.ListParams{Type: model.World})
	chapters := map[int]bool{}
	for _, r := range wm {
		chapters[r.Chapter] = true
	}
	if !chapters[1] || !chapters[2] {
		t.Errorf("expected seeds in chapters 1 and 2, got %+v", wm)
	}
}

func TestInitWorldFallback(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Parser = world.NewParser(llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			return nil, errors.New("offline")
		}), 1, nil)
	})
	res, err := h.orch.InitWorld(context.Background(), InitRequest{Text: "A quiet village"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !res.Fallback || len(res.Characters) != 1 || res.Characters[0].Name != "Character" {
		t.Errorf("expected fallback character, got %+v", res)
	}
}

func TestInitWorldFromDefinition(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.InitWorld(context.Background(), InitRequest{Definition: &world.Definition{
		Title:      "Lighthouse",
		Chapter:    3,
		Characters: []world.CharacterSpec{{Name: "Mara", Background: "You are Mara."}},
		Facts:      []world.Fact{{Topic: "lamp", Content: "The lamp burns bright"}},
	}})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(res.Characters) != 1 || res.WorldState.Chapter != 3 || res.WorldState.Summary != "Lighthouse" || res.Seeded != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAdvanceChapter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.store.PutWorldState(ctx, 1, "peace")

	res, err := h.orch.AdvanceChapter(ctx, AdvanceRequest{
		Chapter: 10,
		Facts:   []world.Fact{{Topic: "state", Content: "A zombie outbreak has begun"}},
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.WorldState.Version != 2 || res.WorldState.Summary != "A zombie outbreak has begun" || res.Written != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, err := h.orch.AdvanceChapter(ctx, AdvanceRequest{Chapter: 0}); err == nil {
		t.Error("expected error for chapter 0")
	}
}

func TestSessionManagement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.character(t, "alice", "Alice")
	h.character(t, "bob", "Bob")

	a, _ := h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "alice", Chapter: 1, Message: "hi"})
	h.orch.Chat(ctx, ChatRequest{UserID: "sam", CharacterID: "bob", Chapter: 1, Message: "hi"})
	h.orch.Chat(ctx, ChatRequest{UserID: "kim", CharacterID: "bob", Chapter: 1, Message: "hi"})

	info, err := h.orch.SessionInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.ActiveSessions != 3 || info.Characters != 2 {
		t.Errorf("unexpected info: %+v", info)
	}

	if err := h.orch.ClearSession(ctx, a.SessionID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := h.orch.ClearUserSession(ctx, "sam", "bob"); err != nil {
		t.Fatalf("clear user session: %v", err)
	}
	if err := h.orch.ClearUserSession(ctx, "sam", "bob"); !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	n, err := h.orch.ClearAllSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("expected 1 cleared, got %d, %v", n, err)
	}
	list, _ := h.orch.Sessions(ctx)
	if len(list) != 0 {
		t.Errorf("expected no sessions, got %d", len(list))
	}

	// Memories survive.
	recs, _ := h.store.List(ctx, store.ListParams{})
	if len(recs) != 3 {
		t.Errorf("expected 3 memories kept, got %d", len(recs))
	}
}
