package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/config"
	"github.com/sekai-engine/sekai-memory/internal/logger"
	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/retrieval"
)

func TestParseFact(t *testing.T) {
	tests := []struct {
		in      string
		topic   string
		content string
	}{
		{"castle: The castle has fallen", "castle", "The castle has fallen"},
		{"The harbor froze over", "fact 2", "The harbor froze over"},
		{": no topic", "fact 2", ": no topic"},
	}
	for _, tt := range tests {
		f := parseFact(tt.in, 4, 2)
		if f.Topic != tt.topic || f.Content != tt.content || f.Chapter != 4 {
			t.Errorf("parseFact(%q) = %+v", tt.in, f)
		}
	}
}

func TestNewAppWiresComponents(t *testing.T) {
	c := config.NewDefaultConfig()
	c.Storage.DBPath = filepath.Join(t.TempDir(), "memory.db")
	c.LLM.APIKey = "test"
	c.Retrieval.MinRelevance = -1

	a, err := newApp(c, logger.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	ctx := context.Background()
	if _, err := a.store.PutCharacter(ctx, model.Character{ID: "mara", Name: "Mara"}); err != nil {
		t.Fatalf("put character: %v", err)
	}
	res, err := a.pipeline.Commit(ctx, pipeline.Turn{UserID: "u1", CharacterID: "mara", Chapter: 1},
		[]model.Candidate{{Type: model.CharacterToUser, Topic: "drink", Content: "User drinks green tea", Confidence: 0.9}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("expected 1 record, got %+v", res)
	}

	got, err := a.retrieval.Retrieve(ctx, retrieval.Query{CharacterID: "mara", Context: "green tea", Chapter: 1})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != res.Created[0].ID {
		t.Errorf("expected the committed record back, got %+v", got)
	}
}
