package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/extract"
	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Detector decides whether a world fact conflicts with a character memory.
// A nil Finding means the two are consistent.
type Detector interface {
	Detect(ctx context.Context, world, memory model.MemoryRecord) (*Finding, error)
}

// Finding is a detector's explanation of a conflict.
type Finding struct {
	Conflict bool   `json:"conflict" jsonschema:"description=true when the memory no longer holds given the world fact"`
	Reason   string `json:"reason" jsonschema:"description=one sentence naming what changed"`
}

var terminalWords = map[string]bool{
	"destroyed": true, "dead": true, "died": true, "killed": true, "vanished": true,
	"gone": true, "ruined": true, "burned": true, "burnt": true, "fallen": true,
	"collapsed": true, "abandoned": true, "lost": true, "sunk": true, "demolished": true,
	"disappeared": true, "exiled": true, "executed": true, "murdered": true, "closed": true,
}

// Words too common to identify what a fact is about.
var genericWords = map[string]bool{
	"user": true, "world": true, "now": true, "has": true, "have": true, "been": true,
	"all": true, "everyone": true, "everything": true, "by": true, "from": true, "its": true,
	"their": true, "his": true, "her": true, "they": true, "he": true, "she": true,
}

// KeywordDetector flags a memory when a world fact reports a terminal change
// (destroyed, dead, vanished...) to something the memory mentions.
type KeywordDetector struct{}

func (KeywordDetector) Detect(_ context.Context, world, memory model.MemoryRecord) (*Finding, error) {
	var terminal string
	entities := make(map[string]bool)
	for _, tok := range embedding.Tokenize(world.Content) {
		switch {
		case terminalWords[tok]:
			if terminal == "" {
				terminal = tok
			}
		case !genericWords[tok] && len(tok) > 2:
			entities[tok] = true
		}
	}
	if terminal == "" {
		return nil, nil
	}

	for _, tok := range embedding.Tokenize(memory.Content + " " + memory.Topic) {
		if entities[tok] {
			return &Finding{
				Conflict: true,
				Reason:   fmt.Sprintf("%q is %s as of chapter %d", tok, terminal, world.Chapter),
			}, nil
		}
	}
	return nil, nil
}

// LLMDetector asks a model and falls back to another detector on failure.
type LLMDetector struct {
	client   llm.Client
	fallback Detector
	schema   string
}

func NewLLMDetector(client llm.Client, fallback Detector) *LLMDetector {
	if fallback == nil {
		fallback = KeywordDetector{}
	}
	return &LLMDetector{client: client, fallback: fallback, schema: extract.SchemaJSON[Finding]()}
}

const detectSystem = `You check a role-play world for continuity errors. Given a world fact and a character's memory,
decide whether the memory is no longer true, or refers to something that can no longer happen, because of the world fact.
Respond with a JSON object matching this schema:
%s`

func (d *LLMDetector) Detect(ctx context.Context, world, memory model.MemoryRecord) (*Finding, error) {
	resp, err := d.client.Complete(ctx, llm.Request{
		System: fmt.Sprintf(detectSystem, d.schema),
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("World fact (chapter %d): %s\nMemory (chapter %d, topic %s): %s",
				world.Chapter, world.Content, memory.Chapter, memory.Topic, memory.Content),
		}},
		JSON: true,
	})
	if err != nil {
		return d.fallback.Detect(ctx, world, memory)
	}

	var f Finding
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &f); err != nil {
		return d.fallback.Detect(ctx, world, memory)
	}
	if !f.Conflict {
		return nil, nil
	}
	if strings.TrimSpace(f.Reason) == "" {
		f.Reason = "world fact conflicts with memory"
	}
	return &f, nil
}
