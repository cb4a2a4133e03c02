// Package extract turns dialogue turns into candidate facts and decides how
// each candidate relates to what is already stored.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/llm"
	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Input is a completed turn plus the cast, used to resolve names to ids.
type Input struct {
	UserID      string
	CharacterID string
	Characters  []model.Character
	UserMessage string
	Reply       string
	Chapter     int
}

// Extractor proposes candidate facts from a turn.
type Extractor interface {
	Extract(ctx context.Context, in Input) ([]model.Candidate, error)
}

// Fact is the structured shape the model must return.
type Fact struct {
	Kind       string  `json:"kind" jsonschema:"enum=user,enum=character,enum=world" jsonschema_description:"user: about the user; character: about another character; world: a change to the shared world"`
	About      string  `json:"about,omitempty" jsonschema_description:"Name of the other character when kind is character"`
	Topic      string  `json:"topic" jsonschema_description:"Short stable label for the slot this fact fills such as name or hometown or relationship"`
	Content    string  `json:"content" jsonschema_description:"The fact as one self-contained sentence"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Exclusive  bool    `json:"exclusive" jsonschema_description:"True when the topic holds a single value so a new value replaces the old one"`
}

// Facts is the top-level extraction payload.
type Facts struct {
	Facts []Fact `json:"facts"`
}

// LLMExtractor asks a chat model for facts in a schema-constrained JSON object.
type LLMExtractor struct {
	client llm.Client
	schema string
}

func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client, schema: SchemaJSON[Facts]()}
}

const extractSystem = `You maintain the long-term memory of a role-play character.
From the dialogue turn, extract durable facts worth remembering later. Skip greetings and small talk.
Respond with a JSON object matching this schema:
%s`

// Extract returns candidates, or an *model.ExtractionError when the model
// fails or its output cannot be used.
func (e *LLMExtractor) Extract(ctx context.Context, in Input) ([]model.Candidate, error) {
	var cast []string
	for _, c := range in.Characters {
		if c.ID != in.CharacterID {
			cast = append(cast, c.Name)
		}
	}
	speaker := in.CharacterID
	for _, c := range in.Characters {
		if c.ID == in.CharacterID {
			speaker = c.Name
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Chapter: %d\nSpeaking character: %s\n", in.Chapter, speaker)
	if len(cast) > 0 {
		fmt.Fprintf(&sb, "Other characters: %s\n", strings.Join(cast, ", "))
	}
	fmt.Fprintf(&sb, "\nUser: %s\n%s: %s\n", in.UserMessage, speaker, in.Reply)

	resp, err := e.client.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(extractSystem, e.schema),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, &model.ExtractionError{Err: err}
	}

	var payload Facts
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &payload); err != nil {
		return nil, &model.ExtractionError{Err: fmt.Errorf("decode facts: %w", err)}
	}
	return ToCandidates(payload.Facts, in), nil
}

// ToCandidates maps model facts onto candidates spoken by in.CharacterID.
// Object resolution to registered characters happens in the write pipeline.
func ToCandidates(facts []Fact, in Input) []model.Candidate {
	var out []model.Candidate
	for _, f := range facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		c := model.Candidate{
			SubjectID:  in.CharacterID,
			Topic:      f.Topic,
			Content:    content,
			Confidence: confidenceOrDefault(f.Confidence),
			Exclusive:  f.Exclusive,
		}
		if c.Topic == "" {
			c.Topic = "general"
		}
		switch strings.ToLower(f.Kind) {
		case "world":
			c.Type = model.World
		case "character":
			c.Type = model.InterCharacter
			c.ObjectID = f.About
		default:
			c.Type = model.CharacterToUser
			c.ObjectID = in.UserID
		}
		out = append(out, c)
	}
	return out
}

// confidenceOrDefault treats a missing confidence as 0.5 and caps at 1.
func confidenceOrDefault(v float64) float64 {
	switch {
	case v <= 0:
		return 0.5
	case v > 1:
		return 1
	}
	return v
}
