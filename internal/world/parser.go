// Package world turns a world description into characters and chapter-scoped
// world facts.
package world

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sekai-engine/sekai-memory/internal/extract"
	"github.com/sekai-engine/sekai-memory/internal/llm"
)

// CharacterSpec is a character as described by the world, before registration.
type CharacterSpec struct {
	Name       string `json:"name" yaml:"name" jsonschema:"description=the character's name as used in the story"`
	Background string `json:"background" yaml:"background" jsonschema:"description=second-person system prompt: You are <name>, ..."`
}

type parsed struct {
	Characters []CharacterSpec `json:"characters"`
}

const parseSystem = `You must return results strictly in the required JSON format.
Do not add any additional explanations or text.
Only return valid JSON that completely conforms to this schema:
%s`

const parseUser = `The background field should be written as a system prompt. Narrate from the character's first-person
perspective, translating the world script into the character's own understanding and experiences, and capture key
characters, events, relationships and timeline clues. Mark personal speculation as subjective rather than fact.

%s

Return only JSON, no other text.`

// Parser extracts characters from free-form world text with a model.
type Parser struct {
	client   llm.Client
	attempts int
	schema   string
	logger   *slog.Logger
}

// NewParser returns a parser that makes at most attempts model calls before
// falling back to a single generic character.
func NewParser(client llm.Client, attempts int, logger *slog.Logger) *Parser {
	if attempts <= 0 {
		attempts = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{client: client, attempts: attempts, schema: extract.SchemaJSON[parsed](), logger: logger}
}

// Fallback is the character used when the world text cannot be parsed.
func Fallback(input string) []CharacterSpec {
	return []CharacterSpec{{Name: "Character", Background: "You are a character in: " + input}}
}

// Parse returns the characters described by input. The second return value
// reports whether the fallback character was used.
func (p *Parser) Parse(ctx context.Context, input string) ([]CharacterSpec, bool) {
	if p.client == nil {
		return Fallback(input), true
	}
	for attempt := 1; attempt <= p.attempts; attempt++ {
		chars, err := p.parseOnce(ctx, input)
		if err == nil {
			return chars, false
		}
		p.logger.Warn("world parse failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Fallback(input), true
}

func (p *Parser) parseOnce(ctx context.Context, input string) ([]CharacterSpec, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(parseSystem, p.schema),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(parseUser, input)}},
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	var out parsed
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("decode characters: %w", err)
	}
	var chars []CharacterSpec
	for _, c := range out.Characters {
		c.Name = strings.TrimSpace(c.Name)
		c.Background = strings.TrimSpace(c.Background)
		if c.Name != "" && c.Background != "" {
			chars = append(chars, c)
		}
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("no characters in response")
	}
	return chars, nil
}
