package world

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sekai-engine/sekai-memory/internal/chunker"
)

// Definition is a structured world file. Characters may be omitted, in which
// case they are parsed from Description.
type Definition struct {
	Title       string          `yaml:"title" json:"title"`
	Description string          `yaml:"description" json:"description"`
	Chapter     int             `yaml:"chapter" json:"chapter"`
	Characters  []CharacterSpec `yaml:"characters" json:"characters"`
	Facts       []Fact          `yaml:"facts" json:"facts"`
}

// Fact is a world fact pinned to a chapter.
type Fact struct {
	Chapter int    `yaml:"chapter" json:"chapter"`
	Topic   string `yaml:"topic" json:"topic"`
	Content string `yaml:"content" json:"content"`
}

// LoadDefinition reads a YAML (or JSON) world file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world file: %w", err)
	}
	return ParseDefinition(data)
}

func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse world file: %w", err)
	}
	if strings.TrimSpace(d.Description) == "" && len(d.Characters) == 0 {
		return nil, fmt.Errorf("world file needs a description or characters")
	}
	if d.Chapter <= 0 {
		d.Chapter = 1
	}
	for i, c := range d.Characters {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("character %d has no name", i+1)
		}
	}
	return &d, nil
}

// Seeds splits a description into world facts, one per passage, following
// its chapter headings.
func Seeds(description string, startChapter int) []Fact {
	var facts []Fact
	count := make(map[int]int)
	for _, p := range chunker.Split(description, startChapter, chunker.DefaultOptions()) {
		count[p.Chapter]++
		facts = append(facts, Fact{
			Chapter: p.Chapter,
			Topic:   fmt.Sprintf("setting %d", count[p.Chapter]),
			Content: p.Text,
		})
	}
	return facts
}
