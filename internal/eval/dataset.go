// Package eval scores retrieval and consistency against labeled datasets.
package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

// Dataset is a seeded world plus the questions to ask of it.
type Dataset struct {
	Name       string          `yaml:"name"`
	Characters []Character     `yaml:"characters"`
	Records    []Record        `yaml:"records"`
	Chapters   []Transition    `yaml:"chapters"`
	Samples    []Sample        `yaml:"samples"`
	Conflicts  []Contradiction `yaml:"contradictions"`
}

type Character struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Background string `yaml:"background"`
}

// Record is a memory to seed. Replaces names the content of an earlier
// record this one supersedes.
type Record struct {
	Type       string  `yaml:"type"`
	Subject    string  `yaml:"subject"`
	Object     string  `yaml:"object"`
	Topic      string  `yaml:"topic"`
	Content    string  `yaml:"content"`
	Chapter    int     `yaml:"chapter"`
	Confidence float64 `yaml:"confidence"`
	Replaces   string  `yaml:"replaces"`
}

// Transition moves the world to a chapter with new world facts.
type Transition struct {
	Chapter int      `yaml:"chapter"`
	Summary string   `yaml:"summary"`
	Facts   []string `yaml:"facts"`
}

// Sample is one retrieval question with its ground truth.
type Sample struct {
	Name      string   `yaml:"name"`
	Character string   `yaml:"character"`
	Chapter   int      `yaml:"chapter"`
	Context   string   `yaml:"context"`
	K         int      `yaml:"k"`
	Expect    []string `yaml:"expect"`
}

// Contradiction labels a memory that a world fact should flag.
type Contradiction struct {
	Memory string `yaml:"memory"`
	Cause  string `yaml:"cause"`
}

// Load reads a YAML dataset.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Dataset, error) {
	var d Dataset
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	for i, r := range d.Records {
		if _, err := model.ParseRecordType(r.Type); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	for i, s := range d.Samples {
		if s.Character == "" {
			return nil, fmt.Errorf("sample %d (%s): character is required", i+1, s.Name)
		}
	}
	return &d, nil
}
