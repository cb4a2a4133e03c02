package world

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sekai-engine/sekai-memory/internal/llm"
)

func TestParse(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if !req.JSON || !strings.Contains(req.Messages[0].Content, "A haunted lighthouse") {
			t.Errorf("unexpected request: %+v", req)
		}
		return &llm.Response{Content: "```json\n" + `{"characters": [
			{"name": "Mara", "background": "You are Mara, the keeper."},
			{"name": "  ", "background": "nameless"},
			{"name": "Finn", "background": "You are Finn, a sailor."}
		]}` + "\n```"}, nil
	})

	chars, fallback := NewParser(client, 2, nil).Parse(context.Background(), "A haunted lighthouse")
	if fallback {
		t.Fatal("unexpected fallback")
	}
	if len(chars) != 2 || chars[0].Name != "Mara" || chars[1].Name != "Finn" {
		t.Errorf("unexpected characters: %+v", chars)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestParseRetriesThenFallsBack(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return &llm.Response{Content: "I'm sorry, here are some characters: Mara"}, nil
	})

	chars, fallback := NewParser(client, 2, nil).Parse(context.Background(), "A haunted lighthouse")
	if !fallback || calls != 2 {
		t.Fatalf("expected fallback after 2 attempts, got fallback=%v calls=%d", fallback, calls)
	}
	if len(chars) != 1 || chars[0].Name != "Character" || chars[0].Background != "You are a character in: A haunted lighthouse" {
		t.Errorf("unexpected fallback: %+v", chars)
	}
}

func TestParseDefinition(t *testing.T) {
	data := []byte(`
title: Lighthouse
description: |
  A storm is coming.

  Chapter 2
  The lamp goes dark.
characters:
  - name: Mara
    background: You are Mara.
facts:
  - chapter: 3
    topic: lamp
    content: The lamp is repaired.
`)
	d, err := ParseDefinition(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Chapter != 1 || len(d.Characters) != 1 || len(d.Facts) != 1 {
		t.Errorf("unexpected definition: %+v", d)
	}

	if _, err := ParseDefinition([]byte("title: empty\n")); err == nil {
		t.Error("expected error for a world with no description or characters")
	}
	if _, err := ParseDefinition([]byte("characters:\n  - background: x\n")); err == nil {
		t.Error("expected error for nameless character")
	}
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.yaml")
	os.WriteFile(path, []byte("description: A desert city\nchapter: 4\n"), 0o644)
	d, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Chapter != 4 || d.Description != "A desert city" {
		t.Errorf("unexpected definition: %+v", d)
	}
	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSeeds(t *testing.T) {
	facts := Seeds("A storm is coming.\n\nChapter 2\nThe lamp goes dark.", 1)
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %+v", facts)
	}
	if facts[0].Chapter != 1 || facts[1].Chapter != 2 {
		t.Errorf("unexpected chapters: %+v", facts)
	}
	if facts[1].Topic != "setting 1" {
		t.Errorf("unexpected topic %q", facts[1].Topic)
	}
}
