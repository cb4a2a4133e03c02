package model

import "testing"

func TestNewKeyNormalises(t *testing.T) {
	ab := NewKey(InterCharacter, "alice", "bob", "The  Duel")
	ba := NewKey(InterCharacter, "bob", "alice", "the duel")
	if ab != ba {
		t.Errorf("IC keys should be unordered: %v vs %v", ab, ba)
	}

	c1 := NewKey(CharacterToUser, "alice", "user", "x")
	c2 := NewKey(CharacterToUser, "user", "alice", "x")
	if c1 == c2 {
		t.Error("C2U keys are directional")
	}

	wm := NewKey(World, "narrator", "ignored", "Sky")
	if wm.Object != "" || wm.Topic != "sky" {
		t.Errorf("unexpected WM key: %+v", wm)
	}
}

func TestHashContent(t *testing.T) {
	if HashContent("User loves Ramen!") != HashContent("user loves ramen") {
		t.Error("hash should ignore case and punctuation")
	}
	if HashContent("user loves ramen") == HashContent("user hates ramen") {
		t.Error("different content should hash differently")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rec  MemoryRecord
		ok   bool
	}{
		{"c2u", MemoryRecord{Type: CharacterToUser, SubjectID: "a", ObjectID: "u", Content: "x", Confidence: 0.5}, true},
		{"wm", MemoryRecord{Type: World, SubjectID: "n", Content: "x", Confidence: 1}, true},
		{"wm with object", MemoryRecord{Type: World, SubjectID: "n", ObjectID: "a", Content: "x"}, false},
		{"ic without object", MemoryRecord{Type: InterCharacter, SubjectID: "a", Content: "x"}, false},
		{"confidence", MemoryRecord{Type: CharacterToUser, SubjectID: "a", ObjectID: "u", Content: "x", Confidence: 1.5}, false},
		{"negative chapter", MemoryRecord{Type: World, SubjectID: "n", Content: "x", Chapter: -1}, false},
		{"blank content", MemoryRecord{Type: World, SubjectID: "n", Content: "  "}, false},
	}
	for _, tt := range tests {
		err := tt.rec.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: ok=%v, err=%v", tt.name, tt.ok, err)
		}
	}
}

func TestVisibleTo(t *testing.T) {
	r := MemoryRecord{Type: CharacterToUser, SubjectID: "alice", ObjectID: "user"}
	if !r.VisibleTo("alice") || r.VisibleTo("bob") {
		t.Error("C2U record must only be visible to its subject/object")
	}
	ic := MemoryRecord{Type: InterCharacter, SubjectID: "alice", ObjectID: "bob"}
	if !ic.VisibleTo("bob") {
		t.Error("IC record must be visible to the object character")
	}
	wm := MemoryRecord{Type: World, SubjectID: "narrator"}
	if !wm.VisibleTo("anyone") {
		t.Error("WM is shared")
	}
}

func TestParseRecordType(t *testing.T) {
	if rt, err := ParseRecordType("ic"); err != nil || rt != InterCharacter {
		t.Errorf("got %v %v", rt, err)
	}
	if _, err := ParseRecordType("episodic"); err == nil {
		t.Error("expected error")
	}
}
