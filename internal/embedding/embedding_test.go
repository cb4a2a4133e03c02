package embedding

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)
	if e.Dims() != 256 {
		t.Errorf("expected default 256 dims, got %d", e.Dims())
	}

	a, _ := e.Embed(ctx, "The user loves spicy ramen")
	b, _ := e.Embed(ctx, "the user LOVES spicy ramen!")
	if sim := CosineSimilarity(a, b); math.Abs(sim-1) > 1e-5 {
		t.Errorf("expected identical vectors for case/punctuation variants, got %f", sim)
	}

	c, _ := e.Embed(ctx, "ramen for dinner")
	d, _ := e.Embed(ctx, "castle siege tactics")
	if CosineSimilarity(a, c) <= CosineSimilarity(a, d) {
		t.Error("expected shared words to raise similarity")
	}

	empty, _ := e.Embed(ctx, "")
	if len(empty) != 256 {
		t.Errorf("expected zero vector of 256 dims, got %d", len(empty))
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("The Dragon, and the KNIGHT's sword!")
	want := []string{"dragon", "knight", "s", "sword"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

type countingEmbedder struct {
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	c.calls.Add(1)
	return Vector{1, 2, 3}, nil
}

func (c *countingEmbedder) Dims() int { return 3 }

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}
	defer c.Close()

	c.Embed(ctx, "hello")
	c.Wait()
	v, err := c.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("expected 3 dims, got %d", len(v))
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("expected 1 inner call, got %d", n)
	}
	if c.Dims() != 3 {
		t.Errorf("expected dims passthrough")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Options{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, ok := e.(*HashEmbedder); !ok {
		t.Errorf("expected hash embedder by default, got %T", e)
	}
}
