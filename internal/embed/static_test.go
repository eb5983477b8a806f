package embed

import (
	"context"
	"math"
	"testing"
)

func TestStaticEmbedderShape(t *testing.T) {
	ctx := context.Background()
	e := NewStatic(16)

	if !e.Enabled() {
		t.Fatal("static embedder disabled")
	}
	if e.Dimension() != 16 {
		t.Fatalf("dimension: want 16 got %d", e.Dimension())
	}

	vecs, err := e.Embed(ctx, []string{"hello world", "hello world", "something else"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("vector count: want 3 got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 16 {
			t.Fatalf("vector %d dimension: %d", i, len(v))
		}
	}

	// Deterministic: same text, same vector.
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			t.Fatalf("identical inputs diverged at %d: %v vs %v", i, vecs[0][i], vecs[1][i])
		}
	}

	// Different texts should not collide wholesale.
	same := true
	for i := range vecs[0] {
		if vecs[0][i] != vecs[2][i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("distinct inputs produced identical vectors")
	}
}

func TestStaticEmbedderUnitNorm(t *testing.T) {
	e := NewStatic(32)
	vecs, err := e.Embed(context.Background(), []string{"the quick brown fox jumps over the lazy dog"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("squared norm: want 1 got %v", norm)
	}
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStatic(8)
	vecs, err := e.Embed(context.Background(), []string{"", "   "})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, v := range vecs {
		if v[0] != 1 {
			t.Fatalf("empty input %d: first component %v", i, v[0])
		}
		for j := 1; j < len(v); j++ {
			if v[j] != 0 {
				t.Fatalf("empty input %d: component %d is %v", i, j, v[j])
			}
		}
	}
}

func TestStaticEmbedderDefaultDimension(t *testing.T) {
	if d := NewStatic(0).Dimension(); d != 64 {
		t.Fatalf("default dimension: want 64 got %d", d)
	}
}
