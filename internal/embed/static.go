package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// staticEmbedder maps token hashes into fixed buckets and normalizes the
// result. Deterministic and dependency free; similar texts land near each
// other, which is all development and tests need.
type staticEmbedder struct {
	dim int
}

func NewStatic(dim int) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &staticEmbedder{dim: dim}
}

func (e *staticEmbedder) Enabled() bool  { return true }
func (e *staticEmbedder) Dimension() int { return e.dim }

func (e *staticEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *staticEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[bucket] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
