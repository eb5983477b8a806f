package embed

import (
	"context"
	"strings"

	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// Embedder turns indexable text into vectors for the semantic index.
type Embedder interface {
	Enabled() bool

	// Dimension is the width of returned vectors; it must match the
	// vector index's configured dimension.
	Dimension() int

	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// New picks the provider from EMBED_PROVIDER: openai, static (a
// deterministic local embedder for development), or none.
func New(logg *logger.Logger) (Embedder, error) {
	provider := strings.ToLower(env.Get("EMBED_PROVIDER", "none", logg))
	switch provider {
	case "openai":
		return NewOpenAI(logg)
	case "static":
		return NewStatic(env.GetAsInt("VECTOR_DIM", 1536, logg)), nil
	default:
		return NewNone(), nil
	}
}
