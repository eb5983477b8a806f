package embed

import (
	"context"

	"github.com/yungbote/memory-service/internal/fault"
)

type noneEmbedder struct{}

// NewNone returns the disabled sentinel. Indexing paths check Enabled()
// and skip embedding work entirely when it is off.
func NewNone() Embedder { return noneEmbedder{} }

func (noneEmbedder) Enabled() bool  { return false }
func (noneEmbedder) Dimension() int { return 0 }

func (noneEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fault.New(fault.KindPreconditionFailed, "embedding provider is disabled")
}
