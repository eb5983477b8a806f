package vector

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/fault"
)

// disabledIndex is the sentinel used when no vector backend is configured.
// Queries fail so the search layer can report semantic search unavailable;
// deletes are no-ops so group cleanup still succeeds.
type disabledIndex struct{}

func NewDisabled() Index { return disabledIndex{} }

func (disabledIndex) Enabled() bool   { return false }
func (disabledIndex) Colocated() bool { return false }
func (disabledIndex) Dimension() int  { return 0 }

func (disabledIndex) Upsert(context.Context, []Record) error {
	return fault.New(fault.KindPreconditionFailed, "vector backend is disabled")
}

func (disabledIndex) Query(context.Context, []float32, int, Scope) ([]Match, error) {
	return nil, fault.New(fault.KindPreconditionFailed, "vector backend is disabled")
}

func (disabledIndex) DeleteByGroup(context.Context, uuid.UUID) error { return nil }

func (disabledIndex) DeleteByEntryIDs(context.Context, []uuid.UUID) error { return nil }
