package vector

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store/postgres"
)

// Record is one entry embedding to index.
type Record struct {
	EntryID             uuid.UUID
	ConversationID      uuid.UUID
	ConversationGroupID uuid.UUID
	Channel             string
	Values              []float32
}

// Match is one semantic hit, best first.
type Match struct {
	EntryID             uuid.UUID
	ConversationID      uuid.UUID
	ConversationGroupID uuid.UUID
	Score               float64
}

// Scope restricts a query to groups the caller can see. ByMembershipOf is
// honored only by the colocated index, which can join memberships in the
// same engine; external indexes take an explicit group id list.
type Scope struct {
	GroupIDs       []uuid.UUID
	ByMembershipOf *uuid.UUID
}

// Index is the semantic index over entry embeddings.
type Index interface {
	Enabled() bool

	// Colocated reports whether the index lives in the primary datastore
	// and supports membership-join scoping.
	Colocated() bool

	Dimension() int

	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, q []float32, topK int, scope Scope) ([]Match, error)
	DeleteByGroup(ctx context.Context, groupID uuid.UUID) error
	DeleteByEntryIDs(ctx context.Context, ids []uuid.UUID) error
}

// New picks the backend from VECTOR_BACKEND: pgvector (colocated), qdrant,
// or none. The pgvector index shares the relational store's connection
// pool, so it requires the postgres datastore.
func New(ctx context.Context, logg *logger.Logger, pg *postgres.Store) (Index, error) {
	backend := strings.ToLower(env.Get("VECTOR_BACKEND", "none", logg))
	switch backend {
	case "pgvector":
		return NewPgvector(ctx, logg, pg)
	case "qdrant":
		return NewQdrant(ctx, logg)
	default:
		return NewDisabled(), nil
	}
}
