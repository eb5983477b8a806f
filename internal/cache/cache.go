package cache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// StreamEntry is one chunk appended to a response stream. ID is the
// backend's entry id and orders the stream; Done marks the final chunk.
type StreamEntry struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
	Done bool   `json:"done"`
}

// Cache is the volatile layer: epoch lookups, resumable-response records
// and chunk streams, and cross-node cancel signaling. Implementations are
// redis (shared), memory (single process), and none (disabled sentinel).
type Cache interface {
	// Enabled reports whether the layer is backed by real storage. The
	// disabled sentinel returns false and callers degrade gracefully.
	Enabled() bool

	GetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error)
	SetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) error
	InvalidateLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) error

	// Records are small opaque values with a TTL, keyed by the caller.
	GetRecord(ctx context.Context, key string) ([]byte, bool, error)
	SetRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteRecord(ctx context.Context, key string) error

	// AppendStream appends a chunk and refreshes the stream TTL.
	AppendStream(ctx context.Context, key string, data []byte, done bool, ttl time.Duration) error

	// ReadStream returns entries after afterID ("0" reads from the start).
	// With a positive block duration the call waits up to that long for
	// new entries before returning an empty slice.
	ReadStream(ctx context.Context, key string, afterID string, block time.Duration) ([]StreamEntry, error)
	DeleteStream(ctx context.Context, key string) error

	// Cancel signals fan out to every node replaying the response.
	PublishCancel(ctx context.Context, responseID string) error
	SubscribeCancel(ctx context.Context, responseID string) (<-chan struct{}, func(), error)

	Close() error
}

// New picks the backend from CACHE_BACKEND: redis, memory, or none.
func New(logg *logger.Logger) (Cache, error) {
	backend := strings.ToLower(env.Get("CACHE_BACKEND", "redis", logg))
	switch backend {
	case "memory":
		return NewMemory(logg), nil
	case "none", "off", "disabled":
		return NewNoop(), nil
	default:
		return NewRedis(logg)
	}
}

func epochKey(conversationID uuid.UUID, clientID string) string {
	return "epoch:" + conversationID.String() + ":" + clientID
}
