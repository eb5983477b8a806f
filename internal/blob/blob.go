package blob

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// PutResult reports what was actually written: the stored byte count and
// the content digest computed while streaming.
type PutResult struct {
	Size   int64
	SHA256 string
}

// Store is the attachment payload store. Keys are opaque to it; the
// attachments engine derives them from attachment ids.
type Store interface {
	Enabled() bool

	Put(ctx context.Context, key string, r io.Reader) (*PutResult, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error

	// SignDownloadURL returns a time-limited direct download URL.
	// Backends without URL signing fail with PRECONDITION_FAILED and
	// callers fall back to streaming through Get.
	SignDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	Close() error
}

// New picks the backend from BLOB_BACKEND: gcs, fs, or none.
func New(ctx context.Context, logg *logger.Logger) (Store, error) {
	backend := strings.ToLower(env.Get("BLOB_BACKEND", "none", logg))
	switch backend {
	case "gcs":
		return NewGCS(ctx, logg)
	case "fs":
		return NewFS(logg)
	default:
		return NewDisabled(), nil
	}
}
