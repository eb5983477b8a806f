package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/fault"
)

// noopCache is the disabled sentinel. Epoch and record reads miss, writes
// vanish, and stream operations fail with PRECONDITION_FAILED so features
// that require a shared cache surface a clear error instead of data loss.
type noopCache struct{}

func NewNoop() Cache { return noopCache{} }

func (noopCache) Enabled() bool { return false }

func (noopCache) Close() error { return nil }

func (noopCache) GetLatestEpoch(context.Context, uuid.UUID, string) (int64, bool, error) {
	return 0, false, nil
}

func (noopCache) SetLatestEpoch(context.Context, uuid.UUID, string, int64) error { return nil }

func (noopCache) InvalidateLatestEpoch(context.Context, uuid.UUID, string) error { return nil }

func (noopCache) GetRecord(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (noopCache) SetRecord(context.Context, string, []byte, time.Duration) error { return nil }

func (noopCache) DeleteRecord(context.Context, string) error { return nil }

func (noopCache) AppendStream(context.Context, string, []byte, bool, time.Duration) error {
	return fault.New(fault.KindPreconditionFailed, "cache backend is disabled")
}

func (noopCache) ReadStream(context.Context, string, string, time.Duration) ([]StreamEntry, error) {
	return nil, fault.New(fault.KindPreconditionFailed, "cache backend is disabled")
}

func (noopCache) DeleteStream(context.Context, string) error { return nil }

func (noopCache) PublishCancel(context.Context, string) error { return nil }

func (noopCache) SubscribeCancel(context.Context, string) (<-chan struct{}, func(), error) {
	return nil, nil, fault.New(fault.KindPreconditionFailed, "cache backend is disabled")
}
