package blob

import (
	"context"
	"io"
	"time"

	"github.com/yungbote/memory-service/internal/fault"
)

type disabledStore struct{}

// NewDisabled returns the sentinel used when attachments are off.
func NewDisabled() Store { return disabledStore{} }

func (disabledStore) Enabled() bool { return false }

func (disabledStore) Close() error { return nil }

func (disabledStore) Put(context.Context, string, io.Reader) (*PutResult, error) {
	return nil, fault.New(fault.KindPreconditionFailed, "blob storage is disabled")
}

func (disabledStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, fault.New(fault.KindPreconditionFailed, "blob storage is disabled")
}

func (disabledStore) Delete(context.Context, string) error { return nil }

func (disabledStore) SignDownloadURL(context.Context, string, time.Duration) (string, error) {
	return "", fault.New(fault.KindPreconditionFailed, "blob storage is disabled")
}
