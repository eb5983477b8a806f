package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

type gcsStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, logg *logger.Logger) (Store, error) {
	serviceLog := logg.With("service", "GCSBlobStore")

	bucket := strings.TrimSpace(env.Get("BLOB_GCS_BUCKET", "", logg))
	if bucket == "" {
		return nil, fmt.Errorf("missing BLOB_GCS_BUCKET")
	}

	var opts []option.ClientOption
	if emulator := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); emulator != "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog.Info("GCS blob store initialized", "bucket", bucket)
	return &gcsStore{log: serviceLog, client: client, bucket: bucket}, nil
}

func (s *gcsStore) Enabled() bool { return true }

func (s *gcsStore) Close() error { return s.client.Close() }

func (s *gcsStore) Put(ctx context.Context, key string, r io.Reader) (*PutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	h := sha256.New()
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	n, err := io.Copy(w, io.TeeReader(r, h))
	if err != nil {
		_ = w.Close()
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	if err := w.Close(); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	return &PutResult{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Get returns a reader whose Close releases the request context, so the
// timeout cannot fire while the caller is still streaming.
func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.Newf(fault.KindNotFound, "blob %q not found", key)
		}
		return nil, fault.Wrap(fault.KindUnavailable, "blob read failed", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, "blob delete failed", err)
	}
	return nil
}

func (s *gcsStore) SignDownloadURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindPreconditionFailed, "URL signing unavailable", err)
	}
	return url, nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
