package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// fsStore keeps blobs under a local directory. Development and
// single-node deployments only; it cannot sign URLs.
type fsStore struct {
	log  *logger.Logger
	root string
}

func NewFS(logg *logger.Logger) (Store, error) {
	root := env.Get("BLOB_FS_ROOT", "./data/blobs", logg)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %q: %w", root, err)
	}
	return &fsStore{log: logg.With("service", "FSBlobStore"), root: root}, nil
}

func (s *fsStore) Enabled() bool { return true }

func (s *fsStore) Close() error { return nil }

// path rejects traversal outside the root.
func (s *fsStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fault.Newf(fault.KindInvalidArgument, "invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *fsStore) Put(_ context.Context, key string, r io.Reader) (*PutResult, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	h := sha256.New()
	n, err := io.Copy(f, io.TeeReader(r, h))
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return nil, fault.Wrap(fault.KindUnavailable, "blob write failed", err)
	}
	return &PutResult{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func (s *fsStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fault.Newf(fault.KindNotFound, "blob %q not found", key)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "blob read failed", err)
	}
	return f, nil
}

func (s *fsStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.KindUnavailable, "blob delete failed", err)
	}
	return nil
}

func (s *fsStore) SignDownloadURL(context.Context, string, time.Duration) (string, error) {
	return "", fault.New(fault.KindPreconditionFailed, "filesystem blob store cannot sign URLs")
}
