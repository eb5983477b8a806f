package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestFS(t *testing.T) Store {
	t.Helper()
	t.Setenv("BLOB_FS_ROOT", t.TempDir())
	s, err := NewFS(mustTestLogger(t))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFSPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)
	payload := "attachment bytes"

	result, err := s.Put(ctx, "attachments/abc", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if result.Size != int64(len(payload)) {
		t.Fatalf("size: want %d got %d", len(payload), result.Size)
	}
	wantSum := sha256.Sum256([]byte(payload))
	if result.SHA256 != hex.EncodeToString(wantSum[:]) {
		t.Fatalf("sha256: got %s", result.SHA256)
	}

	r, err := s.Get(ctx, "attachments/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil || string(raw) != payload {
		t.Fatalf("read back: %q err=%v", raw, err)
	}

	// Overwrite replaces in place.
	if _, err := s.Put(ctx, "attachments/abc", strings.NewReader("v2")); err != nil {
		t.Fatalf("overwrite Put: %v", err)
	}
	r, _ = s.Get(ctx, "attachments/abc")
	raw, _ = io.ReadAll(r)
	r.Close()
	if string(raw) != "v2" {
		t.Fatalf("after overwrite: %q", raw)
	}
}

func TestFSRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	for _, key := range []string{"../escape", "..", "/etc/passwd", "a/../../b"} {
		if _, err := s.Put(ctx, key, strings.NewReader("x")); !fault.IsKind(err, fault.KindInvalidArgument) {
			t.Fatalf("Put(%q): want INVALID_ARGUMENT got %v", key, err)
		}
		if _, err := s.Get(ctx, key); !fault.IsKind(err, fault.KindInvalidArgument) {
			t.Fatalf("Get(%q): want INVALID_ARGUMENT got %v", key, err)
		}
	}
}

func TestFSMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestFS(t)

	if _, err := s.Get(ctx, "attachments/nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("missing Get: want NOT_FOUND got %v", err)
	}

	if _, err := s.Put(ctx, "attachments/x", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "attachments/x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "attachments/x"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("Get after delete: want NOT_FOUND got %v", err)
	}
	// Deleting twice is fine.
	if err := s.Delete(ctx, "attachments/x"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

func TestFSCannotSignURLs(t *testing.T) {
	s := newTestFS(t)
	if _, err := s.SignDownloadURL(context.Background(), "attachments/x", time.Minute); !fault.IsKind(err, fault.KindPreconditionFailed) {
		t.Fatalf("SignDownloadURL: want PRECONDITION_FAILED got %v", err)
	}
}
