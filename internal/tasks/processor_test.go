package tasks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/memory-service/internal/blob"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/pkg/pointers"
	"github.com/yungbote/memory-service/internal/store/storetest"
	"github.com/yungbote/memory-service/internal/vector"
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

func newTestProcessor(t *testing.T) (*Processor, *storetest.Fake) {
	t.Helper()
	st := storetest.New()
	return NewProcessor(st, mustTestLogger(t)), st
}

// enqueue creates an immediately eligible task.
func enqueue(t *testing.T, st *storetest.Fake, taskType string, body string) uuid.UUID {
	t.Helper()
	task := &types.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: datatypes.JSON(body),
		RetryAt:  time.Now().UTC().Add(-time.Second),
	}
	created, err := st.CreateTask(context.Background(), task)
	if err != nil || !created {
		t.Fatalf("CreateTask: created=%v err=%v", created, err)
	}
	return task.ID
}

func TestTickRunsAndCompletes(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t)

	ran := 0
	p.Register("noop", func(context.Context, *types.Task) error {
		ran++
		return nil
	})
	enqueue(t, st, "noop", `{}`)

	p.tick(ctx)
	if ran != 1 {
		t.Fatalf("handler runs: want 1 got %d", ran)
	}
	if remaining := st.Tasks(); len(remaining) != 0 {
		t.Fatalf("completed task not deleted: %d left", len(remaining))
	}
}

func TestTickFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t)

	ran := 0
	p.Register("flaky", func(context.Context, *types.Task) error {
		ran++
		return context.DeadlineExceeded
	})
	id := enqueue(t, st, "flaky", `{}`)

	before := time.Now().UTC()
	p.tick(ctx)
	if ran != 1 {
		t.Fatalf("handler runs: want 1 got %d", ran)
	}

	tasks := st.Tasks()
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("failed task missing: %+v", tasks)
	}
	task := tasks[0]
	if task.RetryCount != 1 {
		t.Fatalf("retry count: want 1 got %d", task.RetryCount)
	}
	if task.LastError == "" {
		t.Fatal("failure left no last error")
	}
	if task.ProcessingAt != nil {
		t.Fatal("failure did not release the claim")
	}
	if task.RetryAt.Before(before.Add(p.baseBackoff - time.Second)) {
		t.Fatalf("retry_at not pushed out: %v", task.RetryAt)
	}

	// Backed-off tasks are not reclaimed early.
	p.tick(ctx)
	if ran != 1 {
		t.Fatalf("backed-off task ran again: %d runs", ran)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p, _ := newTestProcessor(t)

	if got := p.backoff(0); got != p.baseBackoff {
		t.Fatalf("backoff(0): want %v got %v", p.baseBackoff, got)
	}
	if got := p.backoff(1); got != 2*p.baseBackoff {
		t.Fatalf("backoff(1): want %v got %v", 2*p.baseBackoff, got)
	}
	if got := p.backoff(100); got != p.maxBackoff {
		t.Fatalf("backoff(100): want cap %v got %v", p.maxBackoff, got)
	}
}

func TestPanicIsFailureNotCrash(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t)

	p.Register("explosive", func(context.Context, *types.Task) error {
		panic("boom")
	})
	enqueue(t, st, "explosive", `{}`)

	p.tick(ctx)

	tasks := st.Tasks()
	if len(tasks) != 1 || tasks[0].RetryCount != 1 {
		t.Fatalf("panicked task state: %+v", tasks)
	}
	if !strings.Contains(tasks[0].LastError, "panic") {
		t.Fatalf("last error: %q", tasks[0].LastError)
	}
}

func TestMissingHandlerFailsTask(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t)

	enqueue(t, st, "unregistered", `{}`)
	p.tick(ctx)

	tasks := st.Tasks()
	if len(tasks) != 1 || !strings.Contains(tasks[0].LastError, "no handler") {
		t.Fatalf("unhandled task state: %+v", tasks)
	}
}

func TestPeriodicReenqueuesAfterSuccess(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t)

	ran := 0
	p.RegisterPeriodic("sweep", func(context.Context, *types.Task) error {
		ran++
		return nil
	}, time.Hour)

	p.enqueuePeriodic(ctx, "sweep", 0)
	// Seeding twice is a singleton no-op.
	p.enqueuePeriodic(ctx, "sweep", 0)
	if len(st.Tasks()) != 1 {
		t.Fatalf("singleton seeding: %d tasks", len(st.Tasks()))
	}

	p.tick(ctx)
	if ran != 1 {
		t.Fatalf("periodic runs: want 1 got %d", ran)
	}

	tasks := st.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("periodic task not re-enqueued: %d tasks", len(tasks))
	}
	if tasks[0].RetryAt.Before(time.Now().UTC().Add(30 * time.Minute)) {
		t.Fatalf("re-enqueued retry_at too soon: %v", tasks[0].RetryAt)
	}

	// The future instance stays quiet.
	p.tick(ctx)
	if ran != 1 {
		t.Fatalf("future periodic ran early: %d runs", ran)
	}
}

// deleteRecordingIndex tracks DeleteByGroup calls.
type deleteRecordingIndex struct {
	vector.Index
	deleted []uuid.UUID
}

func newDeleteRecordingIndex() *deleteRecordingIndex {
	return &deleteRecordingIndex{Index: vector.NewDisabled()}
}

func (x *deleteRecordingIndex) Enabled() bool { return true }
func (x *deleteRecordingIndex) DeleteByGroup(_ context.Context, groupID uuid.UUID) error {
	x.deleted = append(x.deleted, groupID)
	return nil
}

func TestVectorStoreDeleteHandler(t *testing.T) {
	ctx := context.Background()
	idx := newDeleteRecordingIndex()
	handler := vectorStoreDeleteHandler(idx)

	groupID := uuid.New()
	task := &types.Task{
		TaskType: types.TaskTypeVectorStoreDelete,
		TaskBody: datatypes.JSON(`{"conversationGroupId":"` + groupID.String() + `"}`),
	}
	if err := handler(ctx, task); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != groupID {
		t.Fatalf("deleted groups: %v", idx.deleted)
	}

	bad := &types.Task{TaskType: types.TaskTypeVectorStoreDelete, TaskBody: datatypes.JSON(`{}`)}
	if err := handler(ctx, bad); err == nil {
		t.Fatal("empty body accepted")
	}
}

func TestAttachmentEvictionHandler(t *testing.T) {
	ctx := context.Background()
	t.Setenv("BLOB_FS_ROOT", t.TempDir())
	log := mustTestLogger(t)
	st := storetest.New()
	blobs, err := blob.NewFS(log)
	if err != nil {
		t.Fatalf("blob.NewFS: %v", err)
	}

	put := func(key string) {
		if _, err := blobs.Put(ctx, key, strings.NewReader("payload")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	now := time.Now().UTC()

	// Soft-deleted past retention: evicted.
	stale := &types.Attachment{ID: uuid.New(), StorageKey: "attachments/stale", UserID: uuid.New(), Status: types.AttachmentStatusReady}
	put(stale.StorageKey)
	if err := st.CreateAttachment(ctx, stale); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	if err := st.SoftDeleteAttachment(ctx, stale.ID); err != nil {
		t.Fatalf("SoftDeleteAttachment: %v", err)
	}

	// Expired orphan that never got linked: evicted.
	orphan := &types.Attachment{
		ID:         uuid.New(),
		StorageKey: "attachments/orphan",
		UserID:     uuid.New(),
		Status:     types.AttachmentStatusReady,
		ExpiresAt:  pointers.Ptr(now.Add(-time.Minute)),
	}
	put(orphan.StorageKey)
	if err := st.CreateAttachment(ctx, orphan); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	// Live attachment: untouched.
	live := &types.Attachment{ID: uuid.New(), StorageKey: "attachments/live", UserID: uuid.New(), Status: types.AttachmentStatusReady}
	put(live.StorageKey)
	if err := st.CreateAttachment(ctx, live); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	// The fake store's clock runs a few ms ahead of wall time; let the
	// wall clock catch up so the soft delete is in the past.
	time.Sleep(20 * time.Millisecond)

	handler := attachmentEvictionHandler(st, blobs, log, 0, 100)
	if err := handler(ctx, &types.Task{TaskType: types.TaskTypeAttachmentEviction}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	for _, id := range []uuid.UUID{stale.ID, orphan.ID} {
		if _, err := st.GetAttachment(ctx, id); err == nil {
			t.Fatalf("attachment %s survived eviction", id)
		}
	}
	if _, err := st.GetAttachment(ctx, live.ID); err != nil {
		t.Fatalf("live attachment evicted: %v", err)
	}
	if _, err := blobs.Get(ctx, stale.StorageKey); err == nil {
		t.Fatal("evicted blob still readable")
	}
	if _, err := blobs.Get(ctx, live.StorageKey); err != nil {
		t.Fatalf("live blob unreadable: %v", err)
	}
}
