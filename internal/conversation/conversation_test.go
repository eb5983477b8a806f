package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/memory-service/internal/access"
	"github.com/yungbote/memory-service/internal/cache"
	"github.com/yungbote/memory-service/internal/crypt"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/embed"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/pkg/pointers"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
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

func userPrincipal(userID uuid.UUID, roles ...principal.Role) principal.Principal {
	return principal.Principal{UserID: &userID, Roles: roles}
}

// fakeIndex records upserts and deletions; Query is unused here.
type fakeIndex struct {
	mu          sync.Mutex
	dim         int
	failUpserts bool
	upserts     map[uuid.UUID]vector.Record
}

func newFakeIndex(dim int) *fakeIndex {
	return &fakeIndex{dim: dim, upserts: map[uuid.UUID]vector.Record{}}
}

func (x *fakeIndex) Enabled() bool   { return true }
func (x *fakeIndex) Colocated() bool { return false }
func (x *fakeIndex) Dimension() int  { return x.dim }

func (x *fakeIndex) Upsert(_ context.Context, records []vector.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.failUpserts {
		return fault.New(fault.KindUnavailable, "index down")
	}
	for _, r := range records {
		x.upserts[r.EntryID] = r
	}
	return nil
}

func (x *fakeIndex) Query(context.Context, []float32, int, vector.Scope) ([]vector.Match, error) {
	return nil, nil
}
func (x *fakeIndex) DeleteByGroup(context.Context, uuid.UUID) error   { return nil }
func (x *fakeIndex) DeleteByEntryIDs(context.Context, []uuid.UUID) error { return nil }

func (x *fakeIndex) has(id uuid.UUID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.upserts[id]
	return ok
}

type testEnv struct {
	engine *Engine
	store  *storetest.Fake
	cache  cache.Cache
	index  *fakeIndex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := mustTestLogger(t)
	st := storetest.New()
	idx := newFakeIndex(8)
	env := &testEnv{
		store: st,
		cache: cache.NewMemory(log),
		index: idx,
	}
	cr := &crypt.Service{DB: crypt.NewCodec(nil), Attachment: crypt.NewCodec(nil)}
	env.engine = NewEngine(st, access.New(st, log), env.cache, idx, embed.NewStatic(8), cr, log)
	return env
}

func textEntry(channel types.EntryChannel, text string) *types.Entry {
	return &types.Entry{
		Channel: channel,
		Content: datatypes.JSON(`[{"type":"text","text":"` + text + `"}]`),
	}
}

func memoryEntry(text string) *types.Entry {
	return textEntry(types.ChannelMemory, text)
}

func TestCreateAndGetConversation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "  notes  ")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Title != "notes" {
		t.Fatalf("title not trimmed: %q", conv.Title)
	}
	if conv.ConversationGroupID == uuid.Nil {
		t.Fatal("conversation missing its group")
	}

	got, err := env.engine.GetConversation(ctx, owner, conv.ID)
	if err != nil || got.ID != conv.ID {
		t.Fatalf("GetConversation: %+v err=%v", got, err)
	}

	// Strangers cannot tell a hidden conversation from a missing one.
	if _, err := env.engine.GetConversation(ctx, userPrincipal(uuid.New()), conv.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("stranger read: want NOT_FOUND got %v", err)
	}

	if _, err := env.engine.CreateConversation(ctx, principal.Principal{}, "x"); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("anonymous create: want FORBIDDEN got %v", err)
	}
}

func TestAppendRequiresWriter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())
	reader := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "shared")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := env.store.UpsertMembership(ctx, &types.ConversationMembership{
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              reader.User(),
		AccessLevel:         types.AccessReader,
	}); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	req := store.AppendRequest{ConversationID: conv.ID, Entries: []*types.Entry{textEntry(types.ChannelHistory, "hi")}}
	if _, err := env.engine.AppendEntries(ctx, reader, req); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("reader append: want FORBIDDEN got %v", err)
	}

	req = store.AppendRequest{ConversationID: conv.ID, Entries: []*types.Entry{textEntry(types.ChannelHistory, "hi")}}
	result, err := env.engine.AppendEntries(ctx, owner, req)
	if err != nil {
		t.Fatalf("owner append: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].ID == uuid.Nil {
		t.Fatalf("append result: %+v", result.Entries)
	}
}

func TestMemoryEpochAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "agent")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	append1 := func(epoch *int64) (*store.AppendResult, error) {
		return env.engine.AppendEntries(ctx, owner, store.AppendRequest{
			ConversationID: conv.ID,
			ClientID:       "agent-1",
			Epoch:          epoch,
			Entries:        []*types.Entry{memoryEntry("state")},
		})
	}

	// Auto-assignment counts up from 1.
	result, err := append1(nil)
	if err != nil {
		t.Fatalf("first MEMORY append: %v", err)
	}
	if result.Entries[0].Epoch == nil || *result.Entries[0].Epoch != 1 {
		t.Fatalf("first epoch: want 1 got %v", result.Entries[0].Epoch)
	}
	result, err = append1(nil)
	if err != nil || *result.Entries[0].Epoch != 2 {
		t.Fatalf("second epoch: want 2 got %v err=%v", result.Entries[0].Epoch, err)
	}

	// Re-submitting an existing epoch is a conflict.
	if _, err := append1(pointers.Int64(2)); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("duplicate epoch: want CONFLICT got %v", err)
	}
	if _, err := append1(pointers.Int64(0)); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("zero epoch: want INVALID_ARGUMENT got %v", err)
	}

	// Explicit epochs may skip ahead; latest follows.
	if _, err := append1(pointers.Int64(5)); err != nil {
		t.Fatalf("explicit epoch: %v", err)
	}
	listed, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID,
		Channel:        pointers.Ptr(types.ChannelMemory),
		ClientID:       "agent-1",
		Epoch:          EpochLatest,
	})
	if err != nil {
		t.Fatalf("ListEntries latest: %v", err)
	}
	if listed.Epoch != 5 || len(listed.Entries) != 1 {
		t.Fatalf("latest snapshot: epoch=%d entries=%d", listed.Epoch, len(listed.Entries))
	}

	// MEMORY requires a client id and cannot mix with other channels.
	_, err = env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{memoryEntry("state")},
	})
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("MEMORY without client id: want INVALID_ARGUMENT got %v", err)
	}
	_, err = env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		ClientID:       "agent-1",
		Entries:        []*types.Entry{memoryEntry("state"), textEntry(types.ChannelHistory, "hi")},
	})
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("mixed MEMORY batch: want INVALID_ARGUMENT got %v", err)
	}
}

func TestListEntriesSelectors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
			ConversationID: conv.ID,
			ClientID:       "agent-1",
			Entries:        []*types.Entry{memoryEntry("snapshot")},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	memory := pointers.Ptr(types.ChannelMemory)

	// A pinned epoch reads exactly that snapshot.
	pinned, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: memory, ClientID: "agent-1", Epoch: "2",
	})
	if err != nil || len(pinned.Entries) != 1 || pinned.Epoch != 2 {
		t.Fatalf("pinned epoch: entries=%d epoch=%d err=%v", len(pinned.Entries), pinned.Epoch, err)
	}

	// "all" spans every epoch.
	all, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: memory, ClientID: "agent-1", Epoch: EpochAll,
	})
	if err != nil || len(all.Entries) != 3 {
		t.Fatalf("all epochs: entries=%d err=%v", len(all.Entries), err)
	}

	if _, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: memory, ClientID: "agent-1", Epoch: "bogus",
	}); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("bogus epoch selector: want INVALID_ARGUMENT got %v", err)
	}
	if _, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: memory, Epoch: EpochLatest,
	}); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("MEMORY read without client id: want INVALID_ARGUMENT got %v", err)
	}
	if _, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: pointers.Ptr(types.ChannelHistory), Epoch: "1",
	}); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("epoch on HISTORY: want INVALID_ARGUMENT got %v", err)
	}
	if _, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: conv.ID, Channel: memory, ClientID: "agent-1", Epoch: "2", AllForks: true,
	}); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("pinned epoch across forks: want INVALID_ARGUMENT got %v", err)
	}
}

func TestForkOnAppend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	root, err := env.engine.CreateConversation(ctx, owner, "root")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	seeded, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: root.ID,
		Entries:        []*types.Entry{textEntry(types.ChannelHistory, "anchor")},
	})
	if err != nil {
		t.Fatalf("seed append: %v", err)
	}
	anchor := seeded.Entries[0].ID

	forkID := uuid.New()
	seedEntry := textEntry(types.ChannelHistory, "branch start")
	seedEntry.ID = uuid.New()
	result, err := env.engine.ForkConversationAtEntry(ctx, owner, forkID, root.ID, anchor, "branch", []*types.Entry{seedEntry}, "", nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if !result.CreatedFork {
		t.Fatal("first fork call did not report creation")
	}

	branch, err := env.store.GetConversation(ctx, forkID)
	if err != nil {
		t.Fatalf("GetConversation(fork): %v", err)
	}
	if branch.ConversationGroupID != root.ConversationGroupID || !branch.IsFork() {
		t.Fatalf("fork shape: %+v", branch)
	}

	// Retrying with the same ids is idempotent.
	retryEntry := textEntry(types.ChannelHistory, "branch start")
	retryEntry.ID = seedEntry.ID
	result, err = env.engine.ForkConversationAtEntry(ctx, owner, forkID, root.ID, anchor, "branch", []*types.Entry{retryEntry}, "", nil)
	if err != nil {
		t.Fatalf("fork retry: %v", err)
	}
	if result.CreatedFork {
		t.Fatal("retry reported a fresh fork")
	}
	entries, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{ConversationID: forkID})
	if err != nil || len(entries.Entries) != 1 {
		t.Fatalf("fork entries after retry: %d err=%v", len(entries.Entries), err)
	}

	// The same branch id with a different anchor is a conflict.
	if _, err := env.engine.ForkConversationAtEntry(ctx, owner, forkID, root.ID, seedEntry.ID, "branch", nil, "", nil); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("anchor mismatch: want CONFLICT got %v", err)
	}

	// A fork may start empty.
	empty, err := env.engine.ForkConversationAtEntry(ctx, owner, uuid.New(), root.ID, anchor, "empty branch", nil, "", nil)
	if err != nil {
		t.Fatalf("seedless fork: %v", err)
	}
	if !empty.CreatedFork || len(empty.Entries) != 0 {
		t.Fatalf("seedless fork result: %+v", empty)
	}

	// The anchor must live in the named ancestor.
	if _, err := env.engine.ForkConversationAtEntry(ctx, owner, uuid.New(), root.ID, uuid.New(), "", nil, "", nil); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("unknown anchor: want NOT_FOUND got %v", err)
	}
}

func TestSyncAgentEntryIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	entry := textEntry(types.ChannelHistory, "turn")
	entry.ID = uuid.New()
	first, err := env.engine.SyncAgentEntry(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{entry},
	})
	if err != nil || first.AlreadyExisted {
		t.Fatalf("first sync: existed=%v err=%v", first.AlreadyExisted, err)
	}

	replay := textEntry(types.ChannelHistory, "turn")
	replay.ID = entry.ID
	second, err := env.engine.SyncAgentEntry(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{replay},
	})
	if err != nil || !second.AlreadyExisted {
		t.Fatalf("replayed sync: existed=%v err=%v", second.AlreadyExisted, err)
	}
	if second.Entry.ID != entry.ID {
		t.Fatalf("replay returned a different entry: %s", second.Entry.ID)
	}
}

func TestEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	log := mustTestLogger(t)
	st := storetest.New()
	key := make([]byte, 32)
	cipher, err := crypt.NewAESGCM(key)
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	cr := &crypt.Service{DB: crypt.NewCodec(cipher), Attachment: crypt.NewCodec(nil)}
	engine := NewEngine(st, access.New(st, log), cache.NewMemory(log), newFakeIndex(8), embed.NewStatic(8), cr, log)
	owner := userPrincipal(uuid.New())

	conv, err := engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	plaintext := `[{"type":"text","text":"secret"}]`
	result, err := engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{{Channel: types.ChannelHistory, Content: datatypes.JSON(plaintext)}},
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if string(result.Entries[0].Content) != plaintext {
		t.Fatalf("append result not decrypted: %s", result.Entries[0].Content)
	}

	raw, err := st.GetEntry(ctx, result.Entries[0].ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !strings.Contains(string(raw.Content), `"enc:aesgcm:`) {
		t.Fatalf("stored content not encrypted: %s", raw.Content)
	}

	listed, err := engine.ListEntries(ctx, owner, ListEntriesRequest{ConversationID: conv.ID})
	if err != nil || string(listed.Entries[0].Content) != plaintext {
		t.Fatalf("listed content: %s err=%v", listed.Entries[0].Content, err)
	}
}

func TestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())
	indexer := principal.Principal{UserID: pointers.Ptr(uuid.New()), Roles: []principal.Role{principal.RoleIndexer}, APIKey: true}

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	result, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{textEntry(types.ChannelHistory, "what is a monad")},
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	entryID := result.Entries[0].ID

	if err := env.engine.IndexEntries(ctx, owner, []IndexItem{{EntryID: entryID, Text: "x"}}); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("IndexEntries without role: want FORBIDDEN got %v", err)
	}

	if err := env.engine.IndexEntries(ctx, indexer, []IndexItem{{EntryID: entryID, Text: "a monad is a monoid"}}); err != nil {
		t.Fatalf("IndexEntries: %v", err)
	}
	if !env.index.has(entryID) {
		t.Fatal("entry never reached the index")
	}
	entry, err := env.store.GetEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.IndexedContent == nil || *entry.IndexedContent != "a monad is a monoid" {
		t.Fatalf("indexed content: %v", entry.IndexedContent)
	}
	if entry.IndexedAt == nil {
		t.Fatal("indexed_at not stamped")
	}

	// The text write is once-only.
	if err := env.engine.IndexEntries(ctx, indexer, []IndexItem{{EntryID: entryID, Text: "rewrite attempt"}}); err != nil {
		t.Fatalf("repeat IndexEntries: %v", err)
	}
	entry, _ = env.store.GetEntry(ctx, entryID)
	if *entry.IndexedContent != "a monad is a monoid" {
		t.Fatalf("indexed content overwritten: %q", *entry.IndexedContent)
	}
}

func TestUpsertFailureSchedulesRetryTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())
	indexer := principal.Principal{UserID: pointers.Ptr(uuid.New()), Roles: []principal.Role{principal.RoleIndexer}, APIKey: true}

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	result, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{textEntry(types.ChannelHistory, "turn")},
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	entryID := result.Entries[0].ID

	env.index.failUpserts = true
	if err := env.engine.IndexEntries(ctx, indexer, []IndexItem{{EntryID: entryID, Text: "projection"}}); err != nil {
		t.Fatalf("IndexEntries with failing index: %v", err)
	}

	wantName := types.TaskTypeEntryVectorIndexRetry + ":" + entryID.String()
	var task *types.Task
	for _, candidate := range env.store.Tasks() {
		if candidate.TaskName != nil && *candidate.TaskName == wantName {
			task = candidate
		}
	}
	if task == nil {
		t.Fatalf("no retry task named %q", wantName)
	}
	if task.TaskType != types.TaskTypeEntryVectorIndexRetry {
		t.Fatalf("retry task type: %q", task.TaskType)
	}

	// The processor path: ReindexEntry succeeds once the index recovers.
	env.index.failUpserts = false
	if err := env.engine.ReindexEntry(ctx, entryID); err != nil {
		t.Fatalf("ReindexEntry: %v", err)
	}
	if !env.index.has(entryID) {
		t.Fatal("reindex never reached the index")
	}
	entry, _ := env.store.GetEntry(ctx, entryID)
	if entry.IndexedAt == nil {
		t.Fatal("reindex did not stamp indexed_at")
	}

	// A deleted entry makes the retry a no-op instead of an error.
	if err := env.engine.ReindexEntry(ctx, uuid.New()); err != nil {
		t.Fatalf("ReindexEntry of missing entry: %v", err)
	}
}

func TestDeleteGroupEnqueuesVectorCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())
	manager := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := env.store.UpsertMembership(ctx, &types.ConversationMembership{
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              manager.User(),
		AccessLevel:         types.AccessManager,
	}); err != nil {
		t.Fatalf("UpsertMembership: %v", err)
	}

	if err := env.engine.DeleteGroup(ctx, manager, conv.ConversationGroupID); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("manager delete: want FORBIDDEN got %v", err)
	}
	if err := env.engine.DeleteGroup(ctx, owner, conv.ConversationGroupID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}

	if _, err := env.engine.GetConversation(ctx, owner, conv.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("deleted conversation read: want NOT_FOUND got %v", err)
	}

	found := false
	for _, task := range env.store.Tasks() {
		if task.TaskType == types.TaskTypeVectorStoreDelete &&
			strings.Contains(string(task.TaskBody), conv.ConversationGroupID.String()) {
			found = true
		}
	}
	if !found {
		t.Fatal("delete did not enqueue the vector cleanup task")
	}
}

func TestAppendValidatesAttachmentRefs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())

	conv, err := env.engine.CreateConversation(ctx, owner, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	ready := &types.Attachment{
		ID:         uuid.New(),
		StorageKey: "attachments/ready",
		UserID:     owner.User(),
		Status:     types.AttachmentStatusReady,
		ExpiresAt:  pointers.Ptr(time.Now().UTC().Add(time.Hour)),
	}
	if err := env.store.CreateAttachment(ctx, ready); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}

	refEntry := textEntry(types.ChannelHistory, "with file")
	refEntry.AttachmentRefs = datatypes.JSON(`["` + ready.ID.String() + `"]`)
	result, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: conv.ID,
		Entries:        []*types.Entry{refEntry},
	})
	if err != nil {
		t.Fatalf("append with attachment: %v", err)
	}

	linked, err := env.store.GetAttachment(ctx, ready.ID)
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if linked.EntryID == nil || *linked.EntryID != result.Entries[0].ID {
		t.Fatalf("attachment not linked: %+v", linked.EntryID)
	}
	if linked.ExpiresAt != nil {
		t.Fatal("linking did not clear the orphan TTL")
	}

	// Someone else's attachment reads as missing.
	foreign := &types.Attachment{ID: uuid.New(), StorageKey: "attachments/foreign", UserID: uuid.New(), Status: types.AttachmentStatusReady}
	if err := env.store.CreateAttachment(ctx, foreign); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	entry := textEntry(types.ChannelHistory, "steal")
	entry.AttachmentRefs = datatypes.JSON(`["` + foreign.ID.String() + `"]`)
	_, err = env.engine.AppendEntries(ctx, owner, store.AppendRequest{ConversationID: conv.ID, Entries: []*types.Entry{entry}})
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("foreign attachment ref: want NOT_FOUND got %v", err)
	}

	// Pending uploads cannot be referenced yet.
	pending := &types.Attachment{ID: uuid.New(), StorageKey: "attachments/pending", UserID: owner.User(), Status: types.AttachmentStatusPending}
	if err := env.store.CreateAttachment(ctx, pending); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	entry = textEntry(types.ChannelHistory, "early")
	entry.AttachmentRefs = datatypes.JSON(`["` + pending.ID.String() + `"]`)
	_, err = env.engine.AppendEntries(ctx, owner, store.AppendRequest{ConversationID: conv.ID, Entries: []*types.Entry{entry}})
	if !fault.IsKind(err, fault.KindPreconditionFailed) {
		t.Fatalf("pending attachment ref: want PRECONDITION_FAILED got %v", err)
	}
}

func TestAllForksListingStopsAtForkAnchor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := userPrincipal(uuid.New())
	history := types.ChannelHistory

	root, err := env.engine.CreateConversation(ctx, owner, "root")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	seeded, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: root.ID,
		Entries:        []*types.Entry{textEntry(types.ChannelHistory, "h1"), textEntry(types.ChannelHistory, "h2")},
	})
	if err != nil {
		t.Fatalf("seed root: %v", err)
	}
	h1, h2 := seeded.Entries[0], seeded.Entries[1]

	fork, err := env.engine.ForkConversationAtEntry(ctx, owner, uuid.New(), root.ID, h2.ID, "branch",
		[]*types.Entry{textEntry(types.ChannelHistory, "u")}, "", nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	u := fork.Entries[0]

	// The root moves on after the fork; the branch must not see it.
	later, err := env.engine.AppendEntries(ctx, owner, store.AppendRequest{
		ConversationID: root.ID,
		Entries:        []*types.Entry{textEntry(types.ChannelHistory, "h3")},
	})
	if err != nil {
		t.Fatalf("append after fork: %v", err)
	}
	h3 := later.Entries[0]

	got, err := env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: fork.Conversation.ID,
		Channel:        &history,
		AllForks:       true,
	})
	if err != nil {
		t.Fatalf("ListEntries fork: %v", err)
	}
	wantIDs := []uuid.UUID{h1.ID, h2.ID, u.ID}
	if len(got.Entries) != len(wantIDs) {
		t.Fatalf("fork lineage: want %d entries, got %d", len(wantIDs), len(got.Entries))
	}
	for i, want := range wantIDs {
		if got.Entries[i].ID != want {
			t.Fatalf("fork lineage entry %d: want %s got %s", i, want, got.Entries[i].ID)
		}
	}

	// The root's own all-forks view keeps its full history.
	got, err = env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: root.ID,
		Channel:        &history,
		AllForks:       true,
	})
	if err != nil {
		t.Fatalf("ListEntries root: %v", err)
	}
	wantIDs = []uuid.UUID{h1.ID, h2.ID, h3.ID}
	if len(got.Entries) != len(wantIDs) {
		t.Fatalf("root lineage: want %d entries, got %d", len(wantIDs), len(got.Entries))
	}
	for i, want := range wantIDs {
		if got.Entries[i].ID != want {
			t.Fatalf("root lineage entry %d: want %s got %s", i, want, got.Entries[i].ID)
		}
	}

	// A branch of the branch walks the whole chain.
	fork2, err := env.engine.ForkConversationAtEntry(ctx, owner, uuid.New(), fork.Conversation.ID, u.ID, "deeper",
		[]*types.Entry{textEntry(types.ChannelHistory, "v")}, "", nil)
	if err != nil {
		t.Fatalf("second fork: %v", err)
	}
	got, err = env.engine.ListEntries(ctx, owner, ListEntriesRequest{
		ConversationID: fork2.Conversation.ID,
		Channel:        &history,
		AllForks:       true,
	})
	if err != nil {
		t.Fatalf("ListEntries second fork: %v", err)
	}
	wantIDs = []uuid.UUID{h1.ID, h2.ID, u.ID, fork2.Entries[0].ID}
	if len(got.Entries) != len(wantIDs) {
		t.Fatalf("deep lineage: want %d entries, got %d", len(wantIDs), len(got.Entries))
	}
	for i, want := range wantIDs {
		if got.Entries[i].ID != want {
			t.Fatalf("deep lineage entry %d: want %s got %s", i, want, got.Entries[i].ID)
		}
	}
}
