package mongo

// Integration tests against a live MongoDB. They run only when
// TEST_MONGO=1 is set; the connection comes from MONGO_URI/MONGO_DATABASE.

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/pkg/pointers"
	"github.com/yungbote/memory-service/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TEST_MONGO") == "" {
		t.Skip("TEST_MONGO not set; skipping mongo integration tests")
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)

	st, err := New(context.Background(), log)
	if err != nil {
		t.Fatalf("mongo.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestMongoConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ownerID := uuid.New()

	conv := &types.Conversation{ID: uuid.New(), OwnerUserID: ownerID, Title: "mongo integration"}
	if err := st.CreateConversationGroup(ctx, conv); err != nil {
		t.Fatalf("CreateConversationGroup: %v", err)
	}
	t.Cleanup(func() { _ = st.SoftDeleteGroup(context.Background(), conv.ConversationGroupID) })

	m, err := st.GetMembership(ctx, conv.ConversationGroupID, ownerID)
	if err != nil || m.AccessLevel != types.AccessOwner {
		t.Fatalf("owner membership: %+v err=%v", m, err)
	}

	result, err := st.AppendEntries(ctx, store.AppendRequest{
		ConversationID: conv.ID,
		ClientID:       "agent-1",
		Entries: []*types.Entry{{
			Channel: types.ChannelMemory,
			Content: datatypes.JSON(`[{"type":"text","text":"state"}]`),
		}},
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if result.Entries[0].Epoch == nil || *result.Entries[0].Epoch != 1 {
		t.Fatalf("assigned epoch: %v", result.Entries[0].Epoch)
	}

	_, err = st.AppendEntries(ctx, store.AppendRequest{
		ConversationID: conv.ID,
		ClientID:       "agent-1",
		Epoch:          pointers.Int64(1),
		Entries:        []*types.Entry{{Channel: types.ChannelMemory, Content: datatypes.JSON(`[]`)}},
	})
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("duplicate epoch: want CONFLICT got %v", err)
	}

	entries, epoch, err := st.ListMemoryEntriesAtLatestEpoch(ctx, conv.ID, "agent-1", nil, 0)
	if err != nil || epoch != 1 || len(entries) != 1 {
		t.Fatalf("latest epoch read: epoch=%d entries=%d err=%v", epoch, len(entries), err)
	}

	if err := st.SoftDeleteGroup(ctx, conv.ConversationGroupID); err != nil {
		t.Fatalf("SoftDeleteGroup: %v", err)
	}
	if _, err := st.GetConversation(ctx, conv.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("deleted conversation: want NOT_FOUND got %v", err)
	}
}

func TestMongoSyncAgentEntryIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv := &types.Conversation{ID: uuid.New(), OwnerUserID: uuid.New()}
	if err := st.CreateConversationGroup(ctx, conv); err != nil {
		t.Fatalf("CreateConversationGroup: %v", err)
	}
	t.Cleanup(func() { _ = st.SoftDeleteGroup(context.Background(), conv.ConversationGroupID) })

	entryID := uuid.New()
	req := store.AppendRequest{
		ConversationID: conv.ID,
		Entries: []*types.Entry{{
			ID:      entryID,
			Channel: types.ChannelHistory,
			Content: datatypes.JSON(`[{"type":"text","text":"turn"}]`),
		}},
	}
	first, err := st.SyncAgentEntry(ctx, req)
	if err != nil || first.AlreadyExisted {
		t.Fatalf("first sync: existed=%v err=%v", first.AlreadyExisted, err)
	}

	req.Entries[0] = &types.Entry{ID: entryID, Channel: types.ChannelHistory, Content: datatypes.JSON(`[]`)}
	second, err := st.SyncAgentEntry(ctx, req)
	if err != nil || !second.AlreadyExisted {
		t.Fatalf("replayed sync: existed=%v err=%v", second.AlreadyExisted, err)
	}
}
