package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-service/internal/domain"
)

// Store is the datastore contract the engines program against. Two
// interchangeable implementations exist: relational (postgres) and
// document (mongo). Every read is scoped to non-deleted rows. Failures
// surface through the fault taxonomy: NOT_FOUND, CONFLICT,
// PRECONDITION_FAILED, UNAVAILABLE, INTERNAL.
type Store interface {
	ConversationStore
	EntryStore
	MembershipStore
	TransferStore
	AttachmentStore
	TaskStore
	DEKStore

	// Close releases the underlying connection pool.
	Close(ctx context.Context) error
}

type ConversationStore interface {
	// CreateConversationGroup atomically creates the group, its root
	// conversation, and the OWNER membership for conv.OwnerUserID.
	CreateConversationGroup(ctx context.Context, conv *types.Conversation) error

	GetConversation(ctx context.Context, id uuid.UUID) (*types.Conversation, error)
	GetConversationGroup(ctx context.Context, id uuid.UUID) (*types.ConversationGroup, error)
	ListConversationsByGroup(ctx context.Context, groupID uuid.UUID) ([]*types.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error

	// SoftDeleteGroup cascades the soft delete through conversations,
	// memberships, and entries, and enqueues a vector_store_delete task
	// in the same transaction.
	SoftDeleteGroup(ctx context.Context, groupID uuid.UUID) error
}

// AppendRequest is the argument of AppendEntries. When the conversation id
// is unknown and the fork fields are set, the adapter creates the branch in
// the ancestor's group before appending.
type AppendRequest struct {
	ConversationID uuid.UUID
	Entries        []*types.Entry
	ClientID       string
	// Epoch, when nil, is assigned max(existing)+1 inside the append
	// transaction. Explicit epochs that already exist fail with CONFLICT.
	Epoch *int64

	ForkedAtConversationID *uuid.UUID
	ForkedAtEntryID        *uuid.UUID
	ForkTitle              string
}

// AppendResult reports the persisted entries and, for fork-on-append, the
// conversation that was created (or found already existing).
type AppendResult struct {
	Entries      []*types.Entry
	Conversation *types.Conversation
	CreatedFork  bool
}

// SyncResult distinguishes a fresh insert from an idempotent replay.
type SyncResult struct {
	Entry          *types.Entry
	AlreadyExisted bool
}

// EntryQuery selects entries of one conversation. An AfterEntryID that does
// not belong to the target conversation and channel is treated as
// beginning-of-range. Ordering is always (created_at, id).
type EntryQuery struct {
	ConversationID uuid.UUID
	Channel        *types.EntryChannel
	ClientID       string
	AfterEntryID   *uuid.UUID
	Limit          int
}

// SpineSegment is one conversation on a fork lineage. Ancestor segments
// carry the anchor their descendant forked from; entries past the
// anchor's (created_at, id) never belonged to the branch's view.
type SpineSegment struct {
	ConversationID  uuid.UUID
	AnchorEntryID   uuid.UUID
	AnchorCreatedAt time.Time
}

// GroupEntryQuery selects entries across the branches of a group. Spine,
// when set, narrows the read to the fork lineage it describes: each
// segment contributes its conversation's entries, truncated at the
// segment anchor when one is set.
type GroupEntryQuery struct {
	ConversationGroupID uuid.UUID
	Channel             *types.EntryChannel
	ClientID            string
	Spine               []SpineSegment
	AfterEntryID        *uuid.UUID
	Limit               int
}

// FullTextHit is one lexical match with its datastore rank.
type FullTextHit struct {
	Entry *types.Entry
	Rank  float64
}

// FullTextQuery scopes a lexical search to the groups the caller can see.
// An empty GroupIDs slice with ByMembershipOf set scopes by membership
// join instead of an explicit id list.
type FullTextQuery struct {
	Query          string
	GroupIDs       []uuid.UUID
	ByMembershipOf *uuid.UUID
	Limit          int
}

type EntryStore interface {
	AppendEntries(ctx context.Context, req AppendRequest) (*AppendResult, error)

	// SyncAgentEntry is an idempotent single-entry append matched by the
	// client-supplied entry id.
	SyncAgentEntry(ctx context.Context, req AppendRequest) (*SyncResult, error)

	GetEntry(ctx context.Context, id uuid.UUID) (*types.Entry, error)
	ListEntries(ctx context.Context, q EntryQuery) ([]*types.Entry, error)
	ListByConversationGroup(ctx context.Context, q GroupEntryQuery) ([]*types.Entry, error)

	// ListMemoryEntriesAtLatestEpoch yields entries at max(epoch) for the
	// (conversation, client) pair in a single atomic query. The resolved
	// epoch is returned; zero means no MEMORY entries exist.
	ListMemoryEntriesAtLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, int64, error)
	ListMemoryEntriesByEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, error)
	LatestMemoryEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, error)

	// SetIndexedContent writes the plain-text projection exactly once;
	// a second write is a no-op returning the stored value's existence.
	SetIndexedContent(ctx context.Context, entryID uuid.UUID, text string) error
	SetIndexedAt(ctx context.Context, entryID uuid.UUID, at time.Time) error

	SearchEntriesFullText(ctx context.Context, q FullTextQuery) ([]FullTextHit, error)
}

type MembershipStore interface {
	GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error)
	ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error)
	UpsertMembership(ctx context.Context, m *types.ConversationMembership) error
	DeleteMembership(ctx context.Context, groupID, userID uuid.UUID) error

	// ListGroupIDsForUser runs in O(memberships for the user), never
	// O(all entries). With orderByRecent the most recently updated groups
	// come first.
	ListGroupIDsForUser(ctx context.Context, userID uuid.UUID, limit int, orderByRecent bool) ([]uuid.UUID, error)
}

type TransferStore interface {
	// CreateTransfer fails with CONFLICT when a pending transfer already
	// exists for the group.
	CreateTransfer(ctx context.Context, t *types.OwnershipTransfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*types.OwnershipTransfer, error)
	DeleteTransfer(ctx context.Context, id uuid.UUID) error

	// AcceptTransfer atomically demotes the old owner to MANAGER, promotes
	// the recipient to OWNER, and deletes the transfer row.
	AcceptTransfer(ctx context.Context, t *types.OwnershipTransfer) error
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, a *types.Attachment) error
	GetAttachment(ctx context.Context, id uuid.UUID) (*types.Attachment, error)
	GetAttachmentsByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Attachment, error)
	UpdateAttachment(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error

	// LinkAttachmentsToEntry binds orphan attachments owned by userID to
	// the entry and clears their expiry. Rows are locked while reconciling
	// so a concurrent eviction cannot race the link.
	LinkAttachmentsToEntry(ctx context.Context, entryID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) error

	SoftDeleteAttachment(ctx context.Context, id uuid.UUID) error

	// ListEvictableAttachments returns soft-deleted rows past the retention
	// cutoff plus expired orphans that never got linked.
	ListEvictableAttachments(ctx context.Context, deletedBefore time.Time, now time.Time, limit int) ([]*types.Attachment, error)
	HardDeleteAttachment(ctx context.Context, id uuid.UUID) error
}

type TaskStore interface {
	// CreateTask inserts the task. For named tasks an existing name makes
	// the call a no-op; the returned bool reports whether a row was created.
	CreateTask(ctx context.Context, t *types.Task) (bool, error)

	// ClaimTasks claims up to batchSize eligible tasks by setting
	// processing_at, honoring the stale-claim timeout for crashed workers.
	ClaimTasks(ctx context.Context, now time.Time, batchSize int, staleClaim time.Duration) ([]*types.Task, error)

	CompleteTask(ctx context.Context, id uuid.UUID) error
	FailTask(ctx context.Context, id uuid.UUID, lastError string, retryAt time.Time) error
}

type DEKStore interface {
	GetDEKRecord(ctx context.Context, provider string) (*types.DEKRecord, error)

	// InsertDEKRecordIfAbsent is the race-safe bootstrap: the first writer
	// wins and later writers observe the stored record.
	InsertDEKRecordIfAbsent(ctx context.Context, rec *types.DEKRecord) (bool, error)

	// UpdateDEKRecord applies the single-row optimistic lock on revision;
	// a false return means the caller lost the race and must re-read.
	UpdateDEKRecord(ctx context.Context, provider string, wrappedDEKs []string, expectedRevision int64) (bool, error)
}
