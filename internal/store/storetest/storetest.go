// Package storetest provides an in-memory store.Store for engine tests.
// It mirrors the relational adapter's observable semantics: epoch
// assignment, fork-on-append, singleton tasks, soft-delete scoping, and
// the fault kinds the engines branch on.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/store"
)

type Fake struct {
	mu sync.Mutex

	groups        map[uuid.UUID]*types.ConversationGroup
	conversations map[uuid.UUID]*types.Conversation
	entries       []*types.Entry
	memberships   map[string]*types.ConversationMembership
	transfers     map[uuid.UUID]*types.OwnershipTransfer
	attachments   map[uuid.UUID]*types.Attachment
	tasks         map[uuid.UUID]*types.Task
	deks          map[string]*types.DEKRecord

	// clock advances on every write so (created_at, id) ordering is
	// deterministic even within one wall-clock tick.
	clock time.Time
}

var _ store.Store = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		groups:        map[uuid.UUID]*types.ConversationGroup{},
		conversations: map[uuid.UUID]*types.Conversation{},
		memberships:   map[string]*types.ConversationMembership{},
		transfers:     map[uuid.UUID]*types.OwnershipTransfer{},
		attachments:   map[uuid.UUID]*types.Attachment{},
		tasks:         map[uuid.UUID]*types.Task{},
		deks:          map[string]*types.DEKRecord{},
		clock:         time.Now().UTC(),
	}
}

func (f *Fake) Close(context.Context) error { return nil }

func (f *Fake) now() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func membershipKey(groupID, userID uuid.UUID) string {
	return groupID.String() + ":" + userID.String()
}

func deleted(at gorm.DeletedAt) bool { return at.Valid }

func cloneEntry(e *types.Entry) *types.Entry {
	out := *e
	out.Content = append([]byte(nil), e.Content...)
	out.AttachmentRefs = append([]byte(nil), e.AttachmentRefs...)
	return &out
}

// Conversations

func (f *Fake) CreateConversationGroup(_ context.Context, conv *types.Conversation) error {
	if conv == nil {
		return fault.New(fault.KindInvalidArgument, "conversation required")
	}
	if conv.OwnerUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "owner user id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.ConversationGroupID == uuid.Nil {
		conv.ConversationGroupID = uuid.New()
	}
	now := f.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	f.groups[conv.ConversationGroupID] = &types.ConversationGroup{ID: conv.ConversationGroupID, CreatedAt: now, UpdatedAt: now}
	stored := *conv
	f.conversations[conv.ID] = &stored
	f.memberships[membershipKey(conv.ConversationGroupID, conv.OwnerUserID)] = &types.ConversationMembership{
		ConversationGroupID: conv.ConversationGroupID,
		UserID:              conv.OwnerUserID,
		AccessLevel:         types.AccessOwner,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return nil
}

func (f *Fake) GetConversation(_ context.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok || deleted(conv.DeletedAt) {
		return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	out := *conv
	return &out, nil
}

func (f *Fake) GetConversationGroup(_ context.Context, id uuid.UUID) (*types.ConversationGroup, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok || deleted(g.DeletedAt) {
		return nil, fault.Newf(fault.KindNotFound, "conversation group %s not found", id)
	}
	out := *g
	return &out, nil
}

func (f *Fake) ListConversationsByGroup(_ context.Context, groupID uuid.UUID) ([]*types.Conversation, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Conversation
	for _, c := range f.conversations {
		if c.ConversationGroupID == groupID && !deleted(c.DeletedAt) {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (f *Fake) ListConversationsForUser(_ context.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error) {
	if userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing user id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	groupIDs := map[uuid.UUID]bool{}
	for _, m := range f.memberships {
		if m.UserID == userID && !deleted(m.DeletedAt) {
			groupIDs[m.ConversationGroupID] = true
		}
	}
	var out []*types.Conversation
	for _, c := range f.conversations {
		if groupIDs[c.ConversationGroupID] && !deleted(c.DeletedAt) {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) UpdateConversationTitle(_ context.Context, id uuid.UUID, title string) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok || deleted(conv.DeletedAt) {
		return fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	conv.Title = title
	conv.UpdatedAt = f.now()
	return nil
}

func (f *Fake) SoftDeleteGroup(_ context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok || deleted(g.DeletedAt) {
		return fault.Newf(fault.KindNotFound, "conversation group %s not found", groupID)
	}
	now := f.now()
	mark := gorm.DeletedAt{Time: now, Valid: true}
	g.DeletedAt = mark
	for _, c := range f.conversations {
		if c.ConversationGroupID == groupID {
			c.DeletedAt = mark
		}
	}
	for _, m := range f.memberships {
		if m.ConversationGroupID == groupID {
			m.DeletedAt = mark
		}
	}
	for _, e := range f.entries {
		if e.ConversationGroupID == groupID {
			e.DeletedAt = mark
		}
	}
	task := &types.Task{
		ID:       uuid.New(),
		TaskType: types.TaskTypeVectorStoreDelete,
		TaskBody: []byte(`{"conversationGroupId":"` + groupID.String() + `"}`),
		RetryAt:  now,
	}
	f.tasks[task.ID] = task
	return nil
}

// Entries

func (f *Fake) AppendEntries(_ context.Context, req store.AppendRequest) (*store.AppendResult, error) {
	if req.ConversationID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	if len(req.Entries) == 0 && req.ForkedAtConversationID == nil {
		return nil, fault.New(fault.KindInvalidArgument, "no entries to append")
	}
	memoryCount := 0
	for _, e := range req.Entries {
		if e == nil {
			return nil, fault.New(fault.KindInvalidArgument, "nil entry in batch")
		}
		if !e.Channel.Valid() {
			return nil, fault.Newf(fault.KindInvalidArgument, "unknown channel %q", e.Channel)
		}
		if e.Channel == types.ChannelMemory {
			memoryCount++
		}
	}
	if memoryCount != 0 && memoryCount != len(req.Entries) {
		return nil, fault.New(fault.KindInvalidArgument, "MEMORY entries cannot be batched with other channels")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(req)
}

func (f *Fake) appendLocked(req store.AppendRequest) (*store.AppendResult, error) {
	now := f.now()
	conv, exists := f.conversations[req.ConversationID]
	createdFork := false
	switch {
	case exists && !deleted(conv.DeletedAt):
		if req.ForkedAtConversationID != nil || req.ForkedAtEntryID != nil {
			if conv.ForkedAtConversationID == nil || conv.ForkedAtEntryID == nil ||
				req.ForkedAtConversationID == nil || req.ForkedAtEntryID == nil ||
				*conv.ForkedAtConversationID != *req.ForkedAtConversationID ||
				*conv.ForkedAtEntryID != *req.ForkedAtEntryID {
				return nil, fault.Newf(fault.KindConflict, "conversation %s already exists with a different parent", req.ConversationID)
			}
		}
	default:
		if req.ForkedAtConversationID == nil || req.ForkedAtEntryID == nil {
			return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", req.ConversationID)
		}
		ancestor, ok := f.conversations[*req.ForkedAtConversationID]
		if !ok || deleted(ancestor.DeletedAt) {
			return nil, fault.Newf(fault.KindNotFound, "ancestor conversation %s not found", *req.ForkedAtConversationID)
		}
		var anchor *types.Entry
		for _, e := range f.entries {
			if e.ID == *req.ForkedAtEntryID && e.ConversationID == ancestor.ID && !deleted(e.DeletedAt) {
				anchor = e
				break
			}
		}
		if anchor == nil {
			return nil, fault.Newf(fault.KindNotFound, "fork entry %s not found in ancestor conversation", *req.ForkedAtEntryID)
		}
		conv = &types.Conversation{
			ID:                     req.ConversationID,
			ConversationGroupID:    ancestor.ConversationGroupID,
			OwnerUserID:            ancestor.OwnerUserID,
			Title:                  req.ForkTitle,
			ForkedAtConversationID: req.ForkedAtConversationID,
			ForkedAtEntryID:        req.ForkedAtEntryID,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		f.conversations[conv.ID] = conv
		createdFork = true
	}

	isMemory := len(req.Entries) > 0 && req.Entries[0].Channel == types.ChannelMemory
	var epoch *int64
	if isMemory {
		if strings.TrimSpace(req.ClientID) == "" {
			return nil, fault.New(fault.KindInvalidArgument, "MEMORY entries require a client id")
		}
		assigned, err := f.assignEpochLocked(conv.ID, req.ClientID, req.Epoch)
		if err != nil {
			return nil, err
		}
		epoch = &assigned
	}

	existing := map[uuid.UUID]bool{}
	for _, e := range f.entries {
		existing[e.ID] = true
	}
	for _, e := range req.Entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.ConversationID = conv.ID
		e.ConversationGroupID = conv.ConversationGroupID
		if isMemory {
			e.ClientID = req.ClientID
			e.Epoch = epoch
		} else {
			e.ClientID = ""
			e.Epoch = nil
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = f.now()
		}
		if existing[e.ID] {
			// Fork retries re-send seed entries with preset ids.
			continue
		}
		f.entries = append(f.entries, cloneEntry(e))
	}

	conv.UpdatedAt = now
	if g, ok := f.groups[conv.ConversationGroupID]; ok {
		g.UpdatedAt = now
	}
	convOut := *conv
	return &store.AppendResult{Entries: req.Entries, Conversation: &convOut, CreatedFork: createdFork}, nil
}

func (f *Fake) assignEpochLocked(conversationID uuid.UUID, clientID string, requested *int64) (int64, error) {
	var maxEpoch int64
	for _, e := range f.entries {
		if e.ConversationID != conversationID || e.Channel != types.ChannelMemory ||
			e.ClientID != clientID || e.Epoch == nil || deleted(e.DeletedAt) {
			continue
		}
		if requested != nil && *e.Epoch == *requested {
			return 0, fault.Newf(fault.KindConflict, "epoch %d already exists for this conversation and client", *requested)
		}
		if *e.Epoch > maxEpoch {
			maxEpoch = *e.Epoch
		}
	}
	if requested != nil {
		if *requested <= 0 {
			return 0, fault.New(fault.KindInvalidArgument, "epoch must be a positive integer")
		}
		return *requested, nil
	}
	return maxEpoch + 1, nil
}

func (f *Fake) SyncAgentEntry(_ context.Context, req store.AppendRequest) (*store.SyncResult, error) {
	if len(req.Entries) != 1 {
		return nil, fault.New(fault.KindInvalidArgument, "sync takes exactly one entry")
	}
	entry := req.Entries[0]
	if entry == nil || entry.ID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "sync entry requires a client-supplied id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == entry.ID && !deleted(e.DeletedAt) {
			return &store.SyncResult{Entry: cloneEntry(e), AlreadyExisted: true}, nil
		}
	}
	out, err := f.appendLocked(req)
	if err != nil {
		return nil, err
	}
	return &store.SyncResult{Entry: out.Entries[0], AlreadyExisted: false}, nil
}

func (f *Fake) GetEntry(_ context.Context, id uuid.UUID) (*types.Entry, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id && !deleted(e.DeletedAt) {
			return cloneEntry(e), nil
		}
	}
	return nil, fault.Newf(fault.KindNotFound, "entry %s not found", id)
}

func spineAllows(spine []store.SpineSegment, e *types.Entry) bool {
	for _, seg := range spine {
		if e.ConversationID != seg.ConversationID {
			continue
		}
		if seg.AnchorEntryID == uuid.Nil {
			return true
		}
		if e.CreatedAt.Before(seg.AnchorCreatedAt) {
			return true
		}
		if e.CreatedAt.Equal(seg.AnchorCreatedAt) && e.ID.String() <= seg.AnchorEntryID.String() {
			return true
		}
	}
	return false
}

func sortEntries(out []*types.Entry) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
}

// cursorAfter drops everything up to and including the cursor entry. An
// unknown cursor keeps the full range, matching the adapters.
func cursorAfter(out []*types.Entry, afterEntryID *uuid.UUID) []*types.Entry {
	if afterEntryID == nil || *afterEntryID == uuid.Nil {
		return out
	}
	for i, e := range out {
		if e.ID == *afterEntryID {
			return out[i+1:]
		}
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func (f *Fake) ListEntries(_ context.Context, q store.EntryQuery) ([]*types.Entry, error) {
	if q.ConversationID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Entry
	for _, e := range f.entries {
		if e.ConversationID != q.ConversationID || deleted(e.DeletedAt) {
			continue
		}
		if q.Channel != nil && e.Channel != *q.Channel {
			continue
		}
		if strings.TrimSpace(q.ClientID) != "" && e.ClientID != q.ClientID {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sortEntries(out)
	out = cursorAfter(out, q.AfterEntryID)
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListByConversationGroup(_ context.Context, q store.GroupEntryQuery) ([]*types.Entry, error) {
	if q.ConversationGroupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Entry
	for _, e := range f.entries {
		if e.ConversationGroupID != q.ConversationGroupID || deleted(e.DeletedAt) {
			continue
		}
		if q.Channel != nil && e.Channel != *q.Channel {
			continue
		}
		if strings.TrimSpace(q.ClientID) != "" && e.ClientID != q.ClientID {
			continue
		}
		if len(q.Spine) > 0 && !spineAllows(q.Spine, e) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sortEntries(out)
	out = cursorAfter(out, q.AfterEntryID)
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListMemoryEntriesAtLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, int64, error) {
	epoch, err := f.LatestMemoryEpoch(ctx, conversationID, clientID)
	if err != nil {
		return nil, 0, err
	}
	if epoch == 0 {
		return []*types.Entry{}, 0, nil
	}
	out, err := f.ListMemoryEntriesByEpoch(ctx, conversationID, clientID, epoch, afterEntryID, limit)
	if err != nil {
		return nil, 0, err
	}
	return out, epoch, nil
}

func (f *Fake) ListMemoryEntriesByEpoch(_ context.Context, conversationID uuid.UUID, clientID string, epoch int64, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return nil, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	if epoch <= 0 {
		return nil, fault.New(fault.KindInvalidArgument, "epoch must be a positive integer")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Entry
	for _, e := range f.entries {
		if e.ConversationID == conversationID && e.Channel == types.ChannelMemory &&
			e.ClientID == clientID && e.Epoch != nil && *e.Epoch == epoch && !deleted(e.DeletedAt) {
			out = append(out, cloneEntry(e))
		}
	}
	sortEntries(out)
	out = cursorAfter(out, afterEntryID)
	if lim := clampLimit(limit); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (f *Fake) LatestMemoryEpoch(_ context.Context, conversationID uuid.UUID, clientID string) (int64, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return 0, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var maxEpoch int64
	for _, e := range f.entries {
		if e.ConversationID == conversationID && e.Channel == types.ChannelMemory &&
			e.ClientID == clientID && e.Epoch != nil && !deleted(e.DeletedAt) && *e.Epoch > maxEpoch {
			maxEpoch = *e.Epoch
		}
	}
	return maxEpoch, nil
}

func (f *Fake) SetIndexedContent(_ context.Context, entryID uuid.UUID, text string) error {
	if entryID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == entryID && !deleted(e.DeletedAt) {
			if e.IndexedContent == nil {
				e.IndexedContent = &text
			}
			return nil
		}
	}
	return fault.Newf(fault.KindNotFound, "entry %s not found", entryID)
}

func (f *Fake) SetIndexedAt(_ context.Context, entryID uuid.UUID, at time.Time) error {
	if entryID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == entryID && !deleted(e.DeletedAt) {
			if e.IndexedAt == nil {
				stamped := at.UTC()
				e.IndexedAt = &stamped
			}
			return nil
		}
	}
	return nil
}

func (f *Fake) SearchEntriesFullText(_ context.Context, q store.FullTextQuery) ([]store.FullTextHit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return []store.FullTextHit{}, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	inScope := func(groupID uuid.UUID) bool {
		if q.ByMembershipOf != nil {
			m, ok := f.memberships[membershipKey(groupID, *q.ByMembershipOf)]
			return ok && !deleted(m.DeletedAt)
		}
		for _, g := range q.GroupIDs {
			if g == groupID {
				return true
			}
		}
		return false
	}
	if q.ByMembershipOf == nil && len(q.GroupIDs) == 0 {
		return []store.FullTextHit{}, nil
	}

	needle := strings.ToLower(q.Query)
	var out []store.FullTextHit
	for _, e := range f.entries {
		if deleted(e.DeletedAt) || e.IndexedContent == nil || !inScope(e.ConversationGroupID) {
			continue
		}
		count := strings.Count(strings.ToLower(*e.IndexedContent), needle)
		if count == 0 {
			continue
		}
		out = append(out, store.FullTextHit{Entry: cloneEntry(e), Rank: float64(count)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].Entry.CreatedAt.After(out[j].Entry.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Memberships

func (f *Fake) GetMembership(_ context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(groupID, userID)]
	if !ok || deleted(m.DeletedAt) {
		return nil, fault.New(fault.KindNotFound, "membership not found")
	}
	out := *m
	return &out, nil
}

func (f *Fake) ListMemberships(_ context.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing group id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ConversationMembership
	for _, m := range f.memberships {
		if m.ConversationGroupID == groupID && !deleted(m.DeletedAt) {
			mm := *m
			out = append(out, &mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) UpsertMembership(_ context.Context, m *types.ConversationMembership) error {
	if m == nil || m.ConversationGroupID == uuid.Nil || m.UserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	if !m.AccessLevel.Valid() {
		return fault.Newf(fault.KindInvalidArgument, "unknown access level %q", m.AccessLevel)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	key := membershipKey(m.ConversationGroupID, m.UserID)
	if existing, ok := f.memberships[key]; ok {
		existing.AccessLevel = m.AccessLevel
		existing.UpdatedAt = now
		existing.DeletedAt = gorm.DeletedAt{}
		return nil
	}
	stored := *m
	stored.CreatedAt = now
	stored.UpdatedAt = now
	f.memberships[key] = &stored
	return nil
}

func (f *Fake) DeleteMembership(_ context.Context, groupID, userID uuid.UUID) error {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := membershipKey(groupID, userID)
	m, ok := f.memberships[key]
	if !ok || deleted(m.DeletedAt) {
		return fault.New(fault.KindNotFound, "membership not found")
	}
	delete(f.memberships, key)
	return nil
}

func (f *Fake) ListGroupIDsForUser(_ context.Context, userID uuid.UUID, limit int, orderByRecent bool) ([]uuid.UUID, error) {
	if userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing user id")
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	type row struct {
		id uuid.UUID
		at time.Time
	}
	var rows []row
	for _, m := range f.memberships {
		if m.UserID != userID || deleted(m.DeletedAt) {
			continue
		}
		at := m.CreatedAt
		if orderByRecent {
			g, ok := f.groups[m.ConversationGroupID]
			if !ok || deleted(g.DeletedAt) {
				continue
			}
			at = g.UpdatedAt
		}
		rows = append(rows, row{id: m.ConversationGroupID, at: at})
	}
	sort.Slice(rows, func(i, j int) bool {
		if orderByRecent {
			return rows[i].at.After(rows[j].at)
		}
		return rows[i].at.Before(rows[j].at)
	})
	out := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.id)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transfers

func (f *Fake) CreateTransfer(_ context.Context, t *types.OwnershipTransfer) error {
	if t == nil || t.ConversationGroupID == uuid.Nil || t.FromUserID == uuid.Nil || t.ToUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id, sender, and recipient required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.transfers {
		if existing.ConversationGroupID == t.ConversationGroupID {
			return fault.New(fault.KindConflict, "a pending transfer already exists for this group")
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := f.now()
	t.Status = types.TransferStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	stored := *t
	f.transfers[t.ID] = &stored
	return nil
}

func (f *Fake) GetTransfer(_ context.Context, id uuid.UUID) (*types.OwnershipTransfer, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	out := *t
	return &out, nil
}

func (f *Fake) DeleteTransfer(_ context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transfers[id]; !ok {
		return fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	delete(f.transfers, id)
	return nil
}

func (f *Fake) AcceptTransfer(_ context.Context, t *types.OwnershipTransfer) error {
	if t == nil || t.ID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transfers[t.ID]; !ok {
		return fault.Newf(fault.KindNotFound, "transfer %s not found", t.ID)
	}
	delete(f.transfers, t.ID)

	now := f.now()
	sender, ok := f.memberships[membershipKey(t.ConversationGroupID, t.FromUserID)]
	if !ok || deleted(sender.DeletedAt) || sender.AccessLevel != types.AccessOwner {
		return fault.New(fault.KindConflict, "sender no longer owns the group")
	}
	sender.AccessLevel = types.AccessManager
	sender.UpdatedAt = now

	key := membershipKey(t.ConversationGroupID, t.ToUserID)
	if recipient, ok := f.memberships[key]; ok {
		recipient.AccessLevel = types.AccessOwner
		recipient.UpdatedAt = now
		recipient.DeletedAt = gorm.DeletedAt{}
	} else {
		f.memberships[key] = &types.ConversationMembership{
			ConversationGroupID: t.ConversationGroupID,
			UserID:              t.ToUserID,
			AccessLevel:         types.AccessOwner,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
	}
	return nil
}

// Attachments

func (f *Fake) CreateAttachment(_ context.Context, a *types.Attachment) error {
	if a == nil || a.UserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "attachment owner required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := f.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	stored := *a
	f.attachments[a.ID] = &stored
	return nil
}

func (f *Fake) GetAttachment(_ context.Context, id uuid.UUID) (*types.Attachment, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok || deleted(a.DeletedAt) {
		return nil, fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	out := *a
	return &out, nil
}

func (f *Fake) GetAttachmentsByIDs(_ context.Context, ids []uuid.UUID) ([]*types.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Attachment, 0, len(ids))
	for _, id := range ids {
		if a, ok := f.attachments[id]; ok && !deleted(a.DeletedAt) {
			aa := *a
			out = append(out, &aa)
		}
	}
	return out, nil
}

func (f *Fake) UpdateAttachment(_ context.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok || deleted(a.DeletedAt) {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	for col, v := range updates {
		switch col {
		case "status":
			a.Status = v.(string)
		case "content_type":
			a.ContentType = v.(string)
		case "size":
			a.Size = v.(int64)
		case "sha256":
			a.SHA256 = v.(string)
		case "filename":
			a.Filename = v.(string)
		}
	}
	a.UpdatedAt = f.now()
	return nil
}

func (f *Fake) LinkAttachmentsToEntry(_ context.Context, entryID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) error {
	if entryID == uuid.Nil || userID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "entry id and user id required")
	}
	if len(ids) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]*types.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := f.attachments[id]
		if !ok || deleted(a.DeletedAt) || a.UserID != userID {
			return fault.New(fault.KindNotFound, "one or more attachments not found for this user")
		}
		if a.EntryID != nil && *a.EntryID != entryID {
			return fault.Newf(fault.KindConflict, "attachment %s is already linked to another entry", a.ID)
		}
		rows = append(rows, a)
	}
	now := f.now()
	for _, a := range rows {
		linked := entryID
		a.EntryID = &linked
		a.ExpiresAt = nil
		a.UpdatedAt = now
	}
	return nil
}

func (f *Fake) SoftDeleteAttachment(_ context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok || deleted(a.DeletedAt) {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	a.DeletedAt = gorm.DeletedAt{Time: f.now(), Valid: true}
	return nil
}

func (f *Fake) ListEvictableAttachments(_ context.Context, deletedBefore time.Time, now time.Time, limit int) ([]*types.Attachment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Attachment
	for _, a := range f.attachments {
		evictable := (deleted(a.DeletedAt) && a.DeletedAt.Time.Before(deletedBefore)) ||
			(!deleted(a.DeletedAt) && a.EntryID == nil && a.ExpiresAt != nil && a.ExpiresAt.Before(now))
		if evictable {
			aa := *a
			out = append(out, &aa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) HardDeleteAttachment(_ context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attachments, id)
	return nil
}

// Tasks

func (f *Fake) CreateTask(_ context.Context, t *types.Task) (bool, error) {
	if t == nil || t.TaskType == "" {
		return false, fault.New(fault.KindInvalidArgument, "task type required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.TaskName != nil {
		for _, existing := range f.tasks {
			if existing.TaskName != nil && *existing.TaskName == *t.TaskName {
				return false, nil
			}
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := f.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.RetryAt.IsZero() {
		t.RetryAt = now
	}
	stored := *t
	f.tasks[t.ID] = &stored
	return true, nil
}

func (f *Fake) ClaimTasks(_ context.Context, now time.Time, batchSize int, staleClaim time.Duration) ([]*types.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	staleCutoff := now.Add(-staleClaim)
	f.mu.Lock()
	defer f.mu.Unlock()
	var eligible []*types.Task
	for _, t := range f.tasks {
		if t.RetryAt.After(now) {
			continue
		}
		if t.ProcessingAt != nil && !t.ProcessingAt.Before(staleCutoff) {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].RetryAt.Equal(eligible[j].RetryAt) {
			return eligible[i].RetryAt.Before(eligible[j].RetryAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}
	out := make([]*types.Task, 0, len(eligible))
	for _, t := range eligible {
		at := now
		t.ProcessingAt = &at
		tt := *t
		out = append(out, &tt)
	}
	return out, nil
}

func (f *Fake) CompleteTask(_ context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *Fake) FailTask(_ context.Context, id uuid.UUID, lastError string, retryAt time.Time) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil
	}
	t.LastError = lastError
	t.RetryCount++
	t.RetryAt = retryAt.UTC()
	t.ProcessingAt = nil
	return nil
}

// Tasks returns a snapshot of the queue for assertions.
func (f *Fake) Tasks() []*types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tt := *t
		out = append(out, &tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DEK records

func (f *Fake) GetDEKRecord(_ context.Context, provider string) (*types.DEKRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.deks[provider]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no DEK record for provider %q", provider)
	}
	out := *rec
	out.WrappedDEKs = append([]byte(nil), rec.WrappedDEKs...)
	return &out, nil
}

func (f *Fake) InsertDEKRecordIfAbsent(_ context.Context, rec *types.DEKRecord) (bool, error) {
	if rec == nil || rec.Provider == "" {
		return false, fault.New(fault.KindInvalidArgument, "provider required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deks[rec.Provider]; ok {
		return false, nil
	}
	now := f.now()
	stored := *rec
	stored.CreatedAt = now
	stored.UpdatedAt = now
	f.deks[rec.Provider] = &stored
	return true, nil
}

func (f *Fake) UpdateDEKRecord(_ context.Context, provider string, wrappedDEKs []string, expectedRevision int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.deks[provider]
	if !ok {
		return false, fault.Newf(fault.KindNotFound, "no DEK record for provider %q", provider)
	}
	if rec.Revision != expectedRevision {
		return false, nil
	}
	raw, err := json.Marshal(wrappedDEKs)
	if err != nil {
		return false, fault.Internal("marshal wrapped DEK list", err)
	}
	rec.WrappedDEKs = raw
	rec.Revision++
	rec.UpdatedAt = f.now()
	return true, nil
}
