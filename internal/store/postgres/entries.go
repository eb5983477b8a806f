package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/store"
)

func (s *Store) AppendEntries(ctx context.Context, req store.AppendRequest) (*store.AppendResult, error) {
	if req.ConversationID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	if len(req.Entries) == 0 && req.ForkedAtConversationID == nil {
		// An empty batch only makes sense as a seedless fork creation.
		return nil, fault.New(fault.KindInvalidArgument, "no entries to append")
	}
	if err := validateBatchChannels(req); err != nil {
		return nil, err
	}

	var result *store.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.appendEntriesTx(tx, req)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *Store) SyncAgentEntry(ctx context.Context, req store.AppendRequest) (*store.SyncResult, error) {
	if len(req.Entries) != 1 {
		return nil, fault.New(fault.KindInvalidArgument, "sync takes exactly one entry")
	}
	entry := req.Entries[0]
	if entry == nil || entry.ID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "sync entry requires a client-supplied id")
	}

	var result *store.SyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.Entry
		qErr := tx.Where("id = ?", entry.ID).First(&existing).Error
		if qErr == nil {
			result = &store.SyncResult{Entry: &existing, AlreadyExisted: true}
			return nil
		}
		if !errors.Is(qErr, gorm.ErrRecordNotFound) {
			return qErr
		}
		out, err := s.appendEntriesTx(tx, req)
		if err != nil {
			return err
		}
		result = &store.SyncResult{Entry: out.Entries[0], AlreadyExisted: false}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// appendEntriesTx holds the fork-on-append and epoch-assignment invariants.
// The conversation row is locked for the duration of the transaction, so
// concurrent appends to the same conversation serialize and auto-assigned
// epochs never collide.
func (s *Store) appendEntriesTx(tx *gorm.DB, req store.AppendRequest) (*store.AppendResult, error) {
	now := time.Now().UTC()

	var conv types.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", req.ConversationID).
		First(&conv).Error
	createdFork := false
	switch {
	case err == nil:
		if req.ForkedAtConversationID != nil || req.ForkedAtEntryID != nil {
			if !sameForkParent(&conv, req.ForkedAtConversationID, req.ForkedAtEntryID) {
				return nil, fault.Newf(fault.KindConflict, "conversation %s already exists with a different parent", req.ConversationID)
			}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if req.ForkedAtConversationID == nil || req.ForkedAtEntryID == nil {
			return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", req.ConversationID)
		}
		forked, fErr := s.createForkTx(tx, req, now)
		if fErr != nil {
			return nil, fErr
		}
		conv = *forked
		createdFork = true
	default:
		return nil, err
	}

	isMemory := len(req.Entries) > 0 && req.Entries[0].Channel == types.ChannelMemory
	var epoch *int64
	if isMemory {
		if strings.TrimSpace(req.ClientID) == "" {
			return nil, fault.New(fault.KindInvalidArgument, "MEMORY entries require a client id")
		}
		assigned, aErr := s.assignEpochTx(tx, conv.ID, req.ClientID, req.Epoch)
		if aErr != nil {
			return nil, aErr
		}
		epoch = &assigned
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
			e.CreatedAt = now
		}
	}

	// Fork retries re-send the seed entries with the same ids; skipping
	// duplicates keeps the repeat idempotent.
	insert := tx.Model(&types.Entry{})
	if createdFork || hasPresetIDs(req.Entries) {
		insert = insert.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true})
	}
	entries := req.Entries
	if len(entries) > 0 {
		if err := insert.Create(&entries).Error; err != nil {
			return nil, err
		}
	}

	if err := tx.Model(&types.Conversation{}).
		Where("id = ?", conv.ID).
		Update("updated_at", now).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&types.ConversationGroup{}).
		Where("id = ?", conv.ConversationGroupID).
		Update("updated_at", now).Error; err != nil {
		return nil, err
	}

	return &store.AppendResult{Entries: entries, Conversation: &conv, CreatedFork: createdFork}, nil
}

func (s *Store) createForkTx(tx *gorm.DB, req store.AppendRequest, now time.Time) (*types.Conversation, error) {
	var ancestor types.Conversation
	err := tx.Where("id = ?", *req.ForkedAtConversationID).First(&ancestor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "ancestor conversation %s not found", *req.ForkedAtConversationID)
	}
	if err != nil {
		return nil, err
	}

	var anchor types.Entry
	err = tx.Where("id = ? AND conversation_id = ?", *req.ForkedAtEntryID, ancestor.ID).First(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "fork entry %s not found in ancestor conversation", *req.ForkedAtEntryID)
	}
	if err != nil {
		return nil, err
	}

	fork := &types.Conversation{
		ID:                     req.ConversationID,
		ConversationGroupID:    ancestor.ConversationGroupID,
		OwnerUserID:            ancestor.OwnerUserID,
		Title:                  req.ForkTitle,
		ForkedAtConversationID: req.ForkedAtConversationID,
		ForkedAtEntryID:        req.ForkedAtEntryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	// Memberships are shared by reference across the group: nothing to copy.
	if err := tx.Create(fork).Error; err != nil {
		return nil, err
	}
	return fork, nil
}

// assignEpochTx computes the batch epoch under the conversation row lock.
// Auto-assignment takes max+1; an explicit epoch that already exists for
// the (conversation, client) pair race-loses with CONFLICT.
func (s *Store) assignEpochTx(tx *gorm.DB, conversationID uuid.UUID, clientID string, requested *int64) (int64, error) {
	if requested != nil {
		if *requested <= 0 {
			return 0, fault.New(fault.KindInvalidArgument, "epoch must be a positive integer")
		}
		var count int64
		if err := tx.Model(&types.Entry{}).
			Where("conversation_id = ? AND channel = ? AND client_id = ? AND epoch = ?",
				conversationID, types.ChannelMemory, clientID, *requested).
			Count(&count).Error; err != nil {
			return 0, err
		}
		if count > 0 {
			return 0, fault.Newf(fault.KindConflict, "epoch %d already exists for this conversation and client", *requested)
		}
		return *requested, nil
	}

	var maxEpoch int64
	if err := tx.Model(&types.Entry{}).
		Select("COALESCE(MAX(epoch), 0)").
		Where("conversation_id = ? AND channel = ? AND client_id = ?",
			conversationID, types.ChannelMemory, clientID).
		Scan(&maxEpoch).Error; err != nil {
		return 0, err
	}
	return maxEpoch + 1, nil
}

func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*types.Entry, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	var entry types.Entry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "entry %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (s *Store) ListEntries(ctx context.Context, q store.EntryQuery) ([]*types.Entry, error) {
	if q.ConversationID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	limit := clampLimit(q.Limit)

	query := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("conversation_id = ?", q.ConversationID)
	if q.Channel != nil {
		query = query.Where("channel = ?", *q.Channel)
	}
	if strings.TrimSpace(q.ClientID) != "" {
		query = query.Where("client_id = ?", q.ClientID)
	}
	query, err := s.applyCursor(ctx, query, q.AfterEntryID, q.ConversationID, q.Channel)
	if err != nil {
		return nil, err
	}

	var out []*types.Entry
	if err := query.Order("created_at ASC, id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) ListByConversationGroup(ctx context.Context, q store.GroupEntryQuery) ([]*types.Entry, error) {
	if q.ConversationGroupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	limit := clampLimit(q.Limit)

	query := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("conversation_group_id = ?", q.ConversationGroupID)
	if q.Channel != nil {
		query = query.Where("channel = ?", *q.Channel)
	}
	if strings.TrimSpace(q.ClientID) != "" {
		query = query.Where("client_id = ?", q.ClientID)
	}
	if len(q.Spine) > 0 {
		var conds []string
		var args []interface{}
		for _, seg := range q.Spine {
			if seg.AnchorEntryID == uuid.Nil {
				conds = append(conds, "(conversation_id = ?)")
				args = append(args, seg.ConversationID)
				continue
			}
			conds = append(conds, "(conversation_id = ? AND (created_at < ? OR (created_at = ? AND id <= ?)))")
			args = append(args, seg.ConversationID, seg.AnchorCreatedAt, seg.AnchorCreatedAt, seg.AnchorEntryID)
		}
		query = query.Where(strings.Join(conds, " OR "), args...)
	}
	if q.AfterEntryID != nil {
		var after types.Entry
		err := s.db.WithContext(ctx).
			Where("id = ? AND conversation_group_id = ?", *q.AfterEntryID, q.ConversationGroupID).
			First(&after).Error
		if err == nil {
			query = query.Where("(created_at > ?) OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, translate(err)
		}
		// Unknown cursor: fall back to start-of-range.
	}

	var out []*types.Entry
	if err := query.Order("created_at ASC, id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) ListMemoryEntriesAtLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, int64, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return nil, 0, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	lim := clampLimit(limit)

	// Epoch resolution and row selection share one statement so a racing
	// append cannot split the read across two epochs.
	channel := types.ChannelMemory
	query := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("conversation_id = ? AND channel = ? AND client_id = ?", conversationID, channel, clientID).
		Where(`epoch = (
			SELECT MAX(epoch) FROM entries
			WHERE conversation_id = ? AND channel = ? AND client_id = ? AND deleted_at IS NULL
		)`, conversationID, channel, clientID)
	query, err := s.applyCursor(ctx, query, afterEntryID, conversationID, &channel)
	if err != nil {
		return nil, 0, err
	}

	var out []*types.Entry
	if err := query.Order("created_at ASC, id ASC").Limit(lim).Find(&out).Error; err != nil {
		return nil, 0, translate(err)
	}
	if len(out) > 0 && out[0].Epoch != nil {
		return out, *out[0].Epoch, nil
	}
	epoch, err := s.LatestMemoryEpoch(ctx, conversationID, clientID)
	if err != nil {
		return nil, 0, err
	}
	return out, epoch, nil
}

func (s *Store) ListMemoryEntriesByEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return nil, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	if epoch <= 0 {
		return nil, fault.New(fault.KindInvalidArgument, "epoch must be a positive integer")
	}
	lim := clampLimit(limit)

	channel := types.ChannelMemory
	query := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("conversation_id = ? AND channel = ? AND client_id = ? AND epoch = ?", conversationID, channel, clientID, epoch)
	query, err := s.applyCursor(ctx, query, afterEntryID, conversationID, &channel)
	if err != nil {
		return nil, err
	}

	var out []*types.Entry
	if err := query.Order("created_at ASC, id ASC").Limit(lim).Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) LatestMemoryEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return 0, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	var maxEpoch int64
	err := s.db.WithContext(ctx).Model(&types.Entry{}).
		Select("COALESCE(MAX(epoch), 0)").
		Where("conversation_id = ? AND channel = ? AND client_id = ?", conversationID, types.ChannelMemory, clientID).
		Scan(&maxEpoch).Error
	if err != nil {
		return 0, translate(err)
	}
	return maxEpoch, nil
}

func (s *Store) SetIndexedContent(ctx context.Context, entryID uuid.UUID, text string) error {
	if entryID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	res := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("id = ? AND indexed_content IS NULL", entryID).
		Update("indexed_content", text)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the entry is gone or the projection was already written;
		// a second write is a no-op by contract.
		var count int64
		if err := s.db.WithContext(ctx).Model(&types.Entry{}).
			Where("id = ?", entryID).Count(&count).Error; err != nil {
			return translate(err)
		}
		if count == 0 {
			return fault.Newf(fault.KindNotFound, "entry %s not found", entryID)
		}
	}
	return nil
}

func (s *Store) SetIndexedAt(ctx context.Context, entryID uuid.UUID, at time.Time) error {
	if entryID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	res := s.db.WithContext(ctx).Model(&types.Entry{}).
		Where("id = ? AND indexed_at IS NULL", entryID).
		Update("indexed_at", at.UTC())
	if res.Error != nil {
		return translate(res.Error)
	}
	return nil
}

func (s *Store) SearchEntriesFullText(ctx context.Context, q store.FullTextQuery) ([]store.FullTextHit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return []store.FullTextHit{}, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	var (
		sql  string
		args []interface{}
	)
	switch {
	case q.ByMembershipOf != nil:
		sql = fmt.Sprintf(`
			SELECT entries.*,
			       ts_rank(to_tsvector('english', entries.indexed_content), plainto_tsquery('english', ?)) AS rank
			FROM entries
			JOIN conversation_memberships m ON m.conversation_group_id = entries.conversation_group_id
			WHERE m.user_id = ?
			  AND m.deleted_at IS NULL
			  AND entries.deleted_at IS NULL
			  AND entries.indexed_content IS NOT NULL
			  AND to_tsvector('english', entries.indexed_content) @@ plainto_tsquery('english', ?)
			ORDER BY rank DESC, entries.created_at DESC, entries.id
			LIMIT %d;
		`, limit)
		args = []interface{}{q.Query, *q.ByMembershipOf, q.Query}
	case len(q.GroupIDs) > 0:
		sql = fmt.Sprintf(`
			SELECT entries.*,
			       ts_rank(to_tsvector('english', entries.indexed_content), plainto_tsquery('english', ?)) AS rank
			FROM entries
			WHERE entries.conversation_group_id IN ?
			  AND entries.deleted_at IS NULL
			  AND entries.indexed_content IS NOT NULL
			  AND to_tsvector('english', entries.indexed_content) @@ plainto_tsquery('english', ?)
			ORDER BY rank DESC, entries.created_at DESC, entries.id
			LIMIT %d;
		`, limit)
		args = []interface{}{q.Query, q.GroupIDs, q.Query}
	default:
		return []store.FullTextHit{}, nil
	}

	type row struct {
		types.Entry
		Rank float64 `gorm:"column:rank"`
	}
	var rows []row
	if err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, translate(err)
	}

	out := make([]store.FullTextHit, 0, len(rows))
	for i := range rows {
		e := rows[i].Entry
		out = append(out, store.FullTextHit{Entry: &e, Rank: rows[i].Rank})
	}
	return out, nil
}

// applyCursor validates the afterEntryId cursor against the target
// conversation and channel; anything else falls back to start-of-range.
func (s *Store) applyCursor(ctx context.Context, query *gorm.DB, afterEntryID *uuid.UUID, conversationID uuid.UUID, channel *types.EntryChannel) (*gorm.DB, error) {
	if afterEntryID == nil || *afterEntryID == uuid.Nil {
		return query, nil
	}
	cursorQ := s.db.WithContext(ctx).Where("id = ? AND conversation_id = ?", *afterEntryID, conversationID)
	if channel != nil {
		cursorQ = cursorQ.Where("channel = ?", *channel)
	}
	var after types.Entry
	err := cursorQ.First(&after).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return query, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return query.Where("(created_at > ?) OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID), nil
}

func validateBatchChannels(req store.AppendRequest) error {
	memoryCount := 0
	for _, e := range req.Entries {
		if e == nil {
			return fault.New(fault.KindInvalidArgument, "nil entry in batch")
		}
		if !e.Channel.Valid() {
			return fault.Newf(fault.KindInvalidArgument, "unknown channel %q", e.Channel)
		}
		if e.Channel == types.ChannelMemory {
			memoryCount++
		}
	}
	if memoryCount != 0 && memoryCount != len(req.Entries) {
		return fault.New(fault.KindInvalidArgument, "MEMORY entries cannot be batched with other channels")
	}
	return nil
}

func sameForkParent(conv *types.Conversation, parentConvID, parentEntryID *uuid.UUID) bool {
	if conv.ForkedAtConversationID == nil || conv.ForkedAtEntryID == nil {
		return false
	}
	return parentConvID != nil && parentEntryID != nil &&
		*conv.ForkedAtConversationID == *parentConvID &&
		*conv.ForkedAtEntryID == *parentEntryID
}

func hasPresetIDs(entries []*types.Entry) bool {
	for _, e := range entries {
		if e.ID != uuid.Nil {
			return true
		}
	}
	return false
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
