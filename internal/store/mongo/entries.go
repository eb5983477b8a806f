package mongo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

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
	err := s.withTxn(ctx, func(sc mongo.SessionContext) error {
		out, err := s.appendEntriesTx(sc, req)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
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
	err := s.withTxn(ctx, func(sc mongo.SessionContext) error {
		var existing entryDoc
		qErr := s.db.Collection(collEntries).
			FindOne(sc, bson.M{"_id": entry.ID.String()}).
			Decode(&existing)
		if qErr == nil {
			result = &store.SyncResult{Entry: existing.domain(), AlreadyExisted: true}
			return nil
		}
		if qErr != mongo.ErrNoDocuments {
			return qErr
		}
		out, err := s.appendEntriesTx(sc, req)
		if err != nil {
			return err
		}
		result = &store.SyncResult{Entry: out.Entries[0], AlreadyExisted: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// appendEntriesTx holds the fork-on-append and epoch-assignment invariants.
// The conversation document is written first, so concurrent appends to the
// same conversation raise a write conflict and one side retries, which
// keeps auto-assigned epochs collision free.
func (s *Store) appendEntriesTx(sc mongo.SessionContext, req store.AppendRequest) (*store.AppendResult, error) {
	now := time.Now().UTC()

	var convDoc conversationDoc
	err := s.db.Collection(collConversations).
		FindOneAndUpdate(sc,
			notDeleted(bson.M{"_id": req.ConversationID.String()}),
			bson.M{"$set": bson.M{"updated_at": now}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&convDoc)

	var conv *types.Conversation
	createdFork := false
	switch {
	case err == nil:
		conv = convDoc.domain()
		if req.ForkedAtConversationID != nil || req.ForkedAtEntryID != nil {
			if !sameForkParent(conv, req.ForkedAtConversationID, req.ForkedAtEntryID) {
				return nil, fault.Newf(fault.KindConflict, "conversation %s already exists with a different parent", req.ConversationID)
			}
		}
	case err == mongo.ErrNoDocuments:
		if req.ForkedAtConversationID == nil || req.ForkedAtEntryID == nil {
			return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", req.ConversationID)
		}
		forked, fErr := s.createForkTx(sc, req, now)
		if fErr != nil {
			return nil, fErr
		}
		conv = forked
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
		assigned, aErr := s.assignEpochTx(sc, conv.ID, req.ClientID, req.Epoch)
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

	// Fork retries re-send the seed entries with the same ids. Duplicate
	// writes would abort the transaction, so existing ids are skipped
	// up front to keep the repeat idempotent.
	skip := map[string]bool{}
	if createdFork || hasPresetIDs(req.Entries) {
		ids := make([]string, 0, len(req.Entries))
		for _, e := range req.Entries {
			ids = append(ids, e.ID.String())
		}
		cur, cErr := s.db.Collection(collEntries).Find(sc,
			bson.M{"_id": bson.M{"$in": ids}},
			options.Find().SetProjection(bson.M{"_id": 1}),
		)
		if cErr != nil {
			return nil, cErr
		}
		var existing []struct {
			ID string `bson:"_id"`
		}
		if cErr := cur.All(sc, &existing); cErr != nil {
			return nil, cErr
		}
		for _, e := range existing {
			skip[e.ID] = true
		}
	}

	docs := make([]interface{}, 0, len(req.Entries))
	for _, e := range req.Entries {
		if skip[e.ID.String()] {
			continue
		}
		docs = append(docs, fromEntry(e))
	}
	if len(docs) > 0 {
		if _, err := s.db.Collection(collEntries).InsertMany(sc, docs); err != nil {
			return nil, err
		}
	}

	if _, err := s.db.Collection(collGroups).UpdateOne(sc,
		bson.M{"_id": conv.ConversationGroupID.String()},
		bson.M{"$set": bson.M{"updated_at": now}},
	); err != nil {
		return nil, err
	}

	conv.UpdatedAt = now
	return &store.AppendResult{Entries: req.Entries, Conversation: conv, CreatedFork: createdFork}, nil
}

func (s *Store) createForkTx(sc mongo.SessionContext, req store.AppendRequest, now time.Time) (*types.Conversation, error) {
	var ancestor conversationDoc
	err := s.db.Collection(collConversations).
		FindOne(sc, notDeleted(bson.M{"_id": req.ForkedAtConversationID.String()})).
		Decode(&ancestor)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "ancestor conversation %s not found", *req.ForkedAtConversationID)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.Collection(collEntries).
		FindOne(sc, notDeleted(bson.M{
			"_id":             req.ForkedAtEntryID.String(),
			"conversation_id": ancestor.ID,
		}), options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "fork entry %s not found in ancestor conversation", *req.ForkedAtEntryID)
	}
	if err != nil {
		return nil, err
	}

	fork := &types.Conversation{
		ID:                     req.ConversationID,
		ConversationGroupID:    uuid.MustParse(ancestor.ConversationGroupID),
		OwnerUserID:            uuid.MustParse(ancestor.OwnerUserID),
		Title:                  req.ForkTitle,
		ForkedAtConversationID: req.ForkedAtConversationID,
		ForkedAtEntryID:        req.ForkedAtEntryID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	// Memberships are shared by reference across the group: nothing to copy.
	if _, err := s.db.Collection(collConversations).InsertOne(sc, fromConversation(fork)); err != nil {
		return nil, err
	}
	return fork, nil
}

// assignEpochTx allocates the batch epoch from the per-(conversation,
// client) counter document. Auto-assignment takes $inc 1 on an upserted
// counter; an explicit epoch that already exists fails with CONFLICT and
// otherwise raises the counter with $max so later auto epochs stay ahead.
func (s *Store) assignEpochTx(sc mongo.SessionContext, conversationID uuid.UUID, clientID string, requested *int64) (int64, error) {
	counterID := conversationID.String() + ":" + clientID

	if requested != nil {
		if *requested <= 0 {
			return 0, fault.New(fault.KindInvalidArgument, "epoch must be a positive integer")
		}
		count, err := s.db.Collection(collEntries).CountDocuments(sc, bson.M{
			"conversation_id": conversationID.String(),
			"channel":         string(types.ChannelMemory),
			"client_id":       clientID,
			"epoch":           *requested,
		})
		if err != nil {
			return 0, err
		}
		if count > 0 {
			return 0, fault.Newf(fault.KindConflict, "epoch %d already exists for this conversation and client", *requested)
		}
		if _, err := s.db.Collection(collEpochs).UpdateOne(sc,
			bson.M{"_id": counterID},
			bson.M{"$max": bson.M{"epoch": *requested}},
			options.Update().SetUpsert(true),
		); err != nil {
			return 0, err
		}
		return *requested, nil
	}

	var counter epochDoc
	err := s.db.Collection(collEpochs).FindOneAndUpdate(sc,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"epoch": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Epoch, nil
}

func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*types.Entry, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	var doc entryDoc
	err := s.db.Collection(collEntries).
		FindOne(ctx, notDeleted(bson.M{"_id": id.String()})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "entry %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) ListEntries(ctx context.Context, q store.EntryQuery) ([]*types.Entry, error) {
	if q.ConversationID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	filter := notDeleted(bson.M{"conversation_id": q.ConversationID.String()})
	if q.Channel != nil {
		filter["channel"] = string(*q.Channel)
	}
	if strings.TrimSpace(q.ClientID) != "" {
		filter["client_id"] = q.ClientID
	}
	if err := s.applyCursor(ctx, filter, q.AfterEntryID, q.ConversationID, q.Channel); err != nil {
		return nil, err
	}
	return s.findEntries(ctx, filter, clampLimit(q.Limit))
}

func (s *Store) ListByConversationGroup(ctx context.Context, q store.GroupEntryQuery) ([]*types.Entry, error) {
	if q.ConversationGroupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	filter := notDeleted(bson.M{"conversation_group_id": q.ConversationGroupID.String()})
	if q.Channel != nil {
		filter["channel"] = string(*q.Channel)
	}
	if strings.TrimSpace(q.ClientID) != "" {
		filter["client_id"] = q.ClientID
	}
	if len(q.Spine) > 0 {
		segs := make([]bson.M, 0, len(q.Spine))
		for _, seg := range q.Spine {
			if seg.AnchorEntryID == uuid.Nil {
				segs = append(segs, bson.M{"conversation_id": seg.ConversationID.String()})
				continue
			}
			segs = append(segs, bson.M{
				"conversation_id": seg.ConversationID.String(),
				"$or": []bson.M{
					{"created_at": bson.M{"$lt": seg.AnchorCreatedAt}},
					{"created_at": seg.AnchorCreatedAt, "_id": bson.M{"$lte": seg.AnchorEntryID.String()}},
				},
			})
		}
		// $and keeps the spine disjunction clear of the cursor's $or.
		filter["$and"] = []bson.M{{"$or": segs}}
	}
	if q.AfterEntryID != nil && *q.AfterEntryID != uuid.Nil {
		var after entryDoc
		err := s.db.Collection(collEntries).FindOne(ctx, bson.M{
			"_id":                   q.AfterEntryID.String(),
			"conversation_group_id": q.ConversationGroupID.String(),
		}).Decode(&after)
		switch {
		case err == nil:
			applyAfter(filter, &after)
		case err == mongo.ErrNoDocuments:
			// Unknown cursor: fall back to start-of-range.
		default:
			return nil, translate(err)
		}
	}
	return s.findEntries(ctx, filter, clampLimit(q.Limit))
}

func (s *Store) ListMemoryEntriesAtLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, afterEntryID *uuid.UUID, limit int) ([]*types.Entry, int64, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return nil, 0, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	lim := clampLimit(limit)

	// Epoch resolution and row selection share a transaction snapshot so a
	// racing append cannot split the read across two epochs.
	var (
		out   []*types.Entry
		epoch int64
	)
	err := s.withTxn(ctx, func(sc mongo.SessionContext) error {
		maxEpoch, err := s.latestEpochTx(sc, conversationID, clientID)
		if err != nil {
			return err
		}
		epoch = maxEpoch
		if maxEpoch == 0 {
			out = []*types.Entry{}
			return nil
		}
		entries, err := s.ListMemoryEntriesByEpoch(sc, conversationID, clientID, maxEpoch, afterEntryID, lim)
		if err != nil {
			return err
		}
		out = entries
		return nil
	})
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
	channel := types.ChannelMemory
	filter := notDeleted(bson.M{
		"conversation_id": conversationID.String(),
		"channel":         string(channel),
		"client_id":       clientID,
		"epoch":           epoch,
	})
	if err := s.applyCursor(ctx, filter, afterEntryID, conversationID, &channel); err != nil {
		return nil, err
	}
	return s.findEntries(ctx, filter, clampLimit(limit))
}

func (s *Store) LatestMemoryEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, error) {
	if conversationID == uuid.Nil || strings.TrimSpace(clientID) == "" {
		return 0, fault.New(fault.KindInvalidArgument, "conversation id and client id required")
	}
	epoch, err := s.latestEpochTx(ctx, conversationID, clientID)
	if err != nil {
		return 0, translate(err)
	}
	return epoch, nil
}

func (s *Store) latestEpochTx(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, error) {
	var doc entryDoc
	err := s.db.Collection(collEntries).FindOne(ctx,
		notDeleted(bson.M{
			"conversation_id": conversationID.String(),
			"channel":         string(types.ChannelMemory),
			"client_id":       clientID,
			"epoch":           bson.M{"$ne": nil},
		}),
		options.FindOne().SetSort(bson.D{{Key: "epoch", Value: -1}}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if doc.Epoch == nil {
		return 0, nil
	}
	return *doc.Epoch, nil
}

func (s *Store) SetIndexedContent(ctx context.Context, entryID uuid.UUID, text string) error {
	if entryID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing entry id")
	}
	res, err := s.db.Collection(collEntries).UpdateOne(ctx,
		bson.M{"_id": entryID.String(), "indexed_content": nil},
		bson.M{"$set": bson.M{"indexed_content": text}},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		// Either the entry is gone or the projection was already written;
		// a second write is a no-op by contract.
		count, cErr := s.db.Collection(collEntries).CountDocuments(ctx, bson.M{"_id": entryID.String()})
		if cErr != nil {
			return translate(cErr)
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
	_, err := s.db.Collection(collEntries).UpdateOne(ctx,
		bson.M{"_id": entryID.String(), "indexed_at": nil},
		bson.M{"$set": bson.M{"indexed_at": at.UTC()}},
	)
	return translate(err)
}

func (s *Store) SearchEntriesFullText(ctx context.Context, q store.FullTextQuery) ([]store.FullTextHit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return []store.FullTextHit{}, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	groupIDs := q.GroupIDs
	if q.ByMembershipOf != nil {
		ids, err := s.ListGroupIDsForUser(ctx, *q.ByMembershipOf, 0, false)
		if err != nil {
			return nil, err
		}
		groupIDs = ids
	}
	if len(groupIDs) == 0 {
		return []store.FullTextHit{}, nil
	}
	ids := make([]string, 0, len(groupIDs))
	for _, g := range groupIDs {
		ids = append(ids, g.String())
	}

	filter := notDeleted(bson.M{
		"$text":                 bson.M{"$search": q.Query},
		"conversation_group_id": bson.M{"$in": ids},
		"indexed_content":       bson.M{"$ne": nil},
	})
	cur, err := s.db.Collection(collEntries).Find(ctx, filter,
		options.Find().
			SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
			SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	out := []store.FullTextHit{}
	for cur.Next(ctx) {
		var row struct {
			entryDoc `bson:",inline"`
			Score    float64 `bson:"score"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, translate(err)
		}
		out = append(out, store.FullTextHit{Entry: row.entryDoc.domain(), Rank: row.Score})
	}
	if err := cur.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// applyCursor validates the afterEntryId cursor against the target
// conversation and channel; anything else falls back to start-of-range.
func (s *Store) applyCursor(ctx context.Context, filter bson.M, afterEntryID *uuid.UUID, conversationID uuid.UUID, channel *types.EntryChannel) error {
	if afterEntryID == nil || *afterEntryID == uuid.Nil {
		return nil
	}
	cursorFilter := bson.M{
		"_id":             afterEntryID.String(),
		"conversation_id": conversationID.String(),
	}
	if channel != nil {
		cursorFilter["channel"] = string(*channel)
	}
	var after entryDoc
	err := s.db.Collection(collEntries).FindOne(ctx, cursorFilter).Decode(&after)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return translate(err)
	}
	applyAfter(filter, &after)
	return nil
}

func applyAfter(filter bson.M, after *entryDoc) {
	filter["$or"] = []bson.M{
		{"created_at": bson.M{"$gt": after.CreatedAt}},
		{"created_at": after.CreatedAt, "_id": bson.M{"$gt": after.ID}},
	}
}

func (s *Store) findEntries(ctx context.Context, filter bson.M, limit int) ([]*types.Entry, error) {
	cur, err := s.db.Collection(collEntries).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	out := []*types.Entry{}
	for cur.Next(ctx) {
		var doc entryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, translate(err)
		}
		out = append(out, doc.domain())
	}
	if err := cur.Err(); err != nil {
		return nil, translate(err)
	}
	return out, nil
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
