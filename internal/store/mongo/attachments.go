package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) CreateAttachment(ctx context.Context, a *types.Attachment) error {
	if a == nil || a.UserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "attachment owner required")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.Collection(collAttachments).InsertOne(ctx, fromAttachment(a))
	return translate(err)
}

func (s *Store) GetAttachment(ctx context.Context, id uuid.UUID) (*types.Attachment, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	var doc attachmentDoc
	err := s.db.Collection(collAttachments).
		FindOne(ctx, notDeleted(bson.M{"_id": id.String()})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) GetAttachmentsByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Attachment, error) {
	if len(ids) == 0 {
		return []*types.Attachment{}, nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	cur, err := s.db.Collection(collAttachments).Find(ctx, notDeleted(bson.M{"_id": bson.M{"$in": strIDs}}))
	if err != nil {
		return nil, translate(err)
	}
	return decodeAttachments(ctx, cur)
}

func (s *Store) UpdateAttachment(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range updates {
		set[k] = v
	}
	res, err := s.db.Collection(collAttachments).UpdateOne(ctx,
		notDeleted(bson.M{"_id": id.String()}),
		bson.M{"$set": set},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	return nil
}

func (s *Store) LinkAttachmentsToEntry(ctx context.Context, entryID uuid.UUID, ids []uuid.UUID, userID uuid.UUID) error {
	if entryID == uuid.Nil || userID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "entry id and user id required")
	}
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	now := time.Now().UTC()
	return s.withTxn(ctx, func(sc mongo.SessionContext) error {
		cur, err := s.db.Collection(collAttachments).Find(sc,
			notDeleted(bson.M{"_id": bson.M{"$in": strIDs}, "user_id": userID.String()}),
		)
		if err != nil {
			return err
		}
		var docs []attachmentDoc
		if err := cur.All(sc, &docs); err != nil {
			return err
		}
		if len(docs) != len(ids) {
			return fault.New(fault.KindNotFound, "one or more attachments not found for this user")
		}
		for _, d := range docs {
			if d.EntryID != nil && *d.EntryID != entryID.String() {
				return fault.Newf(fault.KindConflict, "attachment %s is already linked to another entry", d.ID)
			}
		}
		_, err = s.db.Collection(collAttachments).UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": strIDs}},
			bson.M{"$set": bson.M{
				"entry_id":   entryID.String(),
				"expires_at": nil,
				"updated_at": now,
			}},
		)
		return err
	})
}

func (s *Store) SoftDeleteAttachment(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	now := time.Now().UTC()
	res, err := s.db.Collection(collAttachments).UpdateOne(ctx,
		notDeleted(bson.M{"_id": id.String()}),
		bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	return nil
}

func (s *Store) ListEvictableAttachments(ctx context.Context, deletedBefore time.Time, now time.Time, limit int) ([]*types.Attachment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	filter := bson.M{"$or": []bson.M{
		{"deleted_at": bson.M{"$ne": nil, "$lt": deletedBefore}},
		{"deleted_at": nil, "entry_id": nil, "expires_at": bson.M{"$ne": nil, "$lt": now}},
	}}
	cur, err := s.db.Collection(collAttachments).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, translate(err)
	}
	return decodeAttachments(ctx, cur)
}

func (s *Store) HardDeleteAttachment(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	_, err := s.db.Collection(collAttachments).DeleteOne(ctx, bson.M{"_id": id.String()})
	return translate(err)
}

func decodeAttachments(ctx context.Context, cur *mongo.Cursor) ([]*types.Attachment, error) {
	defer cur.Close(ctx)
	out := []*types.Attachment{}
	for cur.Next(ctx) {
		var doc attachmentDoc
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
