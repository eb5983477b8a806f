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

func (s *Store) CreateTransfer(ctx context.Context, t *types.OwnershipTransfer) error {
	if t == nil || t.ConversationGroupID == uuid.Nil || t.FromUserID == uuid.Nil || t.ToUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id, sender, and recipient required")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.Status = types.TransferStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	doc := &transferDoc{
		ID:                  t.ID.String(),
		ConversationGroupID: t.ConversationGroupID.String(),
		FromUserID:          t.FromUserID.String(),
		ToUserID:            t.ToUserID.String(),
		Status:              t.Status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	// The unique index on conversation_group_id turns a racing second
	// create into a duplicate-key error, which translates to CONFLICT.
	_, err := s.db.Collection(collTransfers).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fault.New(fault.KindConflict, "a pending transfer already exists for this group")
	}
	return translate(err)
}

func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (*types.OwnershipTransfer, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	var doc transferDoc
	err := s.db.Collection(collTransfers).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	res, err := s.db.Collection(collTransfers).DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return translate(err)
	}
	if res.DeletedCount == 0 {
		return fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	return nil
}

func (s *Store) AcceptTransfer(ctx context.Context, t *types.OwnershipTransfer) error {
	if t == nil || t.ID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer")
	}
	now := time.Now().UTC()
	return s.withTxn(ctx, func(sc mongo.SessionContext) error {
		// Deleting first doubles as the serialization point: a concurrent
		// accept of the same transfer sees zero documents and bails out.
		res, err := s.db.Collection(collTransfers).DeleteOne(sc, bson.M{"_id": t.ID.String()})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return fault.Newf(fault.KindNotFound, "transfer %s not found", t.ID)
		}

		demote, err := s.db.Collection(collMemberships).UpdateOne(sc,
			notDeleted(bson.M{
				"_id":          membershipID(t.ConversationGroupID, t.FromUserID),
				"access_level": string(types.AccessOwner),
			}),
			bson.M{"$set": bson.M{"access_level": string(types.AccessManager), "updated_at": now}},
		)
		if err != nil {
			return err
		}
		if demote.MatchedCount == 0 {
			return fault.New(fault.KindConflict, "sender no longer owns the group")
		}

		_, err = s.db.Collection(collMemberships).UpdateOne(sc,
			bson.M{"_id": membershipID(t.ConversationGroupID, t.ToUserID)},
			bson.M{
				"$set": bson.M{
					"access_level": string(types.AccessOwner),
					"updated_at":   now,
					"deleted_at":   nil,
				},
				"$setOnInsert": bson.M{
					"conversation_group_id": t.ConversationGroupID.String(),
					"user_id":               t.ToUserID.String(),
					"created_at":            now,
				},
			},
			options.Update().SetUpsert(true),
		)
		return err
	})
}
