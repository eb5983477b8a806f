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

func (s *Store) GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	var doc membershipDoc
	err := s.db.Collection(collMemberships).
		FindOne(ctx, notDeleted(bson.M{"_id": membershipID(groupID, userID)})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.New(fault.KindNotFound, "membership not found")
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing group id")
	}
	cur, err := s.db.Collection(collMemberships).Find(ctx,
		notDeleted(bson.M{"conversation_group_id": groupID.String()}),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	out := []*types.ConversationMembership{}
	for cur.Next(ctx) {
		var doc membershipDoc
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

func (s *Store) UpsertMembership(ctx context.Context, m *types.ConversationMembership) error {
	if m == nil || m.ConversationGroupID == uuid.Nil || m.UserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	if !m.AccessLevel.Valid() {
		return fault.Newf(fault.KindInvalidArgument, "unknown access level %q", m.AccessLevel)
	}
	now := time.Now().UTC()

	// Re-sharing with a user whose membership was soft-deleted revives the
	// document, so the update clears deleted_at.
	_, err := s.db.Collection(collMemberships).UpdateOne(ctx,
		bson.M{"_id": membershipID(m.ConversationGroupID, m.UserID)},
		bson.M{
			"$set": bson.M{
				"access_level": string(m.AccessLevel),
				"updated_at":   now,
				"deleted_at":   nil,
			},
			"$setOnInsert": bson.M{
				"conversation_group_id": m.ConversationGroupID.String(),
				"user_id":               m.UserID.String(),
				"created_at":            now,
			},
		},
		options.Update().SetUpsert(true),
	)
	return translate(err)
}

func (s *Store) DeleteMembership(ctx context.Context, groupID, userID uuid.UUID) error {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	now := time.Now().UTC()
	res, err := s.db.Collection(collMemberships).UpdateOne(ctx,
		notDeleted(bson.M{"_id": membershipID(groupID, userID)}),
		bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return fault.New(fault.KindNotFound, "membership not found")
	}
	return nil
}

func (s *Store) ListGroupIDsForUser(ctx context.Context, userID uuid.UUID, limit int, orderByRecent bool) ([]uuid.UUID, error) {
	if userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing user id")
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	if orderByRecent {
		return s.listGroupIDsByRecency(ctx, userID, limit)
	}

	cur, err := s.db.Collection(collMemberships).Find(ctx,
		notDeleted(bson.M{"user_id": userID.String()}),
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"conversation_group_id": 1}),
	)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	ids := []uuid.UUID{}
	for cur.Next(ctx) {
		var doc struct {
			ConversationGroupID string `bson:"conversation_group_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, translate(err)
		}
		id, pErr := uuid.Parse(doc.ConversationGroupID)
		if pErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := cur.Err(); err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

// listGroupIDsByRecency joins memberships against groups so the most
// recently active groups come first. Runs in O(memberships for the user).
func (s *Store) listGroupIDsByRecency(ctx context.Context, userID uuid.UUID, limit int) ([]uuid.UUID, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID.String(), "deleted_at": nil}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         collGroups,
			"localField":   "conversation_group_id",
			"foreignField": "_id",
			"as":           "group",
		}}},
		{{Key: "$unwind", Value: "$group"}},
		{{Key: "$match", Value: bson.M{"group.deleted_at": nil}}},
		{{Key: "$sort", Value: bson.M{"group.updated_at": -1}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{"conversation_group_id": 1}}},
	}
	cur, err := s.db.Collection(collMemberships).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, translate(err)
	}
	defer cur.Close(ctx)

	ids := []uuid.UUID{}
	for cur.Next(ctx) {
		var doc struct {
			ConversationGroupID string `bson:"conversation_group_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, translate(err)
		}
		id, pErr := uuid.Parse(doc.ConversationGroupID)
		if pErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := cur.Err(); err != nil {
		return nil, translate(err)
	}
	return ids, nil
}
