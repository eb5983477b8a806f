package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/datatypes"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) CreateConversationGroup(ctx context.Context, conv *types.Conversation) error {
	if conv == nil || conv.OwnerUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "conversation owner required")
	}
	now := time.Now().UTC()
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.ConversationGroupID == uuid.Nil {
		conv.ConversationGroupID = uuid.New()
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now

	return s.withTxn(ctx, func(sc mongo.SessionContext) error {
		group := &groupDoc{ID: conv.ConversationGroupID.String(), CreatedAt: now, UpdatedAt: now}
		if _, err := s.db.Collection(collGroups).InsertOne(sc, group); err != nil {
			return err
		}
		if _, err := s.db.Collection(collConversations).InsertOne(sc, fromConversation(conv)); err != nil {
			return err
		}
		owner := &membershipDoc{
			ID:                  membershipID(conv.ConversationGroupID, conv.OwnerUserID),
			ConversationGroupID: conv.ConversationGroupID.String(),
			UserID:              conv.OwnerUserID.String(),
			AccessLevel:         string(types.AccessOwner),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		_, err := s.db.Collection(collMemberships).InsertOne(sc, owner)
		return err
	})
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	var doc conversationDoc
	err := s.db.Collection(collConversations).
		FindOne(ctx, notDeleted(bson.M{"_id": id.String()})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) GetConversationGroup(ctx context.Context, id uuid.UUID) (*types.ConversationGroup, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing group id")
	}
	var doc groupDoc
	err := s.db.Collection(collGroups).
		FindOne(ctx, notDeleted(bson.M{"_id": id.String()})).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "conversation group %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return doc.domain(), nil
}

func (s *Store) ListConversationsByGroup(ctx context.Context, groupID uuid.UUID) ([]*types.Conversation, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing group id")
	}
	cur, err := s.db.Collection(collConversations).Find(ctx,
		notDeleted(bson.M{"conversation_group_id": groupID.String()}),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, translate(err)
	}
	return decodeConversations(ctx, cur)
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error) {
	if userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing user id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	groupIDs, err := s.ListGroupIDsForUser(ctx, userID, 0, false)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return []*types.Conversation{}, nil
	}
	ids := make([]string, 0, len(groupIDs))
	for _, g := range groupIDs {
		ids = append(ids, g.String())
	}
	cur, err := s.db.Collection(collConversations).Find(ctx,
		notDeleted(bson.M{"conversation_group_id": bson.M{"$in": ids}}),
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, translate(err)
	}
	return decodeConversations(ctx, cur)
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	res, err := s.db.Collection(collConversations).UpdateOne(ctx,
		notDeleted(bson.M{"_id": id.String()}),
		bson.M{"$set": bson.M{"title": title, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	return nil
}

func (s *Store) SoftDeleteGroup(ctx context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing group id")
	}
	now := time.Now().UTC()
	gid := groupID.String()

	return s.withTxn(ctx, func(sc mongo.SessionContext) error {
		res, err := s.db.Collection(collGroups).UpdateOne(sc,
			notDeleted(bson.M{"_id": gid}),
			bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fault.Newf(fault.KindNotFound, "conversation group %s not found", groupID)
		}
		for _, coll := range []string{collConversations, collMemberships, collEntries} {
			if _, err := s.db.Collection(coll).UpdateMany(sc,
				notDeleted(bson.M{"conversation_group_id": gid}),
				bson.M{"$set": bson.M{"deleted_at": now}},
			); err != nil {
				return err
			}
		}
		body, err := json.Marshal(map[string]string{"conversationGroupId": gid})
		if err != nil {
			return err
		}
		task := fromTask(&types.Task{
			ID:        uuid.New(),
			TaskType:  types.TaskTypeVectorStoreDelete,
			TaskBody:  datatypes.JSON(body),
			RetryAt:   now,
			CreatedAt: now,
		})
		_, err = s.db.Collection(collTasks).InsertOne(sc, task)
		return err
	})
}

func decodeConversations(ctx context.Context, cur *mongo.Cursor) ([]*types.Conversation, error) {
	defer cur.Close(ctx)
	out := []*types.Conversation{}
	for cur.Next(ctx) {
		var doc conversationDoc
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
