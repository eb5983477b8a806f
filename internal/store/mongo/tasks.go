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

func (s *Store) CreateTask(ctx context.Context, t *types.Task) (bool, error) {
	if t == nil || t.TaskType == "" {
		return false, fault.New(fault.KindInvalidArgument, "task type required")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.RetryAt.IsZero() {
		t.RetryAt = now
	}

	_, err := s.db.Collection(collTasks).InsertOne(ctx, fromTask(t))
	if err != nil {
		// Singleton tasks: the unique task_name index makes the repeat
		// insert a no-op.
		if t.TaskName != nil && mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, translate(err)
	}
	return true, nil
}

// ClaimTasks claims eligible tasks one at a time with FindOneAndUpdate,
// which is atomic per document, so two workers never claim the same task.
func (s *Store) ClaimTasks(ctx context.Context, now time.Time, batchSize int, staleClaim time.Duration) ([]*types.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	staleCutoff := now.Add(-staleClaim)
	filter := bson.M{
		"retry_at": bson.M{"$lte": now},
		"$or": []bson.M{
			{"processing_at": nil},
			{"processing_at": bson.M{"$lt": staleCutoff}},
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	claimed := []*types.Task{}
	for i := 0; i < batchSize; i++ {
		var doc taskDoc
		err := s.db.Collection(collTasks).FindOneAndUpdate(ctx,
			filter,
			bson.M{"$set": bson.M{"processing_at": now}},
			opts,
		).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return nil, translate(err)
		}
		claimed = append(claimed, doc.domain())
	}
	return claimed, nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	_, err := s.db.Collection(collTasks).DeleteOne(ctx, bson.M{"_id": id.String()})
	return translate(err)
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, lastError string, retryAt time.Time) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	_, err := s.db.Collection(collTasks).UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{
			"$set": bson.M{
				"last_error":    lastError,
				"retry_at":      retryAt.UTC(),
				"processing_at": nil,
			},
			"$inc": bson.M{"retry_count": 1},
		},
	)
	return translate(err)
}
