package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/datatypes"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) GetDEKRecord(ctx context.Context, provider string) (*types.DEKRecord, error) {
	if provider == "" {
		return nil, fault.New(fault.KindInvalidArgument, "missing provider")
	}
	var doc dekDoc
	err := s.db.Collection(collDEKs).FindOne(ctx, bson.M{"_id": provider}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fault.Newf(fault.KindNotFound, "no DEK record for provider %q", provider)
	}
	if err != nil {
		return nil, translate(err)
	}
	return dekDomain(&doc)
}

func (s *Store) InsertDEKRecordIfAbsent(ctx context.Context, rec *types.DEKRecord) (bool, error) {
	if rec == nil || rec.Provider == "" {
		return false, fault.New(fault.KindInvalidArgument, "missing provider")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var wrapped []string
	if len(rec.WrappedDEKs) > 0 {
		if err := json.Unmarshal(rec.WrappedDEKs, &wrapped); err != nil {
			return false, fault.Wrap(fault.KindInvalidArgument, "malformed wrapped DEK list", err)
		}
	}
	doc := &dekDoc{
		Provider:    rec.Provider,
		WrappedDEKs: wrapped,
		Revision:    rec.Revision,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	_, err := s.db.Collection(collDEKs).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return true, nil
}

func (s *Store) UpdateDEKRecord(ctx context.Context, provider string, wrappedDEKs []string, expectedRevision int64) (bool, error) {
	if provider == "" {
		return false, fault.New(fault.KindInvalidArgument, "missing provider")
	}
	res, err := s.db.Collection(collDEKs).UpdateOne(ctx,
		bson.M{"_id": provider, "revision": expectedRevision},
		bson.M{"$set": bson.M{
			"wrapped_deks": wrappedDEKs,
			"revision":     expectedRevision + 1,
			"updated_at":   time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, translate(err)
	}
	return res.MatchedCount > 0, nil
}

func dekDomain(doc *dekDoc) (*types.DEKRecord, error) {
	if doc.WrappedDEKs == nil {
		doc.WrappedDEKs = []string{}
	}
	raw, err := json.Marshal(doc.WrappedDEKs)
	if err != nil {
		return nil, fault.Internal("marshal wrapped DEKs", err)
	}
	return &types.DEKRecord{
		Provider:    doc.Provider,
		WrappedDEKs: datatypes.JSON(raw),
		Revision:    doc.Revision,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}
