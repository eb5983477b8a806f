package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
)

const (
	collGroups        = "conversation_groups"
	collConversations = "conversations"
	collEntries       = "entries"
	collMemberships   = "conversation_memberships"
	collTransfers     = "conversation_ownership_transfers"
	collAttachments   = "attachments"
	collTasks         = "tasks"
	collDEKs          = "encryption_deks"
	collEpochs        = "memory_epochs"
)

// Store is the document datastore adapter. It keeps the same contract as
// the relational adapter; multi-document invariants run inside causally
// consistent sessions with transactions, so it requires a replica set.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logger.Logger
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, logg *logger.Logger) (*Store, error) {
	serviceLog := logg.With("service", "MongoStore")

	uri := env.Get("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0", logg)
	dbName := env.Get("MONGO_DATABASE", "memoryservice", logg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to reach Mongo primary: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName), log: serviceLog}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure Mongo indexes: %w", err)
	}
	return s, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *mongo.Client, dbName string, logg *logger.Logger) *Store {
	return &Store{
		client: client,
		db:     client.Database(dbName),
		log:    logg.With("service", "MongoStore"),
	}
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collConversations: {
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}}},
		},
		collEntries: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "channel", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "conversation_group_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_id", Value: 1}, {Key: "epoch", Value: -1}}},
			{Keys: bson.D{{Key: "indexed_content", Value: "text"}}},
		},
		collMemberships: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		collTransfers: {
			{
				Keys:    bson.D{{Key: "conversation_group_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collAttachments: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
			{Keys: bson.D{{Key: "entry_id", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		collTasks: {
			{Keys: bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{
				Keys: bson.D{{Key: "task_name", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"task_name": bson.M{"$type": "string"}}),
			},
		},
	}
	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// withTxn runs fn inside a transaction. The driver retries transient
// transaction errors, which is how concurrent appends to one conversation
// serialize: both touch the conversation document and one side retries.
func (s *Store) withTxn(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return translate(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return translate(err)
}

// notDeleted scopes a filter to live documents.
func notDeleted(filter bson.M) bson.M {
	filter["deleted_at"] = nil
	return filter
}

// translate maps driver errors onto the fault taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fault.Wrap(fault.KindNotFound, "document not found", err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fault.Wrap(fault.KindConflict, "duplicate key", err)
	}
	var netErr net.Error
	if mongo.IsNetworkError(err) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindUnavailable, "mongo unavailable", err)
	}
	return fault.Internal("mongo operation failed", err)
}
