package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store/postgres"
)

// pgvectorIndex keeps embeddings in an entry_embeddings table next to the
// entries, which lets semantic queries scope by a membership join instead
// of a precomputed group id list.
type pgvectorIndex struct {
	log *logger.Logger
	db  *gorm.DB
	dim int
}

func NewPgvector(ctx context.Context, logg *logger.Logger, pg *postgres.Store) (Index, error) {
	if pg == nil {
		return nil, fmt.Errorf("pgvector index requires the postgres datastore")
	}
	dim := env.GetAsInt("VECTOR_DIM", 1536, logg)
	if dim <= 0 {
		return nil, fmt.Errorf("VECTOR_DIM must be a positive integer")
	}

	idx := &pgvectorIndex{
		log: logg.With("service", "PgvectorIndex"),
		db:  pg.DB(),
		dim: dim,
	}
	if err := idx.bootstrap(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *pgvectorIndex) bootstrap(ctx context.Context) error {
	db := x.db.WithContext(ctx)
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector;`).Error; err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS entry_embeddings (
			entry_id uuid PRIMARY KEY,
			conversation_id uuid NOT NULL,
			conversation_group_id uuid NOT NULL,
			channel text NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		);`, x.dim)
	if err := db.Exec(ddl).Error; err != nil {
		return fmt.Errorf("failed to create entry_embeddings: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entry_embeddings_group ON entry_embeddings (conversation_group_id);`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entry_embeddings_hnsw ON entry_embeddings USING hnsw (embedding vector_cosine_ops);`).Error; err != nil {
		return err
	}

	// A pre-existing table with a different dimension would silently break
	// every upsert, so the stored typmod is checked at startup.
	var stored int
	err := db.Raw(`
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'entry_embeddings'::regclass AND attname = 'embedding';
	`).Scan(&stored).Error
	if err != nil {
		return err
	}
	if stored > 0 && stored != x.dim {
		return fmt.Errorf("entry_embeddings dimension mismatch: configured=%d stored=%d", x.dim, stored)
	}
	return nil
}

func (x *pgvectorIndex) Enabled() bool   { return true }
func (x *pgvectorIndex) Colocated() bool { return true }
func (x *pgvectorIndex) Dimension() int  { return x.dim }

func (x *pgvectorIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.EntryID == uuid.Nil {
			return fault.New(fault.KindInvalidArgument, "embedding record requires an entry id")
		}
		if len(r.Values) != x.dim {
			return fault.Newf(fault.KindInvalidArgument, "embedding dimension mismatch: expected=%d got=%d", x.dim, len(r.Values))
		}
	}
	return x.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			err := tx.Exec(`
				INSERT INTO entry_embeddings (entry_id, conversation_id, conversation_group_id, channel, embedding)
				VALUES (?, ?, ?, ?, ?::vector)
				ON CONFLICT (entry_id) DO UPDATE SET embedding = EXCLUDED.embedding;
			`, r.EntryID, r.ConversationID, r.ConversationGroupID, r.Channel, vectorLiteral(r.Values)).Error
			if err != nil {
				return fault.Wrap(fault.KindUnavailable, "embedding upsert failed", err)
			}
		}
		return nil
	})
}

func (x *pgvectorIndex) Query(ctx context.Context, q []float32, topK int, scope Scope) ([]Match, error) {
	if len(q) != x.dim {
		return nil, fault.Newf(fault.KindInvalidArgument, "query vector dimension mismatch: expected=%d got=%d", x.dim, len(q))
	}
	if topK <= 0 {
		topK = 10
	}
	lit := vectorLiteral(q)

	var (
		sql  string
		args []interface{}
	)
	switch {
	case scope.ByMembershipOf != nil:
		sql = `
			SELECT e.entry_id, e.conversation_id, e.conversation_group_id,
			       1 - (e.embedding <=> ?::vector) AS score
			FROM entry_embeddings e
			JOIN conversation_memberships m ON m.conversation_group_id = e.conversation_group_id
			WHERE m.user_id = ? AND m.deleted_at IS NULL
			ORDER BY e.embedding <=> ?::vector
			LIMIT ?;`
		args = []interface{}{lit, *scope.ByMembershipOf, lit, topK}
	case len(scope.GroupIDs) > 0:
		sql = `
			SELECT e.entry_id, e.conversation_id, e.conversation_group_id,
			       1 - (e.embedding <=> ?::vector) AS score
			FROM entry_embeddings e
			WHERE e.conversation_group_id IN ?
			ORDER BY e.embedding <=> ?::vector
			LIMIT ?;`
		args = []interface{}{lit, scope.GroupIDs, lit, topK}
	default:
		return []Match{}, nil
	}

	var rows []struct {
		EntryID             uuid.UUID `gorm:"column:entry_id"`
		ConversationID      uuid.UUID `gorm:"column:conversation_id"`
		ConversationGroupID uuid.UUID `gorm:"column:conversation_group_id"`
		Score               float64   `gorm:"column:score"`
	}
	if err := x.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "semantic query failed", err)
	}
	out := make([]Match, 0, len(rows))
	for _, r := range rows {
		out = append(out, Match{
			EntryID:             r.EntryID,
			ConversationID:      r.ConversationID,
			ConversationGroupID: r.ConversationGroupID,
			Score:               r.Score,
		})
	}
	return out, nil
}

func (x *pgvectorIndex) DeleteByGroup(ctx context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing group id")
	}
	err := x.db.WithContext(ctx).Exec(`DELETE FROM entry_embeddings WHERE conversation_group_id = ?;`, groupID).Error
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, "embedding delete failed", err)
	}
	return nil
}

func (x *pgvectorIndex) DeleteByEntryIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := x.db.WithContext(ctx).Exec(`DELETE FROM entry_embeddings WHERE entry_id IN ?;`, ids).Error
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, "embedding delete failed", err)
	}
	return nil
}

func vectorLiteral(values []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
