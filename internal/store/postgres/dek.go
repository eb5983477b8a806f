package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) GetDEKRecord(ctx context.Context, provider string) (*types.DEKRecord, error) {
	if provider == "" {
		return nil, fault.New(fault.KindInvalidArgument, "missing provider")
	}
	var rec types.DEKRecord
	err := s.db.WithContext(ctx).Where("provider = ?", provider).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "no DEK record for provider %q", provider)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
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

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) UpdateDEKRecord(ctx context.Context, provider string, wrappedDEKs []string, expectedRevision int64) (bool, error) {
	if provider == "" {
		return false, fault.New(fault.KindInvalidArgument, "missing provider")
	}
	raw, err := json.Marshal(wrappedDEKs)
	if err != nil {
		return false, fault.Internal("marshal wrapped DEKs", err)
	}
	res := s.db.WithContext(ctx).Model(&types.DEKRecord{}).
		Where("provider = ? AND revision = ?", provider, expectedRevision).
		Updates(map[string]interface{}{
			"wrapped_deks": raw,
			"revision":     expectedRevision + 1,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}
