package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

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
	return translate(s.db.WithContext(ctx).Create(a).Error)
}

func (s *Store) GetAttachment(ctx context.Context, id uuid.UUID) (*types.Attachment, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	var a types.Attachment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *Store) GetAttachmentsByIDs(ctx context.Context, ids []uuid.UUID) ([]*types.Attachment, error) {
	if len(ids) == 0 {
		return []*types.Attachment{}, nil
	}
	var out []*types.Attachment
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) UpdateAttachment(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&types.Attachment{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
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
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row locks keep the eviction job from hard-deleting an orphan in
		// the middle of being linked.
		var rows []*types.Attachment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ? AND user_id = ?", ids, userID).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) != len(ids) {
			return fault.New(fault.KindNotFound, "one or more attachments not found for this user")
		}
		for _, a := range rows {
			if a.EntryID != nil && *a.EntryID != entryID {
				return fault.Newf(fault.KindConflict, "attachment %s is already linked to another entry", a.ID)
			}
		}
		return tx.Model(&types.Attachment{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"entry_id":   entryID,
				"expires_at": nil,
				"updated_at": now,
			}).Error
	})
	return translate(err)
}

func (s *Store) SoftDeleteAttachment(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Attachment{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", id)
	}
	return nil
}

func (s *Store) ListEvictableAttachments(ctx context.Context, deletedBefore time.Time, now time.Time, limit int) ([]*types.Attachment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []*types.Attachment
	err := s.db.WithContext(ctx).Unscoped().Model(&types.Attachment{}).
		Where(
			"(deleted_at IS NOT NULL AND deleted_at < ?) OR (deleted_at IS NULL AND entry_id IS NULL AND expires_at IS NOT NULL AND expires_at < ?)",
			deletedBefore, now,
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) HardDeleteAttachment(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing attachment id")
	}
	return translate(s.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&types.Attachment{}).Error)
}
