package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

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

	// The unique index on conversation_group_id turns a racing second
	// create into a duplicate-key error, which translates to CONFLICT.
	err := translate(s.db.WithContext(ctx).Create(t).Error)
	if fault.IsKind(err, fault.KindConflict) {
		return fault.New(fault.KindConflict, "a pending transfer already exists for this group")
	}
	return err
}

func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (*types.OwnershipTransfer, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	var t types.OwnershipTransfer
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *Store) DeleteTransfer(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer id")
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.OwnershipTransfer{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.KindNotFound, "transfer %s not found", id)
	}
	return nil
}

func (s *Store) AcceptTransfer(ctx context.Context, t *types.OwnershipTransfer) error {
	if t == nil || t.ID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing transfer")
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Deleting first doubles as the serialization point: a concurrent
		// accept of the same transfer sees zero rows and bails out.
		res := tx.Where("id = ?", t.ID).Delete(&types.OwnershipTransfer{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.KindNotFound, "transfer %s not found", t.ID)
		}

		demote := tx.Model(&types.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ? AND access_level = ?",
				t.ConversationGroupID, t.FromUserID, types.AccessOwner).
			Updates(map[string]interface{}{
				"access_level": types.AccessManager,
				"updated_at":   now,
			})
		if demote.Error != nil {
			return demote.Error
		}
		if demote.RowsAffected == 0 {
			return fault.New(fault.KindConflict, "sender no longer owns the group")
		}

		recipient := &types.ConversationMembership{
			ConversationGroupID: t.ConversationGroupID,
			UserID:              t.ToUserID,
			AccessLevel:         types.AccessOwner,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		promote := tx.Model(&types.ConversationMembership{}).
			Where("conversation_group_id = ? AND user_id = ?", t.ConversationGroupID, t.ToUserID).
			Updates(map[string]interface{}{
				"access_level": types.AccessOwner,
				"updated_at":   now,
			})
		if promote.Error != nil {
			return promote.Error
		}
		if promote.RowsAffected == 0 {
			if err := tx.Create(recipient).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return translate(err)
}
