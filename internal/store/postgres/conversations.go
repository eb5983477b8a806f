package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) CreateConversationGroup(ctx context.Context, conv *types.Conversation) error {
	if conv == nil {
		return fault.New(fault.KindInvalidArgument, "conversation required")
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.ConversationGroupID == uuid.Nil {
		conv.ConversationGroupID = uuid.New()
	}
	if conv.OwnerUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "owner user id required")
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := &types.ConversationGroup{
			ID:        conv.ConversationGroupID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		conv.CreatedAt = now
		conv.UpdatedAt = now
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		membership := &types.ConversationMembership{
			ConversationGroupID: conv.ConversationGroupID,
			UserID:              conv.OwnerUserID,
			AccessLevel:         types.AccessOwner,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		return tx.Create(membership).Error
	})
	return translate(err)
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	var conv types.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *Store) GetConversationGroup(ctx context.Context, id uuid.UUID) (*types.ConversationGroup, error) {
	if id == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	var group types.ConversationGroup
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.Newf(fault.KindNotFound, "conversation group %s not found", id)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &group, nil
}

func (s *Store) ListConversationsByGroup(ctx context.Context, groupID uuid.UUID) ([]*types.Conversation, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	var out []*types.Conversation
	err := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", groupID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error) {
	if userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing user id")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_memberships m ON m.conversation_group_id = conversations.conversation_group_id").
		Where("m.user_id = ? AND m.deleted_at IS NULL", userID).
		Order("conversations.updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing conversation id")
	}
	res := s.db.WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"title":      title,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fault.Newf(fault.KindNotFound, "conversation %s not found", id)
	}
	return nil
}

func (s *Store) SoftDeleteGroup(ctx context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing conversation group id")
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.ConversationGroup{}).
			Where("id = ?", groupID).
			Update("deleted_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fault.Newf(fault.KindNotFound, "conversation group %s not found", groupID)
		}
		if err := tx.Model(&types.Conversation{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.ConversationMembership{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Entry{}).
			Where("conversation_group_id = ?", groupID).
			Update("deleted_at", now).Error; err != nil {
			return err
		}

		// Embedding cleanup runs out of band; the delete task rides the
		// same transaction so a crash cannot lose it.
		task := &types.Task{
			ID:       uuid.New(),
			TaskType: types.TaskTypeVectorStoreDelete,
			TaskBody: datatypes.JSON([]byte(`{"conversationGroupId":"` + groupID.String() + `"}`)),
			RetryAt:  now,
		}
		return tx.Create(task).Error
	})
	return translate(err)
}
