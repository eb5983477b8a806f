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

func (s *Store) GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	var m types.ConversationMembership
	err := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.New(fault.KindNotFound, "membership not found")
	}
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]*types.ConversationMembership, error) {
	if groupID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "missing group id")
	}
	var out []*types.ConversationMembership
	err := s.db.WithContext(ctx).
		Where("conversation_group_id = ?", groupID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
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
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	// Re-sharing with a user whose membership was soft-deleted revives the
	// row, so the conflict update clears deleted_at.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_group_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"access_level": m.AccessLevel,
			"updated_at":   now,
			"deleted_at":   nil,
		}),
	}).Create(m).Error
	return translate(err)
}

func (s *Store) DeleteMembership(ctx context.Context, groupID, userID uuid.UUID) error {
	if groupID == uuid.Nil || userID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "group id and user id required")
	}
	res := s.db.WithContext(ctx).
		Where("conversation_group_id = ? AND user_id = ?", groupID, userID).
		Delete(&types.ConversationMembership{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
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

	q := s.db.WithContext(ctx).Model(&types.ConversationMembership{}).
		Where("conversation_memberships.user_id = ?", userID).
		Limit(limit)
	if orderByRecent {
		q = q.
			Joins("JOIN conversation_groups g ON g.id = conversation_memberships.conversation_group_id AND g.deleted_at IS NULL").
			Order("g.updated_at DESC")
	} else {
		q = q.Order("conversation_memberships.created_at ASC")
	}

	var ids []uuid.UUID
	if err := q.Pluck("conversation_memberships.conversation_group_id", &ids).Error; err != nil {
		return nil, translate(err)
	}
	return ids, nil
}
