package memory

import (
	"time"

	"github.com/google/uuid"
)

const TransferStatusPending = "PENDING"

// OwnershipTransfer is a pending handover of a group's OWNER seat.
// Acceptance or rejection deletes the row; only pending rows exist, and
// at most one per group at any time.
type OwnershipTransfer struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationGroupID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"conversation_group_id"`

	FromUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"from_user_id"`
	ToUserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"to_user_id"`

	Status string `gorm:"column:status;not null;default:'PENDING'" json:"status"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (OwnershipTransfer) TableName() string { return "conversation_ownership_transfers" }
