package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationGroup groups a root conversation and all of its forks.
// Memberships and ownership attach to the group, never to a branch.
type ConversationGroup struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationGroup) TableName() string { return "conversation_groups" }
