package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation is one branch inside a group. A fork carries the
// (forked_at_conversation_id, forked_at_entry_id) pair identifying the
// ancestor point; a root conversation has both unset.
type Conversation struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationGroupID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversation_group_id"`
	OwnerUserID         uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Title string `gorm:"column:title;not null;default:''" json:"title,omitempty"`

	ForkedAtConversationID *uuid.UUID `gorm:"type:uuid;column:forked_at_conversation_id" json:"forked_at_conversation_id,omitempty"`
	ForkedAtEntryID        *uuid.UUID `gorm:"type:uuid;column:forked_at_entry_id" json:"forked_at_entry_id,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// IsFork reports whether this branch was created by forking an ancestor.
func (c *Conversation) IsFork() bool {
	return c.ForkedAtConversationID != nil && c.ForkedAtEntryID != nil
}
