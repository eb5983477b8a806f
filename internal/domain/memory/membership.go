package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccessLevel forms a total order READER < WRITER < MANAGER < OWNER.
type AccessLevel string

const (
	AccessNone    AccessLevel = ""
	AccessReader  AccessLevel = "READER"
	AccessWriter  AccessLevel = "WRITER"
	AccessManager AccessLevel = "MANAGER"
	AccessOwner   AccessLevel = "OWNER"
)

var accessRank = map[AccessLevel]int{
	AccessNone:    0,
	AccessReader:  1,
	AccessWriter:  2,
	AccessManager: 3,
	AccessOwner:   4,
}

// Covers reports whether l grants at least the required level.
func (l AccessLevel) Covers(required AccessLevel) bool {
	return accessRank[l] >= accessRank[required]
}

func (l AccessLevel) Valid() bool {
	switch l {
	case AccessReader, AccessWriter, AccessManager, AccessOwner:
		return true
	default:
		return false
	}
}

// ConversationMembership maps (group, user) to an access level. Every
// branch of the group shares the same membership rows.
type ConversationMembership struct {
	ConversationGroupID uuid.UUID `gorm:"type:uuid;primaryKey" json:"conversation_group_id"`
	UserID              uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"user_id"`

	AccessLevel AccessLevel `gorm:"column:access_level;not null" json:"access_level"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationMembership) TableName() string { return "conversation_memberships" }
