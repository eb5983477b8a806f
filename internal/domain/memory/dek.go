package memory

import (
	"time"

	"gorm.io/datatypes"
)

// DEKRecord stores the wrapped data-encryption keys for one encryption
// provider. Index 0 of WrappedDEKs is the primary; the rest are legacy
// keys kept for decrypt-only rotation. Revision carries the optimistic
// lock that prevents lost updates when two rotations race.
type DEKRecord struct {
	Provider string `gorm:"column:provider;primaryKey" json:"provider"`

	// JSON array of base64 wrapped DEKs, newest first.
	WrappedDEKs datatypes.JSON `gorm:"type:jsonb;column:wrapped_deks;not null;default:'[]'" json:"wrapped_deks"`
	Revision    int64          `gorm:"column:revision;not null;default:0" json:"revision"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (DEKRecord) TableName() string { return "encryption_deks" }
