package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AttachmentStatusPending = "PENDING"
	AttachmentStatusReady   = "READY"
	AttachmentStatusFailed  = "FAILED"
)

// Attachment is an independently owned blob record. It is created
// unattached (an orphan with a TTL), linked to an entry on append, and
// hard-deleted by the eviction task once the soft-delete grace expires.
type Attachment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StorageKey string    `gorm:"column:storage_key;not null;index" json:"storage_key"`

	Filename    string `gorm:"column:filename;not null;default:''" json:"filename"`
	ContentType string `gorm:"column:content_type;not null;default:''" json:"content_type"`
	Size        int64  `gorm:"column:size;not null;default:0" json:"size"`
	SHA256      string `gorm:"column:sha256;not null;default:''" json:"sha256"`

	UserID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	EntryID *uuid.UUID `gorm:"type:uuid;column:entry_id;index" json:"entry_id,omitempty"`

	Status    string     `gorm:"column:status;not null;default:'PENDING';index" json:"status"`
	SourceURL string     `gorm:"column:source_url;not null;default:''" json:"source_url,omitempty"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Attachment) TableName() string { return "attachments" }
