package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskTypeVectorStoreDelete    = "vector_store_delete"
	TaskTypeEntryVectorIndexRetry = "entry_vector_index_retry"
	TaskTypeAttachmentEviction   = "attachment_eviction"
)

// Task is a durable at-least-once background job. A task is eligible when
// retry_at <= now and no live claim exists (processing_at null or stale).
// TaskName, when set, makes the task a singleton: re-creating an existing
// name is a no-op.
type Task struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskName *string   `gorm:"column:task_name;uniqueIndex" json:"task_name,omitempty"`
	TaskType string    `gorm:"column:task_type;not null;index" json:"task_type"`

	TaskBody datatypes.JSON `gorm:"type:jsonb;column:task_body;not null;default:'{}'" json:"task_body"`

	RetryAt      time.Time  `gorm:"column:retry_at;not null;index" json:"retry_at"`
	ProcessingAt *time.Time `gorm:"column:processing_at" json:"processing_at,omitempty"`
	LastError    string     `gorm:"column:last_error;not null;default:''" json:"last_error,omitempty"`
	RetryCount   int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (Task) TableName() string { return "tasks" }
