package memory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryChannel is the logical destination of an entry.
type EntryChannel string

const (
	// ChannelHistory is a user-visible conversation turn.
	ChannelHistory EntryChannel = "HISTORY"
	// ChannelMemory is one snapshot of an agent's working memory.
	ChannelMemory EntryChannel = "MEMORY"
	// ChannelSummary is an agent-produced summary of a prefix.
	ChannelSummary EntryChannel = "SUMMARY"
)

func (c EntryChannel) Valid() bool {
	switch c {
	case ChannelHistory, ChannelMemory, ChannelSummary:
		return true
	default:
		return false
	}
}

// Entry is one append-only record in a conversation. HISTORY and SUMMARY
// entries carry no client id and no epoch; MEMORY entries carry both.
// Content is a list of semi-structured blocks, opaque to the engine.
// IndexedContent and IndexedAt are written exactly once after the fact.
type Entry struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID      uuid.UUID `gorm:"type:uuid;not null;index:idx_entries_conversation_channel,priority:1" json:"conversation_id"`
	ConversationGroupID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversation_group_id"`

	Channel  EntryChannel `gorm:"column:channel;not null;index:idx_entries_conversation_channel,priority:2" json:"channel"`
	ClientID string       `gorm:"column:client_id;not null;default:'';index" json:"client_id,omitempty"`
	Epoch    *int64       `gorm:"column:epoch;index" json:"epoch,omitempty"`

	// When field encryption is on, the JSON value is a bare string with a
	// provider prefix instead of the plaintext block array.
	Content datatypes.JSON `gorm:"type:jsonb;column:content;not null;default:'[]'" json:"content"`

	IndexedContent *string    `gorm:"type:text;column:indexed_content" json:"indexed_content,omitempty"`
	IndexedAt      *time.Time `gorm:"column:indexed_at" json:"indexed_at,omitempty"`

	AttachmentRefs datatypes.JSON `gorm:"type:jsonb;column:attachment_refs;not null;default:'[]'" json:"attachment_refs,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index:idx_entries_created_id,priority:1" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Entry) TableName() string { return "entries" }
