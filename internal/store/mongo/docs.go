package mongo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/memory-service/internal/domain"
)

// Document shapes. IDs are stored as canonical uuid strings and JSON
// payloads as raw JSON text, so encrypted content round-trips byte for
// byte between the relational and document adapters.

type groupDoc struct {
	ID        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

type conversationDoc struct {
	ID                  string `bson:"_id"`
	ConversationGroupID string `bson:"conversation_group_id"`
	OwnerUserID         string `bson:"owner_user_id"`
	Title               string `bson:"title"`

	ForkedAtConversationID *string `bson:"forked_at_conversation_id"`
	ForkedAtEntryID        *string `bson:"forked_at_entry_id"`

	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

type entryDoc struct {
	ID                  string `bson:"_id"`
	ConversationID      string `bson:"conversation_id"`
	ConversationGroupID string `bson:"conversation_group_id"`

	Channel  string `bson:"channel"`
	ClientID string `bson:"client_id"`
	Epoch    *int64 `bson:"epoch"`

	Content        string     `bson:"content"`
	IndexedContent *string    `bson:"indexed_content"`
	IndexedAt      *time.Time `bson:"indexed_at"`
	AttachmentRefs string     `bson:"attachment_refs"`

	CreatedAt time.Time  `bson:"created_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

type membershipDoc struct {
	// _id is "<groupID>:<userID>", mirroring the composite primary key.
	ID                  string `bson:"_id"`
	ConversationGroupID string `bson:"conversation_group_id"`
	UserID              string `bson:"user_id"`
	AccessLevel         string `bson:"access_level"`

	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

type transferDoc struct {
	ID                  string `bson:"_id"`
	ConversationGroupID string `bson:"conversation_group_id"`
	FromUserID          string `bson:"from_user_id"`
	ToUserID            string `bson:"to_user_id"`
	Status              string `bson:"status"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type attachmentDoc struct {
	ID         string `bson:"_id"`
	StorageKey string `bson:"storage_key"`

	Filename    string `bson:"filename"`
	ContentType string `bson:"content_type"`
	Size        int64  `bson:"size"`
	SHA256      string `bson:"sha256"`

	UserID  string  `bson:"user_id"`
	EntryID *string `bson:"entry_id"`

	Status    string     `bson:"status"`
	SourceURL string     `bson:"source_url"`
	ExpiresAt *time.Time `bson:"expires_at"`

	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	DeletedAt *time.Time `bson:"deleted_at"`
}

type taskDoc struct {
	ID       string  `bson:"_id"`
	TaskName *string `bson:"task_name,omitempty"`
	TaskType string  `bson:"task_type"`
	TaskBody string  `bson:"task_body"`

	RetryAt      time.Time  `bson:"retry_at"`
	ProcessingAt *time.Time `bson:"processing_at"`
	LastError    string     `bson:"last_error"`
	RetryCount   int        `bson:"retry_count"`

	CreatedAt time.Time `bson:"created_at"`
}

type dekDoc struct {
	Provider    string   `bson:"_id"`
	WrappedDEKs []string `bson:"wrapped_deks"`
	Revision    int64    `bson:"revision"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// epochDoc is the per-(conversation, client) allocator for MEMORY epochs.
// _id is "<conversationID>:<clientID>".
type epochDoc struct {
	ID    string `bson:"_id"`
	Epoch int64  `bson:"epoch"`
}

func uuidPtrToStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func strPtrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func toDeletedAt(t *time.Time) gorm.DeletedAt {
	if t == nil {
		return gorm.DeletedAt{}
	}
	return gorm.DeletedAt{Time: *t, Valid: true}
}

func (d *groupDoc) domain() *types.ConversationGroup {
	return &types.ConversationGroup{
		ID:        uuid.MustParse(d.ID),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		DeletedAt: toDeletedAt(d.DeletedAt),
	}
}

func (d *conversationDoc) domain() *types.Conversation {
	return &types.Conversation{
		ID:                     uuid.MustParse(d.ID),
		ConversationGroupID:    uuid.MustParse(d.ConversationGroupID),
		OwnerUserID:            uuid.MustParse(d.OwnerUserID),
		Title:                  d.Title,
		ForkedAtConversationID: strPtrToUUID(d.ForkedAtConversationID),
		ForkedAtEntryID:        strPtrToUUID(d.ForkedAtEntryID),
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
		DeletedAt:              toDeletedAt(d.DeletedAt),
	}
}

func fromConversation(c *types.Conversation) *conversationDoc {
	return &conversationDoc{
		ID:                     c.ID.String(),
		ConversationGroupID:    c.ConversationGroupID.String(),
		OwnerUserID:            c.OwnerUserID.String(),
		Title:                  c.Title,
		ForkedAtConversationID: uuidPtrToStr(c.ForkedAtConversationID),
		ForkedAtEntryID:        uuidPtrToStr(c.ForkedAtEntryID),
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
	}
}

func (d *entryDoc) domain() *types.Entry {
	refs := d.AttachmentRefs
	if refs == "" {
		refs = "[]"
	}
	content := d.Content
	if content == "" {
		content = "[]"
	}
	return &types.Entry{
		ID:                  uuid.MustParse(d.ID),
		ConversationID:      uuid.MustParse(d.ConversationID),
		ConversationGroupID: uuid.MustParse(d.ConversationGroupID),
		Channel:             types.EntryChannel(d.Channel),
		ClientID:            d.ClientID,
		Epoch:               d.Epoch,
		Content:             datatypes.JSON(content),
		IndexedContent:      d.IndexedContent,
		IndexedAt:           d.IndexedAt,
		AttachmentRefs:      datatypes.JSON(refs),
		CreatedAt:           d.CreatedAt,
		DeletedAt:           toDeletedAt(d.DeletedAt),
	}
}

func fromEntry(e *types.Entry) *entryDoc {
	refs := string(e.AttachmentRefs)
	if refs == "" {
		refs = "[]"
	}
	content := string(e.Content)
	if content == "" {
		content = "[]"
	}
	return &entryDoc{
		ID:                  e.ID.String(),
		ConversationID:      e.ConversationID.String(),
		ConversationGroupID: e.ConversationGroupID.String(),
		Channel:             string(e.Channel),
		ClientID:            e.ClientID,
		Epoch:               e.Epoch,
		Content:             content,
		IndexedContent:      e.IndexedContent,
		IndexedAt:           e.IndexedAt,
		AttachmentRefs:      refs,
		CreatedAt:           e.CreatedAt,
	}
}

func (d *membershipDoc) domain() *types.ConversationMembership {
	return &types.ConversationMembership{
		ConversationGroupID: uuid.MustParse(d.ConversationGroupID),
		UserID:              uuid.MustParse(d.UserID),
		AccessLevel:         types.AccessLevel(d.AccessLevel),
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		DeletedAt:           toDeletedAt(d.DeletedAt),
	}
}

func membershipID(groupID, userID uuid.UUID) string {
	return groupID.String() + ":" + userID.String()
}

func (d *transferDoc) domain() *types.OwnershipTransfer {
	return &types.OwnershipTransfer{
		ID:                  uuid.MustParse(d.ID),
		ConversationGroupID: uuid.MustParse(d.ConversationGroupID),
		FromUserID:          uuid.MustParse(d.FromUserID),
		ToUserID:            uuid.MustParse(d.ToUserID),
		Status:              d.Status,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func (d *attachmentDoc) domain() *types.Attachment {
	return &types.Attachment{
		ID:          uuid.MustParse(d.ID),
		StorageKey:  d.StorageKey,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Size:        d.Size,
		SHA256:      d.SHA256,
		UserID:      uuid.MustParse(d.UserID),
		EntryID:     strPtrToUUID(d.EntryID),
		Status:      d.Status,
		SourceURL:   d.SourceURL,
		ExpiresAt:   d.ExpiresAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		DeletedAt:   toDeletedAt(d.DeletedAt),
	}
}

func fromAttachment(a *types.Attachment) *attachmentDoc {
	return &attachmentDoc{
		ID:          a.ID.String(),
		StorageKey:  a.StorageKey,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		SHA256:      a.SHA256,
		UserID:      a.UserID.String(),
		EntryID:     uuidPtrToStr(a.EntryID),
		Status:      a.Status,
		SourceURL:   a.SourceURL,
		ExpiresAt:   a.ExpiresAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func (d *taskDoc) domain() *types.Task {
	body := d.TaskBody
	if body == "" {
		body = "{}"
	}
	return &types.Task{
		ID:           uuid.MustParse(d.ID),
		TaskName:     d.TaskName,
		TaskType:     d.TaskType,
		TaskBody:     datatypes.JSON(body),
		RetryAt:      d.RetryAt,
		ProcessingAt: d.ProcessingAt,
		LastError:    d.LastError,
		RetryCount:   d.RetryCount,
		CreatedAt:    d.CreatedAt,
	}
}

func fromTask(t *types.Task) *taskDoc {
	body := string(t.TaskBody)
	if body == "" {
		body = "{}"
	}
	return &taskDoc{
		ID:           t.ID.String(),
		TaskName:     t.TaskName,
		TaskType:     t.TaskType,
		TaskBody:     body,
		RetryAt:      t.RetryAt,
		ProcessingAt: t.ProcessingAt,
		LastError:    t.LastError,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
	}
}
