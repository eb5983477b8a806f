package domain

import (
	"github.com/yungbote/memory-service/internal/domain/memory"
)

type ConversationGroup = memory.ConversationGroup
type Conversation = memory.Conversation
type ConversationMembership = memory.ConversationMembership
type Entry = memory.Entry
type OwnershipTransfer = memory.OwnershipTransfer
type Attachment = memory.Attachment
type Task = memory.Task
type DEKRecord = memory.DEKRecord

type AccessLevel = memory.AccessLevel
type EntryChannel = memory.EntryChannel

const (
	AccessNone    = memory.AccessNone
	AccessReader  = memory.AccessReader
	AccessWriter  = memory.AccessWriter
	AccessManager = memory.AccessManager
	AccessOwner   = memory.AccessOwner

	ChannelHistory = memory.ChannelHistory
	ChannelMemory  = memory.ChannelMemory
	ChannelSummary = memory.ChannelSummary

	TransferStatusPending = memory.TransferStatusPending

	AttachmentStatusPending = memory.AttachmentStatusPending
	AttachmentStatusReady   = memory.AttachmentStatusReady
	AttachmentStatusFailed  = memory.AttachmentStatusFailed

	TaskTypeVectorStoreDelete     = memory.TaskTypeVectorStoreDelete
	TaskTypeEntryVectorIndexRetry = memory.TaskTypeEntryVectorIndexRetry
	TaskTypeAttachmentEviction    = memory.TaskTypeAttachmentEviction
)
