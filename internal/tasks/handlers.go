package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/blob"
	"github.com/yungbote/memory-service/internal/conversation"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
	"github.com/yungbote/memory-service/internal/vector"
)

// RegisterCoreHandlers wires the built-in task types: vector cleanup after
// group deletion, vector index retries, and periodic attachment eviction.
func RegisterCoreHandlers(p *Processor, st store.Store, idx vector.Index, engine *conversation.Engine, blobs blob.Store, logg *logger.Logger) {
	log := logg.With("service", "TaskHandlers")

	p.Register(types.TaskTypeVectorStoreDelete, vectorStoreDeleteHandler(idx))
	p.Register(types.TaskTypeEntryVectorIndexRetry, entryVectorIndexRetryHandler(engine))
	p.RegisterPeriodic(types.TaskTypeAttachmentEviction,
		attachmentEvictionHandler(st, blobs, log,
			env.GetAsDuration("ATTACHMENT_RETENTION", 24*time.Hour, logg),
			env.GetAsInt("ATTACHMENT_EVICTION_BATCH", 100, logg)),
		env.GetAsDuration("ATTACHMENT_EVICTION_INTERVAL", time.Hour, logg))
}

// vectorStoreDeleteHandler removes every vector of a deleted group.
// Repeat-safe: deleting an already-deleted group is a no-op.
func vectorStoreDeleteHandler(idx vector.Index) Handler {
	return func(ctx context.Context, task *types.Task) error {
		var body struct {
			ConversationGroupID uuid.UUID `json:"conversationGroupId"`
		}
		if err := json.Unmarshal(task.TaskBody, &body); err != nil {
			return fault.Wrap(fault.KindInvalidArgument, "malformed task body", err)
		}
		if body.ConversationGroupID == uuid.Nil {
			return fault.New(fault.KindInvalidArgument, "task body missing conversation group id")
		}
		return idx.DeleteByGroup(ctx, body.ConversationGroupID)
	}
}

// entryVectorIndexRetryHandler re-runs the vector side of indexing for one
// entry. A deleted entry or one without indexed text completes quietly.
func entryVectorIndexRetryHandler(engine *conversation.Engine) Handler {
	return func(ctx context.Context, task *types.Task) error {
		var body struct {
			EntryID uuid.UUID `json:"entryId"`
		}
		if err := json.Unmarshal(task.TaskBody, &body); err != nil {
			return fault.Wrap(fault.KindInvalidArgument, "malformed task body", err)
		}
		if body.EntryID == uuid.Nil {
			return fault.New(fault.KindInvalidArgument, "task body missing entry id")
		}
		return engine.ReindexEntry(ctx, body.EntryID)
	}
}

// attachmentEvictionHandler hard-deletes attachments whose soft delete
// passed the retention window, plus expired orphans that never got linked.
// The blob goes first so a crash leaves a re-evictable row, not a leaked
// payload.
func attachmentEvictionHandler(st store.Store, blobs blob.Store, log *logger.Logger, retention time.Duration, batch int) Handler {
	return func(ctx context.Context, task *types.Task) error {
		now := time.Now().UTC()
		evictable, err := st.ListEvictableAttachments(ctx, now.Add(-retention), now, batch)
		if err != nil {
			return err
		}
		for _, a := range evictable {
			if blobs.Enabled() && a.StorageKey != "" {
				if err := blobs.Delete(ctx, a.StorageKey); err != nil {
					log.Warn("attachment blob delete failed", "attachment_id", a.ID, "error", err)
					continue
				}
			}
			if err := st.HardDeleteAttachment(ctx, a.ID); err != nil {
				log.Warn("attachment hard delete failed", "attachment_id", a.ID, "error", err)
			}
		}
		return nil
	}
}
