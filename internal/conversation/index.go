package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/vector"
)

// IndexItem is one entry's plain-text projection produced by the indexer.
type IndexItem struct {
	EntryID uuid.UUID
	Text    string
}

// retryTaskBody is the payload of an entry_vector_index_retry task.
type retryTaskBody struct {
	EntryID uuid.UUID `json:"entryId"`
}

// IndexEntries writes the indexable projection of each entry and pushes
// its vector. The text write is once-only; re-indexing an entry that
// already carries text leaves the stored text alone and still retries the
// vector side. Indexer role required.
func (e *Engine) IndexEntries(ctx context.Context, p principal.Principal, items []IndexItem) error {
	if !p.HasRole(principal.RoleIndexer) && !p.HasRole(principal.RoleAdmin) {
		return fault.New(fault.KindForbidden, "indexer role required")
	}

	entries := make([]*types.Entry, 0, len(items))
	for _, item := range items {
		if err := e.store.SetIndexedContent(ctx, item.EntryID, item.Text); err != nil {
			return err
		}
		entry, err := e.store.GetEntry(ctx, item.EntryID)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	e.upsertVectors(ctx, entries)
	return nil
}

// ReindexEntry re-runs the vector side for one entry. The task processor
// calls this from entry_vector_index_retry; unlike the request path the
// error propagates so the task backoff applies.
func (e *Engine) ReindexEntry(ctx context.Context, entryID uuid.UUID) error {
	entry, err := e.store.GetEntry(ctx, entryID)
	if fault.IsKind(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.IndexedContent == nil {
		return nil
	}
	if !e.index.Enabled() || !e.embedder.Enabled() {
		return nil
	}
	records, err := e.embedRecords(ctx, []*types.Entry{entry})
	if err != nil {
		return err
	}
	if err := e.index.Upsert(ctx, records); err != nil {
		return err
	}
	return e.store.SetIndexedAt(ctx, entryID, time.Now().UTC())
}

// upsertVectors is the best-effort half of the index lifecycle: embed,
// upsert, and stamp indexed_at. Any failure downgrades to a singleton
// retry task per entry instead of an error.
func (e *Engine) upsertVectors(ctx context.Context, entries []*types.Entry) {
	if len(entries) == 0 || !e.index.Enabled() || !e.embedder.Enabled() {
		return
	}

	records, err := e.embedRecords(ctx, entries)
	if err != nil {
		e.log.Warn("embedding failed, scheduling retries", "entries", len(entries), "error", err)
		e.scheduleIndexRetries(ctx, entries)
		return
	}
	if err := e.index.Upsert(ctx, records); err != nil {
		e.log.Warn("vector upsert failed, scheduling retries", "entries", len(entries), "error", err)
		e.scheduleIndexRetries(ctx, entries)
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if err := e.store.SetIndexedAt(ctx, entry.ID, now); err != nil {
			e.log.Warn("indexed_at update failed", "entry_id", entry.ID, "error", err)
		}
	}
}

func (e *Engine) embedRecords(ctx context.Context, entries []*types.Entry) ([]vector.Record, error) {
	texts := make([]string, len(entries))
	for i, entry := range entries {
		if entry.IndexedContent != nil {
			texts[i] = *entry.IndexedContent
		}
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(entries) {
		return nil, fault.Newf(fault.KindInternal, "embedder returned %d vectors for %d inputs", len(vectors), len(entries))
	}
	records := make([]vector.Record, len(entries))
	for i, entry := range entries {
		records[i] = vector.Record{
			EntryID:             entry.ID,
			ConversationID:      entry.ConversationID,
			ConversationGroupID: entry.ConversationGroupID,
			Channel:             string(entry.Channel),
			Values:              vectors[i],
		}
	}
	return records, nil
}

// scheduleIndexRetries enqueues one singleton retry task per entry. The
// task name dedupes, so a flapping vector backend does not pile up work.
func (e *Engine) scheduleIndexRetries(ctx context.Context, entries []*types.Entry) {
	for _, entry := range entries {
		body, err := json.Marshal(retryTaskBody{EntryID: entry.ID})
		if err != nil {
			continue
		}
		name := types.TaskTypeEntryVectorIndexRetry + ":" + entry.ID.String()
		_, err = e.store.CreateTask(ctx, &types.Task{
			ID:       uuid.New(),
			TaskName: &name,
			TaskType: types.TaskTypeEntryVectorIndexRetry,
			TaskBody: datatypes.JSON(body),
			RetryAt:  time.Now().UTC(),
		})
		if err != nil {
			e.log.Warn("index retry task creation failed", "entry_id", entry.ID, "error", err)
		}
	}
}
