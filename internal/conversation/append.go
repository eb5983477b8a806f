package conversation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
)

// AppendEntries appends a batch after a WRITER check. Field encryption,
// attachment linking, the epoch cache, and best-effort vector indexing all
// hang off this path; only the datastore write can fail the request.
func (e *Engine) AppendEntries(ctx context.Context, p principal.Principal, req store.AppendRequest) (*store.AppendResult, error) {
	groupID, err := e.resolveTargetGroup(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessWriter); err != nil {
		return nil, err
	}

	links, err := e.checkAttachmentRefs(ctx, p, req.Entries)
	if err != nil {
		return nil, err
	}
	if err := e.encryptEntries(req.Entries); err != nil {
		return nil, err
	}

	result, err := e.store.AppendEntries(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, entry := range result.Entries {
		if ids := links[entry]; len(ids) > 0 {
			if err := e.store.LinkAttachmentsToEntry(ctx, entry.ID, ids, p.User()); err != nil {
				return nil, err
			}
		}
	}

	e.afterAppend(ctx, result.Entries)
	if err := e.decryptEntries(result.Entries); err != nil {
		return nil, err
	}
	return result, nil
}

// SyncAgentEntry is the idempotent single-entry append used by agents that
// retry blindly. The entry id is client-supplied and is the dedupe key.
func (e *Engine) SyncAgentEntry(ctx context.Context, p principal.Principal, req store.AppendRequest) (*store.SyncResult, error) {
	groupID, err := e.resolveTargetGroup(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessWriter); err != nil {
		return nil, err
	}
	if err := e.encryptEntries(req.Entries); err != nil {
		return nil, err
	}

	result, err := e.store.SyncAgentEntry(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyExisted {
		e.afterAppend(ctx, []*types.Entry{result.Entry})
	}
	if err := e.decryptEntry(result.Entry); err != nil {
		return nil, err
	}
	return result, nil
}

// ForkConversationAtEntry creates a branch anchored at an entry of an
// existing conversation, optionally seeding it with initial entries. The
// new conversation id may be client-supplied so retries land on the same
// branch; passing the same id twice returns the existing fork.
func (e *Engine) ForkConversationAtEntry(ctx context.Context, p principal.Principal, newConversationID uuid.UUID, ancestorConversationID, ancestorEntryID uuid.UUID, title string, seed []*types.Entry, clientID string, epoch *int64) (*store.AppendResult, error) {
	if ancestorConversationID == uuid.Nil || ancestorEntryID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "fork requires an ancestor conversation and entry")
	}
	if newConversationID == uuid.Nil {
		newConversationID = uuid.New()
	}
	return e.AppendEntries(ctx, p, store.AppendRequest{
		ConversationID:         newConversationID,
		Entries:                seed,
		ClientID:               clientID,
		Epoch:                  epoch,
		ForkedAtConversationID: &ancestorConversationID,
		ForkedAtEntryID:        &ancestorEntryID,
		ForkTitle:              strings.TrimSpace(title),
	})
}

// resolveTargetGroup finds the group the access check runs against. For a
// fork-on-append the target conversation may not exist yet, in which case
// the ancestor's group is authoritative.
func (e *Engine) resolveTargetGroup(ctx context.Context, req store.AppendRequest) (uuid.UUID, error) {
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err == nil {
		return conv.ConversationGroupID, nil
	}
	if fault.IsKind(err, fault.KindNotFound) && req.ForkedAtConversationID != nil {
		ancestor, aErr := e.store.GetConversation(ctx, *req.ForkedAtConversationID)
		if aErr != nil {
			return uuid.Nil, aErr
		}
		return ancestor.ConversationGroupID, nil
	}
	return uuid.Nil, err
}

// checkAttachmentRefs validates every referenced attachment before the
// append commits: it must exist, belong to the caller, be READY, and not
// be linked to some other entry already. The returned map keys by the
// entry pointer because ids may not be assigned yet.
func (e *Engine) checkAttachmentRefs(ctx context.Context, p principal.Principal, entries []*types.Entry) (map[*types.Entry][]uuid.UUID, error) {
	links := map[*types.Entry][]uuid.UUID{}
	for _, entry := range entries {
		if entry == nil || len(entry.AttachmentRefs) == 0 {
			continue
		}
		var refs []uuid.UUID
		if err := json.Unmarshal(entry.AttachmentRefs, &refs); err != nil {
			return nil, fault.Wrap(fault.KindInvalidArgument, "malformed attachment refs", err)
		}
		if len(refs) == 0 {
			continue
		}
		attachments, err := e.store.GetAttachmentsByIDs(ctx, refs)
		if err != nil {
			return nil, err
		}
		if len(attachments) != len(refs) {
			return nil, fault.New(fault.KindNotFound, "attachment not found")
		}
		for _, a := range attachments {
			if a.UserID != p.User() {
				return nil, fault.New(fault.KindNotFound, "attachment not found")
			}
			if a.Status != types.AttachmentStatusReady {
				return nil, fault.Newf(fault.KindPreconditionFailed, "attachment %s is not ready", a.ID)
			}
		}
		links[entry] = refs
	}
	return links, nil
}

// afterAppend runs the post-commit side effects. None of them may fail the
// request: the entries are durable by now.
func (e *Engine) afterAppend(ctx context.Context, entries []*types.Entry) {
	for _, entry := range entries {
		if entry.Channel == types.ChannelMemory && entry.Epoch != nil {
			if err := e.cache.SetLatestEpoch(ctx, entry.ConversationID, entry.ClientID, *entry.Epoch); err != nil {
				e.log.Warn("epoch cache update failed", "conversation_id", entry.ConversationID, "error", err)
			}
			break
		}
	}

	var indexable []*types.Entry
	for _, entry := range entries {
		if entry.Channel == types.ChannelHistory && entry.IndexedContent != nil {
			indexable = append(indexable, entry)
		}
	}
	if len(indexable) > 0 {
		e.upsertVectors(ctx, indexable)
	}
}

func (e *Engine) encryptEntries(entries []*types.Entry) error {
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		enc, err := e.crypt.DB.EncryptJSON(entry.Content)
		if err != nil {
			return err
		}
		entry.Content = enc
	}
	return nil
}

func (e *Engine) decryptEntries(entries []*types.Entry) error {
	for _, entry := range entries {
		if err := e.decryptEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) decryptEntry(entry *types.Entry) error {
	if entry == nil {
		return nil
	}
	plain, err := e.crypt.DB.DecryptJSON(entry.Content)
	if err != nil {
		return err
	}
	entry.Content = plain
	return nil
}
