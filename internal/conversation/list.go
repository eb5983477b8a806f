package conversation

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
)

// Epoch selector values beyond a literal epoch number.
const (
	EpochLatest = "latest"
	EpochAll    = "all"
)

// ListEntriesRequest selects entries of one conversation, or of every
// branch in its group when AllForks is set. Epoch applies to MEMORY reads
// only: empty and "latest" resolve the newest snapshot, "all" spans every
// epoch, and a number pins one.
type ListEntriesRequest struct {
	ConversationID uuid.UUID
	Channel        *types.EntryChannel
	ClientID       string
	Epoch          string
	AllForks       bool
	AfterEntryID   *uuid.UUID
	Limit          int
}

// ListEntriesResult carries the page and, for latest-epoch MEMORY reads,
// the epoch the page was resolved at.
type ListEntriesResult struct {
	Entries []*types.Entry
	Epoch   int64
}

// ListEntries reads entries after a READER check.
func (e *Engine) ListEntries(ctx context.Context, p principal.Principal, req ListEntriesRequest) (*ListEntriesResult, error) {
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.access.EnsureAccess(ctx, p, conv.ConversationGroupID, types.AccessReader); err != nil {
		return nil, err
	}

	isMemory := req.Channel != nil && *req.Channel == types.ChannelMemory
	epoch := strings.TrimSpace(strings.ToLower(req.Epoch))
	if isMemory && strings.TrimSpace(req.ClientID) == "" {
		return nil, fault.New(fault.KindInvalidArgument, "MEMORY reads require a client id")
	}
	if epoch != "" && !isMemory {
		return nil, fault.New(fault.KindInvalidArgument, "epoch applies to the MEMORY channel only")
	}
	if req.AllForks && epoch != "" && epoch != EpochAll {
		return nil, fault.New(fault.KindInvalidArgument, "epoch selection does not span forks")
	}

	if req.AllForks {
		spine, err := e.resolveSpine(ctx, conv)
		if err != nil {
			return nil, err
		}
		entries, err := e.store.ListByConversationGroup(ctx, store.GroupEntryQuery{
			ConversationGroupID: conv.ConversationGroupID,
			Channel:             req.Channel,
			ClientID:            req.ClientID,
			Spine:               spine,
			AfterEntryID:        req.AfterEntryID,
			Limit:               req.Limit,
		})
		if err != nil {
			return nil, err
		}
		return e.finishList(entries, 0)
	}

	if isMemory {
		switch epoch {
		case "", EpochLatest:
			return e.listLatestMemory(ctx, req)
		case EpochAll:
		default:
			n, pErr := strconv.ParseInt(epoch, 10, 64)
			if pErr != nil || n <= 0 {
				return nil, fault.Newf(fault.KindInvalidArgument, "invalid epoch selector %q", req.Epoch)
			}
			entries, lErr := e.store.ListMemoryEntriesByEpoch(ctx, req.ConversationID, req.ClientID, n, req.AfterEntryID, req.Limit)
			if lErr != nil {
				return nil, lErr
			}
			return e.finishList(entries, n)
		}
	}

	entries, err := e.store.ListEntries(ctx, store.EntryQuery{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
		ClientID:       req.ClientID,
		AfterEntryID:   req.AfterEntryID,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return e.finishList(entries, 0)
}

// resolveSpine walks the fork chain from conv up to the root. Each
// ancestor segment is bounded at the entry its descendant forked from, so
// an all-forks read sees the lineage as it stood at every fork point:
// ancestor entries appended after the anchor stay out.
func (e *Engine) resolveSpine(ctx context.Context, conv *types.Conversation) ([]store.SpineSegment, error) {
	spine := []store.SpineSegment{{ConversationID: conv.ID}}
	seen := map[uuid.UUID]bool{conv.ID: true}
	cur := conv
	for cur.IsFork() {
		anchor, err := e.store.GetEntry(ctx, *cur.ForkedAtEntryID)
		if err != nil {
			return nil, err
		}
		parent, err := e.store.GetConversation(ctx, *cur.ForkedAtConversationID)
		if err != nil {
			return nil, err
		}
		if seen[parent.ID] {
			return nil, fault.Internal("fork chain contains a cycle", nil)
		}
		seen[parent.ID] = true
		spine = append([]store.SpineSegment{{
			ConversationID:  parent.ID,
			AnchorEntryID:   anchor.ID,
			AnchorCreatedAt: anchor.CreatedAt,
		}}, spine...)
		cur = parent
	}
	return spine, nil
}

// listLatestMemory resolves max(epoch) through the cache when possible.
// A cache hit turns the read into a plain epoch-pinned query; a miss falls
// back to the store's atomic resolve-and-read and refills the cache.
func (e *Engine) listLatestMemory(ctx context.Context, req ListEntriesRequest) (*ListEntriesResult, error) {
	if cached, ok, err := e.cache.GetLatestEpoch(ctx, req.ConversationID, req.ClientID); err == nil && ok {
		if cached == 0 {
			return &ListEntriesResult{}, nil
		}
		entries, lErr := e.store.ListMemoryEntriesByEpoch(ctx, req.ConversationID, req.ClientID, cached, req.AfterEntryID, req.Limit)
		if lErr != nil {
			return nil, lErr
		}
		return e.finishList(entries, cached)
	} else if err != nil {
		e.log.Warn("epoch cache read failed", "conversation_id", req.ConversationID, "error", err)
	}

	entries, resolved, err := e.store.ListMemoryEntriesAtLatestEpoch(ctx, req.ConversationID, req.ClientID, req.AfterEntryID, req.Limit)
	if err != nil {
		return nil, err
	}
	if cErr := e.cache.SetLatestEpoch(ctx, req.ConversationID, req.ClientID, resolved); cErr != nil {
		e.log.Warn("epoch cache refill failed", "conversation_id", req.ConversationID, "error", cErr)
	}
	return e.finishList(entries, resolved)
}

func (e *Engine) finishList(entries []*types.Entry, epoch int64) (*ListEntriesResult, error) {
	if err := e.decryptEntries(entries); err != nil {
		return nil, err
	}
	return &ListEntriesResult{Entries: entries, Epoch: epoch}, nil
}
