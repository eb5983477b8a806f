package conversation

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/access"
	"github.com/yungbote/memory-service/internal/cache"
	"github.com/yungbote/memory-service/internal/crypt"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/embed"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
	"github.com/yungbote/memory-service/internal/vector"
)

// Engine is the conversation core: group/branch lifecycle, appends, reads,
// and the entry index lifecycle. Access decisions go through the checker,
// persistence through the store; the vector side is best-effort and never
// fails a request.
type Engine struct {
	store    store.Store
	access   *access.Checker
	cache    cache.Cache
	index    vector.Index
	embedder embed.Embedder
	crypt    *crypt.Service
	log      *logger.Logger
}

func NewEngine(st store.Store, ac *access.Checker, ca cache.Cache, idx vector.Index, em embed.Embedder, cr *crypt.Service, logg *logger.Logger) *Engine {
	return &Engine{
		store:    st,
		access:   ac,
		cache:    ca,
		index:    idx,
		embedder: em,
		crypt:    cr,
		log:      logg.With("service", "ConversationEngine"),
	}
}

// CreateConversation creates the group, its root branch, and the caller's
// OWNER membership in one transaction.
func (e *Engine) CreateConversation(ctx context.Context, p principal.Principal, title string) (*types.Conversation, error) {
	if !p.Authenticated() {
		return nil, fault.New(fault.KindForbidden, "authenticated user required")
	}
	conv := &types.Conversation{
		ID:          uuid.New(),
		OwnerUserID: p.User(),
		Title:       strings.TrimSpace(title),
	}
	if err := e.store.CreateConversationGroup(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation reads one branch after a READER check on its group.
func (e *Engine) GetConversation(ctx context.Context, p principal.Principal, id uuid.UUID) (*types.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.access.EnsureAccess(ctx, p, conv.ConversationGroupID, types.AccessReader); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations lists every branch of a group, roots first.
func (e *Engine) ListConversations(ctx context.Context, p principal.Principal, groupID uuid.UUID) ([]*types.Conversation, error) {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessReader); err != nil {
		return nil, err
	}
	return e.store.ListConversationsByGroup(ctx, groupID)
}

// ListConversationsForUser lists the caller's conversations, most recently
// touched first.
func (e *Engine) ListConversationsForUser(ctx context.Context, p principal.Principal, limit int) ([]*types.Conversation, error) {
	if !p.Authenticated() {
		return nil, fault.New(fault.KindForbidden, "authenticated user required")
	}
	return e.store.ListConversationsForUser(ctx, p.User(), limit)
}

// RenameConversation updates the branch title. WRITER is enough: titles
// are content, not membership state.
func (e *Engine) RenameConversation(ctx context.Context, p principal.Principal, id uuid.UUID, title string) error {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if _, err := e.access.EnsureAccess(ctx, p, conv.ConversationGroupID, types.AccessWriter); err != nil {
		return err
	}
	return e.store.UpdateConversationTitle(ctx, id, strings.TrimSpace(title))
}

// DeleteGroup soft-deletes the group and everything under it. The store
// enqueues the vector cleanup task in the same transaction, so the index
// converges even when this process dies right after the commit.
func (e *Engine) DeleteGroup(ctx context.Context, p principal.Principal, groupID uuid.UUID) error {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessOwner); err != nil {
		return err
	}
	return e.store.SoftDeleteGroup(ctx, groupID)
}
