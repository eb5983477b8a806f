package sharing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/access"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
)

// Engine manages memberships and the OWNER handover protocol. The OWNER
// seat moves only through transfers; Share can never mint or remove one.
type Engine struct {
	store  store.Store
	access *access.Checker
	log    *logger.Logger
}

func NewEngine(st store.Store, ac *access.Checker, logg *logger.Logger) *Engine {
	return &Engine{store: st, access: ac, log: logg.With("service", "SharingEngine")}
}

// Share grants or updates a membership. MANAGER and up may share; the
// OWNER level is out of reach here.
func (e *Engine) Share(ctx context.Context, p principal.Principal, groupID, targetUserID uuid.UUID, level types.AccessLevel) error {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessManager); err != nil {
		return err
	}
	if targetUserID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "target user required")
	}
	if !level.Valid() || level == types.AccessNone {
		return fault.Newf(fault.KindInvalidArgument, "invalid access level %q", level)
	}
	if level == types.AccessOwner {
		return fault.New(fault.KindInvalidArgument, "ownership moves via transfer, not share")
	}

	// Demoting the sole OWNER through a share-update would orphan the group.
	existing, err := e.store.GetMembership(ctx, groupID, targetUserID)
	if err != nil && !fault.IsKind(err, fault.KindNotFound) {
		return err
	}
	if err == nil && existing.AccessLevel == types.AccessOwner {
		return fault.New(fault.KindInvalidArgument, "the owner's level cannot be changed by share")
	}

	return e.store.UpsertMembership(ctx, &types.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              targetUserID,
		AccessLevel:         level,
	})
}

// Unshare removes a membership. The sole OWNER is never removable; a
// group always has an owner until it is deleted.
func (e *Engine) Unshare(ctx context.Context, p principal.Principal, groupID, targetUserID uuid.UUID) error {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessManager); err != nil {
		return err
	}

	target, err := e.store.GetMembership(ctx, groupID, targetUserID)
	if err != nil {
		return err
	}
	if target.AccessLevel == types.AccessOwner {
		return fault.New(fault.KindPreconditionFailed, "the owner cannot be unshared; transfer ownership first")
	}
	return e.store.DeleteMembership(ctx, groupID, targetUserID)
}

// ListMembers lists a group's memberships for anyone who can read it.
func (e *Engine) ListMembers(ctx context.Context, p principal.Principal, groupID uuid.UUID) ([]*types.ConversationMembership, error) {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessReader); err != nil {
		return nil, err
	}
	return e.store.ListMemberships(ctx, groupID)
}

// CreateOwnershipTransfer opens the handover. One pending transfer per
// group: a second create fails with CONFLICT until the first resolves.
func (e *Engine) CreateOwnershipTransfer(ctx context.Context, p principal.Principal, groupID, toUserID uuid.UUID) (*types.OwnershipTransfer, error) {
	if _, err := e.access.EnsureAccess(ctx, p, groupID, types.AccessOwner); err != nil {
		return nil, err
	}
	if toUserID == uuid.Nil {
		return nil, fault.New(fault.KindInvalidArgument, "recipient user required")
	}
	if toUserID == p.User() {
		return nil, fault.New(fault.KindInvalidArgument, "cannot transfer ownership to yourself")
	}

	now := time.Now().UTC()
	transfer := &types.OwnershipTransfer{
		ID:                  uuid.New(),
		ConversationGroupID: groupID,
		FromUserID:          p.User(),
		ToUserID:            toUserID,
		Status:              types.TransferStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateTransfer(ctx, transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

// AcceptTransfer completes the handover: the recipient becomes OWNER, the
// sender drops to MANAGER, and the transfer row disappears, all in one
// store transaction.
func (e *Engine) AcceptTransfer(ctx context.Context, p principal.Principal, transferID uuid.UUID) error {
	transfer, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if !p.Authenticated() || transfer.ToUserID != p.User() {
		return fault.New(fault.KindForbidden, "only the recipient can accept a transfer")
	}
	return e.store.AcceptTransfer(ctx, transfer)
}

// DeleteTransfer cancels (sender) or declines (recipient) the handover.
func (e *Engine) DeleteTransfer(ctx context.Context, p principal.Principal, transferID uuid.UUID) error {
	transfer, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if !p.Authenticated() || (transfer.FromUserID != p.User() && transfer.ToUserID != p.User()) {
		return fault.New(fault.KindForbidden, "only the sender or recipient can delete a transfer")
	}
	return e.store.DeleteTransfer(ctx, transferID)
}
