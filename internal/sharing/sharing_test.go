package sharing

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/access"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store/storetest"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func userPrincipal(userID uuid.UUID, roles ...principal.Role) principal.Principal {
	return principal.Principal{UserID: &userID, Roles: roles}
}

func newTestEngine(t *testing.T) (*Engine, *storetest.Fake) {
	t.Helper()
	log := mustTestLogger(t)
	st := storetest.New()
	return NewEngine(st, access.New(st, log), log), st
}

func createGroup(t *testing.T, st *storetest.Fake, owner principal.Principal) uuid.UUID {
	t.Helper()
	conv := &types.Conversation{ID: uuid.New(), OwnerUserID: owner.User()}
	if err := st.CreateConversationGroup(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversationGroup: %v", err)
	}
	return conv.ConversationGroupID
}

func membershipLevel(t *testing.T, st *storetest.Fake, groupID, userID uuid.UUID) types.AccessLevel {
	t.Helper()
	m, err := st.GetMembership(context.Background(), groupID, userID)
	if fault.IsKind(err, fault.KindNotFound) {
		return types.AccessNone
	}
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	return m.AccessLevel
}

func TestShareGrantsAndGuards(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	target := uuid.New()
	groupID := createGroup(t, st, owner)

	if err := engine.Share(ctx, owner, groupID, target, types.AccessReader); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if level := membershipLevel(t, st, groupID, target); level != types.AccessReader {
		t.Fatalf("shared level: %q", level)
	}

	// Re-sharing updates in place.
	if err := engine.Share(ctx, owner, groupID, target, types.AccessWriter); err != nil {
		t.Fatalf("Share update: %v", err)
	}
	if level := membershipLevel(t, st, groupID, target); level != types.AccessWriter {
		t.Fatalf("updated level: %q", level)
	}

	if err := engine.Share(ctx, owner, groupID, target, types.AccessOwner); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("share OWNER: want INVALID_ARGUMENT got %v", err)
	}
	if err := engine.Share(ctx, owner, groupID, target, "SUPERUSER"); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("bogus level: want INVALID_ARGUMENT got %v", err)
	}
	if err := engine.Share(ctx, owner, groupID, uuid.Nil, types.AccessReader); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("nil target: want INVALID_ARGUMENT got %v", err)
	}

	// Share cannot touch the owner's seat.
	if err := engine.Share(ctx, owner, groupID, owner.User(), types.AccessManager); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("share over owner: want INVALID_ARGUMENT got %v", err)
	}
}

func TestShareRequiresManager(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	writer := userPrincipal(uuid.New())
	manager := userPrincipal(uuid.New())
	groupID := createGroup(t, st, owner)

	if err := engine.Share(ctx, owner, groupID, writer.User(), types.AccessWriter); err != nil {
		t.Fatalf("Share writer: %v", err)
	}
	if err := engine.Share(ctx, owner, groupID, manager.User(), types.AccessManager); err != nil {
		t.Fatalf("Share manager: %v", err)
	}

	if err := engine.Share(ctx, writer, groupID, uuid.New(), types.AccessReader); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("writer shares: want FORBIDDEN got %v", err)
	}
	if err := engine.Share(ctx, manager, groupID, uuid.New(), types.AccessReader); err != nil {
		t.Fatalf("manager shares: %v", err)
	}

	// Non-members cannot even see the group.
	if err := engine.Share(ctx, userPrincipal(uuid.New()), groupID, uuid.New(), types.AccessReader); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("stranger shares: want NOT_FOUND got %v", err)
	}
}

func TestUnshare(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	member := uuid.New()
	groupID := createGroup(t, st, owner)

	if err := engine.Share(ctx, owner, groupID, member, types.AccessReader); err != nil {
		t.Fatalf("Share: %v", err)
	}
	if err := engine.Unshare(ctx, owner, groupID, member); err != nil {
		t.Fatalf("Unshare: %v", err)
	}
	if level := membershipLevel(t, st, groupID, member); level != types.AccessNone {
		t.Fatalf("membership survived unshare: %q", level)
	}

	if err := engine.Unshare(ctx, owner, groupID, member); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("repeat unshare: want NOT_FOUND got %v", err)
	}
	if err := engine.Unshare(ctx, owner, groupID, owner.User()); !fault.IsKind(err, fault.KindPreconditionFailed) {
		t.Fatalf("unshare owner: want PRECONDITION_FAILED got %v", err)
	}
}

func TestListMembers(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	reader := userPrincipal(uuid.New())
	groupID := createGroup(t, st, owner)

	if err := engine.Share(ctx, owner, groupID, reader.User(), types.AccessReader); err != nil {
		t.Fatalf("Share: %v", err)
	}

	members, err := engine.ListMembers(ctx, reader, groupID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("member count: want 2 got %d", len(members))
	}

	if _, err := engine.ListMembers(ctx, userPrincipal(uuid.New()), groupID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("stranger lists members: want NOT_FOUND got %v", err)
	}
}

func TestOwnershipTransferFlow(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	recipient := userPrincipal(uuid.New())
	groupID := createGroup(t, st, owner)

	if _, err := engine.CreateOwnershipTransfer(ctx, owner, groupID, owner.User()); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("self transfer: want INVALID_ARGUMENT got %v", err)
	}
	if _, err := engine.CreateOwnershipTransfer(ctx, recipient, groupID, recipient.User()); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("non-owner transfer: want NOT_FOUND got %v", err)
	}

	transfer, err := engine.CreateOwnershipTransfer(ctx, owner, groupID, recipient.User())
	if err != nil {
		t.Fatalf("CreateOwnershipTransfer: %v", err)
	}
	if transfer.Status != types.TransferStatusPending {
		t.Fatalf("transfer status: %q", transfer.Status)
	}

	// One pending transfer per group.
	if _, err := engine.CreateOwnershipTransfer(ctx, owner, groupID, uuid.New()); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("second pending transfer: want CONFLICT got %v", err)
	}

	// Only the recipient accepts.
	if err := engine.AcceptTransfer(ctx, owner, transfer.ID); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("sender accepts: want FORBIDDEN got %v", err)
	}
	if err := engine.AcceptTransfer(ctx, recipient, transfer.ID); err != nil {
		t.Fatalf("AcceptTransfer: %v", err)
	}

	if level := membershipLevel(t, st, groupID, recipient.User()); level != types.AccessOwner {
		t.Fatalf("recipient level: %q", level)
	}
	if level := membershipLevel(t, st, groupID, owner.User()); level != types.AccessManager {
		t.Fatalf("sender level after handover: %q", level)
	}
	if _, err := st.GetTransfer(ctx, transfer.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("transfer row survived acceptance: %v", err)
	}

	// The new owner can open the next handover.
	if _, err := engine.CreateOwnershipTransfer(ctx, recipient, groupID, owner.User()); err != nil {
		t.Fatalf("transfer back: %v", err)
	}
}

func TestDeleteTransfer(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	owner := userPrincipal(uuid.New())
	recipient := userPrincipal(uuid.New())
	groupID := createGroup(t, st, owner)

	transfer, err := engine.CreateOwnershipTransfer(ctx, owner, groupID, recipient.User())
	if err != nil {
		t.Fatalf("CreateOwnershipTransfer: %v", err)
	}

	if err := engine.DeleteTransfer(ctx, userPrincipal(uuid.New()), transfer.ID); !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("stranger deletes: want FORBIDDEN got %v", err)
	}

	// The recipient declining frees the group for a new transfer.
	if err := engine.DeleteTransfer(ctx, recipient, transfer.ID); err != nil {
		t.Fatalf("recipient declines: %v", err)
	}
	if level := membershipLevel(t, st, groupID, owner.User()); level != types.AccessOwner {
		t.Fatalf("decline touched the owner seat: %q", level)
	}

	transfer, err = engine.CreateOwnershipTransfer(ctx, owner, groupID, recipient.User())
	if err != nil {
		t.Fatalf("re-create transfer: %v", err)
	}
	if err := engine.DeleteTransfer(ctx, owner, transfer.ID); err != nil {
		t.Fatalf("sender cancels: %v", err)
	}
	if _, err := st.GetTransfer(ctx, transfer.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("cancelled transfer still present: %v", err)
	}
}
