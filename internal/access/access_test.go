package access

import (
	"context"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
)

type fakeDatastore struct {
	groups      map[uuid.UUID]bool
	memberships map[string]types.AccessLevel
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{
		groups:      map[uuid.UUID]bool{},
		memberships: map[string]types.AccessLevel{},
	}
}

func (f *fakeDatastore) grant(groupID, userID uuid.UUID, level types.AccessLevel) {
	f.groups[groupID] = true
	f.memberships[groupID.String()+":"+userID.String()] = level
}

func (f *fakeDatastore) GetConversationGroup(_ context.Context, id uuid.UUID) (*types.ConversationGroup, error) {
	if !f.groups[id] {
		return nil, fault.Newf(fault.KindNotFound, "conversation group %s not found", id)
	}
	return &types.ConversationGroup{ID: id}, nil
}

func (f *fakeDatastore) GetMembership(_ context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error) {
	level, ok := f.memberships[groupID.String()+":"+userID.String()]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "membership not found")
	}
	return &types.ConversationMembership{ConversationGroupID: groupID, UserID: userID, AccessLevel: level}, nil
}

func (f *fakeDatastore) ListGroupIDsForUser(_ context.Context, userID uuid.UUID, limit int, _ bool) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for key, level := range f.memberships {
		if level == types.AccessNone {
			continue
		}
		gid := uuid.MustParse(key[:36])
		uid := uuid.MustParse(key[37:])
		if uid == userID {
			out = append(out, gid)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

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

func TestEnsureAccessMembershipLevels(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDatastore()
	checker := New(ds, mustTestLogger(t))

	groupID := uuid.New()
	writer := uuid.New()
	ds.grant(groupID, writer, types.AccessWriter)

	level, err := checker.EnsureAccess(ctx, userPrincipal(writer), groupID, types.AccessReader)
	if err != nil {
		t.Fatalf("reader check for writer: %v", err)
	}
	if level != types.AccessWriter {
		t.Fatalf("level: want=%s got=%s", types.AccessWriter, level)
	}

	if _, err := checker.EnsureAccess(ctx, userPrincipal(writer), groupID, types.AccessWriter); err != nil {
		t.Fatalf("writer check for writer: %v", err)
	}

	_, err = checker.EnsureAccess(ctx, userPrincipal(writer), groupID, types.AccessManager)
	if !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("manager check for writer: want FORBIDDEN got %v", err)
	}
}

func TestEnsureAccessHidesExistenceFromNonMembers(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDatastore()
	checker := New(ds, mustTestLogger(t))

	groupID := uuid.New()
	ds.grant(groupID, uuid.New(), types.AccessOwner)

	stranger := userPrincipal(uuid.New())
	_, errExisting := checker.EnsureAccess(ctx, stranger, groupID, types.AccessReader)
	_, errMissing := checker.EnsureAccess(ctx, stranger, uuid.New(), types.AccessReader)

	if !fault.IsKind(errExisting, fault.KindNotFound) {
		t.Fatalf("unshared group: want NOT_FOUND got %v", errExisting)
	}
	if !fault.IsKind(errMissing, fault.KindNotFound) {
		t.Fatalf("missing group: want NOT_FOUND got %v", errMissing)
	}
}

func TestEffectiveAccessRoles(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDatastore()
	checker := New(ds, mustTestLogger(t))

	groupID := uuid.New()
	ds.grant(groupID, uuid.New(), types.AccessOwner)

	admin := userPrincipal(uuid.New(), principal.RoleAdmin)
	level, err := checker.EffectiveAccess(ctx, admin, groupID)
	if err != nil || level != types.AccessOwner {
		t.Fatalf("admin: want OWNER got %s (%v)", level, err)
	}

	// Auditors read everything and write nothing, even as members.
	auditor := uuid.New()
	ds.grant(groupID, auditor, types.AccessManager)
	level, err = checker.EffectiveAccess(ctx, userPrincipal(auditor, principal.RoleAuditor), groupID)
	if err != nil || level != types.AccessReader {
		t.Fatalf("auditor: want READER got %s (%v)", level, err)
	}
	_, err = checker.EnsureAccess(ctx, userPrincipal(auditor, principal.RoleAuditor), groupID, types.AccessWriter)
	if !fault.IsKind(err, fault.KindForbidden) {
		t.Fatalf("auditor write: want FORBIDDEN got %v", err)
	}

	indexer := principal.Principal{ClientID: "indexer-svc", Roles: []principal.Role{principal.RoleIndexer}, APIKey: true}
	level, err = checker.EffectiveAccess(ctx, indexer, groupID)
	if err != nil || level != types.AccessReader {
		t.Fatalf("indexer api key: want READER got %s (%v)", level, err)
	}

	// Indexer role without an API key gets no membership bypass.
	level, err = checker.EffectiveAccess(ctx, userPrincipal(uuid.New(), principal.RoleIndexer), groupID)
	if err != nil || level != types.AccessNone {
		t.Fatalf("indexer user without key: want NONE got %s (%v)", level, err)
	}
}

func TestAccessibleGroupIDs(t *testing.T) {
	ctx := context.Background()
	ds := newFakeDatastore()
	checker := New(ds, mustTestLogger(t))

	userID := uuid.New()
	g1, g2 := uuid.New(), uuid.New()
	ds.grant(g1, userID, types.AccessReader)
	ds.grant(g2, userID, types.AccessOwner)
	ds.grant(uuid.New(), uuid.New(), types.AccessOwner)

	ids, err := checker.AccessibleGroupIDs(ctx, userPrincipal(userID), 10, false)
	if err != nil {
		t.Fatalf("AccessibleGroupIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("group count: want=2 got=%d", len(ids))
	}

	ids, err = checker.AccessibleGroupIDs(ctx, principal.Principal{APIKey: true}, 10, false)
	if err != nil || len(ids) != 0 {
		t.Fatalf("unauthenticated principal: want empty got %v (%v)", ids, err)
	}
}
