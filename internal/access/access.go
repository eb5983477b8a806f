package access

import (
	"context"

	"github.com/google/uuid"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
)

// Datastore is the slice of the store the checker needs.
type Datastore interface {
	GetConversationGroup(ctx context.Context, id uuid.UUID) (*types.ConversationGroup, error)
	GetMembership(ctx context.Context, groupID, userID uuid.UUID) (*types.ConversationMembership, error)
	ListGroupIDsForUser(ctx context.Context, userID uuid.UUID, limit int, orderByRecent bool) ([]uuid.UUID, error)
}

// Checker resolves what a principal may do with a conversation group.
// Admins own everything, auditors read everything, indexer API keys read
// the groups they index, and everyone else goes through memberships.
type Checker struct {
	store Datastore
	log   *logger.Logger
}

func New(st Datastore, logg *logger.Logger) *Checker {
	return &Checker{store: st, log: logg.With("service", "AccessChecker")}
}

// EffectiveAccess returns the level the principal holds on the group
// without consulting the group row itself. AccessNone means no access.
func (c *Checker) EffectiveAccess(ctx context.Context, p principal.Principal, groupID uuid.UUID) (types.AccessLevel, error) {
	if p.HasRole(principal.RoleAdmin) {
		return types.AccessOwner, nil
	}

	level := types.AccessNone
	if p.Authenticated() {
		m, err := c.store.GetMembership(ctx, groupID, p.User())
		switch {
		case err == nil:
			level = m.AccessLevel
		case fault.IsKind(err, fault.KindNotFound):
			// not a member, keep AccessNone
		default:
			return types.AccessNone, err
		}
	}

	// Auditors read everything but write nothing, whatever their
	// memberships say.
	if p.HasRole(principal.RoleAuditor) {
		return types.AccessReader, nil
	}

	// Indexer API keys read without a membership so the indexing path
	// works on groups nobody shared with the service account.
	if level == types.AccessNone && p.APIKey && p.HasRole(principal.RoleIndexer) {
		return types.AccessReader, nil
	}

	return level, nil
}

// EnsureAccess fails with NOT_FOUND when the group is missing or the
// principal cannot see it, and with FORBIDDEN when it is visible but the
// level is insufficient. Non-members cannot distinguish "missing" from
// "not shared with me".
func (c *Checker) EnsureAccess(ctx context.Context, p principal.Principal, groupID uuid.UUID, required types.AccessLevel) (types.AccessLevel, error) {
	if _, err := c.store.GetConversationGroup(ctx, groupID); err != nil {
		return types.AccessNone, err
	}

	level, err := c.EffectiveAccess(ctx, p, groupID)
	if err != nil {
		return types.AccessNone, err
	}
	if level == types.AccessNone {
		return types.AccessNone, fault.Newf(fault.KindNotFound, "conversation group %s not found", groupID)
	}
	if !level.Covers(required) {
		return level, fault.Newf(fault.KindForbidden, "requires %s access", required)
	}
	return level, nil
}

// AccessibleGroupIDs lists the groups the principal belongs to. Roles do
// not widen this: enumeration stays membership-scoped even for admins.
func (c *Checker) AccessibleGroupIDs(ctx context.Context, p principal.Principal, limit int, orderByRecent bool) ([]uuid.UUID, error) {
	if !p.Authenticated() {
		return nil, nil
	}
	return c.store.ListGroupIDsForUser(ctx, p.User(), limit, orderByRecent)
}
