package principal

import "github.com/google/uuid"

// Role is a coarse capability granted by the transport's authenticator.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAuditor Role = "auditor"
	RoleIndexer Role = "indexer"
)

// Principal is the authenticated identity supplied by the transport with
// every core operation. There is no ambient security context: everything
// that crosses a trust boundary receives one of these explicitly.
type Principal struct {
	UserID   *uuid.UUID
	ClientID string
	Roles    []Role
	APIKey   bool
}

func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticated reports whether a user identity is present.
func (p Principal) Authenticated() bool {
	return p.UserID != nil && *p.UserID != uuid.Nil
}

// User returns the user id or uuid.Nil for API-key-only principals.
func (p Principal) User() uuid.UUID {
	if p.UserID == nil {
		return uuid.Nil
	}
	return *p.UserID
}
