package domain

import "slices"

// RoleAdmin may act as any approver role.
const RoleAdmin = "admin"

// RoleLadder orders approver roles from least to most senior. A holder of a
// role may also resolve actions that require any role below it.
type RoleLadder []string

// Rank returns the position of role in the ladder, or -1 when it is not on it.
func (l RoleLadder) Rank(role string) int {
	return slices.Index(l, role)
}

// CanApprove reports whether someone holding roles may resolve an action that
// requires the given role.
func (l RoleLadder) CanApprove(roles []string, required string) bool {
	need := l.Rank(required)
	for _, r := range roles {
		if r == RoleAdmin || r == required {
			return true
		}
		if need >= 0 && l.Rank(r) > need {
			return true
		}
	}
	return false
}
