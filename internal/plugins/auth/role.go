package auth

import "slices"

// Role is the coarse authorization label of an account. Only the three
// constants below are valid; nothing else is persisted.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// AllRoles returns every valid role, most privileged first.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleInstructor, RoleStudent}
}

// ParseRole converts client or store input into a Role. The match is exact.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	if r.Valid() {
		return r, true
	}
	return "", false
}

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent:
		return true
	}
	return false
}

// OrDefault returns r, or student when r is empty or unknown. Used at read
// time only; the fallback is never written back.
func (r Role) OrDefault() Role {
	if r.Valid() {
		return r
	}
	return RoleStudent
}

// In reports whether r is a member of roles.
func (r Role) In(roles ...Role) bool {
	return slices.Contains(roles, r)
}

// registrationRole normalizes a self-service role request. Admin cannot be
// self-selected; it is granted through ChangeRole.
func registrationRole(requested string) Role {
	switch r := Role(requested); r {
	case RoleInstructor, RoleStudent:
		return r
	}
	return RoleStudent
}
