package auth

import "strings"

// Role is the access level carried in a bearer token.
type Role string

// Access levels in ascending privilege. Viewers read dashboards, panels and
// exports; operators also apply settings, manage runs, sessions and probe
// schedules; admins may purge monitoring data.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Roles lists the known roles from least to most privileged.
func Roles() []Role {
	return []Role{RoleViewer, RoleOperator, RoleAdmin}
}

// NormalizeRole maps a claim value to a known role, ignoring case and
// surrounding blanks.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role grants everything required grants.
// Unknown roles grant nothing.
func RoleAtLeast(role, required Role) bool {
	rank, ok := roleRanks[role]
	return ok && rank >= roleRanks[required]
}
