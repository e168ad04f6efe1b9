package auth

// Permission represents a named capability on the control API.
type Permission string

// Permission constants.
const (
	PermServiceRead Permission = "service:read"
	PermServiceStop Permission = "service:stop"
	PermHistoryRead Permission = "history:read"
	PermEventsRead  Permission = "events:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermServiceRead,
		PermHistoryRead,
		PermEventsRead,
	},
	RoleOperator: {
		PermServiceRead,
		PermServiceStop,
		PermHistoryRead,
		PermEventsRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}
