package auth

// Permission represents a named capability.
type Permission string

const (
	PermStateRead    Permission = "state:read"
	PermRouteOperate Permission = "route:operate"
	PermSystemAdmin  Permission = "system:admin"
)

// rolePermissions is the single source of truth for the authorisation
// model.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermStateRead},
	RoleOperator: {PermStateRead, PermRouteOperate},
	RoleAdmin:    {PermStateRead, PermRouteOperate, PermSystemAdmin},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
