package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may read state, status and history.
	RoleViewer Role = "viewer"

	// RoleOperator may also change routes.
	RoleOperator Role = "operator"

	// RoleAdmin may also reconfigure the appliance connection.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
)
