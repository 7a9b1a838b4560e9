package rbac

type Role string
type Action string

const (
	RolePending Role = "pending"
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
)

const (
	ActionBrowse  Action = "browse"
	ActionRequest Action = "request"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionBrowse || action == ActionRequest
	default:
		return false
	}
}

// RoleFor maps profile flags to a role. Admins are treated as admins even before approval.
func RoleFor(approved, isAdmin bool) Role {
	switch {
	case isAdmin:
		return RoleAdmin
	case approved:
		return RoleMember
	default:
		return RolePending
	}
}
