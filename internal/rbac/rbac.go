package rbac

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleViewer    Role = "viewer"
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionInteract Action = "interact"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionInteract || action == ActionModerate
	case RoleMember:
		return action == ActionRead || action == ActionInteract
	case RoleViewer, RoleAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnonymous, RoleViewer, RoleMember, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
