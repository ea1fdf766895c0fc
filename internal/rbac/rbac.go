package rbac

type Role string
type Action string

const (
	RoleNone      Role = ""
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// FromShareLevel maps a share permission level to the role it grants.
// Read shares may still comment.
func FromShareLevel(level string) Role {
	switch level {
	case "read":
		return RoleCommenter
	case "write":
		return RoleEditor
	case "admin":
		return RoleAdmin
	default:
		return RoleNone
	}
}

// Max returns the more privileged of two roles.
func Max(a, b Role) Role {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleCommenter:
		return 2
	case RoleEditor:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}
