package rbac

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
	ActionJoin   Action = "join"
)

// Resolve derives a user's role on a document. The owner is matched by
// identity and never appears in the editor/viewer lists; absence from all
// three means no access at all.
func Resolve(ownerID string, editors, viewers []string, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if userID == ownerID {
		return RoleOwner
	}
	for _, id := range editors {
		if id == userID {
			return RoleEditor
		}
	}
	for _, id := range viewers {
		if id == userID {
			return RoleViewer
		}
	}
	return RoleNone
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionJoin
	case RoleViewer:
		return action == ActionRead || action == ActionJoin
	default:
		return false
	}
}

func CanMutateContent(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

func CanManagePermissions(role Role) bool {
	return role == RoleOwner
}

// CanJoinTransport admits read-only replicas too; they still need live
// updates to render remote edits.
func CanJoinTransport(role Role) bool {
	return role != RoleNone
}
