// Package rbac maps reviewer roles to what they may do with a contract.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead covers projections, history, track changes and search.
	ActionRead Action = "read"
	// ActionComment covers ADD_NOTE.
	ActionComment Action = "comment"
	// ActionWrite covers every other decision.
	ActionWrite Action = "write"
	// ActionApprove covers finalization.
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionComment || action == ActionWrite || action == ActionApprove
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a role header value onto a known role. "editor" is kept as
// an alias of reviewer; anything unknown is a viewer.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleCommenter, RoleReviewer, RoleAdmin:
		return r
	case "editor":
		return RoleReviewer
	default:
		return RoleViewer
	}
}
