package decision

import "redline/internal/rbac"

// Blocking returns the unresolved escalations gating an action on the target.
// An empty findingID targets the whole clause and is gated by every open
// escalation; a finding is gated by its own escalation and the clause's.
func Blocking(p Projection, findingID string) []Escalation {
	if findingID == "" {
		return p.Escalations
	}
	var out []Escalation
	for _, esc := range p.Escalations {
		if esc.FindingID == "" || esc.FindingID == findingID {
			out = append(out, esc)
		}
	}
	return out
}

// IsLocked reports whether the actor is barred from resolving or
// re-escalating the target. Admins and the assignee of every gating
// escalation pass.
func IsLocked(p Projection, findingID, actorID, actorRole string) bool {
	if rbac.Normalize(actorRole) == rbac.RoleAdmin {
		return false
	}
	for _, esc := range Blocking(p, findingID) {
		if esc.AssigneeID != actorID {
			return true
		}
	}
	return false
}
