package decision

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed decision. Message is meant to be shown
// to the caller as is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateShape checks the fields every stored decision carries and the
// payload schema of its action type.
func ValidateShape(d Decision) error {
	if strings.TrimSpace(d.ClauseID) == "" {
		return invalid("clauseId", "is required")
	}
	if d.ActionType == "" {
		return invalid("actionType", "is required")
	}
	if !d.ActionType.Known() {
		return invalid("actionType", "unknown action type %q", d.ActionType)
	}
	payload, err := d.DecodePayload()
	if err != nil {
		return invalid("payload", "must be a JSON object")
	}
	return ValidatePayload(d.ActionType, d.FindingID, payload)
}

// ValidatePayload applies the per-action payload schema.
func ValidatePayload(action ActionType, findingID string, p Payload) error {
	switch action {
	case ActionAcceptDeviation:
		if findingID == "" {
			return invalid("findingId", "is required for %s", action)
		}
	case ActionApplyFallback:
		if findingID == "" {
			return invalid("findingId", "is required for %s", action)
		}
		if p.ReplacementText == "" {
			return invalid("payload.replacementText", "is required for %s", action)
		}
	case ActionEditManual:
		if findingID == "" {
			return invalid("findingId", "is required for %s", action)
		}
		if strings.TrimSpace(p.ReplacementText) == "" {
			return invalid("payload.replacementText", "is required for %s", action)
		}
	case ActionEscalate:
		if strings.TrimSpace(p.AssigneeID) == "" {
			return invalid("payload.assigneeId", "is required for %s", action)
		}
		if strings.TrimSpace(p.Reason) == "" {
			return invalid("payload.reason", "is required for %s", action)
		}
	case ActionAddNote:
		if strings.TrimSpace(p.NoteText) == "" {
			return invalid("payload.noteText", "is required for %s", action)
		}
	case ActionUndo:
		if strings.TrimSpace(p.UndoneDecisionID) == "" {
			return invalid("payload.undoneDecisionId", "is required for %s", action)
		}
	case ActionRevert:
	default:
		return invalid("actionType", "unknown action type %q", action)
	}
	return nil
}
