package decision

import (
	"fmt"
	"time"
)

// ConflictWarning tells a submitter their view of the clause was stale. It
// never blocks the append.
type ConflictWarning struct {
	Message            string    `json:"message"`
	ConflictingActorID string    `json:"conflictingActorId,omitempty"`
	LastModifiedAt     time.Time `json:"lastModifiedAt"`
	UndoDecisionID     string    `json:"undoDecisionId,omitempty"`
}

// DetectConflict compares the timestamp the caller loaded the clause at with
// the clause's last modification in p.
func DetectConflict(p Projection, loadedAt time.Time) *ConflictWarning {
	if !loadedAt.Before(p.LastModifiedAt) {
		return nil
	}
	return &ConflictWarning{
		Message: fmt.Sprintf("clause %s was modified at %s after you loaded it",
			p.ClauseID, p.LastModifiedAt.UTC().Format(time.RFC3339Nano)),
		ConflictingActorID: p.LastActorID,
		LastModifiedAt:     p.LastModifiedAt,
	}
}
