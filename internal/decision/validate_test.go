package decision

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateShape(t *testing.T) {
	cases := []struct {
		name    string
		d       Decision
		field   string
		wantErr bool
	}{
		{name: "missing clause", d: Decision{ActionType: ActionAddNote, Payload: json.RawMessage(`{"noteText":"x"}`)}, field: "clauseId", wantErr: true},
		{name: "missing action", d: Decision{ClauseID: "c"}, field: "actionType", wantErr: true},
		{name: "unknown action", d: Decision{ClauseID: "c", ActionType: "DELETE"}, field: "actionType", wantErr: true},
		{name: "payload array", d: Decision{ClauseID: "c", ActionType: ActionRevert, Payload: json.RawMessage(`[1]`)}, field: "payload", wantErr: true},
		{name: "accept without finding", d: Decision{ClauseID: "c", ActionType: ActionAcceptDeviation}, field: "findingId", wantErr: true},
		{name: "accept", d: Decision{ClauseID: "c", FindingID: "f", ActionType: ActionAcceptDeviation}},
		{name: "apply without text", d: Decision{ClauseID: "c", FindingID: "f", ActionType: ActionApplyFallback, Payload: json.RawMessage(`{}`)}, field: "payload.replacementText", wantErr: true},
		{name: "edit blank text", d: Decision{ClauseID: "c", FindingID: "f", ActionType: ActionEditManual, Payload: json.RawMessage(`{"replacementText":"  "}`)}, field: "payload.replacementText", wantErr: true},
		{name: "escalate without assignee", d: Decision{ClauseID: "c", ActionType: ActionEscalate, Payload: json.RawMessage(`{"reason":"r"}`)}, field: "payload.assigneeId", wantErr: true},
		{name: "escalate without reason", d: Decision{ClauseID: "c", ActionType: ActionEscalate, Payload: json.RawMessage(`{"assigneeId":"u2"}`)}, field: "payload.reason", wantErr: true},
		{name: "escalate clause", d: Decision{ClauseID: "c", ActionType: ActionEscalate, Payload: json.RawMessage(`{"assigneeId":"u2","reason":"r"}`)}},
		{name: "note without text", d: Decision{ClauseID: "c", ActionType: ActionAddNote, Payload: json.RawMessage(`{}`)}, field: "payload.noteText", wantErr: true},
		{name: "undo without target", d: Decision{ClauseID: "c", ActionType: ActionUndo, Payload: json.RawMessage(`null`)}, field: "payload.undoneDecisionId", wantErr: true},
		{name: "revert", d: Decision{ClauseID: "c", ActionType: ActionRevert}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateShape(tc.d)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("ValidateShape() error = %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateShape() error = %v, want *ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}
