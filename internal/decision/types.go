// Package decision holds the clause decision log model and the pure fold that
// turns a clause's decisions into its current effective state.
package decision

import (
	"encoding/json"
	"strings"
	"time"
)

type ActionType string

const (
	ActionAcceptDeviation ActionType = "ACCEPT_DEVIATION"
	ActionApplyFallback   ActionType = "APPLY_FALLBACK"
	ActionEditManual      ActionType = "EDIT_MANUAL"
	ActionEscalate        ActionType = "ESCALATE"
	ActionAddNote         ActionType = "ADD_NOTE"
	ActionUndo            ActionType = "UNDO"
	ActionRevert          ActionType = "REVERT"
)

// Known reports whether a is one of the seven action types.
func (a ActionType) Known() bool {
	switch a {
	case ActionAcceptDeviation, ActionApplyFallback, ActionEditManual, ActionEscalate,
		ActionAddNote, ActionUndo, ActionRevert:
		return true
	}
	return false
}

// Resolving reports whether a resolves a finding.
func (a ActionType) Resolving() bool {
	return a == ActionAcceptDeviation || a == ActionApplyFallback || a == ActionEditManual
}

// Gated reports whether a is subject to the escalation lock.
func (a ActionType) Gated() bool {
	return a.Resolving() || a == ActionEscalate
}

// Recovery reports whether a removes earlier decisions from effect.
func (a ActionType) Recovery() bool {
	return a == ActionUndo || a == ActionRevert
}

type RiskLevel string

const (
	RiskRed    RiskLevel = "RED"
	RiskYellow RiskLevel = "YELLOW"
	RiskGreen  RiskLevel = "GREEN"
)

func (r RiskLevel) Valid() bool {
	return r == RiskRed || r == RiskYellow || r == RiskGreen
}

// Finding is produced by the analysis pipeline and never mutated here.
type Finding struct {
	ID               string    `json:"id"`
	ClauseID         string    `json:"clauseId"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	Excerpt          string    `json:"excerpt"`
	FallbackText     string    `json:"fallbackText,omitempty"`
	MatchedRuleTitle string    `json:"matchedRuleTitle,omitempty"`
}

// Baseline is the immutable starting point of a clause fold.
type Baseline struct {
	ClauseID     string    `json:"clauseId"`
	ContractID   string    `json:"contractId"`
	OriginalText string    `json:"originalText"`
	Findings     []Finding `json:"findings"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Finding returns the baseline finding with the given id.
func (b Baseline) Finding(id string) (Finding, bool) {
	for _, f := range b.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}

// Decision is one immutable entry of a clause's log. FindingID is empty for
// clause-level decisions.
type Decision struct {
	ID                        string          `json:"id"`
	Seq                       int64           `json:"seq"`
	ClauseID                  string          `json:"clauseId"`
	FindingID                 string          `json:"findingId,omitempty"`
	ActorID                   string          `json:"actorId"`
	ActorName                 string          `json:"actorName,omitempty"`
	ActorRole                 string          `json:"actorRole"`
	ActionType                ActionType      `json:"actionType"`
	Payload                   json.RawMessage `json:"payload"`
	ClauseUpdatedAtWhenLoaded time.Time       `json:"clauseUpdatedAtWhenLoaded"`
	CreatedAt                 time.Time       `json:"createdAt"`
}

// Payload is the union of every action's payload fields.
type Payload struct {
	ReplacementText  string `json:"replacementText,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Comment          string `json:"comment,omitempty"`
	AssigneeID       string `json:"assigneeId,omitempty"`
	AssigneeName     string `json:"assigneeName,omitempty"`
	NoteText         string `json:"noteText,omitempty"`
	UndoneDecisionID string `json:"undoneDecisionId,omitempty"`
}

// DecodePayload unmarshals the raw payload. An empty payload decodes to the
// zero Payload.
func (d Decision) DecodePayload() (Payload, error) {
	var p Payload
	if len(d.Payload) == 0 || string(d.Payload) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// SearchText is the free text a decision contributes to search.
func (p Payload) SearchText() string {
	parts := make([]string, 0, 4)
	for _, s := range []string{p.NoteText, p.Reason, p.Comment, p.ReplacementText} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPartiallyResolved Status = "PARTIALLY_RESOLVED"
	StatusResolved          Status = "RESOLVED"
	StatusEscalated         Status = "ESCALATED"
	StatusNoIssues          Status = "NO_ISSUES"
)

// Final reports whether a clause in this status can be finalized.
func (s Status) Final() bool {
	return s == StatusResolved || s == StatusNoIssues
}

type FindingStatus string

const (
	FindingPending                 FindingStatus = "PENDING"
	FindingResolvedAccepted        FindingStatus = "RESOLVED_ACCEPTED"
	FindingResolvedAppliedFallback FindingStatus = "RESOLVED_APPLIED_FALLBACK"
	FindingResolvedManualEdit      FindingStatus = "RESOLVED_MANUAL_EDIT"
	FindingEscalated               FindingStatus = "ESCALATED"
)

func (s FindingStatus) Resolved() bool {
	return s == FindingResolvedAccepted || s == FindingResolvedAppliedFallback || s == FindingResolvedManualEdit
}

type FindingStatusEntry struct {
	Status              FindingStatus `json:"status"`
	ReplacementText     *string       `json:"replacementText,omitempty"`
	DecisionID          string        `json:"decisionId,omitempty"`
	EscalatedToUserID   string        `json:"escalatedToUserId,omitempty"`
	EscalatedToUserName string        `json:"escalatedToUserName,omitempty"`
}

// Escalation is an unresolved ESCALATE. FindingID is empty for clause-level
// escalations.
type Escalation struct {
	DecisionID   string `json:"decisionId"`
	FindingID    string `json:"findingId,omitempty"`
	AssigneeID   string `json:"assigneeId"`
	AssigneeName string `json:"assigneeName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type SegmentOp string

const (
	SegmentEqual  SegmentOp = "equal"
	SegmentDelete SegmentOp = "delete"
	SegmentInsert SegmentOp = "insert"
)

type Segment struct {
	Op        SegmentOp `json:"op"`
	Text      string    `json:"text"`
	FindingID string    `json:"findingId,omitempty"`
}

// Projection is the derived state of one clause. Version counts the decisions
// folded into it and grows by one with every append.
type Projection struct {
	ClauseID                string                        `json:"clauseId"`
	Version                 int                           `json:"version"`
	EffectiveText           string                        `json:"effectiveText"`
	TrackedChanges          []Segment                     `json:"trackedChanges"`
	EffectiveStatus         Status                        `json:"effectiveStatus"`
	FindingStatuses         map[string]FindingStatusEntry `json:"findingStatuses"`
	ResolvedCount           int                           `json:"resolvedCount"`
	TotalFindingCount       int                           `json:"totalFindingCount"`
	DecisionCount           int                           `json:"decisionCount"`
	NoteCount               int                           `json:"noteCount"`
	EscalatedToUserID       string                        `json:"escalatedToUserId,omitempty"`
	EscalatedToUserName     string                        `json:"escalatedToUserName,omitempty"`
	HasUnresolvedEscalation bool                          `json:"hasUnresolvedEscalation"`
	Escalations             []Escalation                  `json:"escalations"`
	LastModifiedAt          time.Time                     `json:"lastModifiedAt"`
	LastActorID             string                        `json:"lastActorId,omitempty"`
}

// Clone returns a copy of p that shares no maps, slices or pointers with it.
func (p Projection) Clone() Projection {
	if p.TrackedChanges != nil {
		p.TrackedChanges = append([]Segment{}, p.TrackedChanges...)
	}
	if p.Escalations != nil {
		p.Escalations = append([]Escalation{}, p.Escalations...)
	}
	if p.FindingStatuses != nil {
		statuses := make(map[string]FindingStatusEntry, len(p.FindingStatuses))
		for id, entry := range p.FindingStatuses {
			if entry.ReplacementText != nil {
				text := *entry.ReplacementText
				entry.ReplacementText = &text
			}
			statuses[id] = entry
		}
		p.FindingStatuses = statuses
	}
	return p
}
