package decision

import (
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/unicode/norm"
)

// TrackChange is one replaced finding, shaped for viewer integrations that
// render redlines.
type TrackChange struct {
	ContractID      string        `json:"contractId"`
	ClauseID        string        `json:"clauseId"`
	FindingID       string        `json:"findingId"`
	DecisionID      string        `json:"decisionId,omitempty"`
	Status          FindingStatus `json:"status"`
	RiskLevel       RiskLevel     `json:"riskLevel,omitempty"`
	OriginalText    string        `json:"originalText"`
	ReplacementText string        `json:"replacementText"`
	Segments        []Segment     `json:"segments"`
	InlineDiff      []Segment     `json:"inlineDiff"`
}

// TrackChanges pairs every delete/insert run of p with its finding.
func TrackChanges(b Baseline, p Projection) []TrackChange {
	out := []TrackChange{}
	for i := 0; i < len(p.TrackedChanges); i++ {
		seg := p.TrackedChanges[i]
		if seg.Op != SegmentDelete {
			continue
		}
		change := TrackChange{
			ContractID:   b.ContractID,
			ClauseID:     p.ClauseID,
			FindingID:    seg.FindingID,
			OriginalText: seg.Text,
			Segments:     []Segment{seg},
		}
		if i+1 < len(p.TrackedChanges) {
			next := p.TrackedChanges[i+1]
			if next.Op == SegmentInsert && next.FindingID == seg.FindingID {
				change.ReplacementText = next.Text
				change.Segments = append(change.Segments, next)
				i++
			}
		}
		if status, ok := p.FindingStatuses[seg.FindingID]; ok {
			change.Status = status.Status
			change.DecisionID = status.DecisionID
		}
		if finding, ok := b.Finding(seg.FindingID); ok {
			change.RiskLevel = finding.RiskLevel
		}
		change.InlineDiff = InlineDiff(change.OriginalText, change.ReplacementText)
		out = append(out, change)
	}
	return out
}

// InlineDiff computes a word-friendly diff between two texts after NFC
// normalisation, so canonically equivalent characters do not show as edits.
func InlineDiff(before, after string) []Segment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(norm.NFC.String(before), norm.NFC.String(after), false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	out := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		var op SegmentOp
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = SegmentDelete
		case diffmatchpatch.DiffInsert:
			op = SegmentInsert
		default:
			op = SegmentEqual
		}
		out = append(out, Segment{Op: op, Text: d.Text})
	}
	return out
}
