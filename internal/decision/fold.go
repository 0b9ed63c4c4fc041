package decision

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrCorruptLog marks a decision log that cannot be folded. Skipping the
// offending entry would make the counts lie, so callers must fail the read.
var ErrCorruptLog = errors.New("corrupt decision log")

// Options carries fold policy switches.
type Options struct {
	// PreserveEscalationOnRevert keeps ESCALATE decisions in effect across a
	// REVERT. The default clears them along with everything else.
	PreserveEscalationOnRevert bool
}

type span struct {
	start, end int
}

type entry struct {
	d  Decision
	p  Payload
	at int
}

type resolution struct {
	action      ActionType
	replacement string
	decisionID  string
	at          int
}

type escalation struct {
	Escalation
	at int
}

type findingState struct {
	res *resolution
	esc *escalation
}

// Fold is the incremental form of Project. Effect decisions are applied on
// top of the current state; UNDO and REVERT re-derive the state from the
// remaining active decisions. A Fold is not safe for concurrent use.
type Fold struct {
	baseline Baseline
	opts     Options
	spans    map[string]span

	known  map[string]Decision
	active []entry
	count  int
	lastID string

	lastModified time.Time
	lastActor    string

	findings  map[string]*findingState
	clauseEsc *escalation
}

func NewFold(baseline Baseline, opts Options) *Fold {
	f := &Fold{
		baseline:     baseline,
		opts:         opts,
		spans:        locateSpans(baseline),
		known:        make(map[string]Decision),
		lastModified: baseline.UpdatedAt,
	}
	f.reset()
	return f
}

// Project folds decisions left to right over the baseline.
func Project(baseline Baseline, decisions []Decision, opts Options) (Projection, error) {
	f := NewFold(baseline, opts)
	for _, d := range decisions {
		if err := f.Apply(d); err != nil {
			return Projection{}, err
		}
	}
	return f.Projection(), nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptLog, fmt.Sprintf(format, args...))
}

// Apply folds the next decision of the clause's log.
func (f *Fold) Apply(d Decision) error {
	if d.ClauseID != f.baseline.ClauseID {
		return corrupt("decision %s belongs to clause %s, not %s", d.ID, d.ClauseID, f.baseline.ClauseID)
	}
	if _, dup := f.known[d.ID]; dup {
		return corrupt("decision %s appears twice", d.ID)
	}
	if !d.ActionType.Known() {
		return corrupt("decision %s has unknown action type %q", d.ID, d.ActionType)
	}
	payload, err := d.DecodePayload()
	if err != nil {
		return corrupt("decision %s payload: %v", d.ID, err)
	}
	if err := ValidatePayload(d.ActionType, d.FindingID, payload); err != nil {
		return corrupt("decision %s: %v", d.ID, err)
	}
	if d.FindingID != "" && d.ActionType != ActionUndo {
		if _, ok := f.findings[d.FindingID]; !ok {
			return corrupt("decision %s targets unknown finding %s", d.ID, d.FindingID)
		}
	}

	at := f.count
	switch d.ActionType {
	case ActionUndo:
		target, ok := f.known[payload.UndoneDecisionID]
		if !ok {
			return corrupt("decision %s undoes unknown decision %s", d.ID, payload.UndoneDecisionID)
		}
		if target.ActionType.Recovery() {
			return corrupt("decision %s undoes %s decision %s", d.ID, target.ActionType, target.ID)
		}
		if f.removeActive(func(e entry) bool { return e.d.ID == target.ID }) > 0 {
			f.rederive()
		}
	case ActionRevert:
		scope := d.FindingID
		if f.removeActive(func(e entry) bool { return f.revertable(e, scope) }) > 0 {
			f.rederive()
		}
	default:
		e := entry{d: d, p: payload, at: at}
		f.active = append(f.active, e)
		f.applyEffect(e)
	}

	f.known[d.ID] = d
	if f.count == 0 || !d.CreatedAt.Before(f.lastModified) {
		f.lastModified = d.CreatedAt
		f.lastActor = d.ActorID
	}
	f.count++
	f.lastID = d.ID
	return nil
}

// Version is the number of decisions folded so far.
func (f *Fold) Version() int { return f.count }

// LastID is the id of the last decision folded, empty before the first.
func (f *Fold) LastID() string { return f.lastID }

// Lookup returns a folded decision by id.
func (f *Fold) Lookup(id string) (Decision, bool) {
	d, ok := f.known[id]
	return d, ok
}

// IsActive reports whether the decision currently has effect.
func (f *Fold) IsActive(id string) bool {
	for _, e := range f.active {
		if e.d.ID == id {
			return true
		}
	}
	return false
}

func (f *Fold) revertable(e entry, scope string) bool {
	switch {
	case e.d.ActionType.Resolving():
	case e.d.ActionType == ActionEscalate:
		if f.opts.PreserveEscalationOnRevert {
			return false
		}
	default:
		return false
	}
	return scope == "" || e.d.FindingID == scope
}

func (f *Fold) removeActive(match func(entry) bool) int {
	kept := f.active[:0]
	removed := 0
	for _, e := range f.active {
		if match(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(f.active); i++ {
		f.active[i] = entry{}
	}
	f.active = kept
	return removed
}

func (f *Fold) reset() {
	f.findings = make(map[string]*findingState, len(f.baseline.Findings))
	for _, finding := range f.baseline.Findings {
		f.findings[finding.ID] = &findingState{}
	}
	f.clauseEsc = nil
}

func (f *Fold) rederive() {
	f.reset()
	for _, e := range f.active {
		f.applyEffect(e)
	}
}

func (f *Fold) applyEffect(e entry) {
	switch {
	case e.d.ActionType.Resolving():
		res := &resolution{action: e.d.ActionType, decisionID: e.d.ID, at: e.at}
		if e.d.ActionType != ActionAcceptDeviation {
			res.replacement = e.p.ReplacementText
		}
		f.findings[e.d.FindingID].res = res
	case e.d.ActionType == ActionEscalate:
		esc := &escalation{
			Escalation: Escalation{
				DecisionID:   e.d.ID,
				FindingID:    e.d.FindingID,
				AssigneeID:   e.p.AssigneeID,
				AssigneeName: e.p.AssigneeName,
				Reason:       e.p.Reason,
			},
			at: e.at,
		}
		if e.d.FindingID == "" {
			f.clauseEsc = esc
		} else {
			f.findings[e.d.FindingID].esc = esc
		}
	}
}

func (fs *findingState) escalated() bool {
	return fs.esc != nil && (fs.res == nil || fs.res.at < fs.esc.at)
}

func (f *Fold) clauseEscalationOpen() bool {
	if f.clauseEsc == nil {
		return false
	}
	if len(f.baseline.Findings) == 0 {
		return true
	}
	for _, finding := range f.baseline.Findings {
		fs := f.findings[finding.ID]
		if fs.res == nil || fs.res.at < f.clauseEsc.at || fs.escalated() {
			return true
		}
	}
	return false
}

func statusFor(action ActionType) FindingStatus {
	switch action {
	case ActionAcceptDeviation:
		return FindingResolvedAccepted
	case ActionApplyFallback:
		return FindingResolvedAppliedFallback
	case ActionEditManual:
		return FindingResolvedManualEdit
	}
	return FindingPending
}

// Projection renders the current state.
func (f *Fold) Projection() Projection {
	p := Projection{
		ClauseID:          f.baseline.ClauseID,
		Version:           f.count,
		DecisionCount:     f.count,
		TotalFindingCount: len(f.baseline.Findings),
		FindingStatuses:   make(map[string]FindingStatusEntry, len(f.baseline.Findings)),
		Escalations:       []Escalation{},
		LastModifiedAt:    f.lastModified,
		LastActorID:       f.lastActor,
	}

	var open []*escalation
	for _, finding := range f.baseline.Findings {
		fs := f.findings[finding.ID]
		status := FindingStatusEntry{Status: FindingPending}
		if fs.res != nil {
			status.Status = statusFor(fs.res.action)
			status.DecisionID = fs.res.decisionID
			if fs.res.action != ActionAcceptDeviation {
				text := fs.res.replacement
				status.ReplacementText = &text
			}
		}
		if fs.escalated() {
			status.Status = FindingEscalated
			status.DecisionID = fs.esc.DecisionID
			status.EscalatedToUserID = fs.esc.AssigneeID
			status.EscalatedToUserName = fs.esc.AssigneeName
			open = append(open, fs.esc)
		}
		if status.Status.Resolved() {
			p.ResolvedCount++
		}
		p.FindingStatuses[finding.ID] = status
	}
	if f.clauseEscalationOpen() {
		open = append(open, f.clauseEsc)
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].at < open[j].at })
	for _, esc := range open {
		p.Escalations = append(p.Escalations, esc.Escalation)
	}
	if len(open) > 0 {
		latest := open[len(open)-1]
		p.HasUnresolvedEscalation = true
		p.EscalatedToUserID = latest.AssigneeID
		p.EscalatedToUserName = latest.AssigneeName
	}

	for _, e := range f.active {
		if e.d.ActionType == ActionAddNote {
			p.NoteCount++
		}
	}

	switch {
	case p.TotalFindingCount == 0:
		p.EffectiveStatus = StatusNoIssues
	case p.ResolvedCount == p.TotalFindingCount:
		p.EffectiveStatus = StatusResolved
	case p.HasUnresolvedEscalation:
		p.EffectiveStatus = StatusEscalated
	case p.ResolvedCount > 0:
		p.EffectiveStatus = StatusPartiallyResolved
	default:
		p.EffectiveStatus = StatusPending
	}

	p.EffectiveText, p.TrackedChanges = f.render()
	return p
}

type replacement struct {
	span
	text      string
	findingID string
}

func (f *Fold) render() (string, []Segment) {
	original := f.baseline.OriginalText
	var repls []replacement
	for _, finding := range f.baseline.Findings {
		fs := f.findings[finding.ID]
		if fs.res == nil || fs.res.action == ActionAcceptDeviation {
			continue
		}
		sp, ok := f.spans[finding.ID]
		if !ok {
			continue
		}
		repls = append(repls, replacement{span: sp, text: fs.res.replacement, findingID: finding.ID})
	}
	sort.Slice(repls, func(i, j int) bool { return repls[i].start < repls[j].start })

	segments := []Segment{}
	var out strings.Builder
	pos := 0
	for _, r := range repls {
		if r.start < pos {
			continue
		}
		if r.start > pos {
			segments = append(segments, Segment{Op: SegmentEqual, Text: original[pos:r.start]})
			out.WriteString(original[pos:r.start])
		}
		segments = append(segments, Segment{Op: SegmentDelete, Text: original[r.start:r.end], FindingID: r.findingID})
		if r.text != "" {
			segments = append(segments, Segment{Op: SegmentInsert, Text: r.text, FindingID: r.findingID})
			out.WriteString(r.text)
		}
		pos = r.end
	}
	if pos < len(original) {
		segments = append(segments, Segment{Op: SegmentEqual, Text: original[pos:]})
		out.WriteString(original[pos:])
	}
	return out.String(), segments
}

// locateSpans finds each finding's excerpt in the original text, taking the
// first occurrence that does not overlap a span claimed by an earlier finding.
func locateSpans(b Baseline) map[string]span {
	spans := make(map[string]span, len(b.Findings))
	var claimed []span
	text := b.OriginalText
	for _, finding := range b.Findings {
		if finding.Excerpt == "" {
			continue
		}
		for off := 0; off <= len(text); {
			i := strings.Index(text[off:], finding.Excerpt)
			if i < 0 {
				break
			}
			candidate := span{start: off + i, end: off + i + len(finding.Excerpt)}
			if !overlaps(claimed, candidate) {
				spans[finding.ID] = candidate
				claimed = append(claimed, candidate)
				break
			}
			off = candidate.start + 1
		}
	}
	return spans
}

func overlaps(claimed []span, s span) bool {
	for _, c := range claimed {
		if s.start < c.end && c.start < s.end {
			return true
		}
	}
	return false
}
