package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"redline/internal/cache"
	"redline/internal/config"
	"redline/internal/decision"
	"redline/internal/gitrepo"
	"redline/internal/search"
	"redline/internal/store"
)

var t0 = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

const clauseText = "The Supplier shall be liable without limit. Invoices are payable in 90 days."

type fakeSearch struct {
	mu        sync.Mutex
	indexed   []search.DecisionRecord
	searchFn  func(context.Context, search.Query) search.Response
	reindexed int
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDecision(d search.DecisionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, d)
}

func (f *fakeSearch) ReindexAll(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed++
}

type fakeGit struct {
	commitSnapshotFn func(gitrepo.Snapshot, string, string) (store.CommitInfo, error)
	getSnapshotFn    func(string, string) (gitrepo.Snapshot, error)
	historyFn        func(string, int) ([]store.CommitInfo, error)
}

func (f *fakeGit) CommitSnapshot(snap gitrepo.Snapshot, author, message string) (store.CommitInfo, error) {
	if f.commitSnapshotFn != nil {
		return f.commitSnapshotFn(snap, author, message)
	}
	return store.CommitInfo{Hash: "abc1234", Author: author, Message: message}, nil
}

func (f *fakeGit) GetSnapshot(contractID, hash string) (gitrepo.Snapshot, error) {
	if f.getSnapshotFn != nil {
		return f.getSnapshotFn(contractID, hash)
	}
	return gitrepo.Snapshot{}, store.ErrNotFound
}

func (f *fakeGit) History(contractID string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(contractID, limit)
	}
	return []store.CommitInfo{}, nil
}

func testAnalysis() store.Analysis {
	return store.Analysis{
		Contract: store.Contract{ID: "ctr-1", Title: "Master Services Agreement", CreatedAt: t0},
		Clauses: []store.Clause{
			{ID: "cl-1", Title: "Liability and payment", OriginalText: clauseText, UpdatedAt: t0},
			{ID: "cl-2", Title: "Notices", OriginalText: "Notices must be in writing.", UpdatedAt: t0},
		},
		Findings: []decision.Finding{
			{ID: "f1", ClauseID: "cl-1", RiskLevel: decision.RiskRed, Excerpt: "without limit", FallbackText: "up to the fees paid", MatchedRuleTitle: "Liability cap"},
			{ID: "f2", ClauseID: "cl-1", RiskLevel: decision.RiskYellow, Excerpt: "in 90 days", MatchedRuleTitle: "Payment terms"},
		},
	}
}

type harness struct {
	svc    *Service
	store  *store.InMemoryStore
	search *fakeSearch
	git    *fakeGit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := New(config.Config{}, st, cache.NewMemory(), nil, nil)
	h := &harness{svc: svc, store: st, search: &fakeSearch{}, git: &fakeGit{}}
	svc.search = h.search
	svc.git = h.git
	if err := svc.ImportAnalysis(context.Background(), testAnalysis()); err != nil {
		t.Fatalf("ImportAnalysis() error = %v", err)
	}
	return h
}

var (
	reviewer = Actor{ID: "u1", Name: "Riley", Role: "reviewer"}
	assignee = Actor{ID: "u2", Name: "Sam", Role: "reviewer"}
	outsider = Actor{ID: "u3", Name: "Jo", Role: "reviewer"}
	admin    = Actor{ID: "u9", Name: "Avery", Role: "admin"}
)

func payload(t *testing.T, p decision.Payload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

// submit sends a command with the freshest lastModifiedAt so no conflict is
// reported unless the test asks for one.
func (h *harness) submit(t *testing.T, actor Actor, action decision.ActionType, findingID string, p decision.Payload) (SubmitResult, error) {
	t.Helper()
	current, err := h.svc.GetProjection(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("GetProjection() error = %v", err)
	}
	loaded := current.LastModifiedAt
	return h.svc.SubmitDecision(context.Background(), SubmitCommand{
		ClauseID:                  "cl-1",
		FindingID:                 findingID,
		ActionType:                action,
		Payload:                   payload(t, p),
		ClauseUpdatedAtWhenLoaded: &loaded,
		Actor:                     actor,
	})
}

func (h *harness) mustSubmit(t *testing.T, actor Actor, action decision.ActionType, findingID string, p decision.Payload) SubmitResult {
	t.Helper()
	result, err := h.submit(t, actor, action, findingID, p)
	if err != nil {
		t.Fatalf("SubmitDecision(%s %s) error = %v", action, findingID, err)
	}
	if result.ConflictWarning != nil {
		t.Fatalf("unexpected conflict warning: %+v", result.ConflictWarning)
	}
	return result
}

func expectDomainError(t *testing.T, err error, status int, code, reason string) *DomainError {
	t.Helper()
	var derr *DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if derr.Status != status || derr.Code != code || derr.Reason != reason {
		t.Fatalf("expected %d %s(%s), got %d %s(%s): %s", status, code, reason, derr.Status, derr.Code, derr.Reason, derr.Message)
	}
	return derr
}

func TestEscalationScenario(t *testing.T) {
	h := newHarness(t)

	first := h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{ReplacementText: "up to the fees paid"})
	if first.Projection.ResolvedCount != 1 || first.Projection.EffectiveStatus != decision.StatusPartiallyResolved {
		t.Fatalf("after fallback: %+v", first.Projection)
	}

	escalated := h.mustSubmit(t, reviewer, decision.ActionEscalate, "f2", decision.Payload{AssigneeID: "u2", AssigneeName: "Sam", Reason: "needs finance sign-off"})
	if !escalated.Projection.HasUnresolvedEscalation || escalated.Projection.EffectiveStatus != decision.StatusEscalated {
		t.Fatalf("after escalate: %+v", escalated.Projection)
	}
	if escalated.Projection.EscalatedToUserID != "u2" || escalated.Projection.EscalatedToUserName != "Sam" {
		t.Fatalf("escalation target = %q/%q", escalated.Projection.EscalatedToUserID, escalated.Projection.EscalatedToUserName)
	}

	_, err := h.submit(t, outsider, decision.ActionAcceptDeviation, "f2", decision.Payload{})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonLockedByEscalation)

	_, err = h.submit(t, outsider, decision.ActionEscalate, "f2", decision.Payload{AssigneeID: "u3", Reason: "mine now"})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonLockedByEscalation)

	// Notes are never gated.
	h.mustSubmit(t, outsider, decision.ActionAddNote, "f2", decision.Payload{NoteText: "finance is on holiday"})

	resolved := h.mustSubmit(t, assignee, decision.ActionAcceptDeviation, "f2", decision.Payload{Comment: "ok"})
	if resolved.Projection.ResolvedCount != 2 || resolved.Projection.EffectiveStatus != decision.StatusResolved {
		t.Fatalf("after assignee accept: %+v", resolved.Projection)
	}
	if resolved.Projection.HasUnresolvedEscalation {
		t.Fatal("escalation should be resolved")
	}

	history, err := h.svc.ListDecisionHistory(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("ListDecisionHistory() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 decisions (refusals are not logged), got %d", len(history))
	}
}

func TestAdminBypassesEscalationLock(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(t, reviewer, decision.ActionEscalate, "", decision.Payload{AssigneeID: "u2", Reason: "whole clause needs counsel"})

	_, err := h.submit(t, outsider, decision.ActionApplyFallback, "f1", decision.Payload{})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonLockedByEscalation)

	result := h.mustSubmit(t, admin, decision.ActionApplyFallback, "f1", decision.Payload{})
	if result.Projection.FindingStatuses["f1"].Status != decision.FindingResolvedAppliedFallback {
		t.Fatalf("f1 status = %s", result.Projection.FindingStatuses["f1"].Status)
	}
}

func TestApplyFallbackDefaultsToFindingFallback(t *testing.T) {
	h := newHarness(t)
	result := h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{})

	want := "The Supplier shall be liable up to the fees paid. Invoices are payable in 90 days."
	if result.Projection.EffectiveText != want {
		t.Fatalf("effectiveText = %q", result.Projection.EffectiveText)
	}
	stored, err := result.Decision.DecodePayload()
	if err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if stored.ReplacementText != "up to the fees paid" {
		t.Fatalf("stored replacementText = %q", stored.ReplacementText)
	}

	_, err = h.submit(t, reviewer, decision.ActionApplyFallback, "f2", decision.Payload{})
	derr := expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "")
	if details, _ := derr.Details.(map[string]any); details["field"] != "payload.replacementText" {
		t.Fatalf("details = %#v", derr.Details)
	}
}

func TestUndoRestoresOriginalText(t *testing.T) {
	h := newHarness(t)
	applied := h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{ReplacementText: "X"})
	if applied.Projection.ResolvedCount != 1 {
		t.Fatalf("resolvedCount = %d", applied.Projection.ResolvedCount)
	}

	undone := h.mustSubmit(t, reviewer, decision.ActionUndo, "", decision.Payload{UndoneDecisionID: applied.Decision.ID})
	if undone.Projection.EffectiveText != clauseText {
		t.Fatalf("effectiveText = %q", undone.Projection.EffectiveText)
	}
	if undone.Projection.ResolvedCount != 0 || undone.Projection.EffectiveStatus != decision.StatusPending {
		t.Fatalf("after undo: %+v", undone.Projection)
	}
	if undone.Decision.FindingID != "f1" {
		t.Fatalf("undo should carry the target's finding, got %q", undone.Decision.FindingID)
	}
	if undone.Projection.Version != 2 {
		t.Fatalf("version = %d", undone.Projection.Version)
	}

	_, err := h.submit(t, reviewer, decision.ActionUndo, "", decision.Payload{UndoneDecisionID: applied.Decision.ID})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "")

	_, err = h.submit(t, reviewer, decision.ActionUndo, "", decision.Payload{UndoneDecisionID: undone.Decision.ID})
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "")

	_, err = h.submit(t, reviewer, decision.ActionUndo, "", decision.Payload{UndoneDecisionID: "dec_missing"})
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND", "")
}

func TestStaleSubmissionStillAppendsWithWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := t0

	first, err := h.svc.SubmitDecision(ctx, SubmitCommand{
		ClauseID: "cl-1", FindingID: "f1", ActionType: decision.ActionAcceptDeviation,
		ClauseUpdatedAtWhenLoaded: &stale, Actor: reviewer,
	})
	if err != nil {
		t.Fatalf("first SubmitDecision() error = %v", err)
	}
	if first.ConflictWarning != nil {
		t.Fatalf("first submission should not conflict: %+v", first.ConflictWarning)
	}

	second, err := h.svc.SubmitDecision(ctx, SubmitCommand{
		ClauseID: "cl-1", FindingID: "f2", ActionType: decision.ActionAcceptDeviation,
		ClauseUpdatedAtWhenLoaded: &stale, Actor: outsider,
	})
	if err != nil {
		t.Fatalf("second SubmitDecision() error = %v", err)
	}
	warning := second.ConflictWarning
	if warning == nil {
		t.Fatal("expected a conflict warning")
	}
	if warning.ConflictingActorID != "u1" || warning.UndoDecisionID != second.Decision.ID {
		t.Fatalf("unexpected warning: %+v", warning)
	}
	if !warning.LastModifiedAt.Equal(first.Decision.CreatedAt) {
		t.Fatalf("warning lastModifiedAt = %s, want %s", warning.LastModifiedAt, first.Decision.CreatedAt)
	}
	if second.Projection.ResolvedCount != 2 {
		t.Fatalf("stale submission must still append, resolvedCount = %d", second.Projection.ResolvedCount)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	loaded := t0
	cases := []struct {
		name   string
		cmd    SubmitCommand
		status int
		code   string
		reason string
	}{
		{"missing action", SubmitCommand{ClauseID: "cl-1", ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"unknown action", SubmitCommand{ClauseID: "cl-1", ActionType: "APPROVE", ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"missing loaded at", SubmitCommand{ClauseID: "cl-1", FindingID: "f1", ActionType: decision.ActionAcceptDeviation, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"blank manual edit", SubmitCommand{ClauseID: "cl-1", FindingID: "f1", ActionType: decision.ActionEditManual, Payload: json.RawMessage(`{"replacementText":"  "}`), ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"payload not object", SubmitCommand{ClauseID: "cl-1", ActionType: decision.ActionAddNote, Payload: json.RawMessage(`"hi"`), ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"escalate without assignee", SubmitCommand{ClauseID: "cl-1", ActionType: decision.ActionEscalate, Payload: json.RawMessage(`{"reason":"x"}`), ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 422, "VALIDATION_ERROR", ""},
		{"unknown clause", SubmitCommand{ClauseID: "cl-404", FindingID: "f1", ActionType: decision.ActionAcceptDeviation, ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 404, "NOT_FOUND", ""},
		{"unknown finding", SubmitCommand{ClauseID: "cl-1", FindingID: "f9", ActionType: decision.ActionAcceptDeviation, ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 404, "NOT_FOUND", ""},
		{"finding of another clause", SubmitCommand{ClauseID: "cl-2", FindingID: "f1", ActionType: decision.ActionAcceptDeviation, ClauseUpdatedAtWhenLoaded: &loaded, Actor: reviewer}, 404, "NOT_FOUND", ""},
		{"viewer", SubmitCommand{ClauseID: "cl-1", ActionType: decision.ActionAddNote, Payload: json.RawMessage(`{"noteText":"x"}`), ClauseUpdatedAtWhenLoaded: &loaded, Actor: Actor{ID: "u5", Role: "viewer"}}, 403, "PERMISSION_DENIED", ReasonForbiddenRole},
		{"commenter resolving", SubmitCommand{ClauseID: "cl-1", FindingID: "f1", ActionType: decision.ActionAcceptDeviation, ClauseUpdatedAtWhenLoaded: &loaded, Actor: Actor{ID: "u5", Role: "commenter"}}, 403, "PERMISSION_DENIED", ReasonForbiddenRole},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SubmitDecision(context.Background(), tc.cmd)
			expectDomainError(t, err, tc.status, tc.code, tc.reason)
		})
	}

	history, err := h.svc.ListDecisionHistory(context.Background(), "cl-1")
	if err != nil {
		t.Fatalf("ListDecisionHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("rejected commands must not append, got %d decisions", len(history))
	}
}

func TestCommenterMayAddNotes(t *testing.T) {
	h := newHarness(t)
	result := h.mustSubmit(t, Actor{ID: "u5", Role: "commenter"}, decision.ActionAddNote, "", decision.Payload{NoteText: "see schedule 2"})
	if result.Projection.NoteCount != 1 || result.Projection.EffectiveStatus != decision.StatusPending {
		t.Fatalf("unexpected projection: %+v", result.Projection)
	}
	if len(h.search.indexed) != 1 || h.search.indexed[0].Text != "see schedule 2" || h.search.indexed[0].ContractID != "ctr-1" {
		t.Fatalf("indexed = %+v", h.search.indexed)
	}
}

func TestProjectionMatchesReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustSubmit(t, reviewer, decision.ActionEditManual, "f1", decision.Payload{ReplacementText: "up to twice the fees"})
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f2", decision.Payload{})
	h.mustSubmit(t, reviewer, decision.ActionRevert, "", decision.Payload{Reason: "start over"})
	last := h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{})

	got, err := h.svc.GetProjection(ctx, "cl-1")
	if err != nil {
		t.Fatalf("GetProjection() error = %v", err)
	}
	baseline, err := h.store.GetClauseBaseline(ctx, "cl-1")
	if err != nil {
		t.Fatalf("GetClauseBaseline() error = %v", err)
	}
	history, _ := h.svc.ListDecisionHistory(ctx, "cl-1")
	replayed, err := decision.Project(baseline, history, decision.Options{})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}

	for name, p := range map[string]decision.Projection{"submit": last.Projection, "read": got} {
		a, _ := json.Marshal(p)
		b, _ := json.Marshal(replayed)
		if !bytes.Equal(a, b) {
			t.Fatalf("%s projection differs from replay:\n%s\n%s", name, a, b)
		}
	}
	if got.Version != 4 || got.ResolvedCount != 1 {
		t.Fatalf("unexpected projection: %+v", got)
	}
}

func TestFoldCacheNoticesForeignAppends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{})

	// Another writer appends behind the service's back.
	err := h.store.WithClauseLock(ctx, "cl-1", func(tx store.ClauseTx) error {
		_, err := tx.AppendDecision(ctx, decision.Decision{
			ActorID:    "u7",
			ActorRole:  "reviewer",
			ActionType: decision.ActionAcceptDeviation,
			FindingID:  "f2",
			Payload:    json.RawMessage(`{}`),
		})
		return err
	})
	if err != nil {
		t.Fatalf("foreign append: %v", err)
	}

	result := h.mustSubmit(t, reviewer, decision.ActionAddNote, "", decision.Payload{NoteText: "both done"})
	if result.Projection.Version != 3 || result.Projection.ResolvedCount != 2 {
		t.Fatalf("fold cache missed the foreign append: %+v", result.Projection)
	}
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	loaded := t0

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	versions := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := h.svc.SubmitDecision(ctx, SubmitCommand{
				ClauseID:                  "cl-1",
				ActionType:                decision.ActionAddNote,
				Payload:                   json.RawMessage(fmt.Sprintf(`{"noteText":"note %02d"}`, idx)),
				ClauseUpdatedAtWhenLoaded: &loaded,
				Actor:                     reviewer,
			})
			if err != nil {
				errCh <- err
				return
			}
			versions <- result.Projection.Version
		}(i)
	}
	wg.Wait()
	close(errCh)
	close(versions)
	for err := range errCh {
		t.Fatalf("SubmitDecision() concurrent error = %v", err)
	}

	seen := make(map[int]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("version %d returned twice", v)
		}
		seen[v] = true
	}
	for v := 1; v <= writers; v++ {
		if !seen[v] {
			t.Fatalf("version %d never returned", v)
		}
	}

	final, err := h.svc.GetProjection(ctx, "cl-1")
	if err != nil {
		t.Fatalf("GetProjection() error = %v", err)
	}
	if final.Version != writers || final.NoteCount != writers {
		t.Fatalf("final projection: version=%d notes=%d", final.Version, final.NoteCount)
	}
}

func TestFinalizeGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.FinalizeContract(ctx, "ctr-1", reviewer)
	derr := expectDomainError(t, err, http.StatusConflict, "FINALIZE_BLOCKED", "")
	blockers := derr.Details.(map[string]any)["blockers"].([]ClauseSummary)
	if len(blockers) != 1 || blockers[0].ClauseID != "cl-1" || blockers[0].EffectiveStatus != decision.StatusPending {
		t.Fatalf("blockers = %+v", blockers)
	}

	_, err = h.svc.FinalizeContract(ctx, "ctr-1", Actor{ID: "u5", Role: "commenter"})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonForbiddenRole)

	h.mustSubmit(t, reviewer, decision.ActionApplyFallback, "f1", decision.Payload{})
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f2", decision.Payload{})

	var committed gitrepo.Snapshot
	h.git.commitSnapshotFn = func(snap gitrepo.Snapshot, author, message string) (store.CommitInfo, error) {
		committed = snap
		return store.CommitInfo{Hash: "def5678", Author: author, Message: message}, nil
	}
	result, err := h.svc.FinalizeContract(ctx, "ctr-1", admin)
	if err != nil {
		t.Fatalf("FinalizeContract() error = %v", err)
	}
	if result.AlreadyFinalized || result.FinalizedBy != "u9" || result.Snapshot == nil || result.Snapshot.Hash != "def5678" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(committed.Clauses) != 2 || committed.Clauses[0].EffectiveText != "The Supplier shall be liable up to the fees paid. Invoices are payable in 90 days." {
		t.Fatalf("snapshot = %+v", committed)
	}
	if committed.Clauses[1].Status != string(decision.StatusNoIssues) {
		t.Fatalf("notices clause status = %s", committed.Clauses[1].Status)
	}

	_, err = h.submit(t, admin, decision.ActionAddNote, "", decision.Payload{NoteText: "too late"})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonFinalized)

	again, err := h.svc.FinalizeContract(ctx, "ctr-1", admin)
	if err != nil {
		t.Fatalf("second FinalizeContract() error = %v", err)
	}
	if !again.AlreadyFinalized || !again.FinalizedAt.Equal(result.FinalizedAt) {
		t.Fatalf("expected idempotent finalize, got %+v", again)
	}

	summary, err := h.svc.GetContractSummary(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("GetContractSummary() error = %v", err)
	}
	if !summary.Finalized || summary.FinalizedBy != "u9" {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestFinalizeBlockedByOpenEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f1", decision.Payload{})
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f2", decision.Payload{})
	escalated := h.mustSubmit(t, reviewer, decision.ActionEscalate, "", decision.Payload{AssigneeID: "u2", Reason: "legal wants a final read"})
	if escalated.Projection.EffectiveStatus != decision.StatusResolved || !escalated.Projection.HasUnresolvedEscalation {
		t.Fatalf("after clause escalation: %+v", escalated.Projection)
	}

	_, err := h.svc.FinalizeContract(ctx, "ctr-1", admin)
	derr := expectDomainError(t, err, http.StatusConflict, "FINALIZE_BLOCKED", "")
	blockers := derr.Details.(map[string]any)["blockers"].([]ClauseSummary)
	if len(blockers) != 1 || blockers[0].ClauseID != "cl-1" || !blockers[0].Escalated {
		t.Fatalf("blockers = %+v", blockers)
	}

	h.mustSubmit(t, assignee, decision.ActionAcceptDeviation, "f1", decision.Payload{})
	h.mustSubmit(t, assignee, decision.ActionAcceptDeviation, "f2", decision.Payload{})

	notices, err := h.svc.GetProjection(ctx, "cl-2")
	if err != nil {
		t.Fatalf("GetProjection() error = %v", err)
	}
	loaded := notices.LastModifiedAt
	_, err = h.svc.SubmitDecision(ctx, SubmitCommand{
		ClauseID:                  "cl-2",
		ActionType:                decision.ActionEscalate,
		Payload:                   payload(t, decision.Payload{AssigneeID: "u2", Reason: "notice address"}),
		ClauseUpdatedAtWhenLoaded: &loaded,
		Actor:                     reviewer,
	})
	if err != nil {
		t.Fatalf("escalate notices clause: %v", err)
	}

	_, err = h.svc.FinalizeContract(ctx, "ctr-1", admin)
	derr = expectDomainError(t, err, http.StatusConflict, "FINALIZE_BLOCKED", "")
	blockers = derr.Details.(map[string]any)["blockers"].([]ClauseSummary)
	if len(blockers) != 1 || blockers[0].ClauseID != "cl-2" || blockers[0].EffectiveStatus != decision.StatusNoIssues {
		t.Fatalf("blockers = %+v", blockers)
	}
}

func TestFinalizeSurvivesSnapshotFailure(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f1", decision.Payload{})
	h.mustSubmit(t, reviewer, decision.ActionAcceptDeviation, "f2", decision.Payload{})
	h.git.commitSnapshotFn = func(gitrepo.Snapshot, string, string) (store.CommitInfo, error) {
		return store.CommitInfo{}, errors.New("disk full")
	}

	result, err := h.svc.FinalizeContract(context.Background(), "ctr-1", admin)
	if err != nil {
		t.Fatalf("FinalizeContract() error = %v", err)
	}
	if result.Snapshot != nil {
		t.Fatalf("expected no snapshot, got %+v", result.Snapshot)
	}
}

func TestTrackChangesForContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustSubmit(t, reviewer, decision.ActionEditManual, "f2", decision.Payload{ReplacementText: "within 30 days"})

	changes, err := h.svc.GetTrackChangesForContract(ctx, "ctr-1")
	if err != nil {
		t.Fatalf("GetTrackChangesForContract() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %+v", changes)
	}
	change := changes[0]
	if change.ClauseID != "cl-1" || change.FindingID != "f2" || change.OriginalText != "in 90 days" || change.ReplacementText != "within 30 days" {
		t.Fatalf("unexpected change: %+v", change)
	}
	if change.Status != decision.FindingResolvedManualEdit || change.RiskLevel != decision.RiskYellow {
		t.Fatalf("unexpected change status: %+v", change)
	}

	_, err = h.svc.GetTrackChangesForContract(ctx, "ctr-404")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND", "")
}

func TestImportAnalysisValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.ImportAnalysis(ctx, testAnalysis())
	expectDomainError(t, err, http.StatusConflict, "ALREADY_EXISTS", "")

	bad := testAnalysis()
	bad.Contract.ID = "ctr-2"
	bad.Clauses = bad.Clauses[:1]
	bad.Clauses[0].ID = "cl-9"
	err = h.svc.ImportAnalysis(ctx, bad)
	derr := expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "")
	if details, _ := derr.Details.(map[string]any); details["field"] != "findings[0].clauseId" {
		t.Fatalf("details = %#v", derr.Details)
	}

	empty := store.Analysis{Contract: store.Contract{ID: "ctr-3"}}
	err = h.svc.ImportAnalysis(ctx, empty)
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "")
}

func TestBootstrapSkipsExistingContracts(t *testing.T) {
	h := newHarness(t)
	second := testAnalysis()
	second.Contract.ID = "ctr-2"
	second.Clauses = []store.Clause{{ID: "cl-2-1", OriginalText: "Governed by the laws of Ontario."}}
	second.Findings = nil

	if err := h.svc.Bootstrap(context.Background(), []store.Analysis{testAnalysis(), second}); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if h.search.reindexed != 1 {
		t.Fatalf("expected one reindex, got %d", h.search.reindexed)
	}
	summary, err := h.svc.GetContractSummary(context.Background(), "ctr-2")
	if err != nil {
		t.Fatalf("GetContractSummary() error = %v", err)
	}
	if len(summary.Clauses) != 1 || summary.Clauses[0].EffectiveStatus != decision.StatusNoIssues {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRevertPolicyFromConfig(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := New(config.Config{RevertPreservesEscalation: true}, st, nil, nil, nil)
	h := &harness{svc: svc, store: st}
	if err := svc.ImportAnalysis(context.Background(), testAnalysis()); err != nil {
		t.Fatalf("ImportAnalysis() error = %v", err)
	}

	h.mustSubmit(t, reviewer, decision.ActionEscalate, "f2", decision.Payload{AssigneeID: "u2", Reason: "finance"})
	reverted := h.mustSubmit(t, reviewer, decision.ActionRevert, "", decision.Payload{})
	if !reverted.Projection.HasUnresolvedEscalation {
		t.Fatalf("escalation should survive revert under this policy: %+v", reverted.Projection)
	}
}

func TestProjectionIgnoresCacheAheadOfLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := decision.Projection{ClauseID: "cl-1", Version: 7, EffectiveText: "stale"}
	if err := h.svc.projections.Put(ctx, ghost); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := h.svc.GetProjection(ctx, "cl-1")
	if err != nil {
		t.Fatalf("GetProjection() error = %v", err)
	}
	if got.Version != 0 || got.EffectiveText != clauseText {
		t.Fatalf("served a projection from a vanished log: %+v", got)
	}
	cached, hit, err := h.svc.projections.Get(ctx, "cl-1")
	if err != nil || !hit || cached.Version != 0 {
		t.Fatalf("cache not repaired: %+v hit=%v err=%v", cached, hit, err)
	}
}

func TestRecoveryActionsBypassEscalationLock(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(t, reviewer, decision.ActionEscalate, "f1", decision.Payload{AssigneeID: "u2", Reason: "cap"})

	_, err := h.submit(t, outsider, decision.ActionAcceptDeviation, "f1", decision.Payload{})
	expectDomainError(t, err, http.StatusForbidden, "PERMISSION_DENIED", ReasonLockedByEscalation)

	reverted := h.mustSubmit(t, outsider, decision.ActionRevert, "", decision.Payload{Reason: "start over"})
	if reverted.Projection.HasUnresolvedEscalation || reverted.Projection.EffectiveStatus != decision.StatusPending {
		t.Fatalf("revert should clear the escalation: %+v", reverted.Projection)
	}

	escalated := h.mustSubmit(t, reviewer, decision.ActionEscalate, "f2", decision.Payload{AssigneeID: "u2", Reason: "finance"})
	undone := h.mustSubmit(t, outsider, decision.ActionUndo, "", decision.Payload{UndoneDecisionID: escalated.Decision.ID})
	if undone.Projection.HasUnresolvedEscalation {
		t.Fatalf("undo should lift the escalation: %+v", undone.Projection)
	}
	h.mustSubmit(t, outsider, decision.ActionAcceptDeviation, "f2", decision.Payload{})
}
