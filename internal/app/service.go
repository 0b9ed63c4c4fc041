package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"redline/internal/cache"
	"redline/internal/config"
	"redline/internal/decision"
	"redline/internal/gitrepo"
	"redline/internal/rbac"
	"redline/internal/search"
	"redline/internal/store"
	"redline/internal/telemetry"
)

// Actor is the reviewer behind a request, as asserted by the gateway.
type Actor struct {
	ID   string
	Name string
	Role string
}

type SubmitCommand struct {
	ClauseID   string
	FindingID  string
	ActionType decision.ActionType
	Payload    json.RawMessage
	// ClauseUpdatedAtWhenLoaded is the clause's lastModifiedAt as the caller
	// saw it. Required.
	ClauseUpdatedAtWhenLoaded *time.Time
	Actor                     Actor
}

type SubmitResult struct {
	Decision        decision.Decision         `json:"decision"`
	Projection      decision.Projection       `json:"projection"`
	ConflictWarning *decision.ConflictWarning `json:"conflictWarning"`
}

type ClauseSummary struct {
	ClauseID          string          `json:"clauseId"`
	Title             string          `json:"title"`
	EffectiveStatus   decision.Status `json:"effectiveStatus"`
	ResolvedCount     int             `json:"resolvedCount"`
	TotalFindingCount int             `json:"totalFindingCount"`
	Escalated         bool            `json:"hasUnresolvedEscalation"`
	Version           int             `json:"version"`
}

type ContractSummary struct {
	ContractID  string          `json:"contractId"`
	Title       string          `json:"title"`
	Finalized   bool            `json:"finalized"`
	FinalizedAt *time.Time      `json:"finalizedAt,omitempty"`
	FinalizedBy string          `json:"finalizedBy,omitempty"`
	Clauses     []ClauseSummary `json:"clauses"`
}

type FinalizeResult struct {
	ContractID       string            `json:"contractId"`
	FinalizedAt      time.Time         `json:"finalizedAt"`
	FinalizedBy      string            `json:"finalizedBy"`
	AlreadyFinalized bool              `json:"alreadyFinalized"`
	Snapshot         *store.CommitInfo `json:"snapshot,omitempty"`
}

type decisionStore interface {
	ImportAnalysis(context.Context, store.Analysis) error
	GetContract(context.Context, string) (store.Contract, error)
	ListClauses(context.Context, string) ([]store.Clause, error)
	GetClauseBaseline(context.Context, string) (decision.Baseline, error)
	ClauseHead(context.Context, string) (store.Head, error)
	ListDecisionsByClause(context.Context, string) ([]decision.Decision, error)
	GetDecision(context.Context, string) (decision.Decision, error)
	WithClauseLock(context.Context, string, func(store.ClauseTx) error) error
	WithContractLock(context.Context, string, func(store.ContractTx) error) error
	Ping(context.Context) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexDecision(search.DecisionRecord)
	ReindexAll(context.Context)
}

type snapshotRepo interface {
	CommitSnapshot(gitrepo.Snapshot, string, string) (store.CommitInfo, error)
	GetSnapshot(string, string) (gitrepo.Snapshot, error)
	History(string, int) ([]store.CommitInfo, error)
}

// Service is the decision command handler and the read side built on the
// same fold.
type Service struct {
	store       decisionStore
	projections cache.ProjectionCache
	search      searchIndex
	git         snapshotRepo
	opts        decision.Options
	now         func() time.Time

	foldMu sync.Mutex
	folds  map[string]*decision.Fold
}

// New wires the service. searchService and gitService may be nil.
func New(cfg config.Config, dataStore decisionStore, projections cache.ProjectionCache, searchService *search.Service, gitService *gitrepo.Service) *Service {
	if projections == nil {
		projections = cache.NewMemory()
	}
	s := &Service{
		store:       dataStore,
		projections: projections,
		opts:        decision.Options{PreserveEscalationOnRevert: cfg.RevertPreservesEscalation},
		now:         time.Now,
		folds:       make(map[string]*decision.Fold),
	}
	if searchService != nil {
		s.search = searchService
	}
	if gitService != nil {
		s.git = gitService
	}
	return s
}

// Bootstrap imports the seed analyses that are not stored yet and refreshes
// the search index.
func (s *Service) Bootstrap(ctx context.Context, seed []store.Analysis) error {
	for _, analysis := range seed {
		err := s.ImportAnalysis(ctx, analysis)
		var derr *DomainError
		if errors.As(err, &derr) && derr.Code == "ALREADY_EXISTS" {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed contract %s: %w", analysis.Contract.ID, err)
		}
		log.Printf("bootstrap: imported contract %s (%d clauses)", analysis.Contract.ID, len(analysis.Clauses))
	}
	if s.search != nil {
		s.search.ReindexAll(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	return s.projections.Ping(ctx)
}

// ImportAnalysis stores one analysis pipeline result.
func (s *Service) ImportAnalysis(ctx context.Context, analysis store.Analysis) error {
	if err := validateAnalysis(analysis); err != nil {
		return err
	}
	if err := s.store.ImportAnalysis(ctx, analysis); err != nil {
		return classify(err, "contract "+analysis.Contract.ID)
	}
	return nil
}

func validateAnalysis(analysis store.Analysis) error {
	if strings.TrimSpace(analysis.Contract.ID) == "" {
		return invalidf("contract.id", "is required")
	}
	if len(analysis.Clauses) == 0 {
		return invalidf("clauses", "at least one clause is required")
	}
	clauses := make(map[string]struct{}, len(analysis.Clauses))
	for i, clause := range analysis.Clauses {
		if strings.TrimSpace(clause.ID) == "" {
			return invalidf(fmt.Sprintf("clauses[%d].id", i), "is required")
		}
		if clause.OriginalText == "" {
			return invalidf(fmt.Sprintf("clauses[%d].originalText", i), "is required")
		}
		if _, dup := clauses[clause.ID]; dup {
			return invalidf(fmt.Sprintf("clauses[%d].id", i), "duplicate clause %s", clause.ID)
		}
		clauses[clause.ID] = struct{}{}
	}
	findings := make(map[string]struct{}, len(analysis.Findings))
	for i, finding := range analysis.Findings {
		field := fmt.Sprintf("findings[%d]", i)
		if strings.TrimSpace(finding.ID) == "" {
			return invalidf(field+".id", "is required")
		}
		if _, dup := findings[finding.ID]; dup {
			return invalidf(field+".id", "duplicate finding %s", finding.ID)
		}
		findings[finding.ID] = struct{}{}
		if _, ok := clauses[finding.ClauseID]; !ok {
			return invalidf(field+".clauseId", "unknown clause %q", finding.ClauseID)
		}
		if !finding.RiskLevel.Valid() {
			return invalidf(field+".riskLevel", "must be RED, YELLOW or GREEN")
		}
		if finding.Excerpt == "" {
			return invalidf(field+".excerpt", "is required")
		}
	}
	return nil
}

// SubmitDecision validates, authorizes and appends one decision and returns
// the clause projection that includes it.
func (s *Service) SubmitDecision(ctx context.Context, cmd SubmitCommand) (result SubmitResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "decision.submit", trace.WithAttributes(
		attribute.String("clause.id", cmd.ClauseID),
		attribute.String("decision.action", string(cmd.ActionType)),
	))
	defer func() { endSpan(span, err) }()

	cmd.ClauseID = strings.TrimSpace(cmd.ClauseID)
	cmd.FindingID = strings.TrimSpace(cmd.FindingID)
	if cmd.ClauseID == "" {
		return SubmitResult{}, invalidf("clauseId", "is required")
	}
	if cmd.ActionType == "" {
		return SubmitResult{}, invalidf("actionType", "is required")
	}
	if !cmd.ActionType.Known() {
		return SubmitResult{}, invalidf("actionType", "unknown action type %q", cmd.ActionType)
	}
	if !rbac.Can(rbac.Normalize(cmd.Actor.Role), requiredPermission(cmd.ActionType)) {
		return SubmitResult{}, permissionError(ReasonForbiddenRole,
			fmt.Sprintf("role %q may not submit %s", cmd.Actor.Role, cmd.ActionType))
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return SubmitResult{}, invalidf("actorId", "is required")
	}
	if cmd.ClauseUpdatedAtWhenLoaded == nil || cmd.ClauseUpdatedAtWhenLoaded.IsZero() {
		return SubmitResult{}, invalidf("clauseUpdatedAtWhenLoaded", "is required")
	}

	baseline, err := s.store.GetClauseBaseline(ctx, cmd.ClauseID)
	if err != nil {
		return SubmitResult{}, classify(err, "clause "+cmd.ClauseID)
	}

	payload, err := decision.Decision{Payload: cmd.Payload}.DecodePayload()
	if err != nil {
		return SubmitResult{}, invalidf("payload", "must be a JSON object")
	}
	if cmd.ActionType == decision.ActionUndo {
		// The target decides which finding an UNDO affects.
		cmd.FindingID = ""
	}
	if cmd.FindingID != "" {
		finding, ok := baseline.Finding(cmd.FindingID)
		if !ok {
			return SubmitResult{}, notFound(fmt.Sprintf("finding %s not found in clause %s", cmd.FindingID, cmd.ClauseID), store.ErrNotFound)
		}
		if cmd.ActionType == decision.ActionApplyFallback && payload.ReplacementText == "" {
			payload.ReplacementText = finding.FallbackText
		}
	}
	if err := decision.ValidatePayload(cmd.ActionType, cmd.FindingID, payload); err != nil {
		return SubmitResult{}, validationError(err)
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, internalError("encode payload", err)
	}

	candidate := decision.Decision{
		ClauseID:                  cmd.ClauseID,
		FindingID:                 cmd.FindingID,
		ActorID:                   cmd.Actor.ID,
		ActorName:                 cmd.Actor.Name,
		ActorRole:                 string(rbac.Normalize(cmd.Actor.Role)),
		ActionType:                cmd.ActionType,
		Payload:                   rawPayload,
		ClauseUpdatedAtWhenLoaded: *cmd.ClauseUpdatedAtWhenLoaded,
	}

	err = s.store.WithClauseLock(ctx, cmd.ClauseID, func(tx store.ClauseTx) error {
		if tx.Finalized() {
			return permissionError(ReasonFinalized, "contract is finalized; decisions are read-only")
		}
		fold, err := s.checkoutFold(ctx, tx, baseline)
		if err != nil {
			return err
		}
		defer s.checkinFold(cmd.ClauseID, fold)
		current := fold.Projection()

		if cmd.ActionType == decision.ActionUndo {
			target, ok := fold.Lookup(payload.UndoneDecisionID)
			if !ok {
				return notFound(fmt.Sprintf("decision %s not found in clause %s", payload.UndoneDecisionID, cmd.ClauseID), store.ErrNotFound)
			}
			if target.ActionType.Recovery() {
				return invalidf("payload.undoneDecisionId", "%s decisions cannot be undone", target.ActionType)
			}
			if !fold.IsActive(target.ID) {
				return invalidf("payload.undoneDecisionId", "decision %s no longer has effect", target.ID)
			}
			candidate.FindingID = target.FindingID
		}

		if cmd.ActionType.Gated() && decision.IsLocked(current, candidate.FindingID, cmd.Actor.ID, cmd.Actor.Role) {
			log.Printf("decision: %s by %s on clause %s refused, locked by escalation", cmd.ActionType, cmd.Actor.ID, cmd.ClauseID)
			return permissionError(ReasonLockedByEscalation, "target is escalated to another reviewer")
		}

		warning := decision.DetectConflict(current, candidate.ClauseUpdatedAtWhenLoaded)

		appended, err := tx.AppendDecision(ctx, candidate)
		if err != nil {
			return classify(err, "clause "+cmd.ClauseID)
		}
		if err := fold.Apply(appended); err != nil {
			return classify(err, "clause "+cmd.ClauseID)
		}
		if warning != nil {
			warning.UndoDecisionID = appended.ID
			log.Printf("decision: conflict on clause %s, %s loaded %s before last change by %s",
				cmd.ClauseID, cmd.Actor.ID, candidate.ClauseUpdatedAtWhenLoaded.Format(time.RFC3339Nano), warning.ConflictingActorID)
		}

		result = SubmitResult{Decision: appended, Projection: fold.Projection(), ConflictWarning: warning}
		return nil
	})
	if err != nil {
		return SubmitResult{}, classify(err, "clause "+cmd.ClauseID)
	}

	if err := s.projections.Put(ctx, result.Projection); err != nil {
		log.Printf("decision: cache projection %s: %v", cmd.ClauseID, err)
	}
	if s.search != nil {
		s.search.IndexDecision(search.RecordFor(baseline.ContractID, result.Decision))
	}
	span.SetAttributes(
		attribute.String("decision.id", result.Decision.ID),
		attribute.Int("projection.version", result.Projection.Version),
		attribute.Bool("decision.conflict", result.ConflictWarning != nil),
	)
	log.Printf("decision: appended clause=%s id=%s action=%s version=%d",
		cmd.ClauseID, result.Decision.ID, result.Decision.ActionType, result.Projection.Version)
	return result, nil
}

func requiredPermission(action decision.ActionType) rbac.Action {
	if action == decision.ActionAddNote {
		return rbac.ActionComment
	}
	return rbac.ActionWrite
}

// checkoutFold takes the clause's cached fold when it still matches the log
// head and refolds the log otherwise. The caller owns the fold until it is
// checked back in.
func (s *Service) checkoutFold(ctx context.Context, tx store.ClauseTx, baseline decision.Baseline) (*decision.Fold, error) {
	head, err := tx.Head(ctx)
	if err != nil {
		return nil, classify(err, "clause "+baseline.ClauseID)
	}

	s.foldMu.Lock()
	fold, ok := s.folds[baseline.ClauseID]
	delete(s.folds, baseline.ClauseID)
	s.foldMu.Unlock()
	if ok && fold.Version() == head.Version && fold.LastID() == head.LastID {
		return fold, nil
	}

	decisions, err := tx.ListDecisions(ctx)
	if err != nil {
		return nil, classify(err, "clause "+baseline.ClauseID)
	}
	fold = decision.NewFold(baseline, s.opts)
	for _, d := range decisions {
		if err := fold.Apply(d); err != nil {
			return nil, classify(err, "clause "+baseline.ClauseID)
		}
	}
	return fold, nil
}

func (s *Service) checkinFold(clauseID string, fold *decision.Fold) {
	s.foldMu.Lock()
	defer s.foldMu.Unlock()
	s.folds[clauseID] = fold
}

// GetProjection returns the clause's current projection, from the cache when
// the cached version matches the log head.
func (s *Service) GetProjection(ctx context.Context, clauseID string) (projection decision.Projection, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "decision.projection", trace.WithAttributes(
		attribute.String("clause.id", clauseID),
	))
	defer func() { endSpan(span, err) }()

	_, projection, err = s.projectClause(ctx, clauseID)
	if err != nil {
		return decision.Projection{}, err
	}
	span.SetAttributes(attribute.Int("projection.version", projection.Version))
	return projection, nil
}

func (s *Service) projectClause(ctx context.Context, clauseID string) (decision.Baseline, decision.Projection, error) {
	baseline, err := s.store.GetClauseBaseline(ctx, clauseID)
	if err != nil {
		return decision.Baseline{}, decision.Projection{}, classify(err, "clause "+clauseID)
	}

	cached, hit, err := s.projections.Get(ctx, clauseID)
	if err != nil {
		log.Printf("decision: read cached projection %s: %v", clauseID, err)
		hit = false
	}
	if hit {
		head, err := s.store.ClauseHead(ctx, clauseID)
		if err != nil {
			return decision.Baseline{}, decision.Projection{}, classify(err, "clause "+clauseID)
		}
		if cached.Version == head.Version {
			return baseline, cached, nil
		}
		if cached.Version > head.Version {
			// Left over from a log that no longer exists, e.g. a reset database.
			if err := s.projections.Invalidate(ctx, clauseID); err != nil {
				log.Printf("decision: drop cached projection %s: %v", clauseID, err)
			}
		}
	}

	decisions, err := s.store.ListDecisionsByClause(ctx, clauseID)
	if err != nil {
		return decision.Baseline{}, decision.Projection{}, classify(err, "clause "+clauseID)
	}
	projection, err := decision.Project(baseline, decisions, s.opts)
	if err != nil {
		log.Printf("decision: project clause %s: %v", clauseID, err)
		return decision.Baseline{}, decision.Projection{}, classify(err, "clause "+clauseID)
	}
	if err := s.projections.Put(ctx, projection); err != nil {
		log.Printf("decision: cache projection %s: %v", clauseID, err)
	}
	return baseline, projection, nil
}

func (s *Service) GetDecision(ctx context.Context, decisionID string) (decision.Decision, error) {
	d, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		return decision.Decision{}, classify(err, "decision "+decisionID)
	}
	return d, nil
}

// ListDecisionHistory returns the clause's log oldest first.
func (s *Service) ListDecisionHistory(ctx context.Context, clauseID string) ([]decision.Decision, error) {
	if _, err := s.store.GetClauseBaseline(ctx, clauseID); err != nil {
		return nil, classify(err, "clause "+clauseID)
	}
	decisions, err := s.store.ListDecisionsByClause(ctx, clauseID)
	if err != nil {
		return nil, classify(err, "clause "+clauseID)
	}
	if decisions == nil {
		decisions = []decision.Decision{}
	}
	return decisions, nil
}

// GetTrackChangesForContract collects every replaced finding of the contract
// in clause order.
func (s *Service) GetTrackChangesForContract(ctx context.Context, contractID string) ([]decision.TrackChange, error) {
	clauses, err := s.contractClauses(ctx, contractID)
	if err != nil {
		return nil, err
	}
	changes := []decision.TrackChange{}
	for _, clause := range clauses {
		baseline, projection, err := s.projectClause(ctx, clause.ID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, decision.TrackChanges(baseline, projection)...)
	}
	return changes, nil
}

func (s *Service) GetContractSummary(ctx context.Context, contractID string) (ContractSummary, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return ContractSummary{}, classify(err, "contract "+contractID)
	}
	clauses, err := s.store.ListClauses(ctx, contractID)
	if err != nil {
		return ContractSummary{}, classify(err, "contract "+contractID)
	}
	summary := ContractSummary{
		ContractID:  contract.ID,
		Title:       contract.Title,
		Finalized:   contract.Finalized(),
		FinalizedAt: contract.FinalizedAt,
		FinalizedBy: contract.FinalizedBy,
		Clauses:     make([]ClauseSummary, 0, len(clauses)),
	}
	for _, clause := range clauses {
		_, projection, err := s.projectClause(ctx, clause.ID)
		if err != nil {
			return ContractSummary{}, err
		}
		summary.Clauses = append(summary.Clauses, clauseSummary(clause.Title, projection))
	}
	return summary, nil
}

func clauseSummary(title string, p decision.Projection) ClauseSummary {
	return ClauseSummary{
		ClauseID:          p.ClauseID,
		Title:             title,
		EffectiveStatus:   p.EffectiveStatus,
		ResolvedCount:     p.ResolvedCount,
		TotalFindingCount: p.TotalFindingCount,
		Escalated:         p.HasUnresolvedEscalation,
		Version:           p.Version,
	}
}

func (s *Service) contractClauses(ctx context.Context, contractID string) ([]store.Clause, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, classify(err, "contract "+contractID)
	}
	clauses, err := s.store.ListClauses(ctx, contractID)
	if err != nil {
		return nil, classify(err, "contract "+contractID)
	}
	return clauses, nil
}

// FinalizeContract marks the contract finalized once every clause is
// resolved, then snapshots the effective texts to git when configured.
func (s *Service) FinalizeContract(ctx context.Context, contractID string, actor Actor) (result FinalizeResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "contract.finalize", trace.WithAttributes(
		attribute.String("contract.id", contractID),
	))
	defer func() { endSpan(span, err) }()

	if !rbac.Can(rbac.Normalize(actor.Role), rbac.ActionApprove) {
		return FinalizeResult{}, permissionError(ReasonForbiddenRole, fmt.Sprintf("role %q may not finalize contracts", actor.Role))
	}
	if strings.TrimSpace(actor.ID) == "" {
		return FinalizeResult{}, invalidf("actorId", "is required")
	}

	var snapshot gitrepo.Snapshot
	var projections []decision.Projection
	err = s.store.WithContractLock(ctx, contractID, func(tx store.ContractTx) error {
		contract := tx.Contract()
		if contract.Finalized() {
			result = FinalizeResult{
				ContractID:       contract.ID,
				FinalizedAt:      *contract.FinalizedAt,
				FinalizedBy:      contract.FinalizedBy,
				AlreadyFinalized: true,
			}
			return nil
		}

		baselines, err := tx.Baselines(ctx)
		if err != nil {
			return classify(err, "contract "+contractID)
		}
		clauses, err := tx.Clauses(ctx)
		if err != nil {
			return classify(err, "contract "+contractID)
		}
		titles := make(map[string]string, len(clauses))
		for _, clause := range clauses {
			titles[clause.ID] = clause.Title
		}

		snapshot = gitrepo.Snapshot{ContractID: contract.ID, Title: contract.Title}
		blockers := make([]ClauseSummary, 0)
		for _, baseline := range baselines {
			decisions, err := tx.ListDecisions(ctx, baseline.ClauseID)
			if err != nil {
				return classify(err, "clause "+baseline.ClauseID)
			}
			projection, err := decision.Project(baseline, decisions, s.opts)
			if err != nil {
				return classify(err, "clause "+baseline.ClauseID)
			}
			projections = append(projections, projection)
			// A clause-level escalation can outlive the resolution of every finding.
			if !projection.EffectiveStatus.Final() || projection.HasUnresolvedEscalation {
				blockers = append(blockers, clauseSummary(titles[baseline.ClauseID], projection))
				continue
			}
			snapshot.Clauses = append(snapshot.Clauses, gitrepo.SnapshotClause{
				ClauseID:      baseline.ClauseID,
				Title:         titles[baseline.ClauseID],
				Status:        string(projection.EffectiveStatus),
				Version:       projection.Version,
				EffectiveText: projection.EffectiveText,
			})
		}
		if len(blockers) > 0 {
			return domainError(http.StatusConflict, "FINALIZE_BLOCKED",
				fmt.Sprintf("%d clause(s) are not resolved or still escalated", len(blockers)),
				map[string]any{"blockers": blockers})
		}

		at := s.now().UTC().Truncate(time.Microsecond)
		if err := tx.MarkFinalized(ctx, actor.ID, at); err != nil {
			return classify(err, "contract "+contractID)
		}
		snapshot.FinalizedBy = actor.ID
		snapshot.FinalizedAt = at
		result = FinalizeResult{ContractID: contract.ID, FinalizedAt: at, FinalizedBy: actor.ID}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, classify(err, "contract "+contractID)
	}
	if result.AlreadyFinalized {
		return result, nil
	}

	for _, projection := range projections {
		if err := s.projections.Put(ctx, projection); err != nil {
			log.Printf("finalize: cache projection %s: %v", projection.ClauseID, err)
		}
	}
	log.Printf("finalize: contract %s finalized by %s", contractID, actor.ID)

	if s.git != nil {
		author := actor.Name
		if author == "" {
			author = actor.ID
		}
		commit, err := s.git.CommitSnapshot(snapshot, author, "Finalize "+contractID)
		if err != nil {
			// The contract is finalized either way; the snapshot can be
			// recreated from the log.
			log.Printf("finalize: snapshot contract %s: %v", contractID, err)
		} else {
			result.Snapshot = &commit
			span.SetAttributes(attribute.String("snapshot.hash", commit.Hash))
		}
	}
	return result, nil
}

// ContractSnapshots lists the git snapshots taken at finalization, newest
// first.
func (s *Service) ContractSnapshots(ctx context.Context, contractID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, classify(err, "contract "+contractID)
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	history, err := s.git.History(contractID, limit)
	if err != nil {
		return nil, internalError("read snapshot history", err)
	}
	return history, nil
}

// ContractSnapshot reads a finalization snapshot. An empty hash means the
// latest one.
func (s *Service) ContractSnapshot(ctx context.Context, contractID, hash string) (gitrepo.Snapshot, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return gitrepo.Snapshot{}, classify(err, "contract "+contractID)
	}
	if s.git == nil {
		return gitrepo.Snapshot{}, notFound("snapshot not found", nil)
	}
	snap, err := s.git.GetSnapshot(contractID, strings.TrimSpace(hash))
	if errors.Is(err, store.ErrNotFound) {
		return gitrepo.Snapshot{}, notFound("snapshot not found", err)
	}
	if err != nil {
		return gitrepo.Snapshot{}, internalError("read snapshot", err)
	}
	return snap, nil
}

// SearchDecisions searches the free text of the contract's decisions.
func (s *Service) SearchDecisions(ctx context.Context, contractID, text string, limit, offset int) (search.Response, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return search.Response{}, classify(err, "contract "+contractID)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(text)}, nil
	}
	return s.search.Search(ctx, search.Query{ContractID: contractID, Text: text, Limit: limit, Offset: offset}), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
