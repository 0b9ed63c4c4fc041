package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"redline/internal/decision"
	"redline/internal/util"
)

// InMemoryStore keeps everything in process. It backs tests and the
// single-node demo mode.
type InMemoryStore struct {
	mu    sync.Mutex
	locks *keyedLocks
	now   func() time.Time
	newID func() string

	contracts map[string]Contract
	clauses   map[string]Clause
	findings  map[string][]decision.Finding
	decisions map[string][]decision.Decision
	byID      map[string]decision.Decision
	seq       int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locks:     newKeyedLocks(),
		now:       time.Now,
		newID:     func() string { return util.NewID("dec") },
		contracts: make(map[string]Contract),
		clauses:   make(map[string]Clause),
		findings:  make(map[string][]decision.Finding),
		decisions: make(map[string][]decision.Decision),
		byID:      make(map[string]decision.Decision),
	}
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) ImportAnalysis(_ context.Context, analysis Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract := analysis.Contract
	if _, ok := s.contracts[contract.ID]; ok {
		return fmt.Errorf("import contract %s: %w", contract.ID, ErrAlreadyExists)
	}
	for _, clause := range analysis.Clauses {
		if _, ok := s.clauses[clause.ID]; ok {
			return fmt.Errorf("import clause %s: %w", clause.ID, ErrAlreadyExists)
		}
	}
	if contract.CreatedAt.IsZero() {
		contract.CreatedAt = s.now()
	}
	contract.CreatedAt = contract.CreatedAt.UTC().Truncate(time.Microsecond)
	contract.FinalizedAt = nil
	contract.FinalizedBy = ""
	s.contracts[contract.ID] = contract

	for i, clause := range analysis.Clauses {
		clause.ContractID = contract.ID
		clause.Position = i
		if clause.UpdatedAt.IsZero() {
			clause.UpdatedAt = contract.CreatedAt
		}
		clause.UpdatedAt = clause.UpdatedAt.UTC().Truncate(time.Microsecond)
		s.clauses[clause.ID] = clause
		s.findings[clause.ID] = []decision.Finding{}
	}
	for _, finding := range analysis.Findings {
		s.findings[finding.ClauseID] = append(s.findings[finding.ClauseID], finding)
	}
	return nil
}

func (s *InMemoryStore) GetContract(_ context.Context, contractID string) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contract, ok := s.contracts[contractID]
	if !ok {
		return Contract{}, fmt.Errorf("get contract %s: %w", contractID, ErrNotFound)
	}
	return contract, nil
}

func (s *InMemoryStore) ListClauses(_ context.Context, contractID string) ([]Clause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clausesOf(contractID), nil
}

func (s *InMemoryStore) clausesOf(contractID string) []Clause {
	out := []Clause{}
	for _, clause := range s.clauses {
		if clause.ContractID == contractID {
			out = append(out, clause)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) GetClauseBaseline(_ context.Context, clauseID string) (decision.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clause, ok := s.clauses[clauseID]
	if !ok {
		return decision.Baseline{}, fmt.Errorf("get clause %s: %w", clauseID, ErrNotFound)
	}
	return s.baselineOf(clause), nil
}

func (s *InMemoryStore) baselineOf(clause Clause) decision.Baseline {
	return baselineOf(clause, append([]decision.Finding(nil), s.findings[clause.ID]...))
}

func (s *InMemoryStore) ListDecisionsByClause(_ context.Context, clauseID string) ([]decision.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.decisions[clauseID]
	out := make([]decision.Decision, len(log))
	for i, d := range log {
		out[i] = cloneDecision(d)
	}
	return out, nil
}

func (s *InMemoryStore) GetDecision(_ context.Context, decisionID string) (decision.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[decisionID]
	if !ok {
		return decision.Decision{}, fmt.Errorf("get decision %s: %w", decisionID, ErrNotFound)
	}
	return cloneDecision(d), nil
}

// cloneDecision detaches the payload bytes so callers cannot rewrite the log.
func cloneDecision(d decision.Decision) decision.Decision {
	d.Payload = append(json.RawMessage(nil), d.Payload...)
	return d
}

func (s *InMemoryStore) ClauseHead(_ context.Context, clauseID string) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head(clauseID), nil
}

func (s *InMemoryStore) head(clauseID string) Head {
	log := s.decisions[clauseID]
	if len(log) == 0 {
		return Head{}
	}
	last := log[len(log)-1]
	return Head{Version: len(log), LastID: last.ID, LastCreatedAt: last.CreatedAt}
}

func (s *InMemoryStore) WithClauseLock(ctx context.Context, clauseID string, fn func(ClauseTx) error) error {
	s.mu.Lock()
	clause, ok := s.clauses[clauseID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("get clause %s: %w", clauseID, ErrNotFound)
	}

	unlock := s.locks.lockClause(clause.ContractID, clauseID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	finalized := s.contracts[clause.ContractID].Finalized()
	s.mu.Unlock()
	return fn(&memClauseTx{store: s, clauseID: clauseID, finalized: finalized})
}

func (s *InMemoryStore) WithContractLock(ctx context.Context, contractID string, fn func(ContractTx) error) error {
	unlock := s.locks.lockContract(contractID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	contract, ok := s.contracts[contractID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("get contract %s: %w", contractID, ErrNotFound)
	}
	return fn(&memContractTx{store: s, contract: contract})
}

type memClauseTx struct {
	store     *InMemoryStore
	clauseID  string
	finalized bool
}

func (t *memClauseTx) Finalized() bool { return t.finalized }

func (t *memClauseTx) Head(context.Context) (Head, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.head(t.clauseID), nil
}

func (t *memClauseTx) ListDecisions(ctx context.Context) ([]decision.Decision, error) {
	return t.store.ListDecisionsByClause(ctx, t.clauseID)
}

func (t *memClauseTx) AppendDecision(_ context.Context, d decision.Decision) (decision.Decision, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ClauseID == "" {
		d.ClauseID = t.clauseID
	}
	if d.ClauseID != t.clauseID {
		return decision.Decision{}, &decision.ValidationError{Field: "clauseId", Message: "does not match the locked clause"}
	}
	d, err := prepareDecision(d, s.head(t.clauseID), s.now(), s.newID)
	if err != nil {
		return decision.Decision{}, err
	}
	if _, dup := s.byID[d.ID]; dup {
		return decision.Decision{}, fmt.Errorf("append decision %s: %w", d.ID, ErrAlreadyExists)
	}
	s.seq++
	d.Seq = s.seq
	stored := cloneDecision(d)
	s.decisions[t.clauseID] = append(s.decisions[t.clauseID], stored)
	s.byID[d.ID] = stored
	return cloneDecision(stored), nil
}

type memContractTx struct {
	store    *InMemoryStore
	contract Contract
}

func (t *memContractTx) Contract() Contract { return t.contract }

func (t *memContractTx) Clauses(context.Context) ([]Clause, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.clausesOf(t.contract.ID), nil
}

func (t *memContractTx) Baselines(context.Context) ([]decision.Baseline, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	clauses := s.clausesOf(t.contract.ID)
	baselines := make([]decision.Baseline, 0, len(clauses))
	for _, clause := range clauses {
		baselines = append(baselines, s.baselineOf(clause))
	}
	return baselines, nil
}

func (t *memContractTx) ListDecisions(ctx context.Context, clauseID string) ([]decision.Decision, error) {
	return t.store.ListDecisionsByClause(ctx, clauseID)
}

func (t *memContractTx) MarkFinalized(_ context.Context, finalizedBy string, at time.Time) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	contract := s.contracts[t.contract.ID]
	if contract.Finalized() {
		t.contract = contract
		return nil
	}
	at = at.UTC().Truncate(time.Microsecond)
	contract.FinalizedAt = &at
	contract.FinalizedBy = finalizedBy
	s.contracts[contract.ID] = contract
	t.contract = contract
	return nil
}
