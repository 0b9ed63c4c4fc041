package store

import (
	"context"
	"time"

	"redline/internal/decision"
)

// ClauseTx is the view of one clause inside WithClauseLock. Every read and
// the append happen in the same serialized unit.
type ClauseTx interface {
	// Finalized reports whether the clause's contract was finalized when the
	// lock was taken.
	Finalized() bool
	Head(ctx context.Context) (Head, error)
	ListDecisions(ctx context.Context) ([]decision.Decision, error)
	AppendDecision(ctx context.Context, d decision.Decision) (decision.Decision, error)
}

// ContractTx is the view of one contract inside WithContractLock. No clause
// of the contract can be appended to while it is held.
type ContractTx interface {
	Contract() Contract
	Clauses(ctx context.Context) ([]Clause, error)
	Baselines(ctx context.Context) ([]decision.Baseline, error)
	ListDecisions(ctx context.Context, clauseID string) ([]decision.Decision, error)
	MarkFinalized(ctx context.Context, finalizedBy string, at time.Time) error
}

// prepareDecision validates d and stamps the store-owned fields. createdAt
// strictly increases within a clause: ordering by createdAt and by insertion
// agree, and a client holding the head's timestamp sees every later append.
func prepareDecision(d decision.Decision, head Head, now time.Time, newID func() string) (decision.Decision, error) {
	if err := decision.ValidateShape(d); err != nil {
		return decision.Decision{}, err
	}
	if d.ID == "" {
		d.ID = newID()
	}
	if len(d.Payload) == 0 || string(d.Payload) == "null" {
		d.Payload = []byte("{}")
	}
	created := now.UTC().Truncate(time.Microsecond)
	if !head.LastCreatedAt.IsZero() && !created.After(head.LastCreatedAt) {
		created = head.LastCreatedAt.Add(time.Microsecond)
	}
	d.CreatedAt = created
	d.ClauseUpdatedAtWhenLoaded = d.ClauseUpdatedAtWhenLoaded.UTC().Truncate(time.Microsecond)
	return d, nil
}
