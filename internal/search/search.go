package search

import (
	"context"
	"time"

	"redline/internal/decision"
)

// Result is a single decision hit returned to the caller.
type Result struct {
	DecisionID string    `json:"decisionId"`
	ContractID string    `json:"contractId"`
	ClauseID   string    `json:"clauseId"`
	FindingID  string    `json:"findingId,omitempty"`
	ActionType string    `json:"actionType"`
	ActorID    string    `json:"actorId"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request. Searches are always scoped to one
// contract.
type Query struct {
	ContractID string
	Text       string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DecisionRecord is the data we index for a decision.
type DecisionRecord struct {
	ID         string `json:"id"`
	ContractID string `json:"contractId"`
	ClauseID   string `json:"clauseId"`
	FindingID  string `json:"findingId"`
	ActionType string `json:"actionType"`
	ActorID    string `json:"actorId"`
	Text       string `json:"text"`
	CreatedAt  string `json:"createdAt"`
}

// RecordFor builds the index record of a stored decision. Decisions without
// free text are still indexed so that reindexing stays a plain copy.
func RecordFor(contractID string, d decision.Decision) DecisionRecord {
	payload, _ := d.DecodePayload()
	return DecisionRecord{
		ID:         d.ID,
		ContractID: contractID,
		ClauseID:   d.ClauseID,
		FindingID:  d.FindingID,
		ActionType: string(d.ActionType),
		ActorID:    d.ActorID,
		Text:       payload.SearchText(),
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r DecisionRecord) result(snippet string) Result {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return Result{
		DecisionID: r.ID,
		ContractID: r.ContractID,
		ClauseID:   r.ClauseID,
		FindingID:  r.FindingID,
		ActionType: r.ActionType,
		ActorID:    r.ActorID,
		Snippet:    snippet,
		CreatedAt:  created,
	}
}

func normalizeLimits(q Query) (int, int) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
