package store

import (
	"errors"
	"time"

	"redline/internal/decision"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type Contract struct {
	ID          string
	Title       string
	CreatedAt   time.Time
	FinalizedAt *time.Time
	FinalizedBy string
}

func (c Contract) Finalized() bool {
	return c.FinalizedAt != nil
}

type Clause struct {
	ID           string
	ContractID   string
	Position     int
	Title        string
	OriginalText string
	UpdatedAt    time.Time
}

// Analysis is one analysis pipeline result: a contract, its clauses in
// document order and every finding raised against them.
type Analysis struct {
	Contract Contract
	Clauses  []Clause
	Findings []decision.Finding
}

// Head identifies the tip of a clause's decision log.
type Head struct {
	Version       int
	LastID        string
	LastCreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
