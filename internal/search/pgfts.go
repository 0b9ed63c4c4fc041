package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the
// generated decisions.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit, offset := normalizeLimits(q)

	const where = `
		FROM decisions d
		JOIN clauses c ON c.id = d.clause_id
		WHERE c.contract_id = $1 AND d.fts @@ plainto_tsquery('english', $2)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*)`+where, q.ContractID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, c.contract_id, d.clause_id, coalesce(d.finding_id, ''), d.action_type, d.actor_id,
			ts_headline('english', d.search_text, plainto_tsquery('english', $2),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			d.created_at
		%s
		ORDER BY ts_rank(d.fts, plainto_tsquery('english', $2)) DESC, d.created_at DESC, d.seq DESC
		LIMIT %d OFFSET %d`, where, limit, offset), q.ContractID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DecisionID, &r.ContractID, &r.ClauseID, &r.FindingID, &r.ActionType, &r.ActorID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all decisions for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DecisionRecord, error) {
	return loadAllRecords(ctx, p.db)
}

func loadAllRecords(ctx context.Context, db *sql.DB) ([]DecisionRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT d.id, c.contract_id, d.clause_id, coalesce(d.finding_id, ''), d.action_type, d.actor_id, d.search_text, d.created_at
		FROM decisions d
		JOIN clauses c ON c.id = d.clause_id
		ORDER BY d.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	defer rows.Close()

	records := make([]DecisionRecord, 0)
	for rows.Next() {
		var (
			rec     DecisionRecord
			created time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.ContractID, &rec.ClauseID, &rec.FindingID, &rec.ActionType, &rec.ActorID, &rec.Text, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return records, nil
}
