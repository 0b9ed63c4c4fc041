package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SQLiteLike implements Searcher with a substring match over
// decisions.search_text for single-node SQLite deployments.
type SQLiteLike struct {
	db *sql.DB
}

func NewSQLiteLike(db *sql.DB) *SQLiteLike {
	return &SQLiteLike{db: db}
}

func (s *SQLiteLike) Healthy() bool {
	return true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLiteLike) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit, offset := normalizeLimits(q)
	pattern := "%" + likeEscaper.Replace(text) + "%"

	const where = `
		FROM decisions d
		JOIN clauses c ON c.id = d.clause_id
		WHERE c.contract_id = ?1 AND d.search_text LIKE ?2 ESCAPE '\'`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*)`+where, q.ContractID, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite search count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, c.contract_id, d.clause_id, coalesce(d.finding_id, ''), d.action_type, d.actor_id, d.search_text, d.created_at
		%s
		ORDER BY d.created_at DESC, d.seq DESC
		LIMIT %d OFFSET %d`, where, limit, offset), q.ContractID, pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r    Result
			body string
		)
		if err := rows.Scan(&r.DecisionID, &r.ContractID, &r.ClauseID, &r.FindingID, &r.ActionType, &r.ActorID, &body, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("sqlite search scan: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.Snippet = highlight(body, text, 30)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func (s *SQLiteLike) LoadAllRecords(ctx context.Context) ([]DecisionRecord, error) {
	return loadAllRecords(ctx, s.db)
}

// highlight marks the first case-insensitive occurrence of term in body and
// trims the text to radius runes around it.
func highlight(body, term string, radius int) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(term))
	if idx < 0 || len(strings.ToLower(body)) != len(body) {
		return trimRunes(body, 2*radius)
	}
	end := idx + len(term)

	start := idx
	for n := 0; n < radius && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(body[:start])
		start -= size
	}
	stop := end
	for n := 0; n < radius && stop < len(body); n++ {
		_, size := utf8.DecodeRuneInString(body[stop:])
		stop += size
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(body[start:idx])
	b.WriteString("<mark>")
	b.WriteString(body[idx:end])
	b.WriteString("</mark>")
	b.WriteString(body[end:stop])
	if stop < len(body) {
		b.WriteString("…")
	}
	return b.String()
}

func trimRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
