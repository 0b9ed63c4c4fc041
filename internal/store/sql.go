package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"redline/internal/decision"
	"redline/internal/util"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore is the decision store over Postgres or SQLite. Queries are
// written with $N placeholders and rebound for SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locks   *keyedLocks
	now     func() time.Time
	newID   func() string
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		locks:   newKeyedLocks(),
		now:     time.Now,
		newID:   func() string { return util.NewID("dec") },
	}
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, DialectPostgres)
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, DialectSQLite)
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const contractColumns = `id, title, created_at, finalized_at, finalized_by`

const clauseColumns = `id, contract_id, position, title, original_text, updated_at`

const decisionColumns = `seq, id, clause_id, finding_id, actor_id, actor_name, actor_role, action_type, payload, clause_updated_at_when_loaded, created_at`

func (s *SQLStore) ImportAnalysis(ctx context.Context, analysis Analysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	contract := analysis.Contract
	var exists bool
	if err := tx.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM contracts WHERE id=$1)`), contract.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check contract %s: %w", contract.ID, err)
	}
	if exists {
		return fmt.Errorf("import contract %s: %w", contract.ID, ErrAlreadyExists)
	}

	created := contract.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	created = created.UTC().Truncate(time.Microsecond)
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO contracts (id, title, created_at) VALUES ($1, $2, $3)`),
		contract.ID, contract.Title, created); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("import contract %s: %w", contract.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert contract %s: %w", contract.ID, err)
	}

	for i, clause := range analysis.Clauses {
		updated := clause.UpdatedAt
		if updated.IsZero() {
			updated = created
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO clauses (id, contract_id, position, title, original_text, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`),
			clause.ID, contract.ID, i, clause.Title, clause.OriginalText, updated.UTC().Truncate(time.Microsecond)); err != nil {
			return fmt.Errorf("insert clause %s: %w", clause.ID, err)
		}
	}

	positions := make(map[string]int)
	for _, finding := range analysis.Findings {
		position := positions[finding.ClauseID]
		positions[finding.ClauseID] = position + 1
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO findings (id, clause_id, position, risk_level, excerpt, fallback_text, matched_rule_title)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`),
			finding.ID, finding.ClauseID, position, string(finding.RiskLevel), finding.Excerpt, finding.FallbackText, finding.MatchedRuleTitle); err != nil {
			return fmt.Errorf("insert finding %s: %w", finding.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import tx: %w", err)
	}
	return nil
}

func (s *SQLStore) GetContract(ctx context.Context, contractID string) (Contract, error) {
	contract, err := scanContract(s.db.QueryRowContext(ctx, s.q(`SELECT `+contractColumns+` FROM contracts WHERE id=$1`), contractID))
	if err != nil {
		return Contract{}, fmt.Errorf("get contract %s: %w", contractID, err)
	}
	return contract, nil
}

func (s *SQLStore) ListClauses(ctx context.Context, contractID string) ([]Clause, error) {
	return s.listClauses(ctx, s.db, contractID)
}

func (s *SQLStore) listClauses(ctx context.Context, q queryer, contractID string) ([]Clause, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT `+clauseColumns+` FROM clauses WHERE contract_id=$1 ORDER BY position ASC, id ASC`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list clauses: %w", err)
	}
	defer rows.Close()

	clauses := []Clause{}
	for rows.Next() {
		var clause Clause
		if err := rows.Scan(&clause.ID, &clause.ContractID, &clause.Position, &clause.Title, &clause.OriginalText, &clause.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan clause: %w", err)
		}
		clause.UpdatedAt = clause.UpdatedAt.UTC()
		clauses = append(clauses, clause)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clauses: %w", err)
	}
	return clauses, nil
}

func (s *SQLStore) GetClauseBaseline(ctx context.Context, clauseID string) (decision.Baseline, error) {
	return s.loadBaseline(ctx, s.db, clauseID)
}

func (s *SQLStore) loadBaseline(ctx context.Context, q queryer, clauseID string) (decision.Baseline, error) {
	var clause Clause
	err := q.QueryRowContext(ctx, s.q(`SELECT `+clauseColumns+` FROM clauses WHERE id=$1`), clauseID).
		Scan(&clause.ID, &clause.ContractID, &clause.Position, &clause.Title, &clause.OriginalText, &clause.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Baseline{}, fmt.Errorf("get clause %s: %w", clauseID, ErrNotFound)
	}
	if err != nil {
		return decision.Baseline{}, fmt.Errorf("get clause %s: %w", clauseID, err)
	}

	rows, err := q.QueryContext(ctx, s.q(`
		SELECT id, clause_id, risk_level, excerpt, fallback_text, matched_rule_title
		FROM findings
		WHERE clause_id=$1
		ORDER BY position ASC, id ASC`), clauseID)
	if err != nil {
		return decision.Baseline{}, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	findings, err := scanFindings(rows)
	if err != nil {
		return decision.Baseline{}, err
	}
	return baselineOf(clause, findings), nil
}

func (s *SQLStore) contractBaselines(ctx context.Context, q queryer, contractID string) ([]decision.Baseline, error) {
	clauses, err := s.listClauses(ctx, q, contractID)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, s.q(`
		SELECT f.id, f.clause_id, f.risk_level, f.excerpt, f.fallback_text, f.matched_rule_title
		FROM findings f
		JOIN clauses c ON c.id = f.clause_id
		WHERE c.contract_id=$1
		ORDER BY c.position ASC, f.position ASC, f.id ASC`), contractID)
	if err != nil {
		return nil, fmt.Errorf("list contract findings: %w", err)
	}
	defer rows.Close()

	findings, err := scanFindings(rows)
	if err != nil {
		return nil, err
	}
	byClause := make(map[string][]decision.Finding)
	for _, finding := range findings {
		byClause[finding.ClauseID] = append(byClause[finding.ClauseID], finding)
	}

	baselines := make([]decision.Baseline, 0, len(clauses))
	for _, clause := range clauses {
		baselines = append(baselines, baselineOf(clause, byClause[clause.ID]))
	}
	return baselines, nil
}

func baselineOf(clause Clause, findings []decision.Finding) decision.Baseline {
	if findings == nil {
		findings = []decision.Finding{}
	}
	return decision.Baseline{
		ClauseID:     clause.ID,
		ContractID:   clause.ContractID,
		OriginalText: clause.OriginalText,
		Findings:     findings,
		UpdatedAt:    clause.UpdatedAt.UTC(),
	}
}

func scanFindings(rows *sql.Rows) ([]decision.Finding, error) {
	findings := []decision.Finding{}
	for rows.Next() {
		var (
			finding decision.Finding
			risk    string
		)
		if err := rows.Scan(&finding.ID, &finding.ClauseID, &risk, &finding.Excerpt, &finding.FallbackText, &finding.MatchedRuleTitle); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		finding.RiskLevel = decision.RiskLevel(risk)
		findings = append(findings, finding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return findings, nil
}

func (s *SQLStore) ListDecisionsByClause(ctx context.Context, clauseID string) ([]decision.Decision, error) {
	return s.listDecisions(ctx, s.db, clauseID)
}

func (s *SQLStore) listDecisions(ctx context.Context, q queryer, clauseID string) ([]decision.Decision, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT `+decisionColumns+` FROM decisions WHERE clause_id=$1 ORDER BY created_at ASC, seq ASC`), clauseID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	decisions := []decision.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}

func (s *SQLStore) GetDecision(ctx context.Context, decisionID string) (decision.Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx, s.q(`SELECT `+decisionColumns+` FROM decisions WHERE id=$1`), decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Decision{}, fmt.Errorf("get decision %s: %w", decisionID, ErrNotFound)
	}
	if err != nil {
		return decision.Decision{}, fmt.Errorf("get decision %s: %w", decisionID, err)
	}
	return d, nil
}

// ClauseHead reads the tip of a clause's log outside any lock.
func (s *SQLStore) ClauseHead(ctx context.Context, clauseID string) (Head, error) {
	return s.head(ctx, s.db, clauseID)
}

func (s *SQLStore) head(ctx context.Context, q queryer, clauseID string) (Head, error) {
	var head Head
	if err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM decisions WHERE clause_id=$1`), clauseID).Scan(&head.Version); err != nil {
		return Head{}, fmt.Errorf("count decisions: %w", err)
	}
	if head.Version == 0 {
		return head, nil
	}
	err := q.QueryRowContext(ctx, s.q(`
		SELECT id, created_at FROM decisions
		WHERE clause_id=$1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`), clauseID).Scan(&head.LastID, &head.LastCreatedAt)
	if err != nil {
		return Head{}, fmt.Errorf("read decision head: %w", err)
	}
	head.LastCreatedAt = head.LastCreatedAt.UTC()
	return head, nil
}

func (s *SQLStore) appendDecision(ctx context.Context, q queryer, clauseID string, d decision.Decision) (decision.Decision, error) {
	if d.ClauseID == "" {
		d.ClauseID = clauseID
	}
	if d.ClauseID != clauseID {
		return decision.Decision{}, &decision.ValidationError{Field: "clauseId", Message: "does not match the locked clause"}
	}
	head, err := s.head(ctx, q, clauseID)
	if err != nil {
		return decision.Decision{}, err
	}
	d, err = prepareDecision(d, head, s.now(), s.newID)
	if err != nil {
		return decision.Decision{}, err
	}
	payload, _ := d.DecodePayload()

	err = q.QueryRowContext(ctx, s.q(`
		INSERT INTO decisions (
			id, clause_id, finding_id, actor_id, actor_name, actor_role, action_type,
			payload, search_text, clause_updated_at_when_loaded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`),
		d.ID, d.ClauseID, nullString(d.FindingID), d.ActorID, d.ActorName, d.ActorRole, string(d.ActionType),
		string(d.Payload), payload.SearchText(), d.ClauseUpdatedAtWhenLoaded, d.CreatedAt,
	).Scan(&d.Seq)
	if err != nil {
		return decision.Decision{}, fmt.Errorf("append decision: %w", err)
	}
	return d, nil
}

// WithClauseLock runs fn with mutations of clauseID serialized against every
// other writer of the clause and against finalization of its contract.
func (s *SQLStore) WithClauseLock(ctx context.Context, clauseID string, fn func(ClauseTx) error) error {
	var contractID string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT contract_id FROM clauses WHERE id=$1`), clauseID).Scan(&contractID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get clause %s: %w", clauseID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get clause %s: %w", clauseID, err)
	}

	unlock := s.locks.lockClause(contractID, clauseID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clause tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stateQuery := `SELECT finalized_at FROM contracts WHERE id=$1`
	if s.dialect == DialectPostgres {
		stateQuery += ` FOR SHARE`
	}
	var finalizedAt sql.NullTime
	if err := tx.QueryRowContext(ctx, s.q(stateQuery), contractID).Scan(&finalizedAt); err != nil {
		return fmt.Errorf("read contract state: %w", err)
	}
	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, clauseID); err != nil {
			return fmt.Errorf("lock clause %s: %w", clauseID, err)
		}
	}

	if err := fn(&sqlClauseTx{store: s, tx: tx, clauseID: clauseID, finalized: finalizedAt.Valid}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clause tx: %w", err)
	}
	committed = true
	return nil
}

// WithContractLock runs fn while no clause of the contract can be appended to.
func (s *SQLStore) WithContractLock(ctx context.Context, contractID string, fn func(ContractTx) error) error {
	unlock := s.locks.lockContract(contractID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin contract tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id=$1`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	contract, err := scanContract(tx.QueryRowContext(ctx, s.q(query), contractID))
	if err != nil {
		return fmt.Errorf("get contract %s: %w", contractID, err)
	}

	if err := fn(&sqlContractTx{store: s, tx: tx, contract: contract}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit contract tx: %w", err)
	}
	committed = true
	return nil
}

type sqlClauseTx struct {
	store     *SQLStore
	tx        *sql.Tx
	clauseID  string
	finalized bool
}

func (t *sqlClauseTx) Finalized() bool { return t.finalized }

func (t *sqlClauseTx) Head(ctx context.Context) (Head, error) {
	return t.store.head(ctx, t.tx, t.clauseID)
}

func (t *sqlClauseTx) ListDecisions(ctx context.Context) ([]decision.Decision, error) {
	return t.store.listDecisions(ctx, t.tx, t.clauseID)
}

func (t *sqlClauseTx) AppendDecision(ctx context.Context, d decision.Decision) (decision.Decision, error) {
	return t.store.appendDecision(ctx, t.tx, t.clauseID, d)
}

type sqlContractTx struct {
	store    *SQLStore
	tx       *sql.Tx
	contract Contract
}

func (t *sqlContractTx) Contract() Contract { return t.contract }

func (t *sqlContractTx) Clauses(ctx context.Context) ([]Clause, error) {
	return t.store.listClauses(ctx, t.tx, t.contract.ID)
}

func (t *sqlContractTx) Baselines(ctx context.Context) ([]decision.Baseline, error) {
	return t.store.contractBaselines(ctx, t.tx, t.contract.ID)
}

func (t *sqlContractTx) ListDecisions(ctx context.Context, clauseID string) ([]decision.Decision, error) {
	return t.store.listDecisions(ctx, t.tx, clauseID)
}

func (t *sqlContractTx) MarkFinalized(ctx context.Context, finalizedBy string, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)
	_, err := t.tx.ExecContext(ctx, t.store.q(`
		UPDATE contracts SET finalized_at=$2, finalized_by=$3
		WHERE id=$1 AND finalized_at IS NULL`), t.contract.ID, at, finalizedBy)
	if err != nil {
		return fmt.Errorf("finalize contract %s: %w", t.contract.ID, err)
	}
	t.contract.FinalizedAt = &at
	t.contract.FinalizedBy = finalizedBy
	return nil
}

func scanContract(row rowScanner) (Contract, error) {
	var (
		contract    Contract
		finalizedAt sql.NullTime
	)
	err := row.Scan(&contract.ID, &contract.Title, &contract.CreatedAt, &finalizedAt, &contract.FinalizedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, err
	}
	contract.CreatedAt = contract.CreatedAt.UTC()
	if finalizedAt.Valid {
		at := finalizedAt.Time.UTC()
		contract.FinalizedAt = &at
	}
	return contract, nil
}

func scanDecision(row rowScanner) (decision.Decision, error) {
	var (
		d         decision.Decision
		findingID sql.NullString
		action    string
		payload   string
	)
	err := row.Scan(&d.Seq, &d.ID, &d.ClauseID, &findingID, &d.ActorID, &d.ActorName, &d.ActorRole,
		&action, &payload, &d.ClauseUpdatedAtWhenLoaded, &d.CreatedAt)
	if err != nil {
		return decision.Decision{}, err
	}
	d.FindingID = findingID.String
	d.ActionType = decision.ActionType(action)
	d.Payload = json.RawMessage(payload)
	d.ClauseUpdatedAtWhenLoaded = d.ClauseUpdatedAtWhenLoaded.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
