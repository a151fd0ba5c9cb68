/*
Package sqlite provides a database/sql implementation of the ledger and
audit stores.

PURPOSE:
  Implements generic.TxStore and the employee directory on SQLite. The same
  schema and queries run on PostgreSQL through lib/pq; only the placeholder
  style and the unique-violation error type differ, and both are handled
  here.

INTERFACES IMPLEMENTED:
  generic.TxStore:             Tranches, transactions, usage, audit chain
  paidleave.EmployeeDirectory: Hire date and employment status lookups

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on tranches, transactions,
    usage_events or audit_events
  - Remaining balances are replayed from transactions on every load
  - Corrections are reversal usage events
  The employees table is master data and is upserted.

KEY TABLES:
  tranches:     One row per grant; unique per (employee_id, granted_on)
  transactions: Immutable ledger of all tranche balance changes
  usage_events: Consumptions and reversals with their allocation
  audit_events: Hash chain, sequence is the primary key
  employees:    Directory records

INDEXES:
  - idx_transactions_employee_date: Tranche replay (hot path)
  - idx_usage_source_request: One consumption per source request
  - idx_usage_reverses: One reversal per usage event
  - idx_audit_employee: Per-employee verification ranges

CONCURRENCY:
  SQLite runs on a single connection guarded by sync.RWMutex, so WithTx
  serializes writers and the audit sequence cannot race. On PostgreSQL two
  writers can read the same chain head; the primary key on
  audit_events.sequence rejects the second one with ErrDuplicateSequence
  and the ledger retries.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := paidleave.NewLedger(store, nil, paidleave.WithDirectory(store))

MIGRATION:
  Schema is auto-migrated on open. For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/leave-ledger/generic"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store implements all storage interfaces on database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and a single
	// writer keeps the audit sequence strictly ordered.
	db.SetMaxOpenConns(1)

	return open(db, dialectSQLite)
}

// NewPostgres opens a PostgreSQL store from a lib/pq connection string.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db, dialectPostgres)
}

func open(db *sql.DB, d dialect) (*Store, error) {
	store := &Store{db: db, dialect: d}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tranches (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			granted_on TEXT NOT NULL,
			expires_on TEXT NOT NULL,
			days_granted TEXT NOT NULL,
			seniority INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(employee_id, granted_on)
		)`,

		// Transactions (append-only ledger)
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			tranche_id TEXT NOT NULL REFERENCES tranches(id),
			effective_at TEXT NOT NULL,
			delta TEXT NOT NULL,
			tx_type TEXT NOT NULL,
			reference_id TEXT,
			reason TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_employee_date
			ON transactions(employee_id, effective_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_tranche
			ON transactions(tranche_id)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			use_date TEXT NOT NULL,
			days_used TEXT NOT NULL,
			source_request_id TEXT,
			kind TEXT NOT NULL,
			reverses TEXT,
			reason TEXT,
			allocation_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_employee_date
			ON usage_events(employee_id, use_date)`,
		// A source request is consumed at most once
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_source_request
			ON usage_events(source_request_id)
			WHERE kind = 'consumption' AND source_request_id IS NOT NULL`,
		// A usage event is reversed at most once
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_reverses
			ON usage_events(reverses)
			WHERE kind = 'reversal'`,

		// Audit chain
		`CREATE TABLE IF NOT EXISTS audit_events (
			sequence BIGINT PRIMARY KEY,
			event_type TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			before_json TEXT NOT NULL,
			after_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_employee
			ON audit_events(employee_id, sequence)`,

		// Employees (directory)
		`CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hire_date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERY PLUMBING
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to the store's placeholder dialect.
type conn struct {
	q       querier
	dialect dialect
}

func (s *Store) conn() conn { return conn{q: s.db, dialect: s.dialect} }

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind rewrites ? placeholders to $1, $2... for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANCHES
// =============================================================================

// AppendTranche writes a tranche header.
func (s *Store) AppendTranche(ctx context.Context, t generic.Tranche) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn().appendTranche(ctx, t)
}

func (c conn) appendTranche(ctx context.Context, t generic.Tranche) error {
	query := `
		INSERT INTO tranches
		(id, employee_id, granted_on, expires_on, days_granted, seniority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.exec(ctx, query,
		t.ID,
		t.EmployeeID,
		t.GrantedOn.String(),
		t.ExpiresOn.String(),
		t.DaysGranted.String(),
		t.Seniority,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateGrant
		}
		return fmt.Errorf("failed to append tranche: %w", err)
	}
	return nil
}

// LoadTranches returns the employee's tranches with DaysRemaining replayed.
func (s *Store) LoadTranches(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().loadTranches(ctx, employeeID)
}

func (c conn) loadTranches(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	query := `
		SELECT id, employee_id, granted_on, expires_on, days_granted, seniority, created_at
		FROM tranches
		WHERE employee_id = ?
		ORDER BY granted_on ASC
	`

	rows, err := c.query(ctx, query, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tranches: %w", err)
	}
	defer rows.Close()

	var tranches []generic.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, err
		}
		tranches = append(tranches, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tranches) == 0 {
		return nil, nil
	}

	txs, err := c.loadTransactions(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	remaining := generic.RemainingByTranche(txs)
	for i := range tranches {
		if r, ok := remaining[tranches[i].ID]; ok {
			tranches[i].DaysRemaining = r
		} else {
			tranches[i].DaysRemaining = generic.ZeroDays()
		}
	}
	return tranches, nil
}

func scanTranche(row scanner) (generic.Tranche, error) {
	var (
		t           generic.Tranche
		grantedOn   string
		expiresOn   string
		daysGranted string
		createdAt   string
	)

	err := row.Scan(&t.ID, &t.EmployeeID, &grantedOn, &expiresOn, &daysGranted, &t.Seniority, &createdAt)
	if err != nil {
		return t, fmt.Errorf("failed to scan tranche: %w", err)
	}

	if t.GrantedOn, err = generic.ParseDate(grantedOn); err != nil {
		return t, err
	}
	if t.ExpiresOn, err = generic.ParseDate(expiresOn); err != nil {
		return t, err
	}
	if t.DaysGranted, err = generic.ParseDays(daysGranted); err != nil {
		return t, err
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AppendTransactions writes ledger entries in one database transaction.
func (s *Store) AppendTransactions(ctx context.Context, txs []generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := (conn{q: sqlTx, dialect: s.dialect}).appendTransactions(ctx, txs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (c conn) appendTransactions(ctx context.Context, txs []generic.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, employee_id, tranche_id, effective_at, delta, tx_type, reference_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, tx := range txs {
		_, err := c.exec(ctx, query,
			tx.ID,
			tx.EmployeeID,
			tx.TrancheID,
			tx.EffectiveAt.String(),
			tx.Delta.String(),
			tx.Type,
			nullString(tx.ReferenceID),
			nullString(tx.Reason),
			formatTime(tx.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction %s: %w", tx.ID, err)
		}
	}
	return nil
}

// LoadTransactions returns the employee's ledger entries chronologically.
func (s *Store) LoadTransactions(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().loadTransactions(ctx, employeeID)
}

func (c conn) loadTransactions(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	query := `
		SELECT id, employee_id, tranche_id, effective_at, delta, tx_type, reference_id, reason, created_at
		FROM transactions
		WHERE employee_id = ?
		ORDER BY effective_at ASC, created_at ASC, id ASC
	`

	rows, err := c.query(ctx, query, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (generic.Transaction, error) {
	var (
		tx          generic.Transaction
		effectiveAt string
		delta       string
		referenceID sql.NullString
		reason      sql.NullString
		createdAt   string
	)

	err := row.Scan(
		&tx.ID, &tx.EmployeeID, &tx.TrancheID, &effectiveAt, &delta,
		&tx.Type, &referenceID, &reason, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.EffectiveAt, err = generic.ParseDate(effectiveAt); err != nil {
		return tx, err
	}
	if tx.Delta, err = generic.ParseDays(delta); err != nil {
		return tx, err
	}
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// USAGE EVENTS
// =============================================================================

type allocationRow struct {
	TrancheID generic.TrancheID `json:"tranche_id"`
	Amount    generic.Amount    `json:"amount"`
}

// AppendUsage writes a usage event.
func (s *Store) AppendUsage(ctx context.Context, u generic.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn().appendUsage(ctx, u)
}

func (c conn) appendUsage(ctx context.Context, u generic.UsageEvent) error {
	rows := make([]allocationRow, len(u.Allocation))
	for i, a := range u.Allocation {
		rows[i] = allocationRow{TrancheID: a.TrancheID, Amount: a.Amount}
	}
	allocationJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode allocation: %w", err)
	}

	// Only consumptions are keyed by source request.
	sourceRequest := sql.NullString{}
	if u.Kind == generic.UsageConsumption {
		sourceRequest = nullString(u.SourceRequestID)
	}

	query := `
		INSERT INTO usage_events
		(id, employee_id, use_date, days_used, source_request_id, kind, reverses, reason, allocation_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.exec(ctx, query,
		u.ID,
		u.EmployeeID,
		u.UseDate.String(),
		u.DaysUsed.String(),
		sourceRequest,
		u.Kind,
		nullString(string(u.Reverses)),
		nullString(u.Reason),
		string(allocationJSON),
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if u.Kind == generic.UsageReversal {
				return generic.ErrAlreadyReversed
			}
			return generic.ErrDuplicateRequest
		}
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

const usageColumns = `id, employee_id, use_date, days_used, source_request_id, kind, reverses, reason, allocation_json, created_at`

// LoadUsage returns usage events with UseDate in [from, to].
func (s *Store) LoadUsage(ctx context.Context, employeeID generic.EmployeeID, from, to generic.TimePoint) ([]generic.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().loadUsage(ctx, employeeID, from, to)
}

func (c conn) loadUsage(ctx context.Context, employeeID generic.EmployeeID, from, to generic.TimePoint) ([]generic.UsageEvent, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM usage_events
		WHERE employee_id = ? AND use_date >= ? AND use_date <= ?
		ORDER BY use_date ASC, created_at ASC
	`

	rows, err := c.query(ctx, query, employeeID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var events []generic.UsageEvent
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, u)
	}
	return events, rows.Err()
}

// GetUsage returns one usage event or ErrUsageNotFound.
func (s *Store) GetUsage(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().getUsage(ctx, id)
}

func (c conn) getUsage(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	row := c.queryRow(ctx, `SELECT `+usageColumns+` FROM usage_events WHERE id = ?`, id)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindReversal returns the reversal of a usage event, or nil.
func (s *Store) FindReversal(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().findReversal(ctx, id)
}

func (c conn) findReversal(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	row := c.queryRow(ctx,
		`SELECT `+usageColumns+` FROM usage_events WHERE reverses = ? AND kind = 'reversal'`,
		id,
	)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUsage(row scanner) (generic.UsageEvent, error) {
	var (
		u              generic.UsageEvent
		useDate        string
		daysUsed       string
		sourceRequest  sql.NullString
		reverses       sql.NullString
		reason         sql.NullString
		allocationJSON string
		createdAt      string
	)

	err := row.Scan(
		&u.ID, &u.EmployeeID, &useDate, &daysUsed, &sourceRequest,
		&u.Kind, &reverses, &reason, &allocationJSON, &createdAt,
	)
	if err != nil {
		// Keep sql.ErrNoRows matchable for single-row lookups.
		return u, fmt.Errorf("failed to scan usage event: %w", err)
	}

	if u.UseDate, err = generic.ParseDate(useDate); err != nil {
		return u, err
	}
	if u.DaysUsed, err = generic.ParseDays(daysUsed); err != nil {
		return u, err
	}
	u.SourceRequestID = sourceRequest.String
	u.Reverses = generic.UsageID(reverses.String)
	u.Reason = reason.String
	u.CreatedAt = parseTime(createdAt)

	var rows []allocationRow
	if err := json.Unmarshal([]byte(allocationJSON), &rows); err != nil {
		return u, fmt.Errorf("failed to decode allocation of %s: %w", u.ID, err)
	}
	u.Allocation = make([]generic.AllocationEntry, len(rows))
	for i, r := range rows {
		u.Allocation[i] = generic.AllocationEntry{TrancheID: r.TrancheID, Amount: r.Amount}
	}
	return u, nil
}

// ListLedgerEmployees returns every employee that holds a tranche.
func (s *Store) ListLedgerEmployees(ctx context.Context) ([]generic.EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().listLedgerEmployees(ctx)
}

func (c conn) listLedgerEmployees(ctx context.Context) ([]generic.EmployeeID, error) {
	rows, err := c.query(ctx, `SELECT DISTINCT employee_id FROM tranches ORDER BY employee_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger employees: %w", err)
	}
	defer rows.Close()

	var ids []generic.EmployeeID
	for rows.Next() {
		var id generic.EmployeeID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// AUDIT STORE
// =============================================================================

type snapshotRow struct {
	TrancheID     generic.TrancheID `json:"tranche_id"`
	GrantedOn     generic.TimePoint `json:"granted_on"`
	ExpiresOn     generic.TimePoint `json:"expires_on"`
	DaysGranted   generic.Amount    `json:"days_granted"`
	DaysRemaining generic.Amount    `json:"days_remaining"`
}

func encodeSnapshots(snaps []generic.TrancheSnapshot) (string, error) {
	rows := make([]snapshotRow, len(snaps))
	for i, s := range snaps {
		rows[i] = snapshotRow(s)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(data), nil
}

func decodeSnapshots(data string) ([]generic.TrancheSnapshot, error) {
	var rows []snapshotRow
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snaps := make([]generic.TrancheSnapshot, len(rows))
	for i, r := range rows {
		snaps[i] = generic.TrancheSnapshot(r)
	}
	return snaps, nil
}

// AppendAudit writes a fully computed audit event.
func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn().appendAudit(ctx, e)
}

func (c conn) appendAudit(ctx context.Context, e generic.AuditEvent) error {
	before, err := encodeSnapshots(e.Before)
	if err != nil {
		return err
	}
	after, err := encodeSnapshots(e.After)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_events
		(sequence, event_type, employee_id, reference_id, amount, before_json, after_json, recorded_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.exec(ctx, query,
		int64(e.Sequence),
		e.Type,
		e.EmployeeID,
		e.ReferenceID,
		e.Amount.String(),
		before,
		after,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
		e.Hash,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateSequence
		}
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

const auditColumns = `sequence, event_type, employee_id, reference_id, amount, before_json, after_json, recorded_at, prev_hash, hash`

// LastAudit returns the chain head, or nil for an empty chain.
func (s *Store) LastAudit(ctx context.Context) (*generic.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().lastAudit(ctx)
}

func (c conn) lastAudit(ctx context.Context) (*generic.AuditEvent, error) {
	row := c.queryRow(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	return scanOptionalAudit(row)
}

// GetAudit returns the event at seq, or nil.
func (s *Store) GetAudit(ctx context.Context, seq uint64) (*generic.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().getAudit(ctx, seq)
}

func (c conn) getAudit(ctx context.Context, seq uint64) (*generic.AuditEvent, error) {
	row := c.queryRow(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE sequence = ?`, int64(seq))
	return scanOptionalAudit(row)
}

// QueryAudit returns events matching the filter ordered by sequence.
func (s *Store) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().queryAudit(ctx, f)
}

func (c conn) queryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.FromSeq > 0 {
		where = append(where, "sequence >= ?")
		args = append(args, int64(f.FromSeq))
	}
	if f.ToSeq > 0 {
		where = append(where, "sequence <= ?")
		args = append(args, int64(f.ToSeq))
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []generic.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AuditRange returns the first and last sequence recorded for an employee.
func (s *Store) AuditRange(ctx context.Context, employeeID generic.EmployeeID) (uint64, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conn().auditRange(ctx, employeeID)
}

func (c conn) auditRange(ctx context.Context, employeeID generic.EmployeeID) (uint64, uint64, bool, error) {
	var first, last sql.NullInt64
	err := c.queryRow(ctx,
		`SELECT MIN(sequence), MAX(sequence) FROM audit_events WHERE employee_id = ?`,
		employeeID,
	).Scan(&first, &last)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read audit range: %w", err)
	}
	if !first.Valid {
		return 0, 0, false, nil
	}
	return uint64(first.Int64), uint64(last.Int64), true, nil
}

func scanOptionalAudit(row *sql.Row) (*generic.AuditEvent, error) {
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanAudit(row scanner) (generic.AuditEvent, error) {
	var (
		e          generic.AuditEvent
		sequence   int64
		amount     string
		beforeJSON string
		afterJSON  string
		recordedAt string
	)

	err := row.Scan(
		&sequence, &e.Type, &e.EmployeeID, &e.ReferenceID, &amount,
		&beforeJSON, &afterJSON, &recordedAt, &e.PrevHash, &e.Hash,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan audit event: %w", err)
	}

	e.Sequence = uint64(sequence)
	corrupt := func(err error) (generic.AuditEvent, error) {
		return e, &generic.CorruptAuditError{Seq: e.Sequence, Err: err}
	}
	if e.Amount, err = generic.ParseDays(amount); err != nil {
		return corrupt(err)
	}
	if e.Before, err = decodeSnapshots(beforeJSON); err != nil {
		return corrupt(err)
	}
	if e.After, err = decodeSnapshots(afterJSON); err != nil {
		return corrupt(err)
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return corrupt(fmt.Errorf("parse audit timestamp: %w", err))
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Reads made
// through the store passed to fn see the transaction's own writes.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{c: conn{q: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateSequence
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	c conn
}

func (ts *txStore) AppendTranche(ctx context.Context, t generic.Tranche) error {
	return ts.c.appendTranche(ctx, t)
}

func (ts *txStore) AppendTransactions(ctx context.Context, txs []generic.Transaction) error {
	return ts.c.appendTransactions(ctx, txs)
}

func (ts *txStore) AppendUsage(ctx context.Context, u generic.UsageEvent) error {
	return ts.c.appendUsage(ctx, u)
}

func (ts *txStore) LoadTranches(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	return ts.c.loadTranches(ctx, employeeID)
}

func (ts *txStore) LoadTransactions(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	return ts.c.loadTransactions(ctx, employeeID)
}

func (ts *txStore) LoadUsage(ctx context.Context, employeeID generic.EmployeeID, from, to generic.TimePoint) ([]generic.UsageEvent, error) {
	return ts.c.loadUsage(ctx, employeeID, from, to)
}

func (ts *txStore) GetUsage(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	return ts.c.getUsage(ctx, id)
}

func (ts *txStore) FindReversal(ctx context.Context, id generic.UsageID) (*generic.UsageEvent, error) {
	return ts.c.findReversal(ctx, id)
}

func (ts *txStore) ListLedgerEmployees(ctx context.Context) ([]generic.EmployeeID, error) {
	return ts.c.listLedgerEmployees(ctx)
}

func (ts *txStore) AppendAudit(ctx context.Context, e generic.AuditEvent) error {
	return ts.c.appendAudit(ctx, e)
}

func (ts *txStore) LastAudit(ctx context.Context) (*generic.AuditEvent, error) {
	return ts.c.lastAudit(ctx)
}

func (ts *txStore) GetAudit(ctx context.Context, seq uint64) (*generic.AuditEvent, error) {
	return ts.c.getAudit(ctx, seq)
}

func (ts *txStore) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEvent, error) {
	return ts.c.queryAudit(ctx, f)
}

func (ts *txStore) AuditRange(ctx context.Context, employeeID generic.EmployeeID) (uint64, uint64, bool, error) {
	return ts.c.auditRange(ctx, employeeID)
}

// =============================================================================
// EMPLOYEE DIRECTORY
// =============================================================================

// SaveEmployee inserts or updates an employee record.
func (s *Store) SaveEmployee(ctx context.Context, emp generic.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if emp.Status == "" {
		emp.Status = generic.StatusActive
	}

	query := `
		INSERT INTO employees (id, name, hire_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hire_date = excluded.hire_date,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := formatTime(time.Now())
	_, err := s.conn().exec(ctx, query,
		emp.ID, emp.Name, emp.HireDate.String(), emp.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, id generic.EmployeeID) (*generic.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn().queryRow(ctx,
		"SELECT id, name, hire_date, status FROM employees WHERE id = ?",
		id,
	)
	emp, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

// ListEmployees returns all employees ordered by id.
func (s *Store) ListEmployees(ctx context.Context) ([]generic.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn().query(ctx, "SELECT id, name, hire_date, status FROM employees ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var employees []generic.Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// HireDate implements paidleave.EmployeeDirectory.
func (s *Store) HireDate(ctx context.Context, id generic.EmployeeID) (generic.TimePoint, error) {
	emp, err := s.GetEmployee(ctx, id)
	if err != nil {
		return generic.TimePoint{}, err
	}
	return emp.HireDate, nil
}

// EmploymentStatus implements paidleave.EmployeeDirectory.
func (s *Store) EmploymentStatus(ctx context.Context, id generic.EmployeeID) (generic.EmploymentStatus, error) {
	emp, err := s.GetEmployee(ctx, id)
	if err != nil {
		return "", err
	}
	return emp.Status, nil
}

func scanEmployee(row scanner) (generic.Employee, error) {
	var (
		emp      generic.Employee
		hireDate string
	)
	if err := row.Scan(&emp.ID, &emp.Name, &hireDate, &emp.Status); err != nil {
		return emp, fmt.Errorf("failed to scan employee: %w", err)
	}
	var err error
	if emp.HireDate, err = generic.ParseDate(hireDate); err != nil {
		return emp, err
	}
	return emp, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}
