/*
store.go - Persistence contracts for the ledger and the audit trail

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  LedgerStore: Tranches, transactions and usage events (append-only)
  AuditStore:  The hash-chained audit log (append-only)
  Store:       Both of the above
  TxStore:     Store plus atomic multi-write units

APPEND-ONLY CONTRACT:
  There is no Update or Delete anywhere in this file. A tranche's remaining
  balance moves by appending transactions; corrections are compensating
  usage events.

ATOMICITY:
  A deduction writes a usage event, one transaction per tranche debited,
  and one audit event. WithTx guarantees all of them commit or none do, and
  that readers outside the unit never observe a partial write.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite and PostgreSQL via database/sql
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - paidleave/ledger.go: Uses LedgerStore inside WithTx
  - audit/trail.go: Uses AuditStore
*/
package generic

import "context"

// =============================================================================
// LEDGER STORE - Tranches, transactions, usage events
// =============================================================================

// LedgerStore persists the entitlement ledger.
type LedgerStore interface {
	// AppendTranche writes a tranche header. Returns ErrDuplicateGrant if the
	// employee already has a tranche granted on the same date.
	AppendTranche(ctx context.Context, t Tranche) error

	// AppendTransactions writes ledger entries.
	AppendTransactions(ctx context.Context, txs []Transaction) error

	// AppendUsage writes a usage event. Returns ErrDuplicateRequest if a
	// consumption with the same SourceRequestID exists.
	AppendUsage(ctx context.Context, u UsageEvent) error

	// LoadTranches returns all tranches for the employee ordered by
	// GrantedOn, with DaysRemaining replayed from their transactions.
	LoadTranches(ctx context.Context, employeeID EmployeeID) ([]Tranche, error)

	// LoadTransactions returns the employee's ledger entries chronologically.
	LoadTransactions(ctx context.Context, employeeID EmployeeID) ([]Transaction, error)

	// LoadUsage returns usage events with UseDate in [from, to].
	LoadUsage(ctx context.Context, employeeID EmployeeID, from, to TimePoint) ([]UsageEvent, error)

	// GetUsage returns one usage event or ErrUsageNotFound.
	GetUsage(ctx context.Context, id UsageID) (*UsageEvent, error)

	// FindReversal returns the reversal of a usage event, or nil.
	FindReversal(ctx context.Context, id UsageID) (*UsageEvent, error)

	// ListLedgerEmployees returns every employee that holds a tranche.
	ListLedgerEmployees(ctx context.Context) ([]EmployeeID, error)
}

// =============================================================================
// AUDIT STORE - Hash-chained log
// =============================================================================

// AuditFilter narrows an audit query. Zero values mean "no filter".
type AuditFilter struct {
	EmployeeID EmployeeID
	FromSeq    uint64
	ToSeq      uint64
	Types      []AuditEventType
	Limit      int
}

// AuditStore holds the audit chain. Also append-only.
type AuditStore interface {
	// AppendAudit writes an event whose Sequence, PrevHash and Hash are
	// already computed. Returns ErrDuplicateSequence if the slot is taken.
	AppendAudit(ctx context.Context, e AuditEvent) error

	// LastAudit returns the chain head, or nil for an empty chain.
	LastAudit(ctx context.Context) (*AuditEvent, error)

	// GetAudit returns the event at seq, or nil if there is none.
	GetAudit(ctx context.Context, seq uint64) (*AuditEvent, error)

	// QueryAudit returns events matching the filter ordered by Sequence.
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// AuditRange returns the first and last sequence numbers recorded for an
	// employee; ok is false if the employee has no events.
	AuditRange(ctx context.Context, employeeID EmployeeID) (first, last uint64, ok bool, err error)
}

// =============================================================================
// STORE / TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	LedgerStore
	AuditStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
