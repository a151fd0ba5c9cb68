/*
Package generic provides the core primitives of the leave entitlement ledger.

PURPOSE:
  This package holds the types every other package speaks: amounts of leave,
  calendar dates, grant tranches, ledger transactions, usage events and audit
  events, together with the persistence contracts the ledger is written
  against. Statutory rules (grant tables, LIFO, the 5-day rule) live in the
  paidleave package; this package only knows how to count.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity of leave days (decimal, half-day granularity)
  - Tranche: One grant event with its own expiry
  - Transaction: An immutable ledger entry against a single tranche
  - UsageEvent: One approved consumption (or its compensating reversal)
  - AuditEvent: A hash-chained record of one ledger mutation

DESIGN PRINCIPLES:
  1. Immutability: Records are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derived balances: A tranche's remaining days are replayed from its
     transactions, never stored as a mutable column
  4. Auditability: Every mutation carries an audit event in the same commit

USAGE:
  days := generic.NewDays(2.5)
  if !days.IsHalfDayMultiple() {
      return generic.ErrInvalidGranularity
  }

SEE ALSO:
  - store.go: Persistence contracts
  - errors.go: Sentinel and structured errors
  - time.go: TimePoint
*/
package generic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Days of leave
// =============================================================================

// Amount is a quantity of leave days. The smallest legal unit is half a day.
type Amount struct {
	Value decimal.Decimal
}

var (
	halfDay = decimal.NewFromFloat(0.5)
	two     = decimal.NewFromInt(2)
)

func NewDays(value float64) Amount    { return Amount{Value: decimal.NewFromFloat(value)} }
func NewDaysFromInt(value int) Amount { return Amount{Value: decimal.NewFromInt(int64(value))} }
func ZeroDays() Amount                { return Amount{Value: decimal.Zero} }
func HalfDay() Amount                 { return Amount{Value: halfDay} }

// ParseDays parses a decimal string such as "2.5".
func ParseDays(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse days %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

// MustParseDays is ParseDays for literals; malformed input yields zero.
func MustParseDays(s string) Amount {
	a, err := ParseDays(s)
	if err != nil {
		return ZeroDays()
	}
	return a
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Float64() float64             { f, _ := a.Value.Float64(); return f }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// IsHalfDayMultiple reports whether the amount is an exact multiple of 0.5.
func (a Amount) IsHalfDayMultiple() bool {
	return a.Value.Mul(two).IsInteger()
}

// String renders the normalized decimal ("2.5", "10").
func (a Amount) String() string { return a.Value.String() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers as well.
		var f json.Number
		if err2 := json.Unmarshal(data, &f); err2 != nil {
			return err
		}
		s = f.String()
	}
	parsed, err := ParseDays(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumDays adds up a slice of amounts.
func SumDays(amounts ...Amount) Amount {
	total := ZeroDays()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type TrancheID string
type UsageID string
type TransactionID string

// =============================================================================
// EMPLOYEE - Master data supplied by the employee directory
// =============================================================================

type EmploymentStatus string

const (
	StatusActive   EmploymentStatus = "active"
	StatusInactive EmploymentStatus = "inactive"
)

// Employee is the subset of employee master data the ledger needs.
type Employee struct {
	ID       EmployeeID
	Name     string
	HireDate TimePoint
	Status   EmploymentStatus
}

// =============================================================================
// TRANCHE - One grant event
// =============================================================================

// Tranche is one discrete grant of leave days with its own expiry.
//
// The header fields are written once. DaysRemaining is derived by the store
// from the tranche's transactions every time the tranche is loaded.
type Tranche struct {
	ID            TrancheID
	EmployeeID    EmployeeID
	GrantedOn     TimePoint
	ExpiresOn     TimePoint
	DaysGranted   Amount
	DaysRemaining Amount
	Seniority     int // completed half-years at the grant anniversary
	CreatedAt     time.Time
}

// IsExpiredAt reports whether the tranche can no longer be used on date.
func (t Tranche) IsExpiredAt(date TimePoint) bool {
	return t.ExpiresOn.Before(date)
}

// IsEligibleOn reports whether the tranche may be debited for a use on date.
func (t Tranche) IsEligibleOn(date TimePoint) bool {
	return t.GrantedOn.BeforeOrEqual(date) && !t.IsExpiredAt(date) && t.DaysRemaining.IsPositive()
}

// Snapshot captures the tranche's state for an audit event.
func (t Tranche) Snapshot() TrancheSnapshot {
	return TrancheSnapshot{
		TrancheID:     t.ID,
		GrantedOn:     t.GrantedOn,
		ExpiresOn:     t.ExpiresOn,
		DaysGranted:   t.DaysGranted,
		DaysRemaining: t.DaysRemaining,
	}
}

// TrancheSnapshot is the before/after state recorded in audit events.
type TrancheSnapshot struct {
	TrancheID     TrancheID
	GrantedOn     TimePoint
	ExpiresOn     TimePoint
	DaysGranted   Amount
	DaysRemaining Amount
}

// =============================================================================
// TRANSACTION - Atomic change to one tranche
// =============================================================================

type TransactionType string

const (
	TxGrant       TransactionType = "grant"       // Tranche issued (+days_granted)
	TxConsumption TransactionType = "consumption" // Leave taken (-amount)
	TxExpiry      TransactionType = "expiry"      // Remaining balance forfeited (-remaining)
	TxReversal    TransactionType = "reversal"    // Consumption undone (+amount)
)

type Transaction struct {
	ID          TransactionID
	EmployeeID  EmployeeID
	TrancheID   TrancheID
	EffectiveAt TimePoint
	Delta       Amount
	Type        TransactionType
	ReferenceID string // usage id or tranche id that caused the entry
	Reason      string
	CreatedAt   time.Time
}

// RemainingByTranche replays transactions into per-tranche balances.
func RemainingByTranche(txs []Transaction) map[TrancheID]Amount {
	out := make(map[TrancheID]Amount)
	for _, tx := range txs {
		cur, ok := out[tx.TrancheID]
		if !ok {
			cur = ZeroDays()
		}
		out[tx.TrancheID] = cur.Add(tx.Delta)
	}
	return out
}

// =============================================================================
// USAGE EVENT - One approved consumption
// =============================================================================

type UsageKind string

const (
	UsageConsumption UsageKind = "consumption"
	UsageReversal    UsageKind = "reversal"
)

// AllocationEntry is the amount debited from (or, for reversals, credited
// back to) a single tranche.
type AllocationEntry struct {
	TrancheID TrancheID
	Amount    Amount
}

// UsageEvent records one consumption. Invariant: sum(Allocation) == DaysUsed.
type UsageEvent struct {
	ID              UsageID
	EmployeeID      EmployeeID
	UseDate         TimePoint
	DaysUsed        Amount
	SourceRequestID string
	Kind            UsageKind
	Reverses        UsageID // set on reversals only
	Reason          string
	Allocation      []AllocationEntry
	CreatedAt       time.Time
}

// AllocatedTotal sums the allocation entries.
func (u UsageEvent) AllocatedTotal() Amount {
	total := ZeroDays()
	for _, a := range u.Allocation {
		total = total.Add(a.Amount)
	}
	return total
}

// =============================================================================
// AUDIT EVENT - Hash-chained mutation record
// =============================================================================

type AuditEventType string

const (
	AuditGrant     AuditEventType = "GRANT"
	AuditDeduction AuditEventType = "DEDUCTION"
	AuditReversal  AuditEventType = "REVERSAL"
	AuditExpiry    AuditEventType = "EXPIRY"
)

// AuditEvent is one link in the global audit chain.
//
// Hash = SHA256(PrevHash bytes || canonical serialization of the other
// fields). Sequence numbers start at 1 and have no gaps.
type AuditEvent struct {
	Sequence    uint64
	Type        AuditEventType
	EmployeeID  EmployeeID
	ReferenceID string
	Amount      Amount
	Before      []TrancheSnapshot
	After       []TrancheSnapshot
	Timestamp   time.Time
	PrevHash    string
	Hash        string
}
