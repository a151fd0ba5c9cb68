/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Business rejections are ordinary return values, not panics: a request
  for more leave than is available is an expected outcome.

ERROR CATEGORIES:
  1. Client errors - Business rule rejections (granularity, balance, dates)
  2. Integrity errors - Audit chain tampering; never fixed by retrying
  3. Not found - Missing employees or usage events
  4. Store errors - Propagated unmodified (wrapped with context only)

USAGE:
  if errors.Is(err, generic.ErrInsufficientBalance) {
      var ib *generic.InsufficientBalanceError
      errors.As(err, &ib)
      fmt.Println(ib.Shortfall)
  }

SEE ALSO:
  - paidleave/ledger.go: Returns most of these
  - audit/trail.go: Returns TamperDetectedError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidDateRange is returned for malformed or impossible dates:
	// zero hire dates, as-of dates before hire, or a use date before any
	// tranche was granted.
	ErrInvalidDateRange = errors.New("invalid date range")

	// ErrInvalidGranularity is returned when an amount is not a positive
	// multiple of half a day. Checked before any tranche is read.
	ErrInvalidGranularity = errors.New("invalid granularity: amount must be a positive multiple of 0.5 days")

	// ErrInsufficientBalance is returned when a deduction exceeds the usable
	// balance. Nothing is committed.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTamperDetected is returned when the audit chain does not verify.
	ErrTamperDetected = errors.New("audit chain tamper detected")

	// ErrDuplicateRequest is returned when a source request id was already
	// consumed. Safe to treat as "already processed" on retries.
	ErrDuplicateRequest = errors.New("duplicate source request")

	// ErrDuplicateGrant is returned by stores when a tranche already exists
	// for the same employee and grant date.
	ErrDuplicateGrant = errors.New("duplicate grant for anniversary")

	// ErrDuplicateSequence is returned when an audit sequence number is
	// already taken, typically a concurrent writer on a shared database.
	ErrDuplicateSequence = errors.New("duplicate audit sequence")

	// ErrUsageNotFound is returned when a usage event id does not exist.
	ErrUsageNotFound = errors.New("usage event not found")

	// ErrAlreadyReversed is returned when reversing a usage event twice.
	ErrAlreadyReversed = errors.New("usage event already reversed")

	// ErrInvalidReversal is returned when reversing a reversal.
	ErrInvalidReversal = errors.New("reversal events cannot be reversed")

	// ErrEmployeeNotFound is returned when the directory has no such employee.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrEmployeeInactive is returned when granting to an inactive employee.
	ErrEmployeeInactive = errors.New("employee is not active")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrSignatureMismatch is returned when a certificate body no longer
	// matches its integrity signature.
	ErrSignatureMismatch = errors.New("certificate signature mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EmployeeID EmployeeID
	UseDate    TimePoint
	Available  Amount
	Requested  Amount
	Shortfall  Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s on %s: available %s days, requested %s days, shortfall %s days",
		e.EmployeeID, e.UseDate, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TamperDetectedError reports the first sequence number whose stored hash
// does not match the recomputed one.
type TamperDetectedError struct {
	Seq    uint64
	Reason string
}

func (e *TamperDetectedError) Error() string {
	return fmt.Sprintf("audit chain tamper detected at sequence %d: %s", e.Seq, e.Reason)
}

func (e *TamperDetectedError) Unwrap() error {
	return ErrTamperDetected
}

// CorruptAuditError is returned by stores for an audit row that was read but
// whose fields no longer decode.
type CorruptAuditError struct {
	Seq uint64
	Err error
}

func (e *CorruptAuditError) Error() string {
	return fmt.Sprintf("audit event %d is undecodable: %v", e.Seq, e.Err)
}

func (e *CorruptAuditError) Unwrap() []error {
	return []error{ErrTamperDetected, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a business rejection of the
// caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidGranularity) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInvalidReversal) ||
		errors.Is(err, ErrEmployeeInactive) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsIntegrityError returns true for failures that need manual investigation.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrTamperDetected) || errors.Is(err, ErrSignatureMismatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrUsageNotFound)
}
