/*
grant.go - Statutory grant calculation (Labor Standards Act, Article 39)

PURPOSE:
  Maps seniority to the number of paid leave days granted on each
  anniversary. The first grant falls six months after hire; every further
  grant falls one year after the previous one.

GRANT TABLE (fixed, exhaustive):
  Seniority   0.5y  1.5y  2.5y  3.5y  4.5y  5.5y  6.5y+
  Days          10    11    12    14    16    18    20

  20 is a ceiling. Seniority between two grant points maps to the most
  recent one; before 0.5y there is no grant at all.

ANNIVERSARIES:
  Anniversary n is hire date + 6n months, computed from the hire date each
  time so month-end clamping never drifts (hired 08-31: 02-28, 08-31,
  02-28, ...). The anniversary date is the tranche key that makes grant
  issuance idempotent.

SEE ALSO:
  - ledger.go: IssueGrant turns a GrantResult into a tranche
*/
package paidleave

import (
	"fmt"

	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// GRANT RESULT
// =============================================================================

type GrantStatus string

const (
	GrantDue   GrantStatus = "grant_due"
	NoGrantYet GrantStatus = "no_grant_yet"
)

// GrantResult is the entitlement in force at a date.
type GrantResult struct {
	Status GrantStatus

	// Days granted at Anniversary. Zero when Status is NoGrantYet.
	Days generic.Amount

	// Anniversary is the date of the most recent grant event on or before
	// the as-of date.
	Anniversary generic.TimePoint

	// SeniorityHalfYears is the seniority at Anniversary (1 = 0.5y, 3 = 1.5y, ...).
	SeniorityHalfYears int
}

// ExpiresOn returns the date the granted days lapse.
func (g GrantResult) ExpiresOn() generic.TimePoint {
	return g.Anniversary.AddYears(TrancheLifetimeYears)
}

// TrancheLifetimeYears is how long granted days stay usable.
const TrancheLifetimeYears = 2

// grantTable maps seniority in half-years to days. Grant points fall on odd
// half-years; the last row is the ceiling.
var grantTable = []struct {
	halfYears int
	days      int
}{
	{1, 10},
	{3, 11},
	{5, 12},
	{7, 14},
	{9, 16},
	{11, 18},
	{13, 20},
}

// DaysForSeniority returns the table entry for a grant point.
func DaysForSeniority(halfYears int) generic.Amount {
	days := 0
	for _, row := range grantTable {
		if halfYears >= row.halfYears {
			days = row.days
		}
	}
	return generic.NewDaysFromInt(days)
}

// =============================================================================
// GRANT CALCULATION
// =============================================================================

// CompletedHalfYears counts whole six-month periods from hire to asOf.
func CompletedHalfYears(hireDate, asOfDate generic.TimePoint) int {
	n := 0
	for Anniversary(hireDate, n+1).BeforeOrEqual(asOfDate) {
		n++
	}
	return n
}

// Anniversary returns hire date + 6*halfYears months.
func Anniversary(hireDate generic.TimePoint, halfYears int) generic.TimePoint {
	return hireDate.AddMonths(6 * halfYears)
}

// ComputeGrant returns the grant in force at asOfDate for an employee hired
// on hireDate. It is pure: no I/O, no side effects.
func ComputeGrant(hireDate, asOfDate generic.TimePoint) (GrantResult, error) {
	if err := validateGrantDates(hireDate, asOfDate); err != nil {
		return GrantResult{}, err
	}

	halfYears := CompletedHalfYears(hireDate, asOfDate)
	if halfYears < 1 {
		return GrantResult{Status: NoGrantYet, Days: generic.ZeroDays()}, nil
	}

	// Grant points are 1, 3, 5, ... half-years.
	point := halfYears
	if point%2 == 0 {
		point--
	}

	return GrantResult{
		Status:             GrantDue,
		Days:               DaysForSeniority(point),
		Anniversary:        Anniversary(hireDate, point),
		SeniorityHalfYears: point,
	}, nil
}

// GrantSchedule lists every grant event from hire up to and including
// through, oldest first.
func GrantSchedule(hireDate, through generic.TimePoint) ([]GrantResult, error) {
	if err := validateGrantDates(hireDate, through); err != nil {
		return nil, err
	}

	var out []GrantResult
	for point := 1; ; point += 2 {
		anniversary := Anniversary(hireDate, point)
		if anniversary.After(through) {
			break
		}
		out = append(out, GrantResult{
			Status:             GrantDue,
			Days:               DaysForSeniority(point),
			Anniversary:        anniversary,
			SeniorityHalfYears: point,
		})
	}
	return out, nil
}

func validateGrantDates(hireDate, asOfDate generic.TimePoint) error {
	if hireDate.IsZero() {
		return fmt.Errorf("%w: hire date is required", generic.ErrInvalidDateRange)
	}
	if asOfDate.IsZero() {
		return fmt.Errorf("%w: as-of date is required", generic.ErrInvalidDateRange)
	}
	if asOfDate.Before(hireDate) {
		return fmt.Errorf("%w: as-of date %s is before hire date %s", generic.ErrInvalidDateRange, asOfDate, hireDate)
	}
	return nil
}
