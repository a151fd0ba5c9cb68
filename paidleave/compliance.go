/*
compliance.go - 5-day mandatory usage tracking

PURPOSE:
  Derives, per employee and fiscal year, whether the statutory minimum of
  5 used days has been met. Nothing here is stored; every status is
  recomputed from tranches and usage events.

STATES:
  A ComplianceStatus.Status (JSON "status") takes one of four values:
  - compliant:     days used reached the required days
  - non_compliant: the fiscal year ended short of the required days
  - at_risk:       the year is still open but close to its end, or the
                   pace so far would not reach the required days
  - on_track:      short of the required days, with time and pace enough
                   to reach them

  Callers that only need the pass/fail answer use IsCompliant, which is
  false for every state except compliant, on_track included.

SEE ALSO:
  - ledger.go: Writes the usage events read here
  - certificate/certificate.go: Reports these states per employee
*/
package paidleave

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// 5-DAY RULE
// =============================================================================

// Employees granted 10 or more days in a fiscal year must take at least 5 of
// them within that year.
var (
	MandatoryUsageThreshold = generic.NewDaysFromInt(10)
	MandatoryUsageDays      = generic.NewDaysFromInt(5)
)

// DefaultAtRiskDays is how close to fiscal year end an unmet requirement
// turns at_risk.
const DefaultAtRiskDays = 60

type ComplianceState string

const (
	StateCompliant    ComplianceState = "compliant"
	StateAtRisk       ComplianceState = "at_risk"
	StateNonCompliant ComplianceState = "non_compliant"

	// StateOnTrack: requirement not met yet, but the year is young enough
	// and the pace sufficient to meet it.
	StateOnTrack ComplianceState = "on_track"
)

// ComplianceStatus is derived on demand and never stored.
type ComplianceStatus struct {
	EmployeeID   generic.EmployeeID `json:"employee_id"`
	FiscalYear   int                `json:"fiscal_year"`
	Period       generic.Period     `json:"period"`
	DaysGranted  generic.Amount     `json:"days_granted"`
	DaysUsed     generic.Amount     `json:"days_used_this_year"`
	RequiredDays generic.Amount     `json:"required_days"`
	Deficit      generic.Amount     `json:"deficit"`
	DaysLeft     int                `json:"days_left_in_year"`
	Status       ComplianceState    `json:"status"`
}

// IsCompliant reports whether the requirement is met.
func (s ComplianceStatus) IsCompliant() bool {
	return s.Status == StateCompliant
}

// ComplianceTracker evaluates the 5-day rule from ledger data. It only reads.
type ComplianceTracker struct {
	store      generic.LedgerStore
	calendar   generic.FiscalCalendar
	atRiskDays int
	clock      func() time.Time
}

type ComplianceOption func(*ComplianceTracker)

func WithFiscalCalendar(c generic.FiscalCalendar) ComplianceOption {
	return func(t *ComplianceTracker) {
		t.calendar = c
	}
}

func WithAtRiskDays(n int) ComplianceOption {
	return func(t *ComplianceTracker) {
		if n > 0 {
			t.atRiskDays = n
		}
	}
}

// WithComplianceClock sets what "today" is.
func WithComplianceClock(clock func() time.Time) ComplianceOption {
	return func(t *ComplianceTracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func NewComplianceTracker(store generic.LedgerStore, opts ...ComplianceOption) *ComplianceTracker {
	t := &ComplianceTracker{
		store:      store,
		calendar:   generic.NewFiscalCalendar(time.April),
		atRiskDays: DefaultAtRiskDays,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Calendar returns the fiscal calendar in use.
func (t *ComplianceTracker) Calendar() generic.FiscalCalendar {
	return t.calendar
}

// Evaluate computes the status of one employee for one fiscal year.
//
//   - compliant:     used >= required (always so when required is 0)
//   - non_compliant: the year has ended short of required
//   - at_risk:       fewer than atRiskDays left, or, once atRiskDays of the
//     year have passed, the average pace so far would not close the gap
//   - on_track:      short of required but neither of the above
func (t *ComplianceTracker) Evaluate(ctx context.Context, employeeID generic.EmployeeID, fiscalYear int) (ComplianceStatus, error) {
	period := t.calendar.Year(fiscalYear)

	tranches, err := t.store.LoadTranches(ctx, employeeID)
	if err != nil {
		return ComplianceStatus{}, fmt.Errorf("load tranches: %w", err)
	}
	usage, err := t.store.LoadUsage(ctx, employeeID, period.Start, period.End)
	if err != nil {
		return ComplianceStatus{}, fmt.Errorf("load usage: %w", err)
	}

	granted := generic.TrancheSet(tranches).GrantedWithin(period).TotalGranted()
	used := generic.ZeroDays()
	for _, u := range usage {
		used = used.Add(u.DaysUsed)
	}

	required := generic.ZeroDays()
	if granted.GreaterOrEqual(MandatoryUsageThreshold) {
		required = MandatoryUsageDays
	}

	today := generic.DateOf(t.clock())
	status := ComplianceStatus{
		EmployeeID:   employeeID,
		FiscalYear:   fiscalYear,
		Period:       period,
		DaysGranted:  granted,
		DaysUsed:     used,
		RequiredDays: required,
		Deficit:      required.Sub(used).Max(generic.ZeroDays()),
		DaysLeft:     daysLeft(period, today),
	}
	status.Status = t.classify(status, today)
	return status, nil
}

func (t *ComplianceTracker) classify(s ComplianceStatus, today generic.TimePoint) ComplianceState {
	if s.DaysUsed.GreaterOrEqual(s.RequiredDays) {
		return StateCompliant
	}
	if today.After(s.Period.End) {
		return StateNonCompliant
	}
	if s.DaysLeft < t.atRiskDays {
		return StateAtRisk
	}

	elapsed := generic.DaysBetween(s.Period.Start, today) + 1
	if elapsed < t.atRiskDays {
		return StateOnTrack
	}

	// used/elapsed days per day, projected over what is left
	pace := s.DaysUsed.Value.Div(generic.NewDaysFromInt(elapsed).Value)
	projected := s.DaysUsed.Value.Add(pace.Mul(generic.NewDaysFromInt(s.DaysLeft).Value))
	if projected.LessThan(s.RequiredDays.Value) {
		return StateAtRisk
	}
	return StateOnTrack
}

// daysLeft counts the days after today up to and including the period end.
func daysLeft(p generic.Period, today generic.TimePoint) int {
	if today.After(p.End) {
		return 0
	}
	if today.Before(p.Start) {
		return p.Length()
	}
	return generic.DaysBetween(today, p.End)
}
