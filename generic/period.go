package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Fiscal year boundaries
// =============================================================================

// Period is an inclusive date range [Start, End].
//
// Examples:
//   - Calendar year 2025: Jan 1 - Dec 31
//   - Fiscal year 2025 (April start): Apr 1 2025 - Mar 31 2026
type Period struct {
	Start TimePoint `json:"start"`
	End   TimePoint `json:"end"`
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Validate rejects periods whose end precedes their start.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() || p.End.Before(p.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

// Length is the number of days in the period, both ends included.
func (p Period) Length() int {
	return DaysBetween(p.Start, p.End) + 1
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// FISCAL CALENDAR - Which fiscal year a date falls into
// =============================================================================

// FiscalCalendar maps dates to fiscal years. A fiscal year is labelled by the
// calendar year in which it starts, so with an April start FY2024 runs from
// 2024-04-01 to 2025-03-31. StartMonth January gives calendar years.
type FiscalCalendar struct {
	StartMonth time.Month
}

// NewFiscalCalendar returns a calendar starting on the first of startMonth.
func NewFiscalCalendar(startMonth time.Month) FiscalCalendar {
	if startMonth < time.January || startMonth > time.December {
		startMonth = time.April
	}
	return FiscalCalendar{StartMonth: startMonth}
}

// Year returns the period of fiscal year fy.
func (c FiscalCalendar) Year(fy int) Period {
	start := NewTimePoint(fy, c.startMonth(), 1)
	return Period{Start: start, End: start.AddMonths(12).AddDays(-1)}
}

// YearOf returns the label of the fiscal year containing date.
func (c FiscalCalendar) YearOf(date TimePoint) int {
	if date.Month() < c.startMonth() {
		return date.Year() - 1
	}
	return date.Year()
}

// PeriodFor returns the fiscal year period containing date.
func (c FiscalCalendar) PeriodFor(date TimePoint) Period {
	return c.Year(c.YearOf(date))
}

// LastEndedBefore returns the most recent fiscal year end strictly before date.
func (c FiscalCalendar) LastEndedBefore(date TimePoint) TimePoint {
	return c.PeriodFor(date).Start.AddDays(-1)
}

func (c FiscalCalendar) startMonth() time.Month {
	if c.StartMonth == 0 {
		return time.April
	}
	return c.StartMonth
}
