/*
ledger.go - Read-side views over a set of tranches

PURPOSE:
  Tranches are the source of truth for what an employee may still use.
  Every balance figure is computed from them (and they in turn are replayed
  from transactions); there is no separate "balance" field that can get
  out of sync.

CRITICAL INVARIANTS:
  1. 0 <= DaysRemaining <= DaysGranted for every tranche
  2. Expired tranches are kept for history but never counted as usable
  3. Views are pure: they never touch a store

EXAMPLE FLOW:
  1. Granted 10 days on 2023-07-01 (tranche A)
  2. Granted 11 days on 2024-07-01 (tranche B)
  3. On 2024-08-01: Live() = [A, B], TotalRemaining() = 21

SEE ALSO:
  - distribution.go: Splitting a request across tranches
  - store.go: How tranches are loaded
*/
package generic

import "sort"

// =============================================================================
// TRANCHE SET
// =============================================================================

// TrancheSet is an employee's tranches as loaded from the store.
type TrancheSet []Tranche

// SortByGrantDate orders tranches oldest first.
func (s TrancheSet) SortByGrantDate() TrancheSet {
	out := append(TrancheSet(nil), s...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GrantedOn.Before(out[j].GrantedOn)
	})
	return out
}

// Live returns tranches already granted and not yet expired at asOf.
func (s TrancheSet) Live(asOf TimePoint) TrancheSet {
	var out TrancheSet
	for _, t := range s {
		if t.GrantedOn.BeforeOrEqual(asOf) && !t.IsExpiredAt(asOf) {
			out = append(out, t)
		}
	}
	return out
}

// Eligible returns tranches that may be debited for a use on date.
func (s TrancheSet) Eligible(date TimePoint) TrancheSet {
	var out TrancheSet
	for _, t := range s {
		if t.IsEligibleOn(date) {
			out = append(out, t)
		}
	}
	return out
}

// ExpiringBy returns tranches whose expiry is on or before date and which
// still hold days.
func (s TrancheSet) ExpiringBy(date TimePoint) TrancheSet {
	var out TrancheSet
	for _, t := range s {
		if t.ExpiresOn.BeforeOrEqual(date) && t.DaysRemaining.IsPositive() {
			out = append(out, t)
		}
	}
	return out
}

// GrantedWithin returns tranches granted inside the period.
func (s TrancheSet) GrantedWithin(p Period) TrancheSet {
	var out TrancheSet
	for _, t := range s {
		if p.Contains(t.GrantedOn) {
			out = append(out, t)
		}
	}
	return out
}

// FindByGrantDate returns the tranche granted on date, if any.
func (s TrancheSet) FindByGrantDate(date TimePoint) (Tranche, bool) {
	for _, t := range s {
		if t.GrantedOn.Equal(date) {
			return t, true
		}
	}
	return Tranche{}, false
}

// ByID indexes the set.
func (s TrancheSet) ByID() map[TrancheID]Tranche {
	out := make(map[TrancheID]Tranche, len(s))
	for _, t := range s {
		out[t.ID] = t
	}
	return out
}

// TotalRemaining sums DaysRemaining.
func (s TrancheSet) TotalRemaining() Amount {
	total := ZeroDays()
	for _, t := range s {
		total = total.Add(t.DaysRemaining)
	}
	return total
}

// TotalGranted sums DaysGranted.
func (s TrancheSet) TotalGranted() Amount {
	total := ZeroDays()
	for _, t := range s {
		total = total.Add(t.DaysGranted)
	}
	return total
}

// NextExpiry returns the earliest expiry among tranches that still hold
// days at asOf.
func (s TrancheSet) NextExpiry(asOf TimePoint) (TimePoint, bool) {
	var next TimePoint
	found := false
	for _, t := range s.Live(asOf) {
		if !t.DaysRemaining.IsPositive() {
			continue
		}
		if !found || t.ExpiresOn.Before(next) {
			next = t.ExpiresOn
			found = true
		}
	}
	return next, found
}

// Snapshots captures the state of the given tranche ids, in the order given.
func (s TrancheSet) Snapshots(ids []TrancheID) []TrancheSnapshot {
	index := s.ByID()
	out := make([]TrancheSnapshot, 0, len(ids))
	for _, id := range ids {
		if t, ok := index[id]; ok {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// ApplyDeltas returns a copy of the set with the given per-tranche deltas
// added to DaysRemaining. Used to build "after" snapshots before commit.
func (s TrancheSet) ApplyDeltas(deltas map[TrancheID]Amount) TrancheSet {
	out := make(TrancheSet, len(s))
	for i, t := range s {
		if d, ok := deltas[t.ID]; ok {
			t.DaysRemaining = t.DaysRemaining.Add(d)
		}
		out[i] = t
	}
	return out
}
