package generic

// =============================================================================
// TRANCHE DISTRIBUTOR - Splits a consumption across tranches
// =============================================================================

// Distribution describes how a request is split across tranches.
type Distribution struct {
	TotalRequested Amount
	Allocations    []AllocationEntry

	// Is the request fully satisfiable?
	IsSatisfiable bool
	Available     Amount // usable total across the candidates (after any cap)
	Shortfall     Amount // How much is missing if not satisfiable
}

// TrancheDistributor debits candidates greedily in the order given. Ordering
// is a policy decision and belongs to the caller.
type TrancheDistributor struct {
	// Cap limits the usable total across all candidates. Nil means no cap.
	Cap *Amount
}

// Distribute takes min(remaining, tranche.DaysRemaining) from each candidate
// until the request is covered. An unsatisfiable request yields no
// allocations so callers cannot commit a partial deduction by accident.
func (d TrancheDistributor) Distribute(candidates []Tranche, requested Amount) *Distribution {
	available := ZeroDays()
	for _, t := range candidates {
		if t.DaysRemaining.IsPositive() {
			available = available.Add(t.DaysRemaining)
		}
	}
	if d.Cap != nil {
		available = available.Min(*d.Cap)
	}

	if available.LessThan(requested) {
		return &Distribution{
			TotalRequested: requested,
			IsSatisfiable:  false,
			Available:      available,
			Shortfall:      requested.Sub(available),
		}
	}

	var allocations []AllocationEntry
	remaining := requested
	for _, t := range candidates {
		if remaining.IsZero() {
			break
		}
		if !t.DaysRemaining.IsPositive() {
			continue
		}

		take := remaining.Min(t.DaysRemaining)
		allocations = append(allocations, AllocationEntry{TrancheID: t.ID, Amount: take})
		remaining = remaining.Sub(take)
	}

	return &Distribution{
		TotalRequested: requested,
		Allocations:    allocations,
		IsSatisfiable:  true,
		Available:      available,
		Shortfall:      ZeroDays(),
	}
}

// Deltas converts allocations into per-tranche balance changes (negative).
func (dist *Distribution) Deltas() map[TrancheID]Amount {
	out := make(map[TrancheID]Amount, len(dist.Allocations))
	for _, a := range dist.Allocations {
		out[a.TrancheID] = a.Amount.Neg()
	}
	return out
}

// TrancheIDs lists the tranches touched, in allocation order.
func (dist *Distribution) TrancheIDs() []TrancheID {
	ids := make([]TrancheID, len(dist.Allocations))
	for i, a := range dist.Allocations {
		ids[i] = a.TrancheID
	}
	return ids
}
