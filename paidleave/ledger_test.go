package paidleave_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/generic/store"
	"github.com/warp/leave-ledger/paidleave"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestLedger(t *testing.T, opts ...paidleave.Option) (*paidleave.Ledger, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	opts = append([]paidleave.Option{paidleave.WithLogger(quietLogger)}, opts...)
	return paidleave.NewLedger(mem, nil, opts...), mem
}

// grantAB issues the two tranches used by the LIFO scenarios:
// A granted 2023-07-01 (10 days), B granted 2024-07-01 (11 days).
func grantAB(t *testing.T, ledger *paidleave.Ledger) (a, b generic.TrancheID) {
	t.Helper()
	ctx := context.Background()
	hire := d(2023, 1, 1)

	outA, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", hire, d(2023, 7, 1))
	require.NoError(t, err)
	require.True(t, outA.Created)

	outB, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", hire, d(2024, 7, 1))
	require.NoError(t, err)
	require.True(t, outB.Created)

	return outA.Tranche.ID, outB.Tranche.ID
}

func remaining(t *testing.T, ledger *paidleave.Ledger) map[generic.TrancheID]generic.Amount {
	t.Helper()
	tranches, err := ledger.Tranches(context.Background(), "emp-1")
	require.NoError(t, err)
	out := make(map[generic.TrancheID]generic.Amount, len(tranches))
	for _, tr := range tranches {
		out[tr.ID] = tr.DaysRemaining
	}
	return out
}

func deduct(ledger *paidleave.Ledger, on generic.TimePoint, n string, requestID string) (*generic.UsageEvent, error) {
	return ledger.Deduct(context.Background(), paidleave.DeductRequest{
		EmployeeID:      "emp-1",
		UseDate:         on,
		Days:            days(n),
		SourceRequestID: requestID,
	})
}

// =============================================================================
// LIFO DEDUCTION
// =============================================================================

func TestDeduct_Scenario2_NewestTrancheFirst(t *testing.T) {
	// GIVEN: Tranche A (2023-07-01, 10d) and B (2024-07-01, 11d)
	// WHEN: Deducting 5 days on 2024-08-01
	// THEN: Allocation is [{B, 5}] and A is untouched

	ledger, _ := newTestLedger(t)
	a, b := grantAB(t, ledger)

	usage, err := deduct(ledger, d(2024, 8, 1), "5", "req-1")
	require.NoError(t, err)

	require.Len(t, usage.Allocation, 1)
	assert.Equal(t, b, usage.Allocation[0].TrancheID)
	assert.True(t, usage.Allocation[0].Amount.Equal(days("5")))

	left := remaining(t, ledger)
	assert.True(t, left[a].Equal(days("10")), "A untouched, got %s", left[a])
	assert.True(t, left[b].Equal(days("6")), "B=6, got %s", left[b])
}

func TestDeduct_Scenario3_SpillsIntoOlderTranche(t *testing.T) {
	// GIVEN: Scenario 2 already applied (B has 6 left)
	// WHEN: Deducting 9 more days
	// THEN: Allocation is [{B, 6}, {A, 3}]

	ledger, _ := newTestLedger(t)
	a, b := grantAB(t, ledger)

	_, err := deduct(ledger, d(2024, 8, 1), "5", "req-1")
	require.NoError(t, err)

	usage, err := deduct(ledger, d(2024, 8, 2), "9", "req-2")
	require.NoError(t, err)

	require.Len(t, usage.Allocation, 2)
	assert.Equal(t, b, usage.Allocation[0].TrancheID)
	assert.True(t, usage.Allocation[0].Amount.Equal(days("6")))
	assert.Equal(t, a, usage.Allocation[1].TrancheID)
	assert.True(t, usage.Allocation[1].Amount.Equal(days("3")))
	assert.True(t, usage.AllocatedTotal().Equal(usage.DaysUsed))

	left := remaining(t, ledger)
	assert.True(t, left[a].Equal(days("7")))
	assert.True(t, left[b].IsZero())
}

func TestDeduct_Scenario4_InvalidGranularity(t *testing.T) {
	ledger, mem := newTestLedger(t)
	grantAB(t, ledger)

	for _, n := range []string{"0.3", "1.25", "0", "-1"} {
		_, err := deduct(ledger, d(2024, 8, 1), n, "req-"+n)
		assert.ErrorIs(t, err, generic.ErrInvalidGranularity, "amount %s", n)
	}

	events, _ := mem.QueryAudit(context.Background(), generic.AuditFilter{Types: []generic.AuditEventType{generic.AuditDeduction}})
	assert.Empty(t, events)
}

func TestDeduct_Scenario5_InsufficientBalance_NothingCommitted(t *testing.T) {
	// GIVEN: A has 2 left, B has 0 left
	// WHEN: Requesting 3 days
	// THEN: InsufficientBalance; both tranches unchanged; no audit event

	ledger, mem := newTestLedger(t)
	a, b := grantAB(t, ledger)
	_, err := deduct(ledger, d(2024, 8, 1), "19", "req-1")
	require.NoError(t, err)

	head, _ := mem.LastAudit(context.Background())
	before := remaining(t, ledger)
	require.True(t, before[a].Equal(days("2")))

	_, err = deduct(ledger, d(2024, 8, 2), "3", "req-2")
	require.ErrorIs(t, err, generic.ErrInsufficientBalance)

	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, ib.Available.Equal(days("2")))
	assert.True(t, ib.Shortfall.Equal(days("1")))

	after := remaining(t, ledger)
	assert.True(t, after[a].Equal(before[a]))
	assert.True(t, after[b].Equal(before[b]))

	newHead, _ := mem.LastAudit(context.Background())
	assert.Equal(t, head.Sequence, newHead.Sequence)
}

func TestDeduct_BeforeAnyTranche_InvalidDateRange(t *testing.T) {
	ledger, _ := newTestLedger(t)
	grantAB(t, ledger)

	_, err := deduct(ledger, d(2023, 6, 30), "1", "req-1")
	assert.ErrorIs(t, err, generic.ErrInvalidDateRange)

	// No tranches at all.
	_, err = ledger.Deduct(context.Background(), paidleave.DeductRequest{
		EmployeeID: "nobody", UseDate: d(2024, 1, 1), Days: days("1"),
	})
	assert.ErrorIs(t, err, generic.ErrInvalidDateRange)
}

func TestDeduct_IgnoresFutureAndExpiredTranches(t *testing.T) {
	ledger, _ := newTestLedger(t)
	a, b := grantAB(t, ledger)

	// Before B is granted only A can be used.
	usage, err := deduct(ledger, d(2024, 6, 30), "1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, a, usage.Allocation[0].TrancheID)

	// After A lapses (2025-07-01) only B can be used.
	usage, err = deduct(ledger, d(2025, 7, 2), "11", "req-2")
	require.NoError(t, err)
	require.Len(t, usage.Allocation, 1)
	assert.Equal(t, b, usage.Allocation[0].TrancheID)

	_, err = deduct(ledger, d(2025, 7, 3), "0.5", "req-3")
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
}

func TestDeduct_HalfDays(t *testing.T) {
	ledger, _ := newTestLedger(t)
	a, _ := grantAB(t, ledger)

	_, err := deduct(ledger, d(2023, 8, 1), "0.5", "req-1")
	require.NoError(t, err)
	_, err = deduct(ledger, d(2023, 8, 2), "2.5", "req-2")
	require.NoError(t, err)

	assert.True(t, remaining(t, ledger)[a].Equal(days("7")))
}

func TestDeduct_DuplicateSourceRequest(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, b := grantAB(t, ledger)

	_, err := deduct(ledger, d(2024, 8, 1), "2", "req-1")
	require.NoError(t, err)

	_, err = deduct(ledger, d(2024, 8, 1), "2", "req-1")
	assert.ErrorIs(t, err, generic.ErrDuplicateRequest)
	assert.True(t, remaining(t, ledger)[b].Equal(days("9")), "retry must not debit twice")
}

func TestDeduct_WritesAuditEventWithSnapshots(t *testing.T) {
	ledger, mem := newTestLedger(t)
	a, b := grantAB(t, ledger)

	usage, err := deduct(ledger, d(2024, 8, 1), "14", "req-1")
	require.NoError(t, err)

	events, err := mem.QueryAudit(context.Background(), generic.AuditFilter{Types: []generic.AuditEventType{generic.AuditDeduction}})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, string(usage.ID), e.ReferenceID)
	assert.True(t, e.Amount.Equal(days("14")))
	require.Len(t, e.Before, 2)
	require.Len(t, e.After, 2)
	assert.Equal(t, b, e.Before[0].TrancheID)
	assert.True(t, e.Before[0].DaysRemaining.Equal(days("11")))
	assert.True(t, e.After[0].DaysRemaining.IsZero())
	assert.Equal(t, a, e.Before[1].TrancheID)
	assert.True(t, e.After[1].DaysRemaining.Equal(days("7")))

	report, err := ledger.Trail().VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean)
}

// =============================================================================
// ATOMICITY
// =============================================================================

var errAuditDown = errors.New("audit store unavailable")

// auditFailingStore lets ledger writes through but fails every audit append
// made inside a transaction.
type auditFailingStore struct {
	*store.TxMemory
}

func (s auditFailingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx generic.Store) error {
		return fn(failingAudit{Store: tx})
	})
}

type failingAudit struct {
	generic.Store
}

func (failingAudit) AppendAudit(context.Context, generic.AuditEvent) error {
	return errAuditDown
}

func TestDeduct_AuditFailure_RollsBackLedgerWrite(t *testing.T) {
	// GIVEN: A ledger whose audit writes fail
	// WHEN: Deducting
	// THEN: The error surfaces and no usage or transaction is left behind

	mem := store.NewTxMemory()
	healthy := paidleave.NewLedger(mem, nil, paidleave.WithLogger(quietLogger))
	_, b := grantAB(t, healthy)

	broken := paidleave.NewLedger(auditFailingStore{mem}, nil, paidleave.WithLogger(quietLogger))
	_, err := broken.Deduct(context.Background(), paidleave.DeductRequest{
		EmployeeID: "emp-1", UseDate: d(2024, 8, 1), Days: days("3"), SourceRequestID: "req-1",
	})
	require.ErrorIs(t, err, errAuditDown)

	assert.True(t, remaining(t, healthy)[b].Equal(days("11")))
	usage, err := mem.LoadUsage(context.Background(), "emp-1", d(2024, 1, 1), d(2025, 1, 1))
	require.NoError(t, err)
	assert.Empty(t, usage)

	// The request id was not consumed either.
	_, err = deduct(healthy, d(2024, 8, 1), "3", "req-1")
	assert.NoError(t, err)
}

func TestIssueGrant_AuditFailure_NoTranche(t *testing.T) {
	mem := store.NewTxMemory()
	broken := paidleave.NewLedger(auditFailingStore{mem}, nil, paidleave.WithLogger(quietLogger))

	_, err := broken.IssueGrantFromHireDate(context.Background(), "emp-1", d(2023, 1, 1), d(2023, 7, 1))
	require.ErrorIs(t, err, errAuditDown)

	tranches, _ := mem.LoadTranches(context.Background(), "emp-1")
	assert.Empty(t, tranches)
}

// =============================================================================
// BALANCE INVARIANTS
// =============================================================================

func TestDeduct_SequenceConservesBalance(t *testing.T) {
	// For any sequence within the available balance the total drops by
	// exactly the deducted amount and no tranche goes negative.

	ledger, _ := newTestLedger(t)
	grantAB(t, ledger)
	ctx := context.Background()
	on := d(2024, 8, 1)

	amounts := []string{"0.5", "3", "1.5", "4", "0.5", "2", "6", "1", "2.5"}
	for i, n := range amounts {
		before, err := ledger.AvailableBalance(ctx, "emp-1", on)
		require.NoError(t, err)

		_, err = deduct(ledger, on, n, fmt.Sprintf("req-%d", i))
		require.NoError(t, err)

		after, err := ledger.AvailableBalance(ctx, "emp-1", on)
		require.NoError(t, err)
		assert.True(t, before.Sub(after).Equal(days(n)), "step %d: %s -> %s for %s", i, before, after, n)

		for id, r := range remaining(t, ledger) {
			assert.False(t, r.IsNegative(), "tranche %s negative", id)
		}
	}
}

func TestDeduct_Concurrent_NoDoubleSpend(t *testing.T) {
	// GIVEN: One tranche of 10 days
	// WHEN: 25 approvals of 1 day race each other
	// THEN: Exactly 10 succeed and the tranche ends at 0

	ledger, mem := newTestLedger(t)
	_, err := ledger.IssueGrantFromHireDate(context.Background(), "emp-1", d(2023, 1, 1), d(2023, 7, 1))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := deduct(ledger, d(2023, 8, 1), "1", fmt.Sprintf("req-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, generic.ErrInsufficientBalance) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, rejected)

	tranches, _ := mem.LoadTranches(context.Background(), "emp-1")
	assert.True(t, tranches[0].DaysRemaining.IsZero())

	report, err := ledger.Trail().VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, report.Checked)
}

// =============================================================================
// GRANTS AND THE ACCUMULATION CAP
// =============================================================================

func TestIssueGrant_SameAnniversaryIsIdempotent(t *testing.T) {
	ledger, mem := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", d(2023, 1, 1), d(2023, 7, 1))
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Later in the same grant year the anniversary key is the same.
	second, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", d(2023, 1, 1), d(2023, 12, 1))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Tranche.ID, second.Tranche.ID)

	tranches, _ := mem.LoadTranches(ctx, "emp-1")
	assert.Len(t, tranches, 1)

	grants, _ := mem.QueryAudit(ctx, generic.AuditFilter{Types: []generic.AuditEventType{generic.AuditGrant}})
	assert.Len(t, grants, 1)
}

func TestIssueGrant_NoGrantYet(t *testing.T) {
	ledger, mem := newTestLedger(t)

	out, err := ledger.IssueGrantFromHireDate(context.Background(), "emp-1", d(2023, 1, 1), d(2023, 3, 1))
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Nil(t, out.Tranche)
	assert.Equal(t, paidleave.NoGrantYet, out.Grant.Status)

	head, _ := mem.LastAudit(context.Background())
	assert.Nil(t, head)
}

func TestAccumulationCap_AdvisoryAndClampedBalance(t *testing.T) {
	// GIVEN: A long-tenured employee receiving 20 days every July
	// WHEN: The 2025 grant lands while 2023 and 2024 are still live
	// THEN: The grant is recorded in full, an advisory is raised, and the
	//       visible balance is clamped to 40

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	hire := d(2010, 1, 1)

	for _, asOf := range []generic.TimePoint{d(2023, 7, 1), d(2024, 7, 1)} {
		out, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", hire, asOf)
		require.NoError(t, err)
		assert.Nil(t, out.Advisory)
	}

	out, err := ledger.IssueGrantFromHireDate(ctx, "emp-1", hire, d(2025, 7, 1))
	require.NoError(t, err)
	require.NotNil(t, out.Advisory)
	assert.True(t, out.Tranche.DaysGranted.Equal(days("20")), "grant is not truncated")
	assert.True(t, out.Advisory.Total.Equal(days("60")))
	assert.True(t, out.Advisory.Excess.Equal(days("20")))

	balance, err := ledger.Balance(ctx, "emp-1", d(2025, 7, 1))
	require.NoError(t, err)
	assert.True(t, balance.Total.Equal(days("60")))
	assert.True(t, balance.Available.Equal(days("40")))
	assert.True(t, balance.CapExceeded)

	_, err = deduct(ledger, d(2025, 7, 1), "40.5", "req-1")
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	_, err = deduct(ledger, d(2025, 7, 1), "40", "req-2")
	require.NoError(t, err)
}

func TestAvailableBalance_NeverAboveCap(t *testing.T) {
	ledger, _ := newTestLedger(t, paidleave.WithAccumulationCap(days("15")))
	grantAB(t, ledger)

	got, err := ledger.AvailableBalance(context.Background(), "emp-1", d(2024, 8, 1))
	require.NoError(t, err)
	assert.True(t, got.Equal(days("15")))
}

// =============================================================================
// CARRYOVER AND EXPIRY
// =============================================================================

func TestApplyCarryoverAndExpire_ForfeitsLapsedTranches(t *testing.T) {
	// GIVEN: A has 7 left (expires 2025-07-01), B has 0 left after scenario 3
	// WHEN: Closing FY2025 (ends 2026-03-31)
	// THEN: A's 7 days are forfeited; B (expires 2026-07-01) carries over

	ledger, mem := newTestLedger(t)
	a, b := grantAB(t, ledger)
	ctx := context.Background()

	_, err := deduct(ledger, d(2024, 8, 1), "14", "req-1")
	require.NoError(t, err)

	result, err := ledger.ApplyCarryoverAndExpire(ctx, "emp-1", d(2025, 3, 31))
	require.NoError(t, err)
	assert.True(t, result.Expired.IsZero(), "nothing lapses by FY2024 end")
	assert.True(t, result.CarriedOver.Equal(days("7")))

	result, err = ledger.ApplyCarryoverAndExpire(ctx, "emp-1", d(2026, 3, 31))
	require.NoError(t, err)
	assert.True(t, result.Expired.Equal(days("7")))
	require.Len(t, result.Forfeitures, 1)
	assert.Equal(t, a, result.Forfeitures[0].TrancheID)

	left := remaining(t, ledger)
	assert.True(t, left[a].IsZero())
	assert.True(t, left[b].IsZero())

	expiries, _ := mem.QueryAudit(ctx, generic.AuditFilter{Types: []generic.AuditEventType{generic.AuditExpiry}})
	require.Len(t, expiries, 1)
	assert.True(t, expiries[0].Amount.Equal(days("7")))
	assert.Equal(t, result.Forfeitures[0].AuditSeq, expiries[0].Sequence)

	tranches, _ := ledger.Tranches(ctx, "emp-1")
	assert.Len(t, tranches, 2, "expired tranches are kept")

	again, err := ledger.ApplyCarryoverAndExpire(ctx, "emp-1", d(2026, 3, 31))
	require.NoError(t, err)
	assert.True(t, again.Expired.IsZero())
}

func TestSweepFiscalYearEnd_AllEmployees(t *testing.T) {
	ledger, _ := newTestLedger(t, paidleave.WithSweepConcurrency(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.IssueGrantFromHireDate(ctx, generic.EmployeeID(fmt.Sprintf("emp-%d", i)), d(2022, 1, 1), d(2022, 7, 1))
		require.NoError(t, err)
	}

	report, err := ledger.SweepFiscalYearEnd(ctx, d(2025, 3, 31))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Employees)
	assert.Len(t, report.Results, 5)
	assert.Empty(t, report.Failures)
	assert.True(t, report.Expired.Equal(days("50")))

	_, err = ledger.Trail().VerifyAll(ctx)
	require.NoError(t, err)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_RestoresOriginalAllocation(t *testing.T) {
	ledger, mem := newTestLedger(t)
	a, b := grantAB(t, ledger)
	ctx := context.Background()

	usage, err := deduct(ledger, d(2024, 8, 1), "14", "req-1")
	require.NoError(t, err)

	rev, err := ledger.Reverse(ctx, usage.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, generic.UsageReversal, rev.Kind)
	assert.Equal(t, usage.ID, rev.Reverses)
	assert.True(t, rev.DaysUsed.Equal(days("-14")))
	assert.True(t, rev.AllocatedTotal().Equal(rev.DaysUsed))

	left := remaining(t, ledger)
	assert.True(t, left[a].Equal(days("10")))
	assert.True(t, left[b].Equal(days("11")))

	reversals, _ := mem.QueryAudit(ctx, generic.AuditFilter{Types: []generic.AuditEventType{generic.AuditReversal}})
	assert.Len(t, reversals, 1)

	_, err = ledger.Reverse(ctx, usage.ID, "again")
	assert.ErrorIs(t, err, generic.ErrAlreadyReversed)

	_, err = ledger.Reverse(ctx, rev.ID, "undo the undo")
	assert.ErrorIs(t, err, generic.ErrInvalidReversal)

	_, err = ledger.Reverse(ctx, "missing", "")
	assert.ErrorIs(t, err, generic.ErrUsageNotFound)
}
