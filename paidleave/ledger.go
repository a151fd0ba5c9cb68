/*
ledger.go - The leave entitlement ledger

PURPOSE:
  Owns every tranche of every employee and is the only code that mutates
  them. Each mutation (grant, deduction, reversal, expiry) is one store
  transaction containing the ledger rows AND the audit event describing
  them, so neither can exist without the other.

DEDUCTION ORDER (LIFO):
  Candidates are tranches granted on or before the use date, not expired on
  it, with days left. They are debited newest grant first; a request only
  spills into an older tranche once the newer one is empty.

    Tranche A  granted 2023-07-01  10 days
    Tranche B  granted 2024-07-01  11 days
    Deduct 5 on 2024-08-01  -> [{B, 5}]
    Deduct 9 more           -> [{B, 6}, {A, 3}]

ACCUMULATION CAP:
  At most 40 days are usable at any time. A grant that pushes the live total
  past the cap is still recorded in full and reported with an
  AccumulationCapExceeded advisory; the cap applies when deducting and when
  reporting the available balance.

CONCURRENCY:
  Mutations for one employee are serialized by a per-employee lock so two
  approvals cannot both pass the balance check against the same days.
  Different employees proceed in parallel. Reads take no lock; the store
  never exposes a partially committed transaction.

SEE ALSO:
  - grant.go: Entitlement table
  - compliance.go: 5-day rule
  - audit/trail.go: Hash chain
*/
package paidleave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-ledger/audit"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
)

// DefaultAccumulationCap is the statutory maximum of usable days.
var DefaultAccumulationCap = generic.NewDaysFromInt(40)

const (
	defaultSweepConcurrency = 4

	// A concurrent writer on a shared database can take the audit sequence
	// between our read of the chain head and our insert.
	maxCommitAttempts = 3
)

// ErrNoDirectory is returned by operations that need employee master data
// when the ledger was built without one.
var ErrNoDirectory = errors.New("employee directory not configured")

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     generic.TxStore
	trail     *audit.Trail
	directory EmployeeDirectory
	locks     *keyedMutex

	accumulationCap  generic.Amount
	sweepConcurrency int
	clock            func() time.Time
	newID            func() string
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock sets the source of record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithAccumulationCap(limit generic.Amount) Option {
	return func(l *Ledger) {
		if limit.IsPositive() {
			l.accumulationCap = limit
		}
	}
}

func WithDirectory(d EmployeeDirectory) Option {
	return func(l *Ledger) {
		l.directory = d
	}
}

// WithSweepConcurrency bounds how many employees a sweep processes at once.
func WithSweepConcurrency(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.sweepConcurrency = n
		}
	}
}

// WithIDGenerator replaces uuid generation, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// NewLedger creates a ledger over store. A nil trail records into store.
func NewLedger(store generic.TxStore, trail *audit.Trail, opts ...Option) *Ledger {
	if trail == nil {
		trail = audit.NewTrail(store)
	}
	l := &Ledger{
		store:            store,
		trail:            trail,
		locks:            newKeyedMutex(),
		accumulationCap:  DefaultAccumulationCap,
		sweepConcurrency: defaultSweepConcurrency,
		clock:            time.Now,
		newID:            func() string { return uuid.NewString() },
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AccumulationCap returns the cap in force.
func (l *Ledger) AccumulationCap() generic.Amount {
	return l.accumulationCap
}

// Trail returns the audit trail the ledger records into.
func (l *Ledger) Trail() *audit.Trail {
	return l.trail
}

// commit runs fn in one store transaction, retrying when another writer took
// the audit sequence first.
func (l *Ledger) commit(ctx context.Context, fn func(tx generic.Store, trail *audit.Trail) error) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = l.store.WithTx(ctx, func(tx generic.Store) error {
			return fn(tx, l.trail.In(tx))
		})
		if !errors.Is(err, generic.ErrDuplicateSequence) {
			return err
		}
		l.logger.WarnContext(ctx, "audit sequence taken by a concurrent writer, retrying",
			slog.Int("attempt", attempt))
	}
	return err
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

// =============================================================================
// DEDUCTION
// =============================================================================

// DeductRequest is one approved leave consumption.
type DeductRequest struct {
	EmployeeID      generic.EmployeeID
	UseDate         generic.TimePoint
	Days            generic.Amount
	SourceRequestID string
	Reason          string
}

// Deduct debits req.Days across the employee's eligible tranches, newest
// grant first. Nothing is written unless the whole amount can be covered.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (*generic.UsageEvent, error) {
	if !req.Days.IsPositive() || !req.Days.IsHalfDayMultiple() {
		l.metrics.ObserveDeduction("invalid", 0)
		return nil, fmt.Errorf("%w: got %s", generic.ErrInvalidGranularity, req.Days)
	}
	if req.UseDate.IsZero() {
		l.metrics.ObserveDeduction("invalid", 0)
		return nil, fmt.Errorf("%w: use date is required", generic.ErrInvalidDateRange)
	}

	unlock := l.locks.Lock(req.EmployeeID)
	defer unlock()

	var usage generic.UsageEvent
	err := l.commit(ctx, func(tx generic.Store, trail *audit.Trail) error {
		tranches, err := tx.LoadTranches(ctx, req.EmployeeID)
		if err != nil {
			return fmt.Errorf("load tranches: %w", err)
		}
		set := generic.TrancheSet(tranches)

		if !grantedBy(set, req.UseDate) {
			return fmt.Errorf("%w: no tranche granted to %s on or before %s",
				generic.ErrInvalidDateRange, req.EmployeeID, req.UseDate)
		}

		dist := generic.TrancheDistributor{Cap: &l.accumulationCap}.
			Distribute(LIFOOrder(set.Eligible(req.UseDate)), req.Days)
		if !dist.IsSatisfiable {
			return &generic.InsufficientBalanceError{
				EmployeeID: req.EmployeeID,
				UseDate:    req.UseDate,
				Available:  dist.Available,
				Requested:  req.Days,
				Shortfall:  dist.Shortfall,
			}
		}

		now := l.now()
		usage = generic.UsageEvent{
			ID:              generic.UsageID(l.newID()),
			EmployeeID:      req.EmployeeID,
			UseDate:         req.UseDate,
			DaysUsed:        req.Days,
			SourceRequestID: req.SourceRequestID,
			Kind:            generic.UsageConsumption,
			Reason:          req.Reason,
			Allocation:      dist.Allocations,
			CreatedAt:       now,
		}
		if err := tx.AppendUsage(ctx, usage); err != nil {
			return fmt.Errorf("append usage: %w", err)
		}

		entries := make([]generic.Transaction, 0, len(dist.Allocations))
		for _, a := range dist.Allocations {
			entries = append(entries, generic.Transaction{
				ID:          generic.TransactionID(l.newID()),
				EmployeeID:  req.EmployeeID,
				TrancheID:   a.TrancheID,
				EffectiveAt: req.UseDate,
				Delta:       a.Amount.Neg(),
				Type:        generic.TxConsumption,
				ReferenceID: string(usage.ID),
				Reason:      req.Reason,
				CreatedAt:   now,
			})
		}
		if err := tx.AppendTransactions(ctx, entries); err != nil {
			return fmt.Errorf("append transactions: %w", err)
		}

		touched := dist.TrancheIDs()
		_, err = trail.Record(ctx, audit.Entry{
			Type:        generic.AuditDeduction,
			EmployeeID:  req.EmployeeID,
			ReferenceID: string(usage.ID),
			Amount:      req.Days,
			Before:      set.Snapshots(touched),
			After:       set.ApplyDeltas(dist.Deltas()).Snapshots(touched),
		})
		return err
	})
	if err != nil {
		l.metrics.ObserveDeduction(deductionResult(err), 0)
		return nil, err
	}

	l.metrics.ObserveDeduction("ok", req.Days.Float64())
	l.logger.InfoContext(ctx, "leave deducted",
		slog.String("employee_id", string(req.EmployeeID)),
		slog.String("usage_id", string(usage.ID)),
		slog.String("use_date", req.UseDate.String()),
		slog.String("days", req.Days.String()),
		slog.Int("tranches", len(usage.Allocation)),
	)
	return &usage, nil
}

// LIFOOrder sorts tranches newest grant first.
func LIFOOrder(tranches []generic.Tranche) []generic.Tranche {
	out := append([]generic.Tranche(nil), tranches...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].GrantedOn.After(out[j].GrantedOn)
	})
	return out
}

func grantedBy(set generic.TrancheSet, date generic.TimePoint) bool {
	for _, t := range set {
		if t.GrantedOn.BeforeOrEqual(date) {
			return true
		}
	}
	return false
}

func deductionResult(err error) string {
	switch {
	case errors.Is(err, generic.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, generic.ErrDuplicateRequest):
		return "duplicate"
	case generic.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse records a compensating event that credits back exactly the
// allocation of a consumption. The original event is left untouched.
func (l *Ledger) Reverse(ctx context.Context, usageID generic.UsageID, reason string) (*generic.UsageEvent, error) {
	original, err := l.store.GetUsage(ctx, usageID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(original.EmployeeID)
	defer unlock()

	var reversal generic.UsageEvent
	err = l.commit(ctx, func(tx generic.Store, trail *audit.Trail) error {
		original, err := tx.GetUsage(ctx, usageID)
		if err != nil {
			return err
		}
		if original.Kind == generic.UsageReversal {
			return fmt.Errorf("%w: %s", generic.ErrInvalidReversal, usageID)
		}
		existing, err := tx.FindReversal(ctx, usageID)
		if err != nil {
			return fmt.Errorf("find reversal: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: %s by %s", generic.ErrAlreadyReversed, usageID, existing.ID)
		}

		tranches, err := tx.LoadTranches(ctx, original.EmployeeID)
		if err != nil {
			return fmt.Errorf("load tranches: %w", err)
		}
		set := generic.TrancheSet(tranches)

		now := l.now()
		reversal = generic.UsageEvent{
			ID:         generic.UsageID(l.newID()),
			EmployeeID: original.EmployeeID,
			UseDate:    original.UseDate,
			DaysUsed:   original.DaysUsed.Neg(),
			Kind:       generic.UsageReversal,
			Reverses:   original.ID,
			Reason:     reason,
			CreatedAt:  now,
		}

		deltas := make(map[generic.TrancheID]generic.Amount, len(original.Allocation))
		touched := make([]generic.TrancheID, 0, len(original.Allocation))
		entries := make([]generic.Transaction, 0, len(original.Allocation))
		for _, a := range original.Allocation {
			reversal.Allocation = append(reversal.Allocation, generic.AllocationEntry{
				TrancheID: a.TrancheID,
				Amount:    a.Amount.Neg(),
			})
			deltas[a.TrancheID] = a.Amount
			touched = append(touched, a.TrancheID)
			entries = append(entries, generic.Transaction{
				ID:          generic.TransactionID(l.newID()),
				EmployeeID:  original.EmployeeID,
				TrancheID:   a.TrancheID,
				EffectiveAt: original.UseDate,
				Delta:       a.Amount,
				Type:        generic.TxReversal,
				ReferenceID: string(reversal.ID),
				Reason:      reason,
				CreatedAt:   now,
			})
		}

		if err := tx.AppendUsage(ctx, reversal); err != nil {
			return fmt.Errorf("append usage: %w", err)
		}
		if err := tx.AppendTransactions(ctx, entries); err != nil {
			return fmt.Errorf("append transactions: %w", err)
		}
		_, err = trail.Record(ctx, audit.Entry{
			Type:        generic.AuditReversal,
			EmployeeID:  original.EmployeeID,
			ReferenceID: string(reversal.ID),
			Amount:      original.DaysUsed,
			Before:      set.Snapshots(touched),
			After:       set.ApplyDeltas(deltas).Snapshots(touched),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.metrics.IncrementReversals()
	l.logger.InfoContext(ctx, "usage reversed",
		slog.String("employee_id", string(reversal.EmployeeID)),
		slog.String("usage_id", string(usageID)),
		slog.String("reversal_id", string(reversal.ID)),
	)
	return &reversal, nil
}

// =============================================================================
// GRANTS
// =============================================================================

// AccumulationCapExceeded is an advisory, not an error: the grant was
// recorded in full but the usable total is above the cap.
type AccumulationCapExceeded struct {
	EmployeeID generic.EmployeeID
	Total      generic.Amount
	Cap        generic.Amount
	Excess     generic.Amount
}

func (a *AccumulationCapExceeded) String() string {
	return fmt.Sprintf("accumulation cap exceeded for %s: %s days held, cap %s, %s days not usable",
		a.EmployeeID, a.Total, a.Cap, a.Excess)
}

// GrantOutcome reports what IssueGrant did.
type GrantOutcome struct {
	Grant GrantResult

	// Tranche is the tranche for Grant.Anniversary, new or pre-existing.
	// Nil when no grant is due yet.
	Tranche *generic.Tranche

	// Created is false when the tranche already existed or no grant is due.
	Created bool

	Advisory *AccumulationCapExceeded
}

// IssueGrant issues the grant in force at asOf, looking the employee up in
// the directory. Re-issuing an anniversary is a no-op.
func (l *Ledger) IssueGrant(ctx context.Context, employeeID generic.EmployeeID, asOf generic.TimePoint) (*GrantOutcome, error) {
	hireDate, err := l.activeHireDate(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return l.IssueGrantFromHireDate(ctx, employeeID, hireDate, asOf)
}

// IssueGrantFromHireDate is IssueGrant for callers that already hold the
// hire date.
func (l *Ledger) IssueGrantFromHireDate(ctx context.Context, employeeID generic.EmployeeID, hireDate, asOf generic.TimePoint) (*GrantOutcome, error) {
	grant, err := ComputeGrant(hireDate, asOf)
	if err != nil {
		return nil, err
	}
	if grant.Status == NoGrantYet {
		return &GrantOutcome{Grant: grant}, nil
	}

	unlock := l.locks.Lock(employeeID)
	defer unlock()
	return l.issueTranche(ctx, employeeID, grant)
}

// SyncGrants issues every anniversary up to asOf that has no tranche yet.
// Anniversaries whose tranche would already have lapsed at asOf are skipped.
func (l *Ledger) SyncGrants(ctx context.Context, employeeID generic.EmployeeID, asOf generic.TimePoint) ([]GrantOutcome, error) {
	hireDate, err := l.activeHireDate(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	schedule, err := GrantSchedule(hireDate, asOf)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(employeeID)
	defer unlock()

	var out []GrantOutcome
	for _, grant := range schedule {
		if grant.ExpiresOn().Before(asOf) {
			continue
		}
		outcome, err := l.issueTranche(ctx, employeeID, grant)
		if err != nil {
			return out, err
		}
		out = append(out, *outcome)
	}
	return out, nil
}

func (l *Ledger) activeHireDate(ctx context.Context, employeeID generic.EmployeeID) (generic.TimePoint, error) {
	if l.directory == nil {
		return generic.TimePoint{}, ErrNoDirectory
	}
	status, err := l.directory.EmploymentStatus(ctx, employeeID)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("employment status of %s: %w", employeeID, err)
	}
	if status != generic.StatusActive {
		return generic.TimePoint{}, fmt.Errorf("%w: %s is %s", generic.ErrEmployeeInactive, employeeID, status)
	}
	hireDate, err := l.directory.HireDate(ctx, employeeID)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("hire date of %s: %w", employeeID, err)
	}
	return hireDate, nil
}

// issueTranche must be called with the employee lock held.
func (l *Ledger) issueTranche(ctx context.Context, employeeID generic.EmployeeID, grant GrantResult) (*GrantOutcome, error) {
	outcome := &GrantOutcome{Grant: grant}

	err := l.commit(ctx, func(tx generic.Store, trail *audit.Trail) error {
		tranches, err := tx.LoadTranches(ctx, employeeID)
		if err != nil {
			return fmt.Errorf("load tranches: %w", err)
		}
		set := generic.TrancheSet(tranches)

		if existing, ok := set.FindByGrantDate(grant.Anniversary); ok {
			outcome.Tranche = &existing
			outcome.Created = false
			return nil
		}

		now := l.now()
		tranche := generic.Tranche{
			ID:            generic.TrancheID(l.newID()),
			EmployeeID:    employeeID,
			GrantedOn:     grant.Anniversary,
			ExpiresOn:     grant.ExpiresOn(),
			DaysGranted:   grant.Days,
			DaysRemaining: grant.Days,
			Seniority:     grant.SeniorityHalfYears,
			CreatedAt:     now,
		}
		if err := tx.AppendTranche(ctx, tranche); err != nil {
			return fmt.Errorf("append tranche: %w", err)
		}
		if err := tx.AppendTransactions(ctx, []generic.Transaction{{
			ID:          generic.TransactionID(l.newID()),
			EmployeeID:  employeeID,
			TrancheID:   tranche.ID,
			EffectiveAt: tranche.GrantedOn,
			Delta:       tranche.DaysGranted,
			Type:        generic.TxGrant,
			ReferenceID: string(tranche.ID),
			Reason:      fmt.Sprintf("statutory grant at %d half-years", grant.SeniorityHalfYears),
			CreatedAt:   now,
		}}); err != nil {
			return fmt.Errorf("append transactions: %w", err)
		}
		if _, err := trail.Record(ctx, audit.Entry{
			Type:        generic.AuditGrant,
			EmployeeID:  employeeID,
			ReferenceID: string(tranche.ID),
			Amount:      tranche.DaysGranted,
			After:       []generic.TrancheSnapshot{tranche.Snapshot()},
		}); err != nil {
			return err
		}

		total := append(set.Live(tranche.GrantedOn), tranche).TotalRemaining()
		if total.GreaterThan(l.accumulationCap) {
			outcome.Advisory = &AccumulationCapExceeded{
				EmployeeID: employeeID,
				Total:      total,
				Cap:        l.accumulationCap,
				Excess:     total.Sub(l.accumulationCap),
			}
		}
		outcome.Tranche = &tranche
		outcome.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Created {
		l.metrics.ObserveGrant(grant.Days.Float64(), outcome.Advisory != nil)
		l.logger.InfoContext(ctx, "grant issued",
			slog.String("employee_id", string(employeeID)),
			slog.String("tranche_id", string(outcome.Tranche.ID)),
			slog.String("granted_on", grant.Anniversary.String()),
			slog.String("days", grant.Days.String()),
		)
	}
	if outcome.Advisory != nil {
		l.logger.WarnContext(ctx, outcome.Advisory.String(),
			slog.String("employee_id", string(employeeID)),
			slog.String("total", outcome.Advisory.Total.String()),
			slog.String("excess", outcome.Advisory.Excess.String()),
		)
	}
	return outcome, nil
}

// =============================================================================
// CARRYOVER AND EXPIRY
// =============================================================================

// Forfeiture is the balance of one tranche lost at expiry.
type Forfeiture struct {
	TrancheID generic.TrancheID
	GrantedOn generic.TimePoint
	ExpiresOn generic.TimePoint
	Days      generic.Amount
	AuditSeq  uint64
}

// ExpiryResult reports one employee's fiscal year end processing.
type ExpiryResult struct {
	EmployeeID    generic.EmployeeID
	FiscalYearEnd generic.TimePoint
	Expired       generic.Amount
	Forfeitures   []Forfeiture

	// CarriedOver is what remains in tranches that survive into the next
	// fiscal year.
	CarriedOver generic.Amount
}

// ApplyCarryoverAndExpire forfeits the remaining balance of every tranche
// expiring on or before fiscalYearEnd. Running it twice is harmless: the
// second run finds nothing left to forfeit.
func (l *Ledger) ApplyCarryoverAndExpire(ctx context.Context, employeeID generic.EmployeeID, fiscalYearEnd generic.TimePoint) (*ExpiryResult, error) {
	if fiscalYearEnd.IsZero() {
		return nil, fmt.Errorf("%w: fiscal year end is required", generic.ErrInvalidDateRange)
	}

	unlock := l.locks.Lock(employeeID)
	defer unlock()

	var result ExpiryResult
	err := l.commit(ctx, func(tx generic.Store, trail *audit.Trail) error {
		result = ExpiryResult{
			EmployeeID:    employeeID,
			FiscalYearEnd: fiscalYearEnd,
			Expired:       generic.ZeroDays(),
			CarriedOver:   generic.ZeroDays(),
		}

		tranches, err := tx.LoadTranches(ctx, employeeID)
		if err != nil {
			return fmt.Errorf("load tranches: %w", err)
		}
		set := generic.TrancheSet(tranches).SortByGrantDate()

		now := l.now()
		for _, t := range set.ExpiringBy(fiscalYearEnd) {
			forfeited := t.DaysRemaining
			if err := tx.AppendTransactions(ctx, []generic.Transaction{{
				ID:          generic.TransactionID(l.newID()),
				EmployeeID:  employeeID,
				TrancheID:   t.ID,
				EffectiveAt: t.ExpiresOn,
				Delta:       forfeited.Neg(),
				Type:        generic.TxExpiry,
				ReferenceID: string(t.ID),
				Reason:      "expired at fiscal year end " + fiscalYearEnd.String(),
				CreatedAt:   now,
			}}); err != nil {
				return fmt.Errorf("append transactions: %w", err)
			}

			after := t
			after.DaysRemaining = generic.ZeroDays()
			event, err := trail.Record(ctx, audit.Entry{
				Type:        generic.AuditExpiry,
				EmployeeID:  employeeID,
				ReferenceID: string(t.ID),
				Amount:      forfeited,
				Before:      []generic.TrancheSnapshot{t.Snapshot()},
				After:       []generic.TrancheSnapshot{after.Snapshot()},
			})
			if err != nil {
				return err
			}

			result.Expired = result.Expired.Add(forfeited)
			result.Forfeitures = append(result.Forfeitures, Forfeiture{
				TrancheID: t.ID,
				GrantedOn: t.GrantedOn,
				ExpiresOn: t.ExpiresOn,
				Days:      forfeited,
				AuditSeq:  event.Sequence,
			})
		}

		for _, t := range set.Live(fiscalYearEnd) {
			if t.ExpiresOn.After(fiscalYearEnd) {
				result.CarriedOver = result.CarriedOver.Add(t.DaysRemaining)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range result.Forfeitures {
		l.logger.InfoContext(ctx, "tranche balance forfeited",
			slog.String("employee_id", string(employeeID)),
			slog.String("tranche_id", string(f.TrancheID)),
			slog.String("expires_on", f.ExpiresOn.String()),
			slog.String("days", f.Days.String()),
			slog.Uint64("seq", f.AuditSeq),
		)
	}
	l.metrics.AddForfeited(result.Expired.Float64())
	return &result, nil
}

// SweepReport summarizes a fiscal year end sweep over all employees.
type SweepReport struct {
	FiscalYearEnd generic.TimePoint
	Employees     int
	Expired       generic.Amount
	Results       []ExpiryResult
	Failures      map[generic.EmployeeID]string
	Duration      time.Duration
}

// SweepFiscalYearEnd runs ApplyCarryoverAndExpire for every employee holding
// a tranche. Employees are processed in parallel; each one still takes its
// own lock, so a sweep never overlaps a deduction for the same employee.
// One employee failing does not stop the others.
func (l *Ledger) SweepFiscalYearEnd(ctx context.Context, fiscalYearEnd generic.TimePoint) (*SweepReport, error) {
	start := time.Now()

	employees, err := l.store.ListLedgerEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}

	report := &SweepReport{
		FiscalYearEnd: fiscalYearEnd,
		Employees:     len(employees),
		Expired:       generic.ZeroDays(),
		Failures:      make(map[generic.EmployeeID]string),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.sweepConcurrency)

	for _, id := range employees {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := l.ApplyCarryoverAndExpire(gctx, id, fiscalYearEnd)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[id] = err.Error()
				l.logger.ErrorContext(gctx, "fiscal year end sweep failed for employee",
					slog.String("employee_id", string(id)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			report.Results = append(report.Results, *result)
			report.Expired = report.Expired.Add(result.Expired)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].EmployeeID < report.Results[j].EmployeeID
	})
	report.Duration = time.Since(start)
	l.metrics.ObserveSweep(report.Duration, len(report.Results), len(report.Failures))
	l.logger.InfoContext(ctx, "fiscal year end sweep complete",
		slog.String("fiscal_year_end", fiscalYearEnd.String()),
		slog.Int("employees", report.Employees),
		slog.Int("failed", len(report.Failures)),
		slog.String("expired_days", report.Expired.String()),
		slog.Duration("duration", report.Duration),
	)

	if len(report.Failures) > 0 {
		return report, fmt.Errorf("fiscal year end sweep: %d of %d employees failed", len(report.Failures), report.Employees)
	}
	return report, nil
}

// =============================================================================
// READS
// =============================================================================

// AvailableBalance is the usable balance at asOf: the remaining days of
// tranches granted on or before asOf and not expired on it, clamped to the
// accumulation cap.
func (l *Ledger) AvailableBalance(ctx context.Context, employeeID generic.EmployeeID, asOf generic.TimePoint) (generic.Amount, error) {
	summary, err := l.Balance(ctx, employeeID, asOf)
	if err != nil {
		return generic.Amount{}, err
	}
	return summary.Available, nil
}

// BalanceSummary is the detailed balance view behind AvailableBalance.
type BalanceSummary struct {
	EmployeeID  generic.EmployeeID
	AsOf        generic.TimePoint
	Total       generic.Amount // unclamped
	Available   generic.Amount // clamped to Cap
	Cap         generic.Amount
	CapExceeded bool
	NextExpiry  *generic.TimePoint
	Tranches    []generic.Tranche // live tranches, newest first
}

func (l *Ledger) Balance(ctx context.Context, employeeID generic.EmployeeID, asOf generic.TimePoint) (*BalanceSummary, error) {
	tranches, err := l.store.LoadTranches(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("load tranches: %w", err)
	}
	live := generic.TrancheSet(tranches).Live(asOf)
	total := live.TotalRemaining()

	summary := &BalanceSummary{
		EmployeeID:  employeeID,
		AsOf:        asOf,
		Total:       total,
		Available:   total.Min(l.accumulationCap),
		Cap:         l.accumulationCap,
		CapExceeded: total.GreaterThan(l.accumulationCap),
		Tranches:    LIFOOrder(live),
	}
	if next, ok := live.NextExpiry(asOf); ok {
		summary.NextExpiry = &next
	}
	return summary, nil
}

// Tranches returns every tranche of the employee, expired ones included.
func (l *Ledger) Tranches(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Tranche, error) {
	return l.store.LoadTranches(ctx, employeeID)
}

// UsageEvents returns usage events with a use date in period.
func (l *Ledger) UsageEvents(ctx context.Context, employeeID generic.EmployeeID, period generic.Period) ([]generic.UsageEvent, error) {
	return l.store.LoadUsage(ctx, employeeID, period.Start, period.End)
}

// Transactions returns the employee's raw ledger entries.
func (l *Ledger) Transactions(ctx context.Context, employeeID generic.EmployeeID) ([]generic.Transaction, error) {
	return l.store.LoadTransactions(ctx, employeeID)
}
