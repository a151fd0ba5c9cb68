/*
scheduler.go - Automated fiscal year end sweep

PURPOSE:
  Periodically checks whether a fiscal year has ended since the last sweep
  and, if so, expires every tranche that lapses by that fiscal year end.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Target is the most recently ended fiscal year (FiscalCalendar.LastEndedBefore)
  - A fiscal year end is swept once per process; a sweep with failures is
    retried on the next tick
  - The sweep itself is idempotent, so a restart that sweeps again is harmless

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewFiscalYearEndScheduler(ledger, calendar)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - paidleave/ledger.go: SweepFiscalYearEnd
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/paidleave"
)

// FiscalYearEndScheduler runs the fiscal year end sweep automatically.
type FiscalYearEndScheduler struct {
	Ledger        *paidleave.Ledger
	Calendar      generic.FiscalCalendar
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger
	Clock         func() time.Time

	ticker    *time.Ticker
	stop      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	runMu     sync.Mutex
	lastSwept generic.TimePoint
}

// NewFiscalYearEndScheduler creates a new scheduler.
func NewFiscalYearEndScheduler(ledger *paidleave.Ledger, calendar generic.FiscalCalendar) *FiscalYearEndScheduler {
	return &FiscalYearEndScheduler{
		Ledger:        ledger,
		Calendar:      calendar,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        slog.Default(),
		Clock:         time.Now,
	}
}

// Start begins the scheduler. A stopped scheduler can be started again.
func (s *FiscalYearEndScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("fiscal year end scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("fiscal year end scheduler started", slog.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (s *FiscalYearEndScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("fiscal year end scheduler stopped")
	}
}

func (s *FiscalYearEndScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce sweeps the most recently ended fiscal year unless it was already
// swept. It returns the report, or nil when there was nothing to do.
func (s *FiscalYearEndScheduler) RunOnce(ctx context.Context) *paidleave.SweepReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	fyEnd := s.Calendar.LastEndedBefore(generic.DateOf(s.Clock()))
	if !s.lastSwept.IsZero() && s.lastSwept.Equal(fyEnd) {
		return nil
	}

	s.Logger.InfoContext(ctx, "running fiscal year end sweep", slog.String("fiscal_year_end", fyEnd.String()))

	report, err := s.Ledger.SweepFiscalYearEnd(ctx, fyEnd)
	if err != nil {
		s.Logger.ErrorContext(ctx, "fiscal year end sweep incomplete, will retry",
			slog.String("fiscal_year_end", fyEnd.String()),
			slog.String("error", err.Error()),
		)
		return report
	}

	s.lastSwept = fyEnd
	return report
}

// LastSwept returns the fiscal year end of the last complete sweep.
func (s *FiscalYearEndScheduler) LastSwept() generic.TimePoint {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastSwept
}
