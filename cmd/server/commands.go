package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/generic"
)

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the fiscal year end scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		interval, err := a.cfg.SchedulerInterval()
		if err != nil {
			return err
		}
		scheduler := api.NewFiscalYearEndScheduler(a.ledger, a.calendar)
		scheduler.Enabled = a.cfg.Scheduler.Enabled
		scheduler.CheckInterval = interval
		scheduler.Logger = a.logger
		scheduler.Start()
		defer scheduler.Stop()

		handler := api.NewHandler(a.store, a.ledger, a.tracker, a.certs)
		handler.Logger = a.logger
		router := api.NewRouter(handler, api.RouterConfig{
			AllowedOrigins: a.cfg.Server.AllowedOrigins,
			Gatherer:       a.registry,
		})

		server := &http.Server{
			Addr:         a.cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("server starting", slog.String("addr", a.cfg.Server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
		}

		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		a.logger.Info("server stopped")
		return nil
	},
}

// =============================================================================
// GRANT
// =============================================================================

var (
	grantEmployee string
	grantAsOf     string
	grantSync     bool
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Issue the grant in force for an employee",
	Long: `Issue the grant in force for an employee.

Examples:
  server grant --employee emp-1                      # as of today
  server grant --employee emp-1 --as-of 2024-07-01
  server grant --employee emp-1 --sync               # every missing live anniversary`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := dateFlag(grantAsOf)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id := generic.EmployeeID(grantEmployee)
		if grantSync {
			outcomes, err := a.ledger.SyncGrants(cmd.Context(), id, asOf)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), outcomes)
		}

		outcome, err := a.ledger.IssueGrant(cmd.Context(), id, asOf)
		if err != nil {
			return err
		}
		if outcome.Advisory != nil {
			a.logger.Warn(outcome.Advisory.String())
		}
		return writeOutput(cmd.OutOrStdout(), outcome)
	},
}

// =============================================================================
// SWEEP
// =============================================================================

var sweepFiscalYearEnd string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire tranches lapsing by a fiscal year end",
	Long: `Expire every tranche whose expiry falls on or before the fiscal year end.

Defaults to the most recently ended fiscal year. Running it twice is harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fyEnd := a.calendar.LastEndedBefore(generic.Today())
		if sweepFiscalYearEnd != "" {
			if fyEnd, err = generic.ParseDate(sweepFiscalYearEnd); err != nil {
				return err
			}
		}

		report, err := a.ledger.SweepFiscalYearEnd(cmd.Context(), fyEnd)
		if report != nil {
			if werr := writeOutput(cmd.OutOrStdout(), report); werr != nil {
				return werr
			}
		}
		return err
	},
}

// =============================================================================
// VERIFY
// =============================================================================

var (
	verifyFrom uint64
	verifyTo   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit chain integrity",
	Long: `Recompute the audit chain hashes and compare them with the stored ones.

Exits non-zero on the first mismatch.

Examples:
  server verify                     # whole chain
  server verify --from 100 --to 200`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.ledger.Trail().Verify(cmd.Context(), verifyFrom, verifyTo)
		if report != nil {
			if werr := writeOutput(cmd.OutOrStdout(), report); werr != nil {
				return werr
			}
		}
		return err
	},
}

// =============================================================================
// CERTIFY
// =============================================================================

var (
	certifyFiscalYear int
	certifyEmployees  string
	certifyOut        string
)

var certifyCmd = &cobra.Command{
	Use:   "certify",
	Short: "Generate a signed compliance certificate",
	Long: `Generate a signed compliance certificate for a fiscal year.

Without --employees every employee in the directory is covered.

Examples:
  server certify --fiscal-year 2024
  server certify --fiscal-year 2024 --employees emp-1,emp-2 --out cert.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		fy := certifyFiscalYear
		if fy == 0 {
			fy = a.calendar.YearOf(generic.Today())
		}

		var ids []generic.EmployeeID
		for _, id := range strings.Split(certifyEmployees, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, generic.EmployeeID(id))
			}
		}
		if len(ids) == 0 {
			employees, err := a.store.ListEmployees(ctx)
			if err != nil {
				return err
			}
			for _, e := range employees {
				ids = append(ids, e.ID)
			}
		}

		cert, err := a.certs.Generate(ctx, ids, fy)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if certifyOut != "" {
			f, err := os.Create(certifyOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", certifyOut, err)
			}
			defer f.Close()
			out = f
		}
		if err := writeOutput(out, cert); err != nil {
			return err
		}
		a.logger.Info("certificate written",
			slog.String("certificate_id", cert.Body.CertificateID),
			slog.String("verdict", string(cert.Body.Verdict)),
		)
		return nil
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantEmployee, "employee", "", "employee id")
	grantCmd.Flags().StringVar(&grantAsOf, "as-of", "", "grant date YYYY-MM-DD (default today)")
	grantCmd.Flags().BoolVar(&grantSync, "sync", false, "issue every missing anniversary that has not lapsed")
	grantCmd.MarkFlagRequired("employee")

	sweepCmd.Flags().StringVar(&sweepFiscalYearEnd, "fiscal-year-end", "", "fiscal year end YYYY-MM-DD (default most recent)")

	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence (default 1)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last sequence (default head)")

	certifyCmd.Flags().IntVar(&certifyFiscalYear, "fiscal-year", 0, "fiscal year (default current)")
	certifyCmd.Flags().StringVar(&certifyEmployees, "employees", "", "comma-separated employee ids (default all)")
	certifyCmd.Flags().StringVar(&certifyOut, "out", "", "output file (default stdout)")
}

// =============================================================================
// HELPERS
// =============================================================================

func dateFlag(v string) (generic.TimePoint, error) {
	if v == "" {
		return generic.Today(), nil
	}
	return generic.ParseDate(v)
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
