/*
main.go - Application entry point

PURPOSE:
  Initializes the leave ledger and runs either the HTTP server or a one-shot
  administrative command. Handles configuration, dependency injection, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (YAML file, then LEDGER_* environment overrides)
  2. Build the slog logger and the Prometheus registry
  3. Open the store (SQLite or PostgreSQL)
  4. Wire ledger, compliance tracker and certificate generator
  5. Run the requested command

COMMANDS:
  serve     HTTP API plus the fiscal year end scheduler
  grant     Issue the grant in force for one employee
  sweep     Run fiscal year end expiry for every employee
  verify    Verify a range of the audit chain (exit 1 on tamper)
  certify   Write a signed compliance certificate

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config ledger.yaml
  ./server grant --employee emp-1 --as-of 2024-07-01
  ./server sweep --fiscal-year-end 2025-03-31
  ./server verify --from 1 --to 500
  ./server certify --fiscal-year 2024 --out fy2024.json

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "server",
		Short: "Paid-leave ledger service",
		Long: `Tracks statutory annual paid leave: seniority-based grants, LIFO
deductions across two-year tranches, fiscal year end expiry, the five-day
usage obligation, a hash-chained audit trail and signed compliance
certificates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "ledger.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd, grantCmd, sweepCmd, verifyCmd, certifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
