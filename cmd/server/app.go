package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/leave-ledger/certificate"
	"github.com/warp/leave-ledger/config"
	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/paidleave"
	"github.com/warp/leave-ledger/store/sqlite"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *sqlite.Store
	calendar generic.FiscalCalendar
	ledger   *paidleave.Ledger
	tracker  *paidleave.ComplianceTracker
	certs    *certificate.Generator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewWithRegistry(registry)

	limit, err := cfg.AccumulationCap()
	if err != nil {
		store.Close()
		return nil, err
	}
	calendar := generic.NewFiscalCalendar(cfg.FiscalStartMonth())

	ledger := paidleave.NewLedger(store, nil,
		paidleave.WithLogger(logger),
		paidleave.WithMetrics(m),
		paidleave.WithDirectory(store),
		paidleave.WithAccumulationCap(limit),
		paidleave.WithSweepConcurrency(cfg.Sweep.Concurrency),
	)
	tracker := paidleave.NewComplianceTracker(store,
		paidleave.WithFiscalCalendar(calendar),
		paidleave.WithAtRiskDays(cfg.Compliance.AtRiskDays),
	)
	certs := certificate.NewGenerator(ledger, tracker, ledger.Trail(),
		certificate.WithOrganizationID(cfg.Organization.ID),
		certificate.WithLogger(logger),
		certificate.WithMetrics(m),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		calendar: calendar,
		ledger:   ledger,
		tracker:  tracker,
		certs:    certs,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return sqlite.NewPostgres(cfg.Database.DSN)
	default:
		if cfg.Database.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		return sqlite.New(cfg.Database.DSN)
	}
}
