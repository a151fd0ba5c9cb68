// Package config provides configuration file support for the leave ledger.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/leave-ledger/generic"
)

// Config represents the service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	FiscalYear   FiscalYearConfig   `yaml:"fiscal_year"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Compliance   ComplianceConfig   `yaml:"compliance"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Logging      LoggingConfig      `yaml:"logging"`
	Organization OrganizationConfig `yaml:"organization"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3, postgres
	DSN    string `yaml:"dsn"`
}

type FiscalYearConfig struct {
	StartMonth int `yaml:"start_month"`
}

type LedgerConfig struct {
	AccumulationCap string `yaml:"accumulation_cap"`
}

type ComplianceConfig struct {
	AtRiskDays int `yaml:"at_risk_days"`
}

// SchedulerConfig configures the fiscal-year-end sweep scheduler.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

type SweepConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

type OrganizationConfig struct {
	ID string `yaml:"id"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "./data/ledger.db",
		},
		FiscalYear: FiscalYearConfig{StartMonth: 4},
		Ledger:     LedgerConfig{AccumulationCap: "40"},
		Compliance: ComplianceConfig{AtRiskDays: 60},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: "1h",
		},
		Sweep: SweepConfig{Concurrency: 4},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from path and applies environment overrides.
// Returns default config if path is empty or the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No config file is OK, use defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("LEDGER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("LEDGER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("LEDGER_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("LEDGER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.FiscalYear.StartMonth < 1 || c.FiscalYear.StartMonth > 12 {
		errs = append(errs, fmt.Errorf("fiscal_year.start_month must be 1-12, got %d", c.FiscalYear.StartMonth))
	}
	if _, err := c.AccumulationCap(); err != nil {
		errs = append(errs, err)
	}
	if c.Compliance.AtRiskDays < 0 {
		errs = append(errs, fmt.Errorf("compliance.at_risk_days must not be negative, got %d", c.Compliance.AtRiskDays))
	}
	if _, err := c.SchedulerInterval(); err != nil {
		errs = append(errs, err)
	}
	if c.Sweep.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sweep.concurrency must be at least 1, got %d", c.Sweep.Concurrency))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FiscalStartMonth returns the configured first month of the fiscal year.
func (c *Config) FiscalStartMonth() time.Month {
	return time.Month(c.FiscalYear.StartMonth)
}

// AccumulationCap parses ledger.accumulation_cap.
func (c *Config) AccumulationCap() (generic.Amount, error) {
	amount, err := generic.ParseDays(c.Ledger.AccumulationCap)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("ledger.accumulation_cap: %w", err)
	}
	if !amount.IsPositive() || !amount.IsHalfDayMultiple() {
		return generic.Amount{}, fmt.Errorf("ledger.accumulation_cap must be a positive multiple of 0.5, got %s", amount)
	}
	return amount, nil
}

// SchedulerInterval parses scheduler.interval.
func (c *Config) SchedulerInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scheduler.Interval)
	if err != nil {
		return 0, fmt.Errorf("scheduler.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler.interval must be positive, got %s", d)
	}
	return d, nil
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
