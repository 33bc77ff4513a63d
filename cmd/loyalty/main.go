/*
main.go - loyalty command entry point

PURPOSE:
  One binary for running the ledger service and operating on its database.

COMMANDS:
  serve    Start the HTTP API, the reconciliation scheduler and /metrics
  seed     Reset the database and load a scenario
  verify   Replay every balance against its transaction log

CONFIGURATION:
  --config  TOML file (see config/config.go for sections)
  --db      SQLite path, overrides database.path
  .env and LOYALTY_* environment variables are applied on top of the file.

EXAMPLES:
  loyalty serve --config ./loyalty.toml --port 3000
  loyalty seed demo --db ":memory:"
  loyalty verify --db ./data/loyalty.db

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Load order and defaults
*/
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/engine"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/promotion"
	"github.com/warp/loyalty-engine/store/sqlite"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:           "loyalty",
	Short:         "Loyalty points ledger",
	Long:          `Records purchases, redemptions, transfers, adjustments and event rewards against per-user point balances.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is everything a command needs, built once from config.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *sqlite.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   *engine.Engine
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	eng := engine.New(store, engine.Config{
		Calculator: promotion.Calculator{
			PointValue: cfg.Points.PointValue,
			RateScale:  cfg.Points.RateScale,
		},
		NoteMaxLength: cfg.Points.NoteMaxLength,
		Metrics:       m,
		Logger:        logger,
	})

	return &app{cfg: cfg, log: logger, store: store, registry: reg, metrics: m, engine: eng}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("close database", "error", err)
	}
}
