/*
Package config loads the loyalty service configuration.

PURPOSE:
  One Config value feeds the CLI, the HTTP server, the engine and the
  reconciliation scheduler.

LOAD ORDER (later wins):
  1. Defaults()
  2. TOML file, when a path is given
  3. .env in the working directory (missing file ignored)
  4. Environment: LOYALTY_PORT, LOYALTY_DB_PATH, LOYALTY_LOG_LEVEL,
     LOYALTY_POINT_VALUE

EXAMPLE FILE:
  [server]
  port = 8080
  allowed_origins = ["http://localhost:3000"]

  [database]
  path = "loyalty.db"

  [points]
  point_value = "0.25"
  rate_scale = 100

  [reconcile]
  enabled = true
  interval = "1h"
*/
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Points    PointsConfig    `toml:"points"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port           int           `toml:"port"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	IdleTimeout    time.Duration `toml:"idle_timeout"`
}

type DatabaseConfig struct {
	// Path is a SQLite file path, or ":memory:".
	Path string `toml:"path"`
}

type PointsConfig struct {
	// PointValue is the currency amount worth one base point.
	PointValue    decimal.Decimal `toml:"point_value"`
	RateScale     decimal.Decimal `toml:"rate_scale"`
	NoteMaxLength int             `toml:"note_max_length"`
}

type RateLimitConfig struct {
	// RequestsPerMinute of zero disables limiting.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

type ReconcileConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Database: DatabaseConfig{Path: "loyalty.db"},
		Points: PointsConfig{
			PointValue:    decimal.RequireFromString("0.25"),
			RateScale:     decimal.NewFromInt(100),
			NoteMaxLength: 255,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty), .env and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOYALTY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOYALTY_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LOYALTY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOYALTY_POINT_VALUE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_POINT_VALUE: %w", err)
		}
		c.Points.PointValue = d
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if !c.Points.PointValue.IsPositive() {
		problems = append(problems, "points.point_value must be positive")
	}
	if !c.Points.RateScale.IsPositive() {
		problems = append(problems, "points.rate_scale must be positive")
	}
	if c.Points.NoteMaxLength <= 0 {
		problems = append(problems, "points.note_max_length must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		problems = append(problems, "rate_limit.requests_per_minute must not be negative")
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		problems = append(problems, "reconcile.interval must be positive when enabled")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// LOGGER
// =============================================================================

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: must be debug, info, warn or error", s)
	}
	return level, nil
}
