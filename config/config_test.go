package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loyalty.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Points.PointValue.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.Points.RateScale.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 255, cfg.Points.NoteMaxLength)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A TOML file setting port, point value and the reconcile interval
	// WHEN: LOYALTY_PORT is also set
	// THEN: The environment wins over the file, the file over the defaults

	chdir(t, t.TempDir())
	path := writeFile(t, `
[server]
port = 9000
allowed_origins = ["http://localhost:3000"]
read_timeout = "5s"

[points]
point_value = "0.50"

[reconcile]
enabled = true
interval = "30m"

[log]
level = "debug"
format = "json"
`)
	t.Setenv("LOYALTY_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Points.PointValue.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOYALTY_DB_PATH=/tmp/from-dotenv.db\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("LOYALTY_DB_PATH") })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.Database.Path)
}

func TestLoad_Rejections(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "[points]\npoint_value = \"0\"\n"))
	assert.ErrorContains(t, err, "point_value")

	t.Setenv("LOYALTY_PORT", "eighty")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "LOYALTY_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
		{"db path", func(c *config.Config) { c.Database.Path = "" }, "database.path"},
		{"note", func(c *config.Config) { c.Points.NoteMaxLength = 0 }, "note_max_length"},
		{"interval", func(c *config.Config) { c.Reconcile.Interval = 0 }, "reconcile.interval"},
		{"level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, config.Defaults().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := config.LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "k", 1)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
