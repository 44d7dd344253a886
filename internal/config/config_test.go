package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/config"
)

const sample = `
server:
  port: "9090"
auth:
  jwt_secret: ${TEST_BRIDGE_JWT}
engine:
  interval: 7s
  workers: 2
broker:
  base_url: https://broker.example
  cooldown: 45s
accounts:
  - id: acct-1
    login: "1001"
    password: ${TEST_BRIDGE_PW}
devices:
  - id: dev-1
    account_id: acct-1
    secret: abc
reconcile:
  volume_tolerance_pct: 2.5
guards:
  drawdown_warning_pct: 10
monitor:
  buffer: 0.0002
`

func TestParse_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("TEST_BRIDGE_JWT", "jwt-from-env")
	t.Setenv("TEST_BRIDGE_PW", "pa$$word")

	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "jwt-from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "pa$$word", cfg.Accounts[0].Password)
	assert.Equal(t, 7*time.Second, cfg.Engine.Interval)
	assert.Equal(t, 45*time.Second, cfg.SessionOptions().Breaker.Cooldown)
	assert.Equal(t, 5, cfg.SessionOptions().Breaker.FailureThreshold, "default kept")
	assert.Equal(t, "2.5", cfg.Tolerance().VolumePct.String())
	assert.Equal(t, "2", cfg.Tolerance().Price.String())
	assert.Equal(t, "10", cfg.DrawdownConfig().WarningPct.String())
	assert.Equal(t, "20", cfg.DrawdownConfig().CriticalPct.String())
	assert.Equal(t, "0.0002", cfg.Monitor.Buffer.String())
	assert.Equal(t, 30*time.Second, cfg.Protocol.CloseTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: file\nserver:\n  port: \"1\"\n"), 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PORT", "7070")
	t.Setenv("JWT_SECRET", "env")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("REDIS_URL", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env", cfg.Auth.JWTSecret)
	assert.Equal(t, "postgres://x", cfg.Database.URL)
	assert.Empty(t, cfg.Redis.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing jwt", func(c *config.Config) { c.Auth.JWTSecret = "" }, "jwt_secret"},
		{"warning above critical", func(c *config.Config) { c.Guards.DrawdownWarningPct = c.Guards.DrawdownCriticalPct }, "drawdown"},
		{"duplicate account", func(c *config.Config) {
			c.Accounts = []config.AccountConfig{{ID: "a", BaseURL: "x"}, {ID: "a", BaseURL: "x"}}
		}, "duplicate id"},
		{"device of unknown account", func(c *config.Config) {
			c.Devices = []config.DeviceConfig{{ID: "d", AccountID: "nope", Secret: "s"}}
		}, "unknown account"},
		{"account without broker url", func(c *config.Config) {
			c.Accounts = []config.AccountConfig{{ID: "a"}}
		}, "base_url"},
		{"zero workers", func(c *config.Config) { c.Engine.Workers = 0 }, "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Auth.JWTSecret = "s"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildCalendar_Default(t *testing.T) {
	cal, err := config.Default().BuildCalendar()
	require.NoError(t, err)
	assert.NotEmpty(t, cal.SessionsFor("EURUSD"))
}
