package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Trading.SleepSeconds)
	assert.Equal(t, "M5", cfg.Trading.Timeframe)
	assert.Equal(t, 1.0, cfg.Trading.RiskPercentage)
	assert.Equal(t, 10, cfg.Trading.MaxDailyTrades)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.False(t, cfg.Telegram.Enabled)
}

func TestLoadAccounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
trading:
  sleep_seconds: 30
accounts:
  - id: live-1
    name: Main
    server: Broker-Live
    credentials_ref: fleet-live-1
    symbols: [EURUSD, GBPUSD]
    strategy: sma_crossover
    enabled: true
    risk_percent: 0.5
  - id: demo-1
    name: Demo
    credentials_ref: fleet-demo-1
    symbols: [XAUUSD]
    strategy: rsi_scalping
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, 30, cfg.Trading.SleepSeconds)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	accounts := cfg.EnabledAccounts(logger)
	require.Len(t, accounts, 1)
	assert.Equal(t, "live-1", accounts[0].ID)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, accounts[0].Symbols)
	assert.Equal(t, 0.5, accounts[0].Risk.RiskPercent)
}

func TestMalformedAccountIsExcludedNotFatal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
accounts:
  - id: good
    credentials_ref: fleet-good
    symbols: [EURUSD]
    strategy: sma_crossover
    enabled: true
  - id: no-symbols
    credentials_ref: fleet-bad
    symbols: []
    strategy: sma_crossover
    enabled: true
  - credentials_ref: fleet-anonymous
    symbols: [EURUSD]
    strategy: sma_crossover
    enabled: true
`))
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	accounts := cfg.EnabledAccounts(logger)
	require.Len(t, accounts, 1)
	assert.Equal(t, "good", accounts[0].ID)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_DB_PASSWORD", "hunter2")
	t.Setenv("FLEET_JWT_SECRET", "tok")
	t.Setenv("FLEET_TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load(writeConfig(t, "database:\n  host: db.internal\n"))
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, "tok", cfg.Server.JWTSecret)
	assert.EqualValues(t, 12345, cfg.Telegram.ChatID)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "password=hunter2")
}

func TestSessionWindow(t *testing.T) {
	cfg, err := Load(writeConfig(t, "trading:\n  session_start: \"08:00\"\n  session_end: \"17:00\"\n"))
	require.NoError(t, err)

	start, end, ok := cfg.Trading.Session()
	require.True(t, ok)
	assert.Equal(t, "08:00", start)
	assert.Equal(t, "17:00", end)

	cfg2, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)
	_, _, ok = cfg2.Trading.Session()
	assert.False(t, ok)
}
