package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 90, cfg.Scorer.WindowDays)
	assert.InDelta(t, 30, cfg.Scorer.HalfLifeDays, 0.001)
	assert.InDelta(t, 0.7, cfg.Scorer.EligibleScore, 0.001)
	assert.Equal(t, 5*time.Minute, cfg.Evaluator.Interval())
	assert.Equal(t, 7*24*time.Hour, cfg.Demotion.Cooldown())
	assert.Equal(t, 5, cfg.Demotion.PenaltySignals)
	assert.InDelta(t, 0.8, cfg.Demotion.WarningRatio, 0.001)
	assert.InDelta(t, 2.0, cfg.Demotion.EmergencyRatio, 0.001)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LockDuration())
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
	assert.Equal(t, "autopilot:threshold", cfg.Redis.Prefix)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  database_url: postgres://localhost/autopilot
log:
  level: debug
  format: console
server:
  port: 9090
demotion:
  cooldown_hours: 48
thresholds:
  seed_file: thresholds.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/autopilot", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.Demotion.Cooldown())
	assert.Equal(t, "thresholds.yaml", cfg.Thresholds.SeedFile)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Demotion.PenaltySignals)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
queue:
  batch_size: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("AUTOPILOT_LOG_LEVEL", "warn")
	t.Setenv("AUTOPILOT_QUEUE_BATCH_SIZE", "50")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Queue.BatchSize)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Server.Port = 8080
	cfg.Scorer.EligibleScore = 0.7
	cfg.Scorer.HalfLifeDays = 30
	cfg.Demotion.WarningRatio = 0.8
	cfg.Demotion.EmergencyRatio = 2.0
	cfg.Demotion.CooldownHours = 168
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.BatchSize = 25
	cfg.Queue.LockSecs = 300
	cfg.Worker.Concurrency = 4
	cfg.Salesforce = SalesforceConfig{ClientID: "id", Username: "svc@example.com", KeyPath: "/keys/sf.pem"}
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "evaluate", "cli"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_MissingDatabase(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	for _, mode := range []string{"serve", "worker", "evaluate", "cli"} {
		err := cfg.Validate(mode)
		require.Error(t, err, mode)
		assert.Contains(t, err.Error(), "store.database_url is required")
	}
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateWorker_RequiresSalesforce(t *testing.T) {
	cfg := validDefaults()
	cfg.Salesforce = SalesforceConfig{}

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce.client_id")
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateWorker_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Worker.Concurrency = 0
	assert.ErrorContains(t, cfg.Validate("worker"), "worker.concurrency")

	cfg.Worker.Concurrency = 65
	assert.ErrorContains(t, cfg.Validate("worker"), "worker.concurrency")

	cfg.Worker.Concurrency = 64
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidate_DemotionRatios(t *testing.T) {
	cfg := validDefaults()

	cfg.Demotion.WarningRatio = 0
	assert.ErrorContains(t, cfg.Validate("evaluate"), "demotion.warning_ratio")

	cfg.Demotion.WarningRatio = 0.8
	cfg.Demotion.EmergencyRatio = 1
	assert.ErrorContains(t, cfg.Validate("evaluate"), "demotion.emergency_ratio")
}

func TestValidate_QueueBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Queue.BatchSize = 0
	assert.ErrorContains(t, cfg.Validate("serve"), "queue.batch_size")

	cfg.Queue.BatchSize = 25
	cfg.Queue.MaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate("serve"), "queue.max_attempts")

	// Queue settings do not gate the evaluator.
	assert.NoError(t, cfg.Validate("evaluate"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestSalesforceEnabled(t *testing.T) {
	assert.False(t, SalesforceConfig{}.Enabled())
	assert.True(t, validDefaults().Salesforce.Enabled())
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 5*time.Minute, EvaluatorConfig{}.Interval())
	assert.Equal(t, 90*time.Second, EvaluatorConfig{IntervalSecs: 90}.Interval())
	assert.Equal(t, 168*time.Hour, DemotionConfig{CooldownHours: 168}.Cooldown())
	assert.Equal(t, 5*time.Minute, QueueConfig{LockSecs: 300}.LockDuration())
	assert.Equal(t, 15*time.Minute, MonitoringConfig{StaleProcessingMins: 15}.StaleAfter())
}
