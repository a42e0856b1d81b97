package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_FillsDefaultsWhenFileIsMinimal(t *testing.T) {
	path := writeConfig(t, "universe:\n  product_id: BTC-USD\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", cfg.Universe.ProductID)
	assert.Equal(t, 10, cfg.Universe.TickIntervalSeconds)
	assert.Equal(t, 0.03, cfg.Opportunity.MinEV)
	assert.Equal(t, 120, int(cfg.Execution.NoNewEntriesLastSeconds))
	assert.Equal(t, 0.03, cfg.Execution.MaxDailyLossPct)
	assert.Equal(t, 0.02, cfg.Execution.MaxPositionPct)
	// take_cooldown_seconds has no independent default; it inherits
	// no_new_entries_last_seconds when left unset in the file.
	assert.Equal(t, cfg.Execution.NoNewEntriesLastSeconds, cfg.Execution.TakeCooldownSeconds)
	assert.Equal(t, 72, cfg.Bus.StreamRetentionHours)
	assert.Equal(t, 1000, cfg.Bus.ConsumerLagAlertThreshold)
	assert.Equal(t, "edgepipeline.db", cfg.Storage.DSN)
	assert.False(t, cfg.Collector.Enabled)
	assert.Equal(t, 5, cfg.Collector.PollIntervalSeconds)
}

func TestLoad_ExplicitTakeCooldownOverridesFallback(t *testing.T) {
	path := writeConfig(t, "execution:\n  no_new_entries_last_seconds: 90\n  take_cooldown_seconds: 45\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(45), cfg.Execution.TakeCooldownSeconds)
	assert.Equal(t, int64(90), cfg.Execution.NoNewEntriesLastSeconds)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides_BeatsFileAndDefaults(t *testing.T) {
	path := writeConfig(t, "opportunity:\n  min_ev: 0.05\n")

	t.Setenv("EV_MIN", "0.10")
	t.Setenv("MAX_OPEN_POSITIONS", "3")
	t.Setenv("DB_PATH", "/tmp/custom.db")
	t.Setenv("COLLECTOR_ENABLED", "true")
	t.Setenv("COLLECTOR_POLL_INTERVAL_SECONDS", "15")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.10, cfg.Opportunity.MinEV)
	assert.Equal(t, 3, cfg.Execution.MaxOpenPositions)
	assert.Equal(t, "/tmp/custom.db", cfg.Storage.DSN)
	assert.True(t, cfg.Collector.Enabled)
	assert.Equal(t, 15, cfg.Collector.PollIntervalSeconds)
}

func TestTickInterval_ConvertsSecondsToDuration(t *testing.T) {
	cfg := &Config{Universe: UniverseConfig{TickIntervalSeconds: 7}}
	assert.Equal(t, int64(7), int64(cfg.TickInterval().Seconds()))
}
