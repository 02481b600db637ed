package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Healing.RateLimit)
	assert.Equal(t, time.Hour, cfg.Healing.RateWindow)
	assert.Equal(t, 5*time.Minute, cfg.Healing.Cooldown)
	assert.Equal(t, 5, cfg.Healing.BlastRadius)
	assert.False(t, cfg.Healing.DryRunConsumesRateLimit)
	assert.Len(t, cfg.Detection.Metrics, 4)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
healing:
  cooldown: 2m
  dry_run_consumes_rate_limit: true
ledger:
  backend: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Healing.Cooldown)
	assert.True(t, cfg.Healing.DryRunConsumesRateLimit)
	assert.Equal(t, 10, cfg.Healing.RateLimit)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Correlation.Window)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"zero rate limit", "healing:\n  rate_limit: 0\n", "healing.rate_limit"},
		{"unknown ledger", "ledger:\n  backend: sqlite\n", "ledger.backend"},
		{"postgres without dsn", "ledger:\n  backend: postgres\n", "ledger.dsn"},
		{"cascade longer than lookback", "patterns:\n  cascade_window: 7h\n", "cascade_window"},
		{"tracing without endpoint", "tracing:\n  enabled: true\n", "tracing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMetricConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		metric  MetricConfig
		wantErr bool
	}{
		{
			name:   "static ok",
			metric: MetricConfig{Name: "cpu", Category: "cpu", Query: "q", Mode: ModeStatic, Aggregation: AggregationLatest, Warning: 80, Critical: 95},
		},
		{
			name:   "relative ok",
			metric: MetricConfig{Name: "rps", Category: "cpu", Query: "q", Mode: ModeRelative, Aggregation: AggregationLatest, Multiplier: 2},
		},
		{
			name:    "critical below warning",
			metric:  MetricConfig{Name: "cpu", Category: "cpu", Query: "q", Mode: ModeStatic, Aggregation: AggregationLatest, Warning: 95, Critical: 80},
			wantErr: true,
		},
		{
			name:    "unknown category",
			metric:  MetricConfig{Name: "disk", Category: "disk", Query: "q", Mode: ModeStatic, Aggregation: AggregationLatest, Warning: 1, Critical: 2},
			wantErr: true,
		},
		{
			name:    "relative without multiplier",
			metric:  MetricConfig{Name: "rps", Category: "cpu", Query: "q", Mode: ModeRelative, Aggregation: AggregationLatest},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.metric.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
