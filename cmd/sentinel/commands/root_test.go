package commands

import (
	"testing"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/ledger"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevelFlags(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.LoggingConfig
		env         map[string]string
		flags       []string
		wantDefault string
		wantPkgs    map[string]string
		wantErr     bool
	}{
		{
			name:        "defaults to info",
			wantDefault: "info",
			wantPkgs:    map[string]string{},
		},
		{
			name:        "config file level and packages",
			cfg:         config.LoggingConfig{Level: "warn", Packages: map[string]string{"api": "debug"}},
			wantDefault: "warn",
			wantPkgs:    map[string]string{"api": "debug"},
		},
		{
			name:        "env overrides config",
			cfg:         config.LoggingConfig{Packages: map[string]string{"healing.policy": "info"}},
			env:         map[string]string{"LOG_LEVEL_HEALING_POLICY": "debug"},
			wantDefault: "info",
			wantPkgs:    map[string]string{"healing.policy": "debug"},
		},
		{
			name:        "flags override env",
			env:         map[string]string{"LOG_LEVEL_LEDGER": "warn"},
			flags:       []string{"debug", "ledger=error"},
			wantDefault: "debug",
			wantPkgs:    map[string]string{"ledger": "error"},
		},
		{
			name:        "explicit default key",
			flags:       []string{"default=error"},
			wantDefault: "error",
			wantPkgs:    map[string]string{},
		},
		{
			name:    "invalid default",
			flags:   []string{"loud"},
			wantErr: true,
		},
		{
			name:    "invalid package level",
			flags:   []string{"api=verbose"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			level, pkgs, err := parseLogLevelFlags(tt.cfg, tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDefault, level)
			assert.Equal(t, tt.wantPkgs, pkgs)
		})
	}
}

func TestConvertEnvKeyToPackageName(t *testing.T) {
	assert.Equal(t, "healing.policy", convertEnvKeyToPackageName("LOG_LEVEL_HEALING_POLICY"))
	assert.Equal(t, "api", convertEnvKeyToPackageName("LOG_LEVEL_API"))
}

func TestOpenStore(t *testing.T) {
	store, err := openStore(config.LedgerConfig{Backend: config.LedgerMemory})
	require.NoError(t, err)
	assert.IsType(t, &ledger.MemoryStore{}, store)

	store, err = openStore(config.LedgerConfig{Backend: config.LedgerFile, Path: t.TempDir() + "/ledger.jsonl"})
	require.NoError(t, err)
	assert.IsType(t, &ledger.FileStore{}, store)
	require.NoError(t, store.Close())

	_, err = openStore(config.LedgerConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestApplyServerFlags(t *testing.T) {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags.AddFlagSet(serverCmd.Flags())
	require.NoError(t, flags.Parse([]string{"--port=9090", "--ledger-backend=memory"}))
	t.Cleanup(func() {
		apiPort = 8080
		ledgerBackend = ""
	})

	cfg := config.Default()
	cfg.Prometheus.URL = "http://prometheus:9090"
	require.NoError(t, applyServerFlags(flags, &cfg))
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, "http://prometheus:9090", cfg.Prometheus.URL)
}
