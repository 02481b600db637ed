package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/moolen/sentinel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	badCA := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(badCA, []byte("not a certificate"), 0o600))

	tests := []struct {
		name        string
		cfg         config.TracingConfig
		wantErr     string
		wantEnabled bool
	}{
		{name: "disabled", cfg: config.TracingConfig{}},
		{name: "missing endpoint", cfg: config.TracingConfig{Enabled: true}, wantErr: "endpoint not configured"},
		{name: "plaintext", cfg: config.TracingConfig{Enabled: true, Endpoint: "localhost:4317"}, wantEnabled: true},
		{name: "tls skip verify", cfg: config.TracingConfig{Enabled: true, Endpoint: "localhost:4317", TLSInsecure: true}, wantEnabled: true},
		{name: "missing ca", cfg: config.TracingConfig{Enabled: true, Endpoint: "localhost:4317", TLSCAPath: "/nonexistent/ca.crt"}, wantErr: "failed to read CA certificate"},
		{name: "invalid ca", cfg: config.TracingConfig{Enabled: true, Endpoint: "localhost:4317", TLSCAPath: badCA}, wantErr: "no certificates found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, "test")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEnabled, p.Enabled())
			assert.NotNil(t, p.Tracer("test"))
			require.NoError(t, p.Start(context.Background()))
			require.NoError(t, p.Stop(context.Background()))
		})
	}
}
