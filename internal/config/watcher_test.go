package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, cb PolicyCallback) *PolicyWatcher {
	t.Helper()
	w, err := NewPolicyWatcher(path, 50*time.Millisecond, cb)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

func TestPolicyWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "healing:\n  cooldown: 5m\n")

	var mu sync.Mutex
	var got []HealingConfig
	startWatcher(t, path, func(h HealingConfig) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, h)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("healing:\n  cooldown: 1m\n  rate_limit: 3\n"), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	assert.Equal(t, time.Minute, last.Cooldown)
	assert.Equal(t, 3, last.RateLimit)
}

func TestPolicyWatcherKeepsPolicyOnInvalidFile(t *testing.T) {
	path := writeConfig(t, "healing:\n  cooldown: 5m\n")

	var calls atomic.Int32
	startWatcher(t, path, func(HealingConfig) error {
		calls.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("healing:\n  rate_limit: 0\n"), 0600))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
}

func TestNewPolicyWatcherValidation(t *testing.T) {
	_, err := NewPolicyWatcher("", 0, func(HealingConfig) error { return nil })
	assert.Error(t, err)

	_, err = NewPolicyWatcher("/tmp/x.yaml", 0, nil)
	assert.Error(t, err)

	w, err := NewPolicyWatcher("/tmp/x.yaml", 0, func(HealingConfig) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, w.debounce)
}
