package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, TransportUnix, cfg.Transport)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
poll_interval: 250ms
max_events: 64
log_level: debug
transport: memory
ipv6: true
history_file: /tmp/asock_history
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 64, cfg.MaxEvents)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.True(t, cfg.IPv6)
	assert.Equal(t, "/tmp/asock_history", cfg.HistoryFile)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "poll_interval: 2s\nlog_level: warn\n")
	t.Setenv(EnvPollInterval, "50")
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvMaxEvents, "32")
	t.Setenv(EnvTransport, TransportMemory)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 32, cfg.MaxEvents)
	assert.Equal(t, TransportMemory, cfg.Transport)
}

func TestLoadClamps(t *testing.T) {
	cases := []struct {
		body      string
		interval  time.Duration
		maxEvents int
	}{
		{"poll_interval: 1ms\nmax_events: 1\n", minPollInterval, minMaxEvents},
		{"poll_interval: 1h\nmax_events: 1000000\n", maxPollInterval, maxMaxEvents},
		{"poll_interval: 3s\nmax_events: 512\n", 3 * time.Second, 512},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, tc.body))
		require.NoError(t, err)
		assert.Equal(t, tc.interval, cfg.PollInterval, tc.body)
		assert.Equal(t, tc.maxEvents, cfg.MaxEvents, tc.body)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "max_events: [1, 2\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "transport: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "unknown transport")

	t.Setenv(EnvPollInterval, "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, EnvPollInterval)
}
