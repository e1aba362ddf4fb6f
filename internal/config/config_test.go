package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peershare/internal/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, int64(65536), cfg.Signal.ReadLimit)
	assert.Equal(t, 30*time.Second, cfg.Signal.PingPeriod)
	assert.Equal(t, 32, cfg.Signal.SendBuffer)
	assert.Equal(t, "drop", cfg.Signal.Backpressure)
	assert.Zero(t, cfg.Signal.MaxGroupSize)
	assert.Equal(t, 5*time.Second, cfg.Quality.Interval)
	assert.Equal(t, 10, cfg.Quality.HistorySize)
	assert.Equal(t, media.DefaultConfig(), cfg.Media)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Client.URL)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Client.ReconnectDelay)

	// nothing to watch without a file
	cfg.Watch(func(*Config) { t.Fatal("unexpected reload") })
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9090
log_level: debug
allowed_origins:
  - https://app.example.com
signal:
  backpressure: kick
  max_group_size: 8
media:
  fps:
    default: 24
`)
	t.Setenv("PEERSHARE_SIGNAL_PING_PERIOD", "10s")
	t.Setenv("PEERSHARE_PORT", "7070")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "kick", cfg.Signal.Backpressure)
	assert.Equal(t, 8, cfg.Signal.MaxGroupSize)
	assert.Equal(t, 10*time.Second, cfg.Signal.PingPeriod)
	assert.Equal(t, 24, cfg.Media.FPS.Default)
	assert.Equal(t, 60, cfg.Media.FPS.Max)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fps out of order": "media:\n  fps:\n    min: 40\n    default: 30\n",
		"zero ping period": "signal:\n  ping_period: 0s\n",
		"negative group":   "signal:\n  max_group_size: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	cfg := &Config{LogLevel: "chatty"}
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	cfg.LogLevel = "WARN"
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var last *Config
	cfg.Watch(func(next *Config) {
		mu.Lock()
		last = next
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && last.Level() == zerolog.DebugLevel
	}, 3*time.Second, 10*time.Millisecond)
}
