package cachegate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachegate/internal/storage"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://shop.example.com/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://shop.example.com", cfg.Server.Origin)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.fetchTimeout)
	assert.Equal(t, 24*time.Hour, cfg.sweepEvery)
	assert.Equal(t, []string{"/", "/favicon.ico", "/logo.png"}, cfg.Lifecycle.Manifest)
	assert.Equal(t, 200, cfg.Lifecycle.MaxDiscovered)

	assert.Equal(t, StorePolicy{MaxAge: time.Hour, MaxBytes: 10 * 1024 * 1024}, cfg.Policy(storage.KindAPI))
	assert.Equal(t, StorePolicy{MaxAge: 30 * 24 * time.Hour, MaxBytes: 500 * 1024 * 1024}, cfg.Policy(storage.KindVideo))

	require.Len(t, cfg.Rules, 4)
	assert.True(t, cfg.Rules[0].Matches("/api/products/42"))
	assert.Equal(t, StrategyCacheFirst, cfg.Rules[0].strategy)
	assert.Equal(t, StrategyNone, cfg.Rules[3].strategy)
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: "3.2.0"
server:
  origin: http://127.0.0.1:3000
storage:
  backend: sqlite
  path: /tmp/cache.db
fetch:
  timeout: 2s
stores:
  image:
    maxAge: 1h
    maxBytes: 1.5m
  audio:
    maxBytes: "0"
rules:
  - match: PathPrefix(/api/feed)
    strategy: swr
    priority: 20
  - match: PathPrefix(/api/feed/live) | PathPrefix(/api/stream)
    strategy: bypass
    priority: 5
`))
	require.NoError(t, err)

	assert.Equal(t, "3.2.0", cfg.Version)
	assert.Equal(t, 2*time.Second, cfg.fetchTimeout)
	assert.Equal(t, StorePolicy{MaxAge: time.Hour, MaxBytes: 1572864}, cfg.Policy(storage.KindImage))
	assert.Equal(t, int64(0), cfg.Policy(storage.KindAudio).MaxBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.Policy(storage.KindAudio).MaxAge)

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, 5, cfg.Rules[0].Priority)
	assert.Equal(t, StrategyNone, cfg.Rules[0].strategy)
	assert.True(t, cfg.Rules[0].Matches("/api/stream/1"))
	assert.Equal(t, StrategyStaleWhileRevalidate, cfg.Rules[1].strategy)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing origin", "server: {port: 80}", "server.origin is required"},
		{"bad origin", "server: {origin: 'not a url'}", "server.origin"},
		{"bad backend", "server: {origin: 'http://a'}\nstorage: {backend: redis}", "storage.backend"},
		{"bad timeout", "server: {origin: 'http://a'}\nfetch: {timeout: soon}", "fetch.timeout"},
		{"unknown store", "server: {origin: 'http://a'}\nstores: {fonts: {maxAge: 1h}}", "stores.fonts"},
		{"bad size", "server: {origin: 'http://a'}\nstores: {api: {maxBytes: lots}}", "stores.api.maxBytes"},
		{"infinite size", "server: {origin: 'http://a'}\nstores: {video: {maxBytes: inf}}", "stores.video.maxBytes"},
		{"bad strategy", "server: {origin: 'http://a'}\nrules: [{match: 'PathPrefix(/api/)', strategy: cache-last}]", "rules[0].strategy"},
		{"bad match", "server: {origin: 'http://a'}\nrules: [{match: 'Path(/api/)', strategy: none}]", "rules[0].match"},
		{"relative manifest", "server: {origin: 'http://a'}\nlifecycle: {manifest: [index.html]}", "lifecycle.manifest[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cachegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://origin\n  port: 9090\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64k", 64 * 1024},
		{"50MB", 50 * 1024 * 1024},
		{"1.5g", 1536 * 1024 * 1024},
		{" 10 kb ", 10 * 1024},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, in := range []string{"", "b", "-1m", "tenmb", "inf", "NaN", "-Inf", "infmb", "1e300", "9e18g"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(1536*1024))
	assert.Equal(t, "2gb", formatBytes(2*1024*1024*1024))
}
