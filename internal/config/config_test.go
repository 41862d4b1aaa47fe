package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, ErrMissingFile)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"server_base_url": `)
	_, _, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMinimalKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server_base_url": "http://plex.local:32400",
		"server_token": "abc",
		"library_ids": [1, 2]
	}`)

	cfg, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "http://plex.local:32400", cfg.ServerBaseURL)
	assert.Equal(t, []int{1, 2}, cfg.LibraryIDs)
	assert.Equal(t, DefaultThreads, cfg.Threads)
	assert.Equal(t, DefaultMaxConcurrentRequests, cfg.MaxConcurrentRequests)
	assert.Equal(t, 100*time.Millisecond, cfg.RequestDelay())
	assert.Equal(t, 2*time.Second, cfg.DebounceDelay())
	assert.Equal(t, 5*time.Minute, cfg.RepairInterval())
	assert.Equal(t, time.Minute, cfg.DelayAfterNewFile())
	assert.True(t, cfg.AlwaysApplyNFO)
	assert.True(t, cfg.DeleteNFOAfterApply)
	assert.False(t, cfg.WatchFolders)
}

func TestLoadClampsOutOfRange(t *testing.T) {
	path := writeConfig(t, `{
		"server_base_url": "http://plex.local:32400",
		"server_token": "abc",
		"library_ids": [1],
		"threads": 500,
		"max_concurrent_requests": -3,
		"request_delay": -1,
		"cache_repair_interval": -10
	}`)

	cfg, warnings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, MaxThreads, cfg.Threads)
	assert.Equal(t, 1, cfg.MaxConcurrentRequests)
	assert.InDelta(t, DefaultRequestDelaySeconds, cfg.RequestDelaySeconds, 1e-9)
	assert.Equal(t, DefaultRepairSeconds, cfg.RepairIntervalSeconds)
	assert.Len(t, warnings, 4)
}

func TestLoadWarnsOnEmptyLibraries(t *testing.T) {
	path := writeConfig(t, `{
		"server_base_url": "http://plex.local:32400",
		"server_token": "abc"
	}`)

	_, warnings, err := Load(path)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "library_ids")
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing token",
			body: `{"server_base_url": "http://plex.local:32400", "library_ids": [1]}`,
		},
		{
			name: "blank token",
			body: `{"server_base_url": "http://plex.local:32400", "server_token": "  ", "library_ids": [1]}`,
		},
		{
			name: "bad scheme",
			body: `{"server_base_url": "ftp://plex.local", "server_token": "abc", "library_ids": [1]}`,
		},
		{
			name: "missing base url",
			body: `{"server_token": "abc", "library_ids": [1]}`,
		},
		{
			name: "non-positive library id",
			body: `{"server_base_url": "http://plex.local:32400", "server_token": "abc", "library_ids": [0]}`,
		},
		{
			name: "unknown exporter",
			body: `{"server_base_url": "http://plex.local:32400", "server_token": "abc", "library_ids": [1],
				"telemetry": {"enabled": true, "exporter": "jaeger"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, _, err := Load(path)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestNormaliseBaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing slash", "http://plex.local:32400/", "http://plex.local:32400"},
		{"upper scheme and host", "HTTP://PLEX.LOCAL:32400", "http://plex.local:32400"},
		{"idn host", "http://bücher.example:32400", "http://xn--bcher-kva.example:32400"},
		{"ip host", "https://192.168.1.10:32400", "https://192.168.1.10:32400"},
		{"query stripped", "http://plex.local:32400/?a=b", "http://plex.local:32400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normaliseBaseURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCachePath(t *testing.T) {
	cfgPath := "/etc/tubesync/config.json"

	var cfg Config
	assert.Equal(t, "/etc/tubesync/tubesync_cache.json", cfg.CachePath(cfgPath))

	cfg.CacheFile = "state/cache.json"
	assert.Equal(t, "/etc/tubesync/state/cache.json", cfg.CachePath(cfgPath))

	cfg.CacheFile = "/var/lib/tubesync/cache.json"
	assert.Equal(t, "/var/lib/tubesync/cache.json", cfg.CachePath(cfgPath))
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "info", Config{}.LogLevel())
	assert.Equal(t, "warn", Config{Silent: true}.LogLevel())
	assert.Equal(t, "debug", Config{Detail: true}.LogLevel())
	assert.Equal(t, "debug", Config{Silent: true, Detail: true}.LogLevel())
}

func TestWriteDefaultStub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "server_base_url")
	assert.Contains(t, raw, "server_token")
	assert.Contains(t, raw, "library_ids")

	// The stub deliberately fails validation until the operator fills in
	// the token.
	_, _, err = Load(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigFile, "/env/config.json")
	assert.Equal(t, "/flag/config.json", ResolvePath("/flag/config.json"))
	assert.Equal(t, "/env/config.json", ResolvePath(""))
}
