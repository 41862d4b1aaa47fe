// Package config owns the operator-facing configuration file: a single JSON
// document whose keys mirror the original deployment format. Defaults cover
// every optional key, a missing file bootstraps a commented stub, and values
// that would misbehave at runtime are clamped with a warning rather than
// rejected.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Duration and sizing defaults. The JSON file carries plain numbers
// (seconds), so the defaults are kept in the same unit.
const (
	DefaultThreads               = 8
	DefaultMaxConcurrentRequests = 2
	DefaultRequestDelaySeconds   = 0.1
	DefaultDebounceSeconds       = 2.0
	DefaultRepairSeconds         = 300
	DefaultDelayAfterNewSeconds  = 60

	MaxThreads               = 64
	MaxConcurrentRequestsCap = 16

	// CacheFileName is the cache file placed next to the config unless the
	// config names its own location.
	CacheFileName = "tubesync_cache.json"
)

// Telemetry configures the optional OTLP trace exporter.
type Telemetry struct {
	Enabled      bool    `json:"enabled"`
	Endpoint     string  `json:"endpoint"`
	Exporter     string  `json:"exporter"` // "otlp-http" or "otlp-grpc"
	SamplingRate float64 `json:"sampling_rate"`
}

// Config is the decoded configuration file. JSON keys are the contract;
// unknown keys in the file are ignored.
type Config struct {
	ServerBaseURL string `json:"server_base_url"`
	ServerToken   string `json:"server_token"`
	LibraryIDs    []int  `json:"library_ids"`

	Silent    bool `json:"silent"`
	Detail    bool `json:"detail"`
	Subtitles bool `json:"subtitles"`

	Threads               int     `json:"threads"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests"`
	RequestDelaySeconds   float64 `json:"request_delay"`

	WatchFolders           bool    `json:"watch_folders"`
	WatchDebounceSeconds   float64 `json:"watch_debounce_delay"`
	AlwaysApplyNFO         bool    `json:"always_apply_nfo"`
	DeleteNFOAfterApply    bool    `json:"delete_nfo_after_apply"`
	RepairIntervalSeconds  int     `json:"cache_repair_interval"`
	DelayAfterNewSeconds   int     `json:"delay_after_new_file"`

	// CacheFile overrides the default cache location next to the config.
	CacheFile string `json:"cache_file,omitempty"`

	// OpsListen enables the operational HTTP server when non-empty
	// (e.g. ":9090").
	OpsListen string `json:"ops_listen,omitempty"`

	Telemetry Telemetry `json:"telemetry,omitempty"`
}

// Default returns the configuration written to a bootstrap stub and used as
// the base for decoding, so absent keys keep their documented defaults.
func Default() Config {
	return Config{
		ServerBaseURL:         "http://127.0.0.1:32400",
		ServerToken:           "",
		LibraryIDs:            []int{},
		Threads:               DefaultThreads,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		RequestDelaySeconds:   DefaultRequestDelaySeconds,
		WatchFolders:          false,
		WatchDebounceSeconds:  DefaultDebounceSeconds,
		AlwaysApplyNFO:        true,
		DeleteNFOAfterApply:   true,
		RepairIntervalSeconds: DefaultRepairSeconds,
		DelayAfterNewSeconds:  DefaultDelayAfterNewSeconds,
	}
}

// RequestDelay is the pause after each server API call.
func (c Config) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelaySeconds * float64(time.Second))
}

// DebounceDelay is the per-path event collapse window in watch mode.
func (c Config) DebounceDelay() time.Duration {
	return time.Duration(c.WatchDebounceSeconds * float64(time.Second))
}

// RepairInterval is the period of the cache repair sweep.
func (c Config) RepairInterval() time.Duration {
	return time.Duration(c.RepairIntervalSeconds) * time.Second
}

// DelayAfterNewFile is the bonus repair delay after an unresolved new file.
func (c Config) DelayAfterNewFile() time.Duration {
	return time.Duration(c.DelayAfterNewSeconds) * time.Second
}

// LogLevel maps the silent/detail switches to a zerolog level name. Detail
// wins when both are set: an operator debugging wants to see output.
func (c Config) LogLevel() string {
	if c.Detail {
		return "debug"
	}
	if c.Silent {
		return "warn"
	}
	return "info"
}

// CachePath resolves the cache file location: the configured override
// (relative paths anchor at the config directory) or the default name next
// to the config file.
func (c Config) CachePath(configPath string) string {
	if c.CacheFile != "" {
		if filepath.IsAbs(c.CacheFile) {
			return filepath.Clean(c.CacheFile)
		}
		return filepath.Join(filepath.Dir(configPath), c.CacheFile)
	}
	return filepath.Join(filepath.Dir(configPath), CacheFileName)
}

// normalise clamps out-of-range values in place and returns one advisory
// line per adjustment. Clamping beats failing here: these knobs tune
// throughput, they do not change what the synchroniser writes.
func (c *Config) normalise() []string {
	var warnings []string

	clampInt := func(name string, v *int, min, max, def int) {
		switch {
		case *v == 0:
			*v = def
		case *v < min:
			warnings = append(warnings, fmt.Sprintf("%s %d below minimum, using %d", name, *v, min))
			*v = min
		case *v > max:
			warnings = append(warnings, fmt.Sprintf("%s %d above maximum, using %d", name, *v, max))
			*v = max
		}
	}

	clampInt("threads", &c.Threads, 1, MaxThreads, DefaultThreads)
	clampInt("max_concurrent_requests", &c.MaxConcurrentRequests, 1, MaxConcurrentRequestsCap, DefaultMaxConcurrentRequests)

	if c.RequestDelaySeconds < 0 {
		warnings = append(warnings, fmt.Sprintf("request_delay %v is negative, using %v", c.RequestDelaySeconds, DefaultRequestDelaySeconds))
		c.RequestDelaySeconds = DefaultRequestDelaySeconds
	}
	if c.WatchDebounceSeconds < 0 {
		warnings = append(warnings, fmt.Sprintf("watch_debounce_delay %v is negative, using %v", c.WatchDebounceSeconds, DefaultDebounceSeconds))
		c.WatchDebounceSeconds = DefaultDebounceSeconds
	}
	if c.RepairIntervalSeconds <= 0 {
		warnings = append(warnings, fmt.Sprintf("cache_repair_interval %d not positive, using %d", c.RepairIntervalSeconds, DefaultRepairSeconds))
		c.RepairIntervalSeconds = DefaultRepairSeconds
	}
	if c.DelayAfterNewSeconds <= 0 {
		warnings = append(warnings, fmt.Sprintf("delay_after_new_file %d not positive, using %d", c.DelayAfterNewSeconds, DefaultDelayAfterNewSeconds))
		c.DelayAfterNewSeconds = DefaultDelayAfterNewSeconds
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		warnings = append(warnings, fmt.Sprintf("telemetry.sampling_rate %v outside [0,1], using 1", c.Telemetry.SamplingRate))
		c.Telemetry.SamplingRate = 1
	}

	if len(c.LibraryIDs) == 0 {
		warnings = append(warnings, "library_ids is empty: no items can be resolved")
	}

	return warnings
}
