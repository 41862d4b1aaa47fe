package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio/v2"
)

// Environment overrides. Flags still win over the environment.
const (
	// EnvConfigFile overrides the config file path when set.
	EnvConfigFile = "CONFIG_FILE"
	// EnvBaseDir overrides the application state directory when set.
	EnvBaseDir = "BASE_DIR"
)

// ResolvePath picks the config file location: explicit flag value first,
// then the CONFIG_FILE environment variable.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigFile)
}

// ResolveBaseDir picks the application directory override: explicit flag
// value first, then the BASE_DIR environment variable. Empty means none.
func ResolveBaseDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvBaseDir)
}

// Load reads and validates the configuration file. A missing file returns
// ErrMissingFile so the caller can bootstrap a stub; malformed JSON and
// unusable values return an error wrapping ErrInvalid. The warnings slice
// carries non-fatal adjustments for the caller to log.
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil, fmt.Errorf("%w: %s", ErrMissingFile, path)
		}
		return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	warnings := cfg.normalise()
	if err := cfg.validate(); err != nil {
		return Config{}, warnings, err
	}
	return cfg, warnings, nil
}

// WriteDefault writes a bootstrap config stub the operator fills in. The
// write is atomic so a crash cannot leave a truncated file behind.
func WriteDefault(path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config stub %s: %w", path, err)
	}
	return nil
}
