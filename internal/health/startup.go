package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/config"
	"github.com/kman0001/tubesync-plex/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts
// doing work: the cache directory must be writable, the ops listen address
// parseable and every watch root present. Watch roots are resolved from the
// server's library locations, so the caller passes them in; they are empty
// in one-shot mode.
func PerformStartupChecks(cfg config.Config, cachePath string, watchRoots []string) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkCacheDir(logger, filepath.Dir(cachePath)); err != nil {
		return fmt.Errorf("cache directory check failed: %w", err)
	}

	if cfg.OpsListen != "" {
		if err := checkListenAddr(cfg.OpsListen); err != nil {
			return fmt.Errorf("ops listen address check failed: %w", err)
		}
		logger.Info().Str("addr", cfg.OpsListen).Msg("✓ Ops listen address is valid")
	}

	if len(watchRoots) > 0 {
		if err := checkWatchFolders(logger, watchRoots); err != nil {
			return fmt.Errorf("watch folder check failed: %w", err)
		}
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkCacheDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	// Probe write permissions with a temp file.
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("✓ Cache directory is writable")
	return nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	return nil
}

func checkWatchFolders(logger zerolog.Logger, folders []string) error {
	for _, folder := range folders {
		info, err := os.Stat(folder)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("watch folder does not exist: %s", folder)
			}
			return fmt.Errorf("watch folder %s: %w", folder, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch folder is not a directory: %s", folder)
		}
	}
	logger.Info().Int("count", len(folders)).Msg("✓ Watch folders validated")
	return nil
}
