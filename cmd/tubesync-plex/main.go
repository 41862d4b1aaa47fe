// Command tubesync-plex synchronises NFO sidecar metadata into a Plex
// server, either as one full library pass or as a long-running watcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kman0001/tubesync-plex/internal/config"
	"github.com/kman0001/tubesync-plex/internal/daemon"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFlag := flag.String("config", "", "path to the configuration file (or CONFIG_FILE env)")
	baseDirFlag := flag.String("base-dir", "", "application directory for cache and ffmpeg state (or BASE_DIR env)")
	disableWatchdog := flag.Bool("disable-watchdog", false, "force a single pass even when the config enables watching")
	detail := flag.Bool("detail", false, "debug-level logging")
	debug := flag.Bool("debug", false, "debug-level logging (alias of --detail)")
	debugHTTP := flag.Bool("debug-http", false, "log every server request")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Human("tubesync-plex"))
		os.Exit(0)
	}

	// Safe defaults until the config file has settled the effective level.
	log.Configure(log.Config{Level: "info", Service: "tubesync-plex", Version: version.Version})
	logger := log.WithComponent("main")

	configPath := config.ResolvePath(*configFlag)
	if configPath == "" {
		logger.Error().Str(log.FieldEvent, "config.path_missing").Msg("no config file given: pass --config or set CONFIG_FILE")
		os.Exit(1)
	}

	cfg, warnings, err := config.Load(configPath)
	if errors.Is(err, config.ErrMissingFile) {
		if werr := config.WriteDefault(configPath); werr != nil {
			logger.Error().Err(werr).Str(log.FieldEvent, "config.stub_failed").Str(log.FieldPath, configPath).Msg("cannot write config stub")
			os.Exit(1)
		}
		logger.Info().
			Str(log.FieldEvent, "config.stub_written").
			Str(log.FieldPath, configPath).
			Msg("wrote a default configuration; fill in server_base_url, server_token and library_ids, then run again")
		os.Exit(0)
	}
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "config.load_failed").Str(log.FieldPath, configPath).Msg("configuration unusable")
		os.Exit(1)
	}

	if *detail || *debug {
		cfg.Detail = true
	}
	log.Reconfigure(log.Config{Level: cfg.LogLevel(), Service: "tubesync-plex", Version: version.Version})
	for _, warning := range warnings {
		logger.Warn().Str(log.FieldEvent, "config.adjusted").Msg(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: configPath,
		BaseDir:    config.ResolveBaseDir(*baseDirFlag),
		OneShot:    *disableWatchdog,
		DebugHTTP:  *debugHTTP,
		Version:    version.Version,
	})
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.init_failed").Msg("cannot initialise")
		os.Exit(1)
	}

	if err := supervisor.Run(ctx); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("run failed")
		os.Exit(1)
	}
}
