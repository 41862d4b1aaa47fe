// Package daemon wires the synchroniser together and owns its lifecycle:
// config in, cache loaded, server probed, then either one full library pass
// or the long-running watch loop. Everything below it reports errors; the
// supervisor decides what is fatal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kman0001/tubesync-plex/internal/cache"
	"github.com/kman0001/tubesync-plex/internal/config"
	"github.com/kman0001/tubesync-plex/internal/ffmpeg"
	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/health"
	"github.com/kman0001/tubesync-plex/internal/httpx"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/pipeline"
	"github.com/kman0001/tubesync-plex/internal/plex"
	"github.com/kman0001/tubesync-plex/internal/subtitles"
	"github.com/kman0001/tubesync-plex/internal/telemetry"
)

const (
	// identityTimeout bounds the startup connectivity probe.
	identityTimeout = 10 * time.Second
	// flushInterval is the periodic cache flush in watch mode.
	flushInterval = 60 * time.Second
	// shutdownTimeout bounds the final flush and the shutdown hooks.
	shutdownTimeout = 30 * time.Second
)

// ShutdownHook is one cleanup step run during graceful shutdown. Hooks run
// in reverse registration order.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Options carries everything main resolved from flags and environment.
type Options struct {
	// Config is the decoded, validated configuration.
	Config config.Config
	// ConfigPath anchors relative state locations.
	ConfigPath string
	// BaseDir relocates the application directory (cache file, ffmpeg
	// binaries) away from the config file's directory.
	BaseDir string
	// OneShot forces a single pass even when the config enables watching.
	OneShot bool
	// DebugHTTP raises per-request client logging.
	DebugHTTP bool
	// Version is the build version, reported on status and health.
	Version string
}

// appDir is where mutable state lives.
func (o Options) appDir() string {
	if o.BaseDir != "" {
		return o.BaseDir
	}
	return filepath.Dir(o.ConfigPath)
}

// cachePath resolves the cache file: an explicit config override wins,
// otherwise the default name inside the app dir.
func (o Options) cachePath() string {
	if o.Config.CacheFile == "" && o.BaseDir != "" {
		return filepath.Join(o.BaseDir, config.CacheFileName)
	}
	return o.Config.CachePath(o.ConfigPath)
}

// Supervisor owns the run modes and the shutdown sequence.
type Supervisor struct {
	opts   Options
	cfg    config.Config
	store  *cache.Store
	client *plex.Client
	health *health.Manager
	logger zerolog.Logger

	mu    sync.Mutex
	hooks []namedHook
}

// New wires the state layer and the server client. Nothing here touches the
// network; connectivity is probed in Run so the caller's context applies.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config

	clientCfg := plex.Config{
		BaseURL:       cfg.ServerBaseURL,
		Token:         cfg.ServerToken,
		MaxConcurrent: cfg.MaxConcurrentRequests,
		RequestDelay:  cfg.RequestDelay(),
		DebugHTTP:     opts.DebugHTTP,
	}
	if cfg.Telemetry.Enabled {
		clientCfg.Transport = otelhttp.NewTransport(httpx.NewTransport())
	}
	client, err := plex.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("server client: %w", err)
	}

	store := cache.New(opts.cachePath())

	hm := health.NewManager(opts.Version)
	hm.RegisterChecker(health.NewWritableDirChecker("cache_dir", filepath.Dir(store.Path())))
	hm.RegisterChecker(health.NewServerChecker(client))

	return &Supervisor{
		opts:   opts,
		cfg:    cfg,
		store:  store,
		client: client,
		health: hm,
		logger: log.WithComponent("daemon"),
	}, nil
}

// RegisterShutdownHook adds a cleanup step; hooks run LIFO after the run
// modes have stopped.
func (s *Supervisor) RegisterShutdownHook(name string, hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, namedHook{name: name, hook: hook})
}

// Run executes the selected mode and blocks until it finishes or ctx is
// cancelled, then runs the shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	runErr := s.run(ctx)
	if sdErr := s.shutdown(ctx); sdErr != nil {
		if runErr != nil {
			return errors.Join(runErr, sdErr)
		}
		return sdErr
	}
	return runErr
}

func (s *Supervisor) run(ctx context.Context) error {
	watchMode := s.cfg.WatchFolders && !s.opts.OneShot
	mode := pipeline.ModeScan
	if watchMode {
		mode = pipeline.ModeWatch
	}

	s.logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str("version", s.opts.Version).
		Str("mode", mode.String()).
		Str("config", s.opts.ConfigPath).
		Str("cache", s.store.Path()).
		Msg("starting tubesync-plex")

	if provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        s.cfg.Telemetry.Enabled,
		ServiceName:    "tubesync-plex",
		ServiceVersion: s.opts.Version,
		ExporterType:   s.cfg.Telemetry.Exporter,
		Endpoint:       s.cfg.Telemetry.Endpoint,
		SamplingRate:   s.cfg.Telemetry.SamplingRate,
	}); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, "telemetry.init_failed").Msg("telemetry disabled")
	} else {
		s.RegisterShutdownHook("telemetry", provider.Shutdown)
	}

	// The cache is the idempotence record. Starting without it would
	// re-apply every descriptor, so a load failure is fatal.
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("cache load: %w", err)
	}
	s.logger.Info().Str(log.FieldEvent, "cache.loaded").Int("entries", s.store.Len()).Msg("cache loaded")

	probeCtx, cancel := context.WithTimeout(ctx, identityTimeout)
	err := s.client.Identity(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("server identity probe: %w", err)
	}
	s.logger.Info().Str(log.FieldEvent, "plex.connected").Str(log.FieldBaseURL, s.client.BaseURL()).Msg("server reachable")

	extractor := s.provisionSubtitles(ctx)
	roots := s.resolveRoots(ctx)

	var watchRoots []string
	if watchMode {
		watchRoots = roots
	}
	if err := health.PerformStartupChecks(s.cfg, s.store.Path(), watchRoots); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	pipe := pipeline.New(s.store, s.client, s.policy(), s.cfg.LibraryIDs, mode)
	if extractor != nil && extractor.Enabled() {
		pipe.OnApplied(func(ctx context.Context, video string, item *plex.Item) {
			if _, err := extractor.Process(ctx, video, item); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldEvent, "subtitles.process_failed").Str(log.FieldVideo, video).Msg("subtitle pass failed")
			}
		})
	}

	if watchMode {
		return s.runWatch(ctx, pipe, roots)
	}
	return s.runScan(ctx, pipe, roots)
}

func (s *Supervisor) policy() pipeline.Policy {
	return pipeline.Policy{
		AlwaysApply:   s.cfg.AlwaysApplyNFO,
		DeleteSidecar: s.cfg.DeleteNFOAfterApply,
	}
}

// provisionSubtitles readies the extractor when the feature is on. Every
// failure here degrades to "no subtitles", never to a dead daemon.
func (s *Supervisor) provisionSubtitles(ctx context.Context) *subtitles.Extractor {
	if !s.cfg.Subtitles {
		return nil
	}
	prov := ffmpeg.New(ffmpeg.Config{Dir: filepath.Join(s.opts.appDir(), "ffmpeg")})
	if err := prov.Ensure(ctx); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, "ffmpeg.ensure_failed").Msg("ffmpeg provisioning failed")
	}
	return subtitles.New(prov.Paths(), s.client)
}

// resolveRoots turns library ids into watched/walked directories via the
// section locations the server reports. Ids the server does not know are
// skipped, not fatal: a stale id should not take the other libraries down.
func (s *Supervisor) resolveRoots(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, id := range s.cfg.LibraryIDs {
		sec, err := s.client.SectionByID(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Int(log.FieldLibraryID, id).Str(log.FieldEvent, "daemon.section_failed").Msg("cannot resolve library section")
			continue
		}
		for _, loc := range sec.Locations {
			canon, cerr := fsutil.Canonicalize(loc)
			if cerr != nil {
				canon = filepath.Clean(loc)
			}
			if _, dup := seen[canon]; dup {
				continue
			}
			seen[canon] = struct{}{}
			roots = append(roots, canon)
		}
	}
	sort.Strings(roots)

	if len(roots) == 0 {
		s.logger.Warn().Str(log.FieldEvent, "daemon.no_roots").Msg("no library locations found; check library_ids")
	} else {
		s.logger.Info().Str(log.FieldEvent, "daemon.roots").Strs("roots", roots).Msg("library roots resolved")
	}
	return roots
}

// flushLoop persists the cache on a fixed cadence so a crash loses at most
// one interval of work.
func (s *Supervisor) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.store.Flush(); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldEvent, "cache.flush_failed").Msg("periodic flush failed")
			}
		}
	}
}

// shutdown flushes the cache and runs the registered hooks LIFO, bounded by
// shutdownTimeout and detached from the (likely cancelled) run context.
func (s *Supervisor) shutdown(ctx context.Context) error {
	sdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.store.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("final cache flush: %w", err))
	}

	s.mu.Lock()
	hooks := make([]namedHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(sdCtx); err != nil {
			s.logger.Error().Err(err).Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		s.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	s.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("stopped cleanly")
	return nil
}
