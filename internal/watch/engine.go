package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/cache"
	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
	"github.com/kman0001/tubesync-plex/internal/pipeline"
)

// Applier is the pipeline surface the engine dispatches to.
type Applier interface {
	Apply(ctx context.Context, videoPath, sidecarPath string) pipeline.Result
}

// EngineConfig carries the retry timing knobs.
type EngineConfig struct {
	// VideoDelay is the first wait for a new video: long enough for the
	// writer to finish the copy.
	VideoDelay time.Duration
	// SidecarDelay is the first wait for a new sidecar: long enough for
	// the companion video to land.
	SidecarDelay time.Duration
	// MaxDelay caps the doubling backoff.
	MaxDelay time.Duration
	// MaxSidecarAttempts drops a sidecar after this many failures. Videos
	// are never dropped: storage may settle arbitrarily late.
	MaxSidecarAttempts int
	// Tick is the consumer wake interval.
	Tick time.Duration
}

// DefaultEngineConfig mirrors the shipped daemon defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		VideoDelay:         5 * time.Second,
		SidecarDelay:       30 * time.Second,
		MaxDelay:           600 * time.Second,
		MaxSidecarAttempts: 5,
		Tick:               time.Second,
	}
}

type retryItem struct {
	dueAt    time.Time
	delay    time.Duration
	attempts int
	kind     Kind
}

// Engine is the retry queue and its single-threaded consumer. It implements
// Sink, so a Watcher can feed it directly.
type Engine struct {
	cfg    EngineConfig
	pipe   Applier
	store  *cache.Store
	logger zerolog.Logger

	// onUnresolved fires when an apply fails because the server does not
	// know the file yet; the daemon wires it to the bonus repair trigger.
	onUnresolved func()

	mu    sync.Mutex
	queue map[string]*retryItem
}

func NewEngine(cfg EngineConfig, pipe Applier, store *cache.Store, onUnresolved func()) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Engine{
		cfg:          cfg,
		pipe:         pipe,
		store:        store,
		logger:       log.WithComponent("watch"),
		onUnresolved: onUnresolved,
		queue:        make(map[string]*retryItem),
	}
}

// Enqueue inserts path with its kind-specific initial delay. A path already
// queued is left alone: duplicate events never shorten an outstanding wait.
func (e *Engine) Enqueue(path string, kind Kind) {
	delay := e.cfg.VideoDelay
	if kind == KindSidecar {
		delay = e.cfg.SidecarDelay
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, queued := e.queue[path]; queued {
		return
	}
	e.queue[path] = &retryItem{
		dueAt: time.Now().Add(delay),
		delay: delay,
		kind:  kind,
	}
	metrics.RecordRetryQueueDepth(len(e.queue))
	e.logger.Debug().Str(log.FieldEvent, "watch.enqueued").Str(log.FieldPath, path).Str(log.FieldKind, string(kind)).Dur(log.FieldDelay, delay).Msg("queued for processing")
}

// Forget drops path from the queue; a video path is also removed from the
// cache (its entry keys on the video path, sidecars are never keys).
func (e *Engine) Forget(path string) {
	e.mu.Lock()
	delete(e.queue, path)
	metrics.RecordRetryQueueDepth(len(e.queue))
	e.mu.Unlock()

	if fsutil.IsVideo(path) {
		e.store.Remove(path)
	}
}

// ForgetTree drops every queued path under dir and purges the cache keys
// beneath it. A directory move or delete arrives as a single event naming
// the directory, so the children must be swept out by prefix.
func (e *Engine) ForgetTree(dir string) {
	prefix := strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)

	e.mu.Lock()
	for path := range e.queue {
		if strings.HasPrefix(path, prefix) {
			delete(e.queue, path)
		}
	}
	metrics.RecordRetryQueueDepth(len(e.queue))
	e.mu.Unlock()

	if removed := e.store.RemovePrefix(prefix); removed > 0 {
		e.logger.Info().Str(log.FieldEvent, "watch.tree_forgotten").Str(log.FieldPath, dir).Int("removed", removed).Msg("purged entries under removed directory")
	}
}

// Len reports the current queue depth.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Run consumes the queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Str(log.FieldEvent, "watch.engine_stopped").Msg("retry engine stopped")
			return nil
		case <-ticker.C:
			e.processDue(ctx)
		}
	}
}

type dueEntry struct {
	path string
	item retryItem
}

// processDue pops every entry whose wait elapsed and runs it through the
// pipeline; failures are rescheduled with doubled delay.
func (e *Engine) processDue(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	var due []dueEntry
	for path, item := range e.queue {
		if !item.dueAt.After(now) {
			due = append(due, dueEntry{path: path, item: *item})
			delete(e.queue, path)
		}
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].path < due[j].path })

	for _, d := range due {
		if ctx.Err() != nil {
			// Push the rest back untouched; shutdown flushes separately.
			e.requeue(d.path, d.item)
			continue
		}
		e.process(ctx, d.path, d.item)
	}

	if err := e.store.Flush(); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldEvent, "watch.flush_failed").Msg("cache flush after batch failed")
	}

	e.mu.Lock()
	metrics.RecordRetryQueueDepth(len(e.queue))
	e.mu.Unlock()
}

func (e *Engine) process(ctx context.Context, path string, item retryItem) {
	if _, err := os.Stat(path); err != nil {
		// Gone before its turn came: nothing to apply, nothing to keep.
		e.store.Remove(path)
		e.logger.Debug().Str(log.FieldEvent, "watch.vanished").Str(log.FieldPath, path).Msg("queued path no longer exists")
		return
	}

	var res pipeline.Result
	switch item.kind {
	case KindVideo:
		res = e.pipe.Apply(ctx, path, fsutil.SidecarFor(path))
	default:
		video, ok := fsutil.CompanionVideo(path)
		if !ok {
			// No companion with any known extension yet; retry until the
			// video lands or the sidecar cap is hit.
			res = pipeline.Result{Status: pipeline.StatusFail, Reason: "companion video missing"}
		} else {
			res = e.pipe.Apply(ctx, video, path)
		}
	}

	metrics.IncFileProcessed(string(item.kind), res.Label())

	if res.OK() {
		e.logger.Debug().Str(log.FieldEvent, "watch.processed").Str(log.FieldPath, path).Str(log.FieldKind, string(item.kind)).Int(log.FieldAttempt, item.attempts+1).Msg("processed")
		return
	}

	if res.Reason == pipeline.ReasonUnresolved && e.onUnresolved != nil {
		e.onUnresolved()
	}

	item.attempts++
	item.delay = min(item.delay*2, e.cfg.MaxDelay)
	item.dueAt = time.Now().Add(item.delay)

	if item.kind == KindSidecar && item.attempts >= e.cfg.MaxSidecarAttempts {
		metrics.IncRetriesExhausted()
		e.logger.Warn().
			Str(log.FieldEvent, "watch.retry_exhausted").
			Str(log.FieldPath, path).
			Int(log.FieldAttempt, item.attempts).
			Str("reason", res.Reason).
			Msg("sidecar dropped after retry cap")
		return
	}

	e.requeue(path, item)
	e.logger.Debug().
		Str(log.FieldEvent, "watch.retry_scheduled").
		Str(log.FieldPath, path).
		Int(log.FieldAttempt, item.attempts).
		Dur(log.FieldDelay, item.delay).
		Str("reason", res.Reason).
		Msg("retry scheduled")
}

// requeue reinstates a popped item. The consumer owns the retry state, so
// it overwrites whatever a concurrent event may have inserted meanwhile.
func (e *Engine) requeue(path string, item retryItem) {
	e.mu.Lock()
	e.queue[path] = &item
	e.mu.Unlock()
}
