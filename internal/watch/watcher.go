// Package watch turns filesystem activity under the library roots into
// apply work: an fsnotify intake with per-path debounce, a retry engine
// with kind-specific exponential backoff, and the periodic cache repair
// sweep that resolves entries the server had not scanned yet.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
)

// Kind classifies a watched path.
type Kind string

const (
	KindVideo   Kind = "video"
	KindSidecar Kind = "sidecar"
)

// Sink receives classified, debounced watch events.
type Sink interface {
	// Enqueue registers an upsert (create or write) for path.
	Enqueue(path string, kind Kind)
	// Forget handles a delete or move-away of path.
	Forget(path string)
	// ForgetTree handles a delete or move-away of a whole directory.
	ForgetTree(dir string)
}

// lastSeen map is pruned once it grows past this many paths.
const pruneThreshold = 4096

// Watcher owns one fsnotify watcher across all roots. fsnotify is not
// recursive, so every directory in the tree gets its own watch and new
// directories are added as they appear.
type Watcher struct {
	fsw      *fsnotify.Watcher
	sink     Sink
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewWatcher registers recursive watches on every root. A root that cannot
// be watched is an error: silently missing a library would defeat the
// daemon's purpose.
func NewWatcher(roots []string, debounce time.Duration, sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		sink:     sink,
		debounce: debounce,
		logger:   log.WithComponent("watch"),
		lastSeen: make(map[string]time.Time),
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch root %s: %w", root, err)
		}
		w.logger.Info().Str(log.FieldEvent, "watch.root_added").Str(log.FieldPath, root).Msg("watching library root")
	}
	return w, nil
}

// Run pumps events until ctx is cancelled. The watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug().Err(err).Msg("close watcher")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str(log.FieldEvent, "watch.stopped").Msg("watcher stopped")
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Str(log.FieldEvent, "watch.error").Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	base := filepath.Base(path)

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		switch {
		case fsutil.IsVideo(path) || fsutil.IsSidecar(path):
			metrics.IncWatchEvent("delete")
			w.logger.Debug().Str(log.FieldEvent, "watch.delete").Str(log.FieldPath, path).Msg("path removed")
			w.sink.Forget(path)
		case !fsutil.IsHidden(base):
			// The name is gone, so it cannot be statted: anything that is
			// not a media file may have been a directory taking its
			// subtree with it. Sweeping by prefix is a no-op for plain
			// files.
			w.sink.ForgetTree(path)
		}
		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if fsutil.IsHidden(base) {
		return
	}

	// A new directory gets its own watches, and its existing contents are
	// synthesised as creates: files that landed before the watch was in
	// place would otherwise be missed (move-in of a whole tree).
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if fsutil.SkipDir(base) {
				return
			}
			w.logger.Debug().Str(log.FieldEvent, "watch.dir_added").Str(log.FieldPath, path).Msg("watching new directory")
			if err := w.addRecursive(path); err != nil {
				w.logger.Warn().Err(err).Str(log.FieldEvent, "watch.dir_add_failed").Str(log.FieldPath, path).Msg("cannot watch new directory")
			}
			w.rescan(path)
			return
		}
	}

	w.accept(path)
}

// accept runs the debounce gate and forwards one file upsert to the sink.
func (w *Watcher) accept(path string) {
	kind, ok := classify(path)
	if !ok {
		return
	}
	// A path that is gone already still goes through: the engine logs the
	// vanish. Only a present non-regular name (fifo, device, dir with a
	// media extension) is dropped.
	if info, err := os.Stat(path); err == nil && !info.Mode().IsRegular() {
		return
	}
	if !w.admit(path) {
		metrics.IncWatchEventDebounced()
		return
	}
	metrics.IncWatchEvent(string(kind))
	w.logger.Debug().Str(log.FieldEvent, "watch.event").Str(log.FieldPath, path).Str(log.FieldKind, string(kind)).Msg("event accepted")
	w.sink.Enqueue(path, kind)
}

// admit reports whether an event for path is outside the debounce window
// of the previous one, recording the new timestamp when it is.
func (w *Watcher) admit(path string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, seen := w.lastSeen[path]; seen && now.Sub(last) < w.debounce {
		return false
	}
	w.lastSeen[path] = now

	if len(w.lastSeen) > pruneThreshold {
		for p, ts := range w.lastSeen {
			if now.Sub(ts) >= w.debounce {
				delete(w.lastSeen, p)
			}
		}
	}
	return true
}

// addRecursive walks dir and watches every non-hidden directory under it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("walk error while adding watches")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && fsutil.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("add watch %s: %w", path, err)
		}
		return nil
	})
}

// rescan synthesises create events for the video/sidecar files already
// inside dir.
func (w *Watcher) rescan(dir string) {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && fsutil.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if fsutil.IsHidden(d.Name()) {
			return nil
		}
		w.accept(filepath.Clean(path))
		return nil
	})
	if err != nil {
		w.logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("rescan failed")
	}
}

func classify(path string) (Kind, bool) {
	switch {
	case fsutil.IsVideo(path):
		return KindVideo, true
	case fsutil.IsSidecar(path):
		return KindSidecar, true
	default:
		return "", false
	}
}
