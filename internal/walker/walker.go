// Package walker enumerates library roots into the video and sidecar sets a
// one-shot run feeds to the worker pool. Enumeration is sequential: the apply
// pipeline, not directory I/O, is the bottleneck.
package walker

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/log"
)

// Result holds the deduplicated, canonical, sorted enumeration of the roots.
type Result struct {
	Videos   []string
	Sidecars []string
}

// Walker scans directory trees for videos and their descriptors.
type Walker struct {
	logger zerolog.Logger
}

// New returns a Walker.
func New() *Walker {
	return &Walker{logger: log.WithComponent("walker")}
}

// Walk enumerates every root recursively. Symlinked directories are followed
// once: a directory whose canonical path was already visited is skipped, so
// link cycles terminate. Hidden names and system sidecar directories are
// ignored. Unreadable entries are logged and skipped. The only error returned
// is context cancellation.
func (w *Walker) Walk(ctx context.Context, roots []string) (Result, error) {
	videos := make(map[string]struct{})
	sidecars := make(map[string]struct{})
	visited := make(map[string]struct{})

	for _, root := range roots {
		canonical, err := fsutil.Canonicalize(root)
		if err != nil {
			w.logger.Warn().Err(err).Str(log.FieldEvent, "walker.root_skipped").Str(log.FieldPath, root).Msg("cannot canonicalise root")
			continue
		}
		if err := w.walkRoot(ctx, canonical, visited, videos, sidecars); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Videos:   sortedKeys(videos),
		Sidecars: sortedKeys(sidecars),
	}
	w.logger.Info().
		Str(log.FieldEvent, "walker.done").
		Int("roots", len(roots)).
		Int("videos", len(res.Videos)).
		Int("sidecars", len(res.Sidecars)).
		Msg("library enumerated")
	return res, nil
}

// walkRoot performs an iterative depth-first traversal with an explicit
// stack. Recursion is avoided so that degenerate link chains cannot blow the
// call stack before the visited check cuts them off.
func (w *Walker) walkRoot(ctx context.Context, root string, visited map[string]struct{}, videos, sidecars map[string]struct{}) error {
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[dir]; seen {
			continue
		}
		visited[dir] = struct{}{}

		entries, err := os.ReadDir(dir)
		if err != nil {
			w.logger.Warn().Err(err).Str(log.FieldEvent, "walker.dir_skipped").Str(log.FieldPath, dir).Msg("cannot read directory")
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			full := filepath.Join(dir, name)

			if entry.IsDir() || isSymlinkDir(full, entry) {
				if fsutil.SkipDir(name) {
					continue
				}
				canonical, err := fsutil.Canonicalize(full)
				if err != nil {
					w.logger.Warn().Err(err).Str(log.FieldEvent, "walker.dir_skipped").Str(log.FieldPath, full).Msg("cannot canonicalise directory")
					continue
				}
				stack = append(stack, canonical)
				continue
			}

			if fsutil.IsHidden(name) {
				continue
			}
			switch {
			case fsutil.IsVideo(name):
				w.collect(full, videos)
			case fsutil.IsSidecar(name):
				w.collect(full, sidecars)
			}
		}
	}
	return nil
}

func (w *Walker) collect(path string, into map[string]struct{}) {
	canonical, err := fsutil.Canonicalize(path)
	if err != nil {
		w.logger.Warn().Err(err).Str(log.FieldEvent, "walker.file_skipped").Str(log.FieldPath, path).Msg("cannot canonicalise file")
		return
	}
	into[canonical] = struct{}{}
}

// isSymlinkDir reports whether entry is a symlink whose target is a
// directory. Symlinked files pass through the normal file classification.
func isSymlinkDir(full string, entry os.DirEntry) bool {
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.IsDir()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
