// Package fsutil groups the path rules shared by the walker, the watch engine
// and the apply pipeline: canonicalisation, extension classification and the
// names that are never media.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VideoExts lists the recognised video extensions. Order matters: companion
// lookup for a sidecar probes them in this order and stops at the first hit.
var VideoExts = []string{".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv", ".m4v"}

// SidecarExt is the descriptor extension.
const SidecarExt = ".nfo"

// systemDirs are directory names that never contain library media.
var systemDirs = map[string]struct{}{
	"@eaDir": {},
}

// Canonicalize returns the absolute, symlink-resolved form of path. When the
// target itself does not exist the parent chain is still resolved so that
// deleted files canonicalise to the same key they were stored under.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Split(abs)
	if resolvedDir, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(resolvedDir, base), nil
	}
	return filepath.Clean(abs), nil
}

// IsVideo reports whether path has a recognised video extension.
func IsVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, v := range VideoExts {
		if ext == v {
			return true
		}
	}
	return false
}

// IsSidecar reports whether path has the descriptor extension.
func IsSidecar(path string) bool {
	return strings.EqualFold(filepath.Ext(path), SidecarExt)
}

// IsHidden reports whether the basename starts with a dot.
func IsHidden(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// SkipDir reports whether a directory must be excluded from scanning and
// watching (hidden directories and NAS system sidecar directories).
func SkipDir(name string) bool {
	base := filepath.Base(name)
	if IsHidden(base) {
		return true
	}
	_, ok := systemDirs[base]
	return ok
}

// SidecarFor derives the descriptor path for a video: same stem, .nfo.
func SidecarFor(video string) string {
	ext := filepath.Ext(video)
	return video[:len(video)-len(ext)] + SidecarExt
}

// CompanionVideo locates the video a sidecar belongs to by probing the video
// extensions in canonical order. Returns false when no candidate exists.
func CompanionVideo(sidecar string) (string, bool) {
	ext := filepath.Ext(sidecar)
	stem := sidecar[:len(sidecar)-len(ext)]
	for _, v := range VideoExts {
		candidate := stem + v
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// IsRegularFile returns an error unless path names an existing regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: not a regular file", path)
	}
	return nil
}
