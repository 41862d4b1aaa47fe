// Package cache implements the durable video-path cache: a JSON-backed map
// from canonical video path to the media-server id and the hash of the last
// applied sidecar. The map is the only state shared across components.
package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
)

// ErrCorruptFile marks a backing file that exists but cannot be decoded.
// The daemon treats this as fatal: silently starting with an empty cache
// would re-edit the whole library.
var ErrCorruptFile = errors.New("cache file corrupt")

// Entry is the cached state for one video path. ServerID is the media
// server's opaque key for the item; NFOHash is the MD5 of the sidecar
// payload that was last applied. Either may be empty, but a non-empty
// NFOHash implies a non-empty ServerID.
type Entry struct {
	ServerID string `json:"server_id,omitempty"`
	NFOHash  string `json:"nfo_hash,omitempty"`
}

// Store is the thread-safe path cache. Mutations serialise on mu; Flush
// serialises on flushMu and performs I/O without holding mu.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
	gen     uint64

	flushMu sync.Mutex

	logger zerolog.Logger
}

// New creates a store backed by the given file path. Call Load before use.
func New(path string) *Store {
	return &Store{
		path:    path,
		entries: make(map[string]Entry),
		logger:  log.WithComponent("cache"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the backing file. A missing file yields an empty store; an
// unreadable or undecodable file returns an error wrapping ErrCorruptFile.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info().Str(log.FieldEvent, "cache.load").Str(log.FieldPath, s.path).Msg("no cache file, starting empty")
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrCorruptFile, s.path, err)
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorruptFile, s.path, err)
	}

	s.mu.Lock()
	s.entries = entries
	n := len(entries)
	s.mu.Unlock()

	metrics.RecordCacheEntries(n)
	s.logger.Info().Str(log.FieldEvent, "cache.load").Int("entries", n).Msg("cache loaded")
	return nil
}

// Get returns the entry for path. The second return value distinguishes a
// present zero entry from a miss.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	return e, ok
}

// Update merges the non-nil fields into the entry for path, creating it when
// absent. A non-empty hash is recorded only when the merged entry carries a
// server id; a hash without an id is dropped with a warning.
func (s *Store) Update(path string, serverID, nfoHash *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[path]
	if serverID != nil {
		e.ServerID = *serverID
	}
	if nfoHash != nil {
		if *nfoHash != "" && e.ServerID == "" {
			s.logger.Warn().
				Str(log.FieldEvent, "cache.hash_without_id").
				Str(log.FieldPath, path).
				Msg("refusing to record sidecar hash for entry without server id")
		} else {
			e.NFOHash = *nfoHash
		}
	}
	s.entries[path] = e
	s.markDirtyLocked()
}

// EnsureEntry records a placeholder entry for path so that the repair sweep
// will pick it up. Existing entries are left untouched.
func (s *Store) EnsureEntry(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[path]; ok {
		return
	}
	s.entries[path] = Entry{}
	s.markDirtyLocked()
}

// SetServerID records the server id for path, keeping any applied hash.
func (s *Store) SetServerID(path, serverID string) {
	s.Update(path, &serverID, nil)
}

// SetApplied records a successful apply: the resolved server id together
// with the hash of the sidecar that was written.
func (s *Store) SetApplied(path, serverID, nfoHash string) {
	s.Update(path, &serverID, &nfoHash)
}

// Remove deletes the entry for path. Removing an absent key is a no-op and
// does not mark the store dirty.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[path]; !ok {
		return
	}
	delete(s.entries, path)
	s.markDirtyLocked()
}

// RemovePrefix deletes every entry whose path starts with prefix and
// reports how many were dropped. A directory that is moved or deleted
// surfaces as one event for the directory itself; its descendants' keys
// are swept out here.
func (s *Store) RemovePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for path := range s.entries {
		if strings.HasPrefix(path, prefix) {
			delete(s.entries, path)
			removed++
		}
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	return removed
}

// MissingServerID returns a snapshot of the paths whose entry has no server
// id yet, in sorted order.
func (s *Store) MissingServerID() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p, e := range s.entries {
		if e.ServerID == "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a copy of the full map for lock-free iteration.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for p, e := range s.entries {
		out[p] = e
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Dirty reports whether there are unflushed mutations.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.gen++
	metrics.RecordCacheEntries(len(s.entries))
}

// Flush writes the full map to the backing file when dirty. The write is
// atomic (temp file, fsync, rename). Mutations that land while the write is
// in flight keep the store dirty for the next flush.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		metrics.IncCacheFlush("noop")
		return nil
	}
	snapshot := make(map[string]Entry, len(s.entries))
	for p, e := range s.entries {
		snapshot[p] = e
	}
	gen := s.gen
	s.mu.Unlock()

	if err := s.write(snapshot); err != nil {
		metrics.IncCacheFlush("error")
		s.logger.Error().Err(err).Str(log.FieldEvent, "cache.flush_failed").Msg("cache flush failed, keeping dirty flag")
		return err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	metrics.IncCacheFlush("written")
	s.logger.Info().Str(log.FieldEvent, "cache.flush").Int("entries", len(snapshot)).Msg("cache flushed")
	return nil
}

func (s *Store) write(snapshot map[string]Entry) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending cache file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending cache file")
		}
	}()

	if _, err := pending.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
