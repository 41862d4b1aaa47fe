// Package pipeline applies one sidecar descriptor to one media-server item.
// The sequence is fixed: canonicalise, gate on the cached hash, resolve the
// item, write the fields locked, persist the hash, optionally delete the
// sidecar. Every step that can fail maps to a Result the caller can act on;
// the pipeline itself never retries.
package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/cache"
	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
	"github.com/kman0001/tubesync-plex/internal/nfo"
	"github.com/kman0001/tubesync-plex/internal/plex"
	"github.com/kman0001/tubesync-plex/internal/telemetry"
)

// Mode selects how unresolved items are reported.
type Mode int

const (
	// ModeScan is the one-shot full-library pass: an unresolved video
	// becomes a placeholder cache entry for the repair sweep.
	ModeScan Mode = iota
	// ModeWatch is the event-driven path: an unresolved video fails so
	// the retry engine reschedules it.
	ModeWatch
)

func (m Mode) String() string {
	if m == ModeWatch {
		return "watch"
	}
	return "scan"
}

// Status is the terminal state of one apply.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDeferred Status = "deferred"
	StatusFail     Status = "fail"
)

// Reasons reported on results that did not write fields.
const (
	ReasonNoSidecar  = "no sidecar"
	ReasonCacheHit   = "cache hit"
	ReasonInFlight   = "in flight"
	ReasonUnresolved = "unresolved"
)

// Result describes the outcome of one Apply call.
type Result struct {
	Status  Status
	Applied bool   // fields were written to the server
	Deleted bool   // the sidecar file was removed
	Reason  string // short cause when nothing was written
}

// OK reports whether the apply ended without failure.
func (r Result) OK() bool { return r.Status != StatusFail }

// Label maps the result onto the files_processed metric label.
func (r Result) Label() string {
	switch {
	case r.Status == StatusDeferred:
		return "deferred"
	case r.Status == StatusFail:
		return "failed"
	case r.Applied:
		return "applied"
	case r.Reason == ReasonCacheHit:
		return "skipped"
	default:
		return "noop"
	}
}

// Policy carries the two apply knobs. Both are per-pipeline, not global.
type Policy struct {
	// AlwaysApply writes the fields even when the sidecar hash matches
	// the cache.
	AlwaysApply bool
	// DeleteSidecar removes the sidecar after a successful apply and on
	// a cache hit.
	DeleteSidecar bool
}

// Pipeline is safe for concurrent use; concurrent applies for the same
// video path are rejected, not serialised.
type Pipeline struct {
	cache      *cache.Store
	client     *plex.Client
	policy     Policy
	libraryIDs []int
	mode       Mode
	logger     zerolog.Logger

	// onApplied runs after a successful field write, with the resolved
	// item still at hand. The daemon chains the subtitle side path here.
	onApplied func(ctx context.Context, video string, item *plex.Item)

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(store *cache.Store, client *plex.Client, policy Policy, libraryIDs []int, mode Mode) *Pipeline {
	return &Pipeline{
		cache:      store,
		client:     client,
		policy:     policy,
		libraryIDs: libraryIDs,
		mode:       mode,
		logger:     log.WithComponent("pipeline"),
		inFlight:   make(map[string]struct{}),
	}
}

// OnApplied registers a hook invoked after every successful field write.
// Must be set before the first Apply; a nil hook is never called.
func (p *Pipeline) OnApplied(fn func(ctx context.Context, video string, item *plex.Item)) {
	p.onApplied = fn
}

// Apply synchronises the item backing videoPath with the descriptor at
// sidecarPath. sidecarPath may be empty or point at a file that does not
// exist; both mean there is nothing to apply.
func (p *Pipeline) Apply(ctx context.Context, videoPath, sidecarPath string) Result {
	start := time.Now()
	tracer := telemetry.Tracer("tubesync.pipeline")
	ctx, span := tracer.Start(ctx, "tubesync.apply")
	defer span.End()

	res := p.run(ctx, videoPath, sidecarPath)

	emitApplyObs(ctx, videoPath, p.mode, res)
	metrics.IncApply(string(res.Status))
	metrics.ObserveApplyDuration(time.Since(start).Seconds())
	return res
}

func (p *Pipeline) run(ctx context.Context, videoPath, sidecarPath string) Result {
	video, err := fsutil.Canonicalize(videoPath)
	if err != nil {
		p.logger.Warn().Err(err).Str(log.FieldEvent, "apply.canonicalise_failed").Str(log.FieldVideo, videoPath).Msg("cannot canonicalise video path")
		return Result{Status: StatusFail, Reason: "canonicalise failed"}
	}

	if !p.begin(video) {
		p.logger.Debug().Str(log.FieldEvent, "apply.in_flight").Str(log.FieldVideo, video).Msg("apply already running for path")
		return Result{Status: StatusFail, Reason: ReasonInFlight}
	}
	defer p.end(video)

	sidecar := sidecarPath
	if sidecar != "" {
		if c, cerr := fsutil.Canonicalize(sidecar); cerr == nil {
			sidecar = c
		}
	}

	// Load the sidecar. Absent or empty is not an error: the video may
	// simply have no descriptor (yet).
	var data []byte
	if sidecar != "" {
		data, err = os.ReadFile(sidecar)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Error().Err(err).Str(log.FieldEvent, "apply.sidecar_read_failed").Str(log.FieldSidecar, sidecar).Msg("cannot read sidecar")
			return Result{Status: StatusFail, Reason: "sidecar read failed"}
		}
	}
	if len(data) == 0 {
		return p.noSidecar(ctx, video)
	}

	hash := nfo.Hash(data)
	entry, _ := p.cache.Get(video)

	// Idempotence gate: this exact payload was applied before.
	if entry.NFOHash == hash && !p.policy.AlwaysApply {
		p.logger.Debug().Str(log.FieldEvent, "apply.cache_hit").Str(log.FieldVideo, video).Str(log.FieldHash, hash).Msg("sidecar already applied")
		res := Result{Status: StatusOK, Reason: ReasonCacheHit}
		if p.policy.DeleteSidecar {
			res.Deleted = p.deleteSidecar(sidecar)
		}
		return res
	}

	if err := ctx.Err(); err != nil {
		return Result{Status: StatusFail, Reason: "cancelled"}
	}

	item, rerr := p.resolve(ctx, video, entry)
	if rerr != nil || item == nil {
		if rerr != nil {
			p.logger.Warn().Err(rerr).Str(log.FieldEvent, "apply.resolve_failed").Str(log.FieldVideo, video).Msg("item resolution failed")
		} else {
			p.logger.Debug().Str(log.FieldEvent, "apply.unresolved").Str(log.FieldVideo, video).Msg("no item matches path")
		}
		if p.mode == ModeScan {
			// The server likely has not scanned the file yet; leave a
			// placeholder for the repair sweep.
			p.cache.EnsureEntry(video)
			return Result{Status: StatusDeferred, Reason: ReasonUnresolved}
		}
		return Result{Status: StatusFail, Reason: ReasonUnresolved}
	}

	fields, _, err := nfo.Parse(data)
	if err != nil {
		p.logger.Error().Err(err).Str(log.FieldEvent, "apply.sidecar_parse_failed").Str(log.FieldSidecar, sidecar).Msg("cannot parse sidecar")
		return Result{Status: StatusFail, Reason: "sidecar parse failed"}
	}

	if err := ctx.Err(); err != nil {
		return Result{Status: StatusFail, Reason: "cancelled"}
	}

	if err := p.edit(ctx, item, fields); err != nil {
		p.logger.Error().Err(err).Str(log.FieldEvent, "apply.edit_failed").Str(log.FieldVideo, video).Str(log.FieldServerID, item.RatingKey).Msg("field edit failed")
		return Result{Status: StatusFail, Reason: "edit failed"}
	}

	p.cache.SetApplied(video, item.RatingKey, hash)

	res := Result{Status: StatusOK, Applied: true}
	if p.policy.DeleteSidecar {
		res.Deleted = p.deleteSidecar(sidecar)
	}

	p.logger.Info().
		Str(log.FieldEvent, "apply.ok").
		Str(log.FieldVideo, video).
		Str(log.FieldServerID, item.RatingKey).
		Str(log.FieldHash, hash).
		Bool("sidecar_deleted", res.Deleted).
		Msg("metadata applied")

	if p.onApplied != nil {
		p.onApplied(ctx, video, item)
	}
	return res
}

// noSidecar handles a video without a usable descriptor. Watch mode has
// nothing to do; a scan still resolves the item so every walked video ends
// the run with a cache entry.
func (p *Pipeline) noSidecar(ctx context.Context, video string) Result {
	if p.mode == ModeWatch {
		return Result{Status: StatusOK, Reason: ReasonNoSidecar}
	}

	entry, _ := p.cache.Get(video)
	if entry.ServerID != "" {
		return Result{Status: StatusOK, Reason: ReasonNoSidecar}
	}

	item, err := p.resolve(ctx, video, entry)
	if err != nil || item == nil {
		if err != nil {
			p.logger.Warn().Err(err).Str(log.FieldEvent, "apply.resolve_failed").Str(log.FieldVideo, video).Msg("item resolution failed")
		}
		p.cache.EnsureEntry(video)
		return Result{Status: StatusDeferred, Reason: ReasonUnresolved}
	}
	return Result{Status: StatusOK, Reason: ReasonNoSidecar}
}

// resolve finds the server item for video: the cached id first, then a
// path search across the configured libraries. An id found by search is
// cached immediately so a later step failing still leaves it behind.
func (p *Pipeline) resolve(ctx context.Context, video string, entry cache.Entry) (*plex.Item, error) {
	if entry.ServerID != "" {
		item, err := p.client.FetchItem(ctx, entry.ServerID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		p.logger.Warn().Str(log.FieldEvent, "apply.stale_id").Str(log.FieldVideo, video).Str(log.FieldServerID, entry.ServerID).Msg("cached server id no longer resolves")
	}

	item, err := p.client.FindItemByFile(ctx, video, p.libraryIDs)
	if err != nil || item == nil {
		return nil, err
	}
	p.cache.SetServerID(video, item.RatingKey)
	return item, nil
}

// edit writes the descriptor fields, locked, then reloads the item to
// confirm. Sort title goes through its dedicated setter with one fallback
// through the generic field edit.
func (p *Pipeline) edit(ctx context.Context, item *plex.Item, fields nfo.Fields) error {
	err := p.client.EditItem(ctx, item, plex.Fields{
		Title:   fields.Title,
		Summary: fields.Plot,
		Aired:   fields.Aired,
	})
	if err != nil {
		return err
	}

	if fields.SortTitle != "" {
		if err := p.client.EditSortTitle(ctx, item, fields.SortTitle); err != nil {
			p.logger.Warn().Err(err).Str(log.FieldEvent, "apply.sort_title_retry").Str(log.FieldServerID, item.RatingKey).Msg("sort title setter failed, retrying via field edit")
			if err := p.client.EditField(ctx, item, "titleSort", fields.SortTitle); err != nil {
				return err
			}
		}
	}

	reloaded, err := p.client.Reload(ctx, item)
	if err != nil {
		return err
	}
	if reloaded == nil {
		return errors.New("item vanished after edit")
	}
	return nil
}

// deleteSidecar removes an applied descriptor. Failure is logged, not
// propagated: a leftover sidecar reapplies harmlessly on the next pass.
func (p *Pipeline) deleteSidecar(sidecar string) bool {
	if err := os.Remove(sidecar); err != nil {
		p.logger.Warn().Err(err).Str(log.FieldEvent, "apply.sidecar_delete_failed").Str(log.FieldSidecar, sidecar).Msg("cannot remove sidecar")
		return false
	}
	metrics.IncSidecarDeleted()
	p.logger.Debug().Str(log.FieldEvent, "apply.sidecar_deleted").Str(log.FieldSidecar, sidecar).Msg("sidecar removed")
	return true
}

// begin registers video as in flight. A second concurrent apply for the
// same path is rejected so cache writes for one file stay ordered.
func (p *Pipeline) begin(video string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[video]; busy {
		return false
	}
	p.inFlight[video] = struct{}{}
	return true
}

func (p *Pipeline) end(video string) {
	p.mu.Lock()
	delete(p.inFlight, video)
	p.mu.Unlock()
}
