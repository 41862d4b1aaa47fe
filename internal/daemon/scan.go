package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kman0001/tubesync-plex/internal/fsutil"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
	"github.com/kman0001/tubesync-plex/internal/pipeline"
	"github.com/kman0001/tubesync-plex/internal/pool"
	"github.com/kman0001/tubesync-plex/internal/walker"
)

// scanTally aggregates per-task results into the end-of-run summary.
type scanTally struct {
	mu       sync.Mutex
	applied  int
	skipped  int
	deferred int
	failed   int
	deleted  int
}

func (t *scanTally) record(res pipeline.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case res.Status == pipeline.StatusDeferred:
		t.deferred++
	case res.Status == pipeline.StatusFail:
		t.failed++
	case res.Applied:
		t.applied++
	default:
		t.skipped++
	}
	if res.Deleted {
		t.deleted++
	}
}

// runScan is the one-shot mode: enumerate every root, push the work through
// the pool, flush, report. Sidecars go first and claim their companion
// videos, so each video is applied exactly once per run.
func (s *Supervisor) runScan(ctx context.Context, pipe *pipeline.Pipeline, roots []string) error {
	runID := uuid.New().String()
	ctx = log.ContextWithRunID(ctx, runID)
	logger := log.WithComponentFromContext(ctx, "daemon")
	start := time.Now()

	result, err := walker.New().Walk(ctx, roots)
	if err != nil {
		return err
	}
	logger.Info().
		Str(log.FieldEvent, "scan.enumerated").
		Int("videos", len(result.Videos)).
		Int("sidecars", len(result.Sidecars)).
		Msg("library enumerated")

	tally := &scanTally{}
	runner := func(task pool.Task) bool {
		var res pipeline.Result
		switch task.Kind {
		case pool.KindSidecar:
			video, ok := fsutil.CompanionVideo(task.Path)
			if !ok {
				logger.Warn().Str(log.FieldEvent, "scan.orphan_sidecar").Str(log.FieldSidecar, task.Path).Msg("sidecar has no companion video")
				res = pipeline.Result{Status: pipeline.StatusFail, Reason: "companion video missing"}
			} else {
				res = pipe.Apply(ctx, video, task.Path)
			}
		default:
			res = pipe.Apply(ctx, task.Path, fsutil.SidecarFor(task.Path))
		}
		metrics.IncFileProcessed(string(task.Kind), res.Label())
		tally.record(res)
		return res.OK()
	}

	// Claimed before anything is submitted, so no worker can race the
	// dedupe decision.
	claimed := make(map[string]struct{}, len(result.Sidecars))
	for _, sidecar := range result.Sidecars {
		if video, ok := fsutil.CompanionVideo(sidecar); ok {
			claimed[video] = struct{}{}
		}
	}

	workers := pool.New(s.cfg.Threads, runner, nil)
	submit := func(task pool.Task) bool {
		if err := workers.Submit(ctx, task); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "scan.submit_failed").Str(log.FieldPath, task.Path).Msg("task not submitted")
			return false
		}
		return true
	}
	func() {
		for _, sidecar := range result.Sidecars {
			if !submit(pool.Task{Kind: pool.KindSidecar, Path: sidecar}) {
				return
			}
		}
		for _, video := range result.Videos {
			if _, ok := claimed[video]; ok {
				continue
			}
			if !submit(pool.Task{Kind: pool.KindVideo, Path: video}) {
				return
			}
		}
	}()

	workers.Close()
	workers.Wait()

	if err := s.store.Flush(); err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "cache.flush_failed").Msg("final flush failed")
	}

	resolved := 0
	for _, entry := range s.store.Snapshot() {
		if entry.ServerID != "" {
			resolved++
		}
	}

	tally.mu.Lock()
	defer tally.mu.Unlock()
	logger.Info().
		Str(log.FieldEvent, "scan.done").
		Int("videos", len(result.Videos)).
		Int("sidecars", len(result.Sidecars)).
		Int("resolved", resolved).
		Int("applied", tally.applied).
		Int("skipped", tally.skipped).
		Int("deferred", tally.deferred).
		Int("failed", tally.failed).
		Int("sidecars_deleted", tally.deleted).
		Int("cache_entries", s.store.Len()).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("single pass finished")
	return nil
}
