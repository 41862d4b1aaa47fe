package watch

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/cache"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/metrics"
	"github.com/kman0001/tubesync-plex/internal/plex"
)

// Finder resolves a file path to a server item. *plex.Client satisfies it.
type Finder interface {
	FindItemByFile(ctx context.Context, absPath string, libraryIDs []int) (*plex.Item, error)
}

// Repair periodically resolves cache entries that still lack a server id:
// files the server had not scanned when they were first seen. Besides the
// fixed interval, a bonus sweep can be armed to run shortly after a new
// file could not be resolved, compressing the gap until the next pass.
type Repair struct {
	interval      time.Duration
	delayAfterNew time.Duration
	store         *cache.Store
	finder        Finder
	libraryIDs    []int
	logger        zerolog.Logger

	trigger  chan struct{}
	lastDone atomic.Int64 // unix nanos of the last completed sweep
}

func NewRepair(interval, delayAfterNew time.Duration, store *cache.Store, finder Finder, libraryIDs []int) *Repair {
	return &Repair{
		interval:      interval,
		delayAfterNew: delayAfterNew,
		store:         store,
		finder:        finder,
		libraryIDs:    libraryIDs,
		logger:        log.WithComponent("repair"),
		trigger:       make(chan struct{}, 1),
	}
}

// Trigger arms a bonus sweep delayAfterNew from now. Triggers while one is
// armed coalesce into it.
func (r *Repair) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// LastSweep reports when the last sweep completed, zero before the first
// one. Safe to call from other goroutines; feeds the readiness checker and
// the status endpoint.
func (r *Repair) LastSweep() time.Time {
	nanos := r.lastDone.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Run sweeps on the fixed interval and on armed bonus triggers until ctx
// is cancelled.
func (r *Repair) Run(ctx context.Context) error {
	interval := time.NewTimer(r.interval)
	defer interval.Stop()

	bonus := time.NewTimer(0)
	if !bonus.Stop() {
		<-bonus.C
	}
	defer bonus.Stop()
	bonusArmed := false

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str(log.FieldEvent, "repair.stopped").Msg("repair scheduler stopped")
			return nil

		case <-r.trigger:
			if !bonusArmed {
				bonusArmed = true
				bonus.Reset(r.delayAfterNew)
				r.logger.Debug().Str(log.FieldEvent, "repair.bonus_armed").Dur(log.FieldDelay, r.delayAfterNew).Msg("bonus sweep armed")
			}

		case <-bonus.C:
			bonusArmed = false
			r.Sweep(ctx)

		case <-interval.C:
			r.Sweep(ctx)
			interval.Reset(r.interval)
		}
	}
}

// Sweep resolves every entry still missing a server id. Paths that vanished
// are dropped; the cache is flushed once at the end.
func (r *Repair) Sweep(ctx context.Context) {
	runID := uuid.NewString()
	logger := r.logger.With().Str(log.FieldRunID, runID).Logger()
	metrics.IncRepairRun()

	missing := r.store.MissingServerID()
	logger.Debug().Str(log.FieldEvent, "repair.start").Int("candidates", len(missing)).Msg("repair sweep started")

	resolved, removed := 0, 0
	for _, path := range missing {
		if ctx.Err() != nil {
			break
		}
		if _, err := os.Stat(path); err != nil {
			r.store.Remove(path)
			removed++
			continue
		}
		item, err := r.finder.FindItemByFile(ctx, path, r.libraryIDs)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "repair.lookup_failed").Str(log.FieldPath, path).Msg("lookup failed")
			continue
		}
		if item == nil {
			continue
		}
		r.store.SetServerID(path, item.RatingKey)
		resolved++
	}

	if err := r.store.Flush(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "repair.flush_failed").Msg("cache flush failed")
	}

	metrics.AddRepairResolved(resolved)
	r.lastDone.Store(time.Now().UnixNano())
	logger.Info().
		Str(log.FieldEvent, "repair.done").
		Int("candidates", len(missing)).
		Int("resolved", resolved).
		Int("removed", removed).
		Msg("repair sweep finished")
}
