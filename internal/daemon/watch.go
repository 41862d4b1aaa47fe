package daemon

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kman0001/tubesync-plex/internal/health"
	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/ops"
	"github.com/kman0001/tubesync-plex/internal/pipeline"
	"github.com/kman0001/tubesync-plex/internal/watch"
)

// runWatch is the long-running mode: filesystem events feed the retry
// engine, the repair scheduler resolves stragglers, and the optional ops
// server exposes all of it. Blocks until ctx is cancelled or a subsystem
// fails.
func (s *Supervisor) runWatch(ctx context.Context, pipe *pipeline.Pipeline, roots []string) error {
	repair := watch.NewRepair(s.cfg.RepairInterval(), s.cfg.DelayAfterNewFile(), s.store, s.client, s.cfg.LibraryIDs)
	engine := watch.NewEngine(watch.DefaultEngineConfig(), pipe, s.store, repair.Trigger)

	watcher, err := watch.NewWatcher(roots, s.cfg.DebounceDelay(), engine)
	if err != nil {
		return fmt.Errorf("watch roots: %w", err)
	}

	s.health.RegisterChecker(health.NewLastRepairChecker(s.cfg.RepairInterval(), repair.LastSweep))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return repair.Run(ctx) })
	g.Go(func() error { return s.flushLoop(ctx) })

	if s.cfg.OpsListen != "" {
		srv := ops.NewServer(s.cfg.OpsListen, ops.Deps{
			Version:       s.opts.Version,
			Mode:          pipeline.ModeWatch.String(),
			Health:        s.health,
			Store:         s.store,
			QueueLen:      engine.Len,
			LastRepair:    repair.LastSweep,
			TriggerRepair: repair.Trigger,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}

	s.logger.Info().
		Str(log.FieldEvent, "daemon.watching").
		Strs("roots", roots).
		Str("ops_listen", s.cfg.OpsListen).
		Dur("repair_interval", s.cfg.RepairInterval()).
		Msg("watch mode running")

	return g.Wait()
}
