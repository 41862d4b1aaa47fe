// Package pool runs per-file tasks with bounded parallelism during one-shot
// library runs. Tasks report a bare success flag; everything worth saying
// about a task is logged by the task itself.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kman0001/tubesync-plex/internal/log"
)

// ErrClosed is returned by Submit once intake has been stopped.
var ErrClosed = errors.New("pool: closed")

// Kind labels what a task path points at.
type Kind string

const (
	KindVideo   Kind = "video"
	KindSidecar Kind = "sidecar"
)

// Task is one unit of work: a classified path.
type Task struct {
	Kind Kind
	Path string
}

// Runner executes a task and reports success. It must not panic; failures
// are ordinary results. Cancellation policy belongs to the closure: a
// one-shot run lets in-flight tasks finish even while shutting down.
type Runner func(task Task) bool

// Pool is a fixed set of workers consuming a bounded task channel.
type Pool struct {
	tasks  chan Task
	run    Runner
	report func(Task, bool)

	// mu guards closed and, via its read side, every send on tasks, so
	// Close can never race a Submit into a closed channel.
	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a pool of the given size. workers falls back to 8 when not
// positive. report may be nil.
func New(workers int, run Runner, report func(Task, bool)) *Pool {
	if workers <= 0 {
		workers = 8
	}
	p := &Pool{
		tasks:  make(chan Task, workers),
		run:    run,
		report: report,
		logger: log.WithComponent("pool"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	p.logger.Debug().Str(log.FieldEvent, "pool.start").Int("workers", workers).Msg("worker pool started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		ok := p.run(task)
		if p.report != nil {
			p.report(task, ok)
		}
	}
}

// Submit queues a task, blocking while the channel is full. It fails with
// ErrClosed after Close and with the context error when ctx ends first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. In-flight and already-queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every queued task has finished. Close must be called
// first or Wait never returns.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Debug().Str(log.FieldEvent, "pool.drained").Msg("worker pool drained")
}
