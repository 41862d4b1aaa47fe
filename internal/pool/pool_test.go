package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunsEveryTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	seen := make(map[string]Kind)
	p := New(4, func(task Task) bool {
		mu.Lock()
		seen[task.Path] = task.Kind
		mu.Unlock()
		return true
	}, nil)

	require.NoError(t, p.Submit(context.Background(), Task{Kind: KindSidecar, Path: "/a.nfo"}))
	require.NoError(t, p.Submit(context.Background(), Task{Kind: KindVideo, Path: "/a.mkv"}))
	require.NoError(t, p.Submit(context.Background(), Task{Kind: KindVideo, Path: "/b.mkv"}))
	p.Close()
	p.Wait()

	assert.Equal(t, map[string]Kind{
		"/a.nfo": KindSidecar,
		"/a.mkv": KindVideo,
		"/b.mkv": KindVideo,
	}, seen)
}

func TestBoundedParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	const workers = 3
	var inFlight, peak atomic.Int32
	p := New(workers, func(Task) bool {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return true
	}, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), Task{Kind: KindVideo, Path: "/v"}))
	}
	p.Close()
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Positive(t, peak.Load())
}

func TestReportCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	var okCount, failCount atomic.Int32
	p := New(2, func(task Task) bool {
		return task.Kind == KindVideo
	}, func(_ Task, ok bool) {
		if ok {
			okCount.Add(1)
		} else {
			failCount.Add(1)
		}
	})

	require.NoError(t, p.Submit(context.Background(), Task{Kind: KindVideo, Path: "/v.mkv"}))
	require.NoError(t, p.Submit(context.Background(), Task{Kind: KindSidecar, Path: "/s.nfo"}))
	p.Close()
	p.Wait()

	assert.Equal(t, int32(1), okCount.Load())
	assert.Equal(t, int32(1), failCount.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, func(Task) bool { return true }, nil)
	p.Close()
	err := p.Submit(context.Background(), Task{Kind: KindVideo, Path: "/x"})
	assert.ErrorIs(t, err, ErrClosed)
	p.Close() // idempotent
	p.Wait()
}

func TestSubmitHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	p := New(1, func(Task) bool {
		<-block
		return true
	}, nil)

	// Fill the worker and the channel so the next submit must block.
	require.NoError(t, p.Submit(context.Background(), Task{Path: "/1"}))
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := p.Submit(ctx, Task{Path: "/fill"})
		cancel()
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			break
		}
	}

	close(block)
	p.Close()
	p.Wait()
}

func TestWaitDrainsQueuedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	var done atomic.Int32
	p := New(2, func(Task) bool {
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		return true
	}, nil)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(context.Background(), Task{Path: "/t"}))
	}
	p.Close()
	p.Wait()
	assert.Equal(t, int32(n), done.Load())
}
