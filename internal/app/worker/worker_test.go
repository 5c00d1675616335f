package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsJobsInOrder(t *testing.T) {
	w := New(8)
	w.Start(context.Background())
	defer w.Stop()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, w.Submit(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestWorkerRunsOneJobAtATime(t *testing.T) {
	w := New(8)
	w.Start(context.Background())
	defer w.Stop()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, w.Submit(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	wg.Wait()
	assert.Equal(t, 1, maxRunning)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	w := New(4)
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, w.Submit(func(context.Context) { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, w.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not run job after panic")
	}
}

func TestWorkerStop(t *testing.T) {
	w := New(4)
	w.Start(context.Background())
	w.Stop()
	w.Stop()

	assert.ErrorIs(t, w.Submit(func(context.Context) {}), ErrStopped)
	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestWorkerStopsWithParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(4)
	w.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		return w.Submit(func(context.Context) {}) == ErrStopped
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitOrAborts(t *testing.T) {
	// not started, so the queue never drains
	w := New(1)
	defer w.Stop()
	require.NoError(t, w.Submit(func(context.Context) {}))

	abort := make(chan struct{})
	close(abort)
	assert.ErrorIs(t, w.SubmitOr(func(context.Context) {}, abort), context.Canceled)
}
