package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

func newTestScheduler() *Scheduler {
	return New(Options{})
}

func TestTaskOrderingIsPriorityDescThenTaskIDAsc(t *testing.T) {
	hi := &Task{TaskID: 5, Priority: ids.HIGH}
	lo := &Task{TaskID: 1, Priority: ids.LOW}
	assert.True(t, less(hi, lo))
	assert.False(t, less(lo, hi))

	older := &Task{TaskID: 1, Priority: ids.NORMAL}
	newer := &Task{TaskID: 2, Priority: ids.NORMAL}
	assert.True(t, less(older, newer))
	assert.False(t, less(newer, older))
}

func TestSubmitRunsTasksInPriorityOrder(t *testing.T) {
	s := newTestScheduler()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	record := func(n int) func() error {
		return func() error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
			return nil
		}
	}

	ready := make(chan struct{})
	go s.Start(context.Background(), 1, func() { close(ready) })
	<-ready

	// Submit in an order that would be wrong if priority were ignored.
	s.Submit(context.Background(), &Task{TaskID: 1, Pool: ids.DefaultPool, Priority: ids.LOW, Run: record(1)})
	s.Submit(context.Background(), &Task{TaskID: 2, Pool: ids.DefaultPool, Priority: ids.HIGH, Run: record(2)})
	s.Submit(context.Background(), &Task{TaskID: 3, Pool: ids.DefaultPool, Priority: ids.NORMAL, Run: record(3)})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	s.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, 2, order[0], "HIGH priority task must run first")
}

func TestGroupConcurrencyLimitsActiveTasks(t *testing.T) {
	s := newTestScheduler()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)

	ready := make(chan struct{})
	go s.Start(context.Background(), 4, func() { close(ready) })
	<-ready

	group := ids.Group(42)
	for i := 0; i < n; i++ {
		i := i
		s.Submit(context.Background(), &Task{
			TaskID:           uint64(i + 1),
			Pool:             ids.DefaultPool,
			Group:            group,
			GroupConcurrency: 2,
			Priority:         ids.NORMAL,
			Run: func() error {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				wg.Done()
				return nil
			},
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	s.Shutdown()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
}

func TestSubmitAfterShutdownIsDropped(t *testing.T) {
	s := newTestScheduler()

	ready := make(chan struct{})
	go s.Start(context.Background(), 1, func() { close(ready) })
	<-ready
	s.Shutdown()

	var ran atomic.Bool
	s.Submit(context.Background(), &Task{
		TaskID: 1,
		Pool:   ids.DefaultPool,
		Run: func() error {
			ran.Store(true)
			return nil
		},
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestScheduler()
	ready := make(chan struct{})
	go s.Start(context.Background(), 1, func() { close(ready) })
	<-ready

	assert.NotPanics(t, func() {
		s.Shutdown()
		s.Shutdown()
	})
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	s := newTestScheduler()
	var wg sync.WaitGroup
	wg.Add(1)

	ready := make(chan struct{})
	go s.Start(context.Background(), 1, func() { close(ready) })
	<-ready

	s.Submit(context.Background(), &Task{
		TaskID: 1,
		Pool:   ids.DefaultPool,
		Run: func() error {
			defer wg.Done()
			panic("boom")
		},
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task should still release the worker")
	}
	s.Shutdown()
}

func TestCurrentPoolRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := CurrentPool(ctx)
	assert.False(t, ok)

	ctx = withCurrentPool(ctx, ids.DefaultPool)
	pool, ok := CurrentPool(ctx)
	require.True(t, ok)
	assert.Equal(t, ids.DefaultPool, pool)
}

func TestSnapshotReportsQueueDepthAndGroupActive(t *testing.T) {
	s := newTestScheduler()
	snap := s.Snapshot()
	_, ok := snap.Groups[ids.DefaultGroup]
	assert.True(t, ok)
}
