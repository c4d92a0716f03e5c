package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropic-systems/nucleus/pkg/ids"
	"github.com/entropic-systems/nucleus/pkg/registry"
	"github.com/entropic-systems/nucleus/pkg/scheduler"
)

func newTestBus(t *testing.T) (*Bus, *scheduler.Scheduler) {
	t.Helper()
	reg := registry.New()
	sch := scheduler.New(scheduler.Options{})
	b := New(reg, sch, nil)

	ready := make(chan struct{})
	go sch.Start(context.Background(), 2, func() { close(ready) })
	<-ready
	t.Cleanup(sch.Shutdown)
	return b, sch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestLocalEmitDispatchesToBoundReaction(t *testing.T) {
	b, _ := newTestBus(t)

	var got atomic.Value
	b.On("evt", Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		got.Store(payload)
		return nil
	})

	b.Emit(context.Background(), LOCAL, "evt", 42)

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	assert.Equal(t, 42, got.Load())
}

func TestDirectEmitForMainThreadReactionFallsBackToQueue(t *testing.T) {
	b, _ := newTestBus(t)

	var ran atomic.Bool
	b.On("direct.evt", MainThread()).Then(func(payload interface{}) error {
		ran.Store(true)
		return nil
	})

	b.Emit(context.Background(), DIRECT, "direct.evt", nil)
	waitFor(t, time.Second, ran.Load)
}

func TestInitializeBuffersUntilMarkStarted(t *testing.T) {
	b, _ := newTestBus(t)

	var ran atomic.Bool
	b.On("init.evt", Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		ran.Store(true)
		return nil
	})

	b.Emit(context.Background(), INITIALIZE, "init.evt", nil)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "INITIALIZE emit must not dispatch before MarkStarted")

	b.MarkStarted(context.Background())
	waitFor(t, time.Second, ran.Load)
}

func TestDisabledReactionIsSkipped(t *testing.T) {
	b, _ := newTestBus(t)

	var ran atomic.Bool
	h := b.On("disabled.evt", Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		ran.Store(true)
		return nil
	})
	h.Enable(false)

	b.Emit(context.Background(), LOCAL, "disabled.evt", nil)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSingleDropsSecondEmitWhileFirstInFlight(t *testing.T) {
	b, _ := newTestBus(t)

	var count int32
	release := make(chan struct{})
	b.On("single.evt", Single()).Then(func(payload interface{}) error {
		atomic.AddInt32(&count, 1)
		<-release
		return nil
	})

	b.Emit(context.Background(), LOCAL, "single.evt", nil)
	time.Sleep(20 * time.Millisecond) // let the first instance start and claim in-flight
	b.Emit(context.Background(), LOCAL, "single.evt", nil)

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestSingleAllowsNewEmitAfterPriorCompletes(t *testing.T) {
	b, _ := newTestBus(t)

	var count int32
	var wg sync.WaitGroup
	wg.Add(2)
	b.On("single.evt2", Single()).Then(func(payload interface{}) error {
		atomic.AddInt32(&count, 1)
		wg.Done()
		return nil
	})

	b.Emit(context.Background(), LOCAL, "single.evt2", nil)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 1 })
	b.Emit(context.Background(), LOCAL, "single.evt2", nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second emit should have run once the first completed")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestOptionalSwallowsErrOptionalDataMissing(t *testing.T) {
	b, _ := newTestBus(t)

	var ran atomic.Bool
	b.On("optional.evt", Optional()).Then(func(payload interface{}) error {
		ran.Store(true)
		return ErrOptionalDataMissing
	})

	b.Emit(context.Background(), LOCAL, "optional.evt", nil)
	waitFor(t, time.Second, ran.Load)
	// No assertion on logged severity is possible here; the meaningful
	// guarantee is that the wrapped callback itself still runs and the
	// error doesn't propagate as a panic or block the scheduler.
}

func TestSyncOptionSerializesAcrossDistinctReactions(t *testing.T) {
	b, _ := newTestBus(t)

	var active int32
	var maxActive int32
	observe := func() error {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	b.On("sync.a", Sync("critical")).Then(func(payload interface{}) error {
		defer wg.Done()
		return observe()
	})
	b.On("sync.b", Sync("critical")).Then(func(payload interface{}) error {
		defer wg.Done()
		return observe()
	})

	b.Emit(context.Background(), LOCAL, "sync.a", nil)
	b.Emit(context.Background(), LOCAL, "sync.b", nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync-grouped reactions did not both complete")
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(1))
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []fakeSend
	sendErr  error
}

type fakeSend struct {
	hash     ids.TypeHash
	payload  []byte
	reliable bool
}

func (f *fakeSender) SendTyped(ctx context.Context, typeHash ids.TypeHash, payload []byte, reliable bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{hash: typeHash, payload: payload, reliable: reliable})
	f.mu.Unlock()
	return nil
}

func TestNetworkEmitSerializesAndSendsViaInstalledSender(t *testing.T) {
	b, _ := newTestBus(t)
	sender := &fakeSender{}
	b.SetNetworkSender(sender)

	b.Emit(context.Background(), NETWORK, "net.evt", map[string]int{"x": 1})

	waitFor(t, time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	})
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, sender.sent[0].reliable)
	assert.Equal(t, ids.HashEventType("net.evt"), sender.sent[0].hash)
}

func TestNetworkEmitWithNoSenderDoesNotPanic(t *testing.T) {
	b, _ := newTestBus(t)
	assert.NotPanics(t, func() {
		b.Emit(context.Background(), NETWORK, "net.nosender", nil)
	})
}

func TestDeliverDispatchesLocallyByTypeHash(t *testing.T) {
	b, _ := newTestBus(t)

	var got atomic.Value
	b.On("remote.evt", Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		got.Store(payload)
		return nil
	})

	h := b.rememberType("remote.evt")
	err := b.Deliver(context.Background(), h, []byte(`{"n":7}`))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
}

func TestDeliverUnknownHashReturnsError(t *testing.T) {
	b, _ := newTestBus(t)
	var unknown ids.TypeHash
	err := b.Deliver(context.Background(), unknown, []byte(`{}`))
	require.Error(t, err)
}
