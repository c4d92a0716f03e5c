// Package scheduler implements the multi-pool task scheduler: per-pool
// priority queues, worker goroutines, group concurrency accounting, and
// cross-pool promotion of DIRECT tasks. See spec.md §4.3 and §5.
package scheduler

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/entropic-systems/nucleus/pkg/ids"
	"github.com/entropic-systems/nucleus/pkg/logging"
)

// unboundedConcurrency is the effective concurrency limit for group 0,
// the default group, which spec.md §3 describes as "effectively
// unbounded".
const unboundedConcurrency = math.MaxInt32

// Options configures a Scheduler.
type Options struct {
	Logger *logging.Logger

	// RealtimeBypassesGroupConcurrency resolves the open question in
	// spec.md §9: whether REALTIME priority truly bypasses group
	// concurrency limits, or merely requests an OS thread-priority
	// boost. Both modes are supported; the task is always counted
	// against the group's active count either way, so the group's
	// bookkeeping stays consistent regardless of this flag.
	RealtimeBypassesGroupConcurrency bool
}

type poolState struct {
	descriptor ids.PoolDescriptor
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*Task
	wg         sync.WaitGroup
	started    bool
}

func newPoolState(desc ids.PoolDescriptor) *poolState {
	p := &poolState{descriptor: desc}
	p.cond = sync.NewCond(&p.mu)
	return p
}

type groupState struct {
	concurrency int
	active      int
}

// Scheduler is the multi-pool, priority + group-concurrency aware task
// runtime described by spec.md §4.3.
type Scheduler struct {
	log  *logging.Logger
	opts Options

	running atomic.Bool
	started atomic.Bool

	poolsMu sync.Mutex
	pools   map[ids.Pool]*poolState

	groupsMu sync.Mutex
	groups   map[ids.Group]*groupState
}

// New returns a Scheduler with the main-thread pool (pool 0, always one
// thread) pre-registered, matching the original's constructor.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	s := &Scheduler{
		log:    opts.Logger.WithComponent("scheduler"),
		opts:   opts,
		pools:  make(map[ids.Pool]*poolState),
		groups: make(map[ids.Group]*groupState),
	}
	s.running.Store(true)
	s.pools[ids.MainThreadPool] = newPoolState(ids.PoolDescriptor{PoolID: ids.MainThreadPool, ThreadCount: 1})
	s.groups[ids.DefaultGroup] = &groupState{concurrency: unboundedConcurrency}
	return s
}

// ensurePool creates the pool's queue/mutex/condvar on first use,
// deferring worker creation until Start() if the scheduler has not yet
// started (§4.3 "Submit" step 2).
func (s *Scheduler) ensurePool(id ids.Pool, threadCount int) *poolState {
	s.poolsMu.Lock()
	p, ok := s.pools[id]
	if !ok {
		if threadCount <= 0 {
			threadCount = 1
		}
		p = newPoolState(ids.PoolDescriptor{PoolID: id, ThreadCount: threadCount})
		s.pools[id] = p
	}
	s.poolsMu.Unlock()

	if s.started.Load() {
		s.startPoolWorkers(p)
	}
	return p
}

func (s *Scheduler) startPoolWorkers(p *poolState) {
	if p.descriptor.PoolID == ids.MainThreadPool {
		return // the main thread is itself the sole worker; started by Start().
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	n := p.descriptor.ThreadCount
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go s.workerLoop(p)
	}
}

// ensureGroup registers concurrency the first time a group is seen. If
// group is the default group, the configured concurrency is always
// ignored in favor of the unbounded sentinel.
func (s *Scheduler) ensureGroup(group ids.Group, concurrency int) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if _, ok := s.groups[group]; ok {
		return
	}
	if group == ids.DefaultGroup {
		concurrency = unboundedConcurrency
	} else if concurrency <= 0 {
		concurrency = 1
	}
	s.groups[group] = &groupState{concurrency: concurrency}
}

// tryClaimGroup attempts to reserve one concurrency slot for t.Group,
// incrementing the active count on success exactly as the runnability
// check does for queued tasks (§4.3 "Runnability").
func (s *Scheduler) tryClaimGroup(t *Task) bool {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g := s.groups[t.Group]
	if g == nil {
		g = &groupState{concurrency: unboundedConcurrency}
		s.groups[t.Group] = g
	}
	if g.active < g.concurrency || (t.Priority == ids.REALTIME && s.opts.RealtimeBypassesGroupConcurrency) {
		g.active++
		return true
	}
	return false
}

func (s *Scheduler) releaseGroup(group ids.Group) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if g := s.groups[group]; g != nil && g.active > 0 {
		g.active--
	}
}

// Start builds the default pool with the configured thread count, starts
// every pool's workers, invokes onReady (if non-nil) once workers are
// live but before the calling goroutine blocks in the main loop — the
// power plant uses this to install extensions and emit Initialize
// (spec.md §4.4) — then runs the main pool's worker loop on the calling
// goroutine until Shutdown drains it. It returns once every worker
// (including the main loop) has exited.
func (s *Scheduler) Start(ctx context.Context, defaultPoolThreadCount int, onReady func()) {
	def := s.ensurePool(ids.DefaultPool, defaultPoolThreadCount)
	if defaultPoolThreadCount > 0 {
		// A task submitted before Start may already have created the
		// default pool with a single thread; apply the configured count.
		def.mu.Lock()
		def.descriptor.ThreadCount = defaultPoolThreadCount
		def.mu.Unlock()
	}
	s.started.Store(true)

	s.poolsMu.Lock()
	toStart := make([]*poolState, 0, len(s.pools))
	for _, p := range s.pools {
		toStart = append(toStart, p)
	}
	s.poolsMu.Unlock()

	for _, p := range toStart {
		s.startPoolWorkers(p)
	}

	if onReady != nil {
		onReady()
	}

	// The calling goroutine becomes the main-thread pool's sole worker.
	s.mainLoop(s.pools[ids.MainThreadPool])

	s.poolsMu.Lock()
	pools := make([]*poolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.poolsMu.Unlock()
	for _, p := range pools {
		p.wg.Wait()
	}
}

// Submit implements §4.3 "Submit". Tasks are dropped silently once the
// scheduler is no longer running (§7 "Scheduler submission after
// shutdown").
func (s *Scheduler) Submit(ctx context.Context, t *Task) {
	if !s.running.Load() {
		s.log.Debug("dropping task submitted after shutdown", map[string]interface{}{"task_id": t.TaskID})
		return
	}

	p := s.ensurePool(t.Pool, t.PoolThreadCount)
	s.ensureGroup(t.Group, t.GroupConcurrency)

	if s.started.Load() && t.Immediate {
		callerPool, ok := CurrentPool(ctx)
		if !ok {
			callerPool = ids.DefaultPool
		}
		if s.tryRunInline(ctx, t, callerPool) {
			return
		}
		if callerPool != ids.DefaultPool && s.tryRunInline(ctx, t, ids.DefaultPool) {
			return
		}
		// Falls through to normal queueing: not immediately runnable.
	}

	p.mu.Lock()
	idx := sort.Search(len(p.queue), func(i int) bool { return less(t, p.queue[i]) })
	p.queue = append(p.queue, nil)
	copy(p.queue[idx+1:], p.queue[idx:])
	p.queue[idx] = t
	p.cond.Broadcast()
	p.mu.Unlock()
}

// tryRunInline runs t synchronously on the calling goroutine if t.Pool
// equals candidatePool and the group has a spare slot, per §4.3 "Direct
// promotion".
func (s *Scheduler) tryRunInline(ctx context.Context, t *Task, candidatePool ids.Pool) bool {
	if t.Pool != candidatePool {
		return false
	}
	if !s.tryClaimGroup(t) {
		return false
	}
	s.execute(ctx, t)
	return true
}

// mainLoop is pool_func for the main-thread pool: it never spawns
// additional goroutines (the calling goroutine IS the worker).
func (s *Scheduler) mainLoop(p *poolState) {
	runtime.LockOSThread()
	s.workerLoopBody(p, context.Background())
}

func (s *Scheduler) workerLoop(p *poolState) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.workerLoopBody(p, context.Background())
}

func (s *Scheduler) workerLoopBody(p *poolState, ctx context.Context) {
	for {
		updateCurrentThreadPriority(workerLoopNice)

		task := s.getTask(p)
		if task == nil {
			return
		}
		s.execute(withCurrentPool(ctx, p.descriptor.PoolID), task)
	}
}

// getTask blocks until a runnable task is available on p, or the
// scheduler is shut down and p's queue has drained (§4.3 "Worker loop").
func (s *Scheduler) getTask(p *poolState) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for i, t := range p.queue {
			if s.tryClaimGroup(t) {
				p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
				return t
			}
		}
		if !s.running.Load() && len(p.queue) == 0 {
			return nil
		}
		p.cond.Wait()
	}
}

// execute runs one task to completion, recovering from panics (§7 "Task
// exception: caught at the task boundary; logged; task state
// transitions to done and the group count is decremented").
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	if t.Priority == ids.REALTIME {
		updateCurrentThreadPriority(realtimeNice)
		defer updateCurrentThreadPriority(workerLoopNice)
	}
	defer s.releaseGroup(t.Group)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", map[string]interface{}{
				"task_id":     t.TaskID,
				"reaction_id": t.ReactionID,
				"panic":       r,
			})
		}
	}()

	if err := t.Run(); err != nil {
		s.log.Warn("task returned error", map[string]interface{}{
			"task_id":     t.TaskID,
			"reaction_id": t.ReactionID,
			"error":       err.Error(),
		})
	}
}

// Shutdown sets running=false, wakes every pool so workers drain their
// queues and exit, and is idempotent (§4.3 "Shutdown").
func (s *Scheduler) Shutdown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.poolsMu.Lock()
	pools := make([]*poolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.poolsMu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot used by pkg/diagnostics.
type Stats struct {
	Pools  map[ids.Pool]PoolStats
	Groups map[ids.Group]GroupStats
}

type PoolStats struct {
	ThreadCount int
	QueueDepth  int
}

type GroupStats struct {
	Concurrency int
	Active      int
}

// Snapshot returns current queue depths and group active counts.
func (s *Scheduler) Snapshot() Stats {
	st := Stats{Pools: make(map[ids.Pool]PoolStats), Groups: make(map[ids.Group]GroupStats)}

	s.poolsMu.Lock()
	for id, p := range s.pools {
		p.mu.Lock()
		st.Pools[id] = PoolStats{ThreadCount: p.descriptor.ThreadCount, QueueDepth: len(p.queue)}
		p.mu.Unlock()
	}
	s.poolsMu.Unlock()

	s.groupsMu.Lock()
	for id, g := range s.groups {
		st.Groups[id] = GroupStats{Concurrency: g.concurrency, Active: g.active}
	}
	s.groupsMu.Unlock()

	return st
}
