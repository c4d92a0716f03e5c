package bus

import "github.com/entropic-systems/nucleus/pkg/ids"

// bindConfig accumulates the scheduling metadata contributed by each
// Option, synthesizing one Reaction from a fixed pipeline over the
// option list. This replaces the original's template-word DSL fusion
// with an explicit options struct (§9).
type bindConfig struct {
	pool             ids.Pool
	poolThreads      int
	group            ids.Group
	groupConcurrency int
	priority         ids.Priority
	single           bool
	optional         bool
	syncName         string
}

func defaultBindConfig() bindConfig {
	return bindConfig{
		pool:             ids.DefaultPool,
		group:            ids.DefaultGroup,
		groupConcurrency: 0,
		priority:         ids.NORMAL,
	}
}

// Option configures one aspect of a reaction binding.
type Option func(*bindConfig)

// Priority sets the scheduling priority for the reaction's tasks.
func Priority(level ids.Priority) Option {
	return func(c *bindConfig) { c.priority = level }
}

// Pool pins the reaction to a specific worker pool.
func Pool(desc ids.PoolDescriptor) Option {
	return func(c *bindConfig) {
		c.pool = desc.PoolID
		c.poolThreads = desc.ThreadCount
	}
}

// Group bounds the reaction's tasks to run at most `concurrency` at a
// time across all pools.
func Group(desc ids.GroupDescriptor) Option {
	return func(c *bindConfig) {
		c.group = desc.GroupID
		c.groupConcurrency = desc.Concurrency
	}
}

// MainThread pins the reaction to the main-thread pool (pool 0).
func MainThread() Option {
	return func(c *bindConfig) { c.pool = ids.MainThreadPool }
}

// Single bounds the reaction to concurrency 1 and additionally drops the
// emit if an instance of this reaction is already queued or running,
// rather than queueing a second one behind it.
func Single() Option {
	return func(c *bindConfig) {
		c.single = true
		c.groupConcurrency = 1
	}
}

// Optional marks the reaction as tolerant of missing upstream data: a
// callback that returns ErrOptionalDataMissing is treated as a
// successful no-op rather than a logged task failure.
func Optional() Option {
	return func(c *bindConfig) { c.optional = true }
}

// Sync derives the reaction's concurrency group from a named domain: no
// two reactions bound with the same sync name run concurrently,
// regardless of which pool they run on. A REALTIME-priority reaction
// bypasses this only when the scheduler was built with
// Options.RealtimeBypassesGroupConcurrency set.
func Sync(name string) Option {
	return func(c *bindConfig) { c.syncName = name }
}
