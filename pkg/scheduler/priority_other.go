//go:build !linux

package scheduler

// Thread-level nice values are a Linux-specific (PRIO_PROCESS/gettid)
// concept; on other platforms no OS scheduling boost is requested.
// REALTIME's handling of group concurrency
// (Options.RealtimeBypassesGroupConcurrency) is the same on every
// platform.
const (
	normalNice     = 0
	workerLoopNice = 0
	realtimeNice   = 0
)

func updateCurrentThreadPriority(nice int) {}
