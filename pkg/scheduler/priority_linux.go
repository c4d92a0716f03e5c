//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// normalNice, workerLoopNice and realtimeNice are the OS "nice" values (lower is higher
// priority) used to approximate the original's elevated-but-not-realtime
// worker-loop priority and REALTIME task priority. Grounded on the
// original source's update_current_thread_priority(1000) call in the
// worker loop's poll, and §4.3's "OS-level elevated thread priority for
// the duration of the task".
const (
	normalNice    = 0
	workerLoopNice = -5
	realtimeNice  = -15
)

// updateCurrentThreadPriority sets the calling OS thread's nice value.
// The caller must have called runtime.LockOSThread() so the goroutine
// stays pinned to the thread being adjusted.
func updateCurrentThreadPriority(nice int) {
	_ = unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice)
}
