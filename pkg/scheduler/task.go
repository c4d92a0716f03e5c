package scheduler

import "github.com/entropic-systems/nucleus/pkg/ids"

// Task is a single scheduled execution of a reaction with a captured
// payload (spec.md §3 "ReactionTask"). Task ordering is lexicographic:
// (priority desc, task_id asc) — older tasks win ties at equal priority.
type Task struct {
	TaskID     uint64
	ReactionID uint64
	Pool       ids.Pool
	Group      ids.Group
	Priority   ids.Priority
	// Immediate marks a task constructed by a DIRECT emit: submit() tries
	// to run it inline on the caller's goroutine before falling back to
	// the normal queue (§4.3).
	Immediate bool
	// Run executes the reaction's callback against the captured payload.
	// Its error is logged by the worker loop; it never kills a worker.
	Run func() error

	// PoolThreadCount and GroupConcurrency seed the pool/group tables the
	// first time this task's pool or group is seen; ignored thereafter.
	PoolThreadCount  int
	GroupConcurrency int
}

// less implements the (priority desc, task_id asc) total order used by
// every pool queue. Equal priority breaks ties in favor of the
// lower (older) task id.
func less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.TaskID < b.TaskID
}
