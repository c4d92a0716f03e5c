// Package registry implements the reaction catalog: binding callbacks to
// event types, looking them up on emit, and unbinding them again. See
// spec.md §4.1.
package registry

import (
	"sync"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

// Callback is the user-supplied function a reaction runs. It receives
// the emitted payload and returns an error, which the scheduler logs but
// never propagates as a panic (§7 "Task exception").
type Callback func(payload interface{}) error

// ReactionID is a distinct identifier space from pools/groups. Reactions
// are exclusively owned by the Registry; every other part of the system
// (task queues, handles) refers to one by ReactionID, never by pointer,
// so there is no shared-ownership graph to manage (§9).
type ReactionID uint64

type reaction struct {
	id               ReactionID
	eventType        string
	callback         Callback
	pool             ids.Pool
	poolThreads      int
	group            ids.Group
	groupConcurrency int
	priority         ids.Priority
	single           bool
	enabled          bool
}

// Snapshot is the read-only view of a bound reaction handed to the event
// bus on lookup.
type Snapshot struct {
	ReactionID       ReactionID
	EventType        string
	Callback         Callback
	Pool             ids.Pool
	PoolThreadCount  int
	Group            ids.Group
	GroupConcurrency int
	Priority         ids.Priority
	Single           bool
	Enabled          bool
}

// BindOptions carries the scheduling metadata supplied at bind time,
// replacing the DSL-word composition of the original implementation with
// an explicit options struct (§9).
type BindOptions struct {
	Pool        ids.Pool
	PoolThreads int
	Group       ids.Group
	Priority    ids.Priority
	// GroupConcurrency, when Group is non-zero and not yet known to the
	// caller's scheduler, is the concurrency to register the group with
	// on first use. Ignored for GroupID 0 (the default, unbounded group).
	GroupConcurrency int
	// Single marks the reaction as accepting at most one queued-or-running
	// instance at a time; a second emit while one is in flight is dropped
	// instead of queued (§6 "Single").
	Single bool
}

// Handle is the weak reference a caller holds to a bound reaction. It
// grants Unbind and Enable/Disable without granting ownership: the
// Registry is the sole owner of the underlying reaction (§9 "smart
// pointer reference graphs" -> explicit weak handle).
type Handle struct {
	id        ReactionID
	eventType string
	reg       *Registry
}

// Unbind removes the reaction. Idempotent: calling it more than once, or
// on an already-removed reaction, is a no-op.
func (h *Handle) Unbind() {
	h.reg.unbind(h.eventType, h.id)
}

// Enable toggles whether future emits construct a task for this
// reaction. Disabling does not cancel tasks already queued or running.
func (h *Handle) Enable(enabled bool) {
	h.reg.setEnabled(h.eventType, h.id, enabled)
}

// ReactionID returns the identifier the scheduler/registry use to refer
// to this reaction internally (useful for diagnostics).
func (h *Handle) ReactionID() uint64 { return uint64(h.id) }

// Registry is the catalog of bound reactions, keyed by event type. A
// single sync.RWMutex makes it reader-preferred, matching the "registry
// has one lock (reader-preferred)" policy in §5.
type Registry struct {
	mu        sync.RWMutex
	byType    map[string][]*reaction
	idAlloc   *ids.Allocator
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byType:  make(map[string][]*reaction),
		idAlloc: ids.NewReactionIDAllocator(),
	}
}

// Bind allocates a reaction_id, stores its metadata and returns a handle
// whose Unbind removes it. Multiple bindings for the same event type are
// allowed and preserve registration order (§4.1).
func (r *Registry) Bind(eventType string, cb Callback, opts BindOptions) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	rx := &reaction{
		id:               ReactionID(r.idAlloc.Next()),
		eventType:        eventType,
		callback:         cb,
		pool:             opts.Pool,
		poolThreads:      opts.PoolThreads,
		group:            opts.Group,
		groupConcurrency: opts.GroupConcurrency,
		priority:         opts.Priority,
		single:           opts.Single,
		enabled:          true,
	}
	r.byType[eventType] = append(r.byType[eventType], rx)

	return &Handle{id: rx.id, eventType: eventType, reg: r}
}

// Lookup returns a point-in-time copy of the reactions bound to
// eventType, safe to range over without holding any lock (copy-on-read,
// §4.1). Disabled reactions are included with Enabled=false so callers
// can choose to skip them; the event bus skips them.
func (r *Registry) Lookup(eventType string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := r.byType[eventType]
	out := make([]Snapshot, 0, len(bound))
	for _, rx := range bound {
		out = append(out, Snapshot{
			ReactionID:       rx.id,
			EventType:        rx.eventType,
			Callback:         rx.callback,
			Pool:             rx.pool,
			PoolThreadCount:  rx.poolThreads,
			Group:            rx.group,
			GroupConcurrency: rx.groupConcurrency,
			Priority:         rx.priority,
			Single:           rx.single,
			Enabled:          rx.enabled,
		})
	}
	return out
}

func (r *Registry) unbind(eventType string, id ReactionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bound := r.byType[eventType]
	for i, rx := range bound {
		if rx.id == id {
			r.byType[eventType] = append(bound[:i:i], bound[i+1:]...)
			return
		}
	}
	// Already unbound: idempotent no-op.
}

func (r *Registry) setEnabled(eventType string, id ReactionID, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rx := range r.byType[eventType] {
		if rx.id == id {
			rx.enabled = enabled
			return
		}
	}
}

// UnbindAll unbinds the reaction behind every handle in handles, used
// when an owning reactor is torn down wholesale.
func (r *Registry) UnbindAll(handles []*Handle) {
	for _, h := range handles {
		h.Unbind()
	}
}
