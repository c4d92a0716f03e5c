// Package bus implements the event bus / emit path described in spec.md
// §4.2: resolving an emitted value's reactions via the registry,
// constructing a task per reaction, and handing it to the scheduler. It
// also hosts the options DSL reactors use to bind callbacks (§6).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/entropic-systems/nucleus/pkg/ids"
	"github.com/entropic-systems/nucleus/pkg/logging"
	"github.com/entropic-systems/nucleus/pkg/registry"
	"github.com/entropic-systems/nucleus/pkg/scheduler"
)

// ErrOptionalDataMissing is returned by a reaction's callback to signal
// that required upstream data was unavailable. Reactions bound with
// Optional() treat this as a successful no-op instead of a logged
// failure; any other reaction treats it like any other error.
var ErrOptionalDataMissing = errors.New("bus: optional data missing")

// NetworkSender is the capability the transport extension installs so
// NETWORK-scoped emits can reach peers. It is deliberately narrow: the
// bus only needs to hand off an already-hashed, already-serialized
// payload (§4.2 "NETWORK: handed to the transport with a
// type-identifying hash; remote receivers re-emit locally").
type NetworkSender interface {
	SendTyped(ctx context.Context, typeHash ids.TypeHash, payload []byte, reliable bool) error
}

// Bus resolves emits to tasks and submits them to a Scheduler.
type Bus struct {
	reg *registry.Registry
	sch *scheduler.Scheduler

	taskIDs *ids.Allocator
	logger  *logging.Logger

	mu        sync.Mutex
	syncGroup map[string]ids.Group
	nextSync  *ids.Allocator

	singleMu sync.Mutex
	inFlight map[registry.ReactionID]bool

	initMu  sync.Mutex
	started bool
	initBuf []func(ctx context.Context)

	typeMu     sync.Mutex
	hashToType map[ids.TypeHash]string

	netMu  sync.RWMutex
	sender NetworkSender
}

// New returns a Bus backed by the given registry and scheduler.
func New(reg *registry.Registry, sch *scheduler.Scheduler, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Bus{
		reg:        reg,
		sch:        sch,
		taskIDs:    ids.NewTaskIDAllocator(),
		logger:     logger.WithComponent("bus"),
		syncGroup:  make(map[string]ids.Group),
		nextSync:   ids.NewGroupIDAllocator(),
		inFlight:   make(map[registry.ReactionID]bool),
		hashToType: make(map[ids.TypeHash]string),
	}
}

// SetNetworkSender installs the transport capability used for NETWORK
// scope emits. Passing nil disables NETWORK emits (they are dropped with
// a warning, matching the silent-but-recoverable policy of §7).
func (b *Bus) SetNetworkSender(s NetworkSender) {
	b.netMu.Lock()
	b.sender = s
	b.netMu.Unlock()
}

// Binder is the fluent handle returned by On, awaiting Then(callback).
type Binder struct {
	bus       *Bus
	eventType string
	cfg       bindConfig
}

// On begins binding a reaction to eventType with the given options.
func (b *Bus) On(eventType string, opts ...Option) *Binder {
	cfg := defaultBindConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.syncName != "" {
		cfg.group = b.resolveSyncGroup(cfg.syncName)
		cfg.groupConcurrency = 1
	}
	b.rememberType(eventType)
	return &Binder{bus: b, eventType: eventType, cfg: cfg}
}

func (b *Bus) resolveSyncGroup(name string) ids.Group {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.syncGroup[name]; ok {
		return g
	}
	g := ids.Group(b.nextSync.Next())
	b.syncGroup[name] = g
	return g
}

func (b *Bus) rememberType(eventType string) ids.TypeHash {
	h := ids.HashEventType(eventType)
	b.typeMu.Lock()
	b.hashToType[h] = eventType
	b.typeMu.Unlock()
	return h
}

// Then registers the callback and returns the caller's handle.
func (bd *Binder) Then(cb registry.Callback) *registry.Handle {
	cfg := bd.cfg
	wrapped := cb
	if cfg.optional {
		wrapped = func(payload interface{}) error {
			if err := cb(payload); err != nil {
				if errors.Is(err, ErrOptionalDataMissing) {
					return nil
				}
				return err
			}
			return nil
		}
	}
	return bd.bus.reg.Bind(bd.eventType, wrapped, registry.BindOptions{
		Pool:             cfg.pool,
		PoolThreads:      cfg.poolThreads,
		Group:            cfg.group,
		Priority:         cfg.priority,
		GroupConcurrency: cfg.groupConcurrency,
		Single:           cfg.single,
	})
}

// MarkStarted flushes any buffered INITIALIZE emits as DIRECT emits. The
// power plant calls this once the scheduler has entered the started
// state (§4.2 "INITIALIZE: buffered until the scheduler enters the
// started state, then emitted as DIRECT").
func (b *Bus) MarkStarted(ctx context.Context) {
	b.initMu.Lock()
	b.started = true
	buffered := b.initBuf
	b.initBuf = nil
	b.initMu.Unlock()

	for _, fn := range buffered {
		fn(ctx)
	}
}

// Emit resolves eventType's reactions and dispatches a task per eligible
// reaction under scope's rules (§4.2).
func (b *Bus) Emit(ctx context.Context, scope Scope, eventType string, payload interface{}) {
	switch scope {
	case INITIALIZE:
		b.initMu.Lock()
		if !b.started {
			b.initBuf = append(b.initBuf, func(ctx context.Context) {
				b.dispatchLocal(ctx, eventType, payload, true)
			})
			b.initMu.Unlock()
			return
		}
		b.initMu.Unlock()
		b.dispatchLocal(ctx, eventType, payload, true)

	case DIRECT:
		b.dispatchLocal(ctx, eventType, payload, true)

	case NETWORK:
		b.emitNetwork(ctx, eventType, payload)

	default: // LOCAL
		b.dispatchLocal(ctx, eventType, payload, false)
	}
}

func (b *Bus) dispatchLocal(ctx context.Context, eventType string, payload interface{}, immediate bool) {
	for _, rx := range b.reg.Lookup(eventType) {
		if !rx.Enabled {
			continue // unbound/disabled reaction looked up during emit: skipped (§7)
		}
		b.submitReaction(ctx, rx, payload, immediate)
	}
}

func (b *Bus) submitReaction(ctx context.Context, rx registry.Snapshot, payload interface{}, immediate bool) {
	if rx.Single && !b.tryEnterSingle(rx.ReactionID) {
		return // Single: an instance is already queued or running, drop this emit.
	}

	taskID := b.taskIDs.Next()
	cb := rx.Callback
	single := rx.Single
	reactionID := rx.ReactionID

	b.sch.Submit(ctx, &scheduler.Task{
		TaskID:           taskID,
		ReactionID:       uint64(reactionID),
		Pool:             rx.Pool,
		PoolThreadCount:  rx.PoolThreadCount,
		Group:            rx.Group,
		GroupConcurrency: rx.GroupConcurrency,
		Priority:         rx.Priority,
		Immediate:        immediate,
		Run: func() error {
			defer func() {
				if single {
					b.exitSingle(reactionID)
				}
			}()
			return cb(payload)
		},
	})
}

func (b *Bus) tryEnterSingle(id registry.ReactionID) bool {
	b.singleMu.Lock()
	defer b.singleMu.Unlock()
	if b.inFlight[id] {
		return false
	}
	b.inFlight[id] = true
	return true
}

func (b *Bus) exitSingle(id registry.ReactionID) {
	b.singleMu.Lock()
	delete(b.inFlight, id)
	b.singleMu.Unlock()
}

// emitNetwork serializes payload and hands it to the installed
// NetworkSender, keyed by the event type's stable hash so a remote peer
// can look the type back up without sharing Go type information (§4.2,
// §4.6). Reliability defaults to true; unreliable NETWORK emits are not
// exposed at this layer (the transport's ACK/NACK loop is the only
// reliability knob spec.md names).
func (b *Bus) emitNetwork(ctx context.Context, eventType string, payload interface{}) {
	b.netMu.RLock()
	sender := b.sender
	b.netMu.RUnlock()
	if sender == nil {
		b.logger.Warn("network emit with no sender installed", map[string]interface{}{"event_type": eventType})
		return
	}

	h := b.rememberType(eventType)
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to serialize network payload", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
		return
	}
	if err := sender.SendTyped(ctx, h, data, true); err != nil {
		b.logger.Warn("network send failed", map[string]interface{}{
			"event_type": eventType, "error": err.Error(),
		})
	}
}

// Deliver is called by the transport's receive path once a DATA packet
// has been fully reassembled: it maps the wire type hash back to the
// locally-registered event type and dispatches as a LOCAL emit, matching
// §4.6 "remote receivers re-emit locally, indistinguishable from a LOCAL
// emit to bound reactions".
func (b *Bus) Deliver(ctx context.Context, typeHash ids.TypeHash, data []byte) error {
	b.typeMu.Lock()
	eventType, ok := b.hashToType[typeHash]
	b.typeMu.Unlock()
	if !ok {
		return fmt.Errorf("bus: unknown network type hash %s", typeHash)
	}

	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("bus: decoding payload for %s: %w", eventType, err)
	}
	b.dispatchLocal(ctx, eventType, payload, false)
	return nil
}
