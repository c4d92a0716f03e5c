// Package chrono is the periodic timer extension the power plant installs
// alongside the network transport (spec.md §4.4 "built-in extensions").
// It has no direct teacher analogue; it is modeled on the small,
// single-purpose extension style the original implementation uses for
// its chrono service (original_source/src/extension, per-interval
// emit), translated into a ticker-per-subscription goroutine design.
package chrono

import (
	"context"
	"sync"
	"time"

	"github.com/entropic-systems/nucleus/pkg/bus"
	"github.com/entropic-systems/nucleus/pkg/logging"
)

// Tick is the event type emitted on every interval firing, carrying the
// wall-clock time it fired at.
type Tick struct {
	Interval time.Duration
	At       time.Time
}

// Service runs zero or more interval timers, each emitting Tick on the
// bus under a caller-chosen event type name.
type Service struct {
	bus *bus.Bus
	log *logging.Logger

	mu      sync.Mutex
	cancels []func()
}

// New returns a chrono Service bound to b.
func New(b *bus.Bus, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Service{bus: b, log: logger.WithComponent("chrono")}
}

// Every starts a new ticker that emits Tick under eventType every
// interval, using scope for the emit. The returned func stops the
// ticker; Stop() also stops every ticker the Service started.
func (s *Service) Every(ctx context.Context, eventType string, interval time.Duration, scope bus.Scope) func() {
	tickerCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	go s.run(tickerCtx, eventType, interval, scope)

	return cancel
}

func (s *Service) run(ctx context.Context, eventType string, interval time.Duration, scope bus.Scope) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.bus.Emit(ctx, scope, eventType, Tick{Interval: interval, At: now})
		}
	}
}

// Stop cancels every ticker started via Every.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}
