// Package plant implements the PowerPlant lifecycle: it owns the
// scheduler, registry, bus, transport and installed extensions, and
// drives the start/shutdown sequence spec.md §4.4 describes.
package plant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/entropic-systems/nucleus/pkg/bus"
	"github.com/entropic-systems/nucleus/pkg/config"
	"github.com/entropic-systems/nucleus/pkg/diagnostics"
	"github.com/entropic-systems/nucleus/pkg/extension/chrono"
	"github.com/entropic-systems/nucleus/pkg/extension/confwatch"
	"github.com/entropic-systems/nucleus/pkg/logging"
	"github.com/entropic-systems/nucleus/pkg/registry"
	"github.com/entropic-systems/nucleus/pkg/scheduler"
	"github.com/entropic-systems/nucleus/pkg/transport"
)

// Initialize is emitted as DIRECT once the scheduler's workers are live
// but before the main loop starts draining its queue (spec.md §4.4 step
// 3; §8 scenario 1).
type Initialize struct{}

// Shutdown is emitted as DIRECT at the start of PowerPlant.Shutdown.
type Shutdown struct{}

// PowerPlant is the top-level object an application constructs: it wires
// together the registry, scheduler, bus, and (if configured) the network
// transport and chrono timer extension.
type PowerPlant struct {
	cfg *config.Config
	log *logging.Logger

	Bus *bus.Bus
	Reg *registry.Registry
	Sch *scheduler.Scheduler

	Transport   *transport.Transport
	Chrono      *chrono.Service
	Diagnostics *diagnostics.Server
	Confwatch   *confwatch.Watcher

	shuttingDown atomic.Bool
	mu           sync.Mutex
}

// New constructs a PowerPlant from cfg without starting it. cfg is
// validated per spec.md §7 "Configuration errors ... fail at
// construction".
func New(cfg *config.Config, logger *logging.Logger) (*PowerPlant, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	reg := registry.New()
	sch := scheduler.New(scheduler.Options{Logger: logger})
	b := bus.New(reg, sch, logger)

	p := &PowerPlant{
		cfg: cfg,
		log: logger.WithComponent("plant"),
		Bus: b,
		Reg: reg,
		Sch: sch,
	}

	if cfg.Network.Enabled {
		tr, err := transport.New(transport.Options{
			Name:             cfg.Network.Name,
			MulticastGroup:   cfg.Network.MulticastGroup,
			Port:             cfg.Network.Port,
			MTU:              cfg.Network.MTU,
			AnnounceInterval: cfg.Network.AnnounceInterval,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("plant: configuring transport: %w", err)
		}
		tr.SetDeliverer(b)
		b.SetNetworkSender(tr)
		p.Transport = tr
	}

	p.Chrono = chrono.New(b, logger)

	if cfg.Diagnostics.Enabled {
		p.Diagnostics = diagnostics.New(cfg.Diagnostics.Addr, sch, p.Transport, logger)
	}

	if cfg.WatchConfig && cfg.ConfigPath() != "" {
		cw, err := confwatch.New(cfg.ConfigPath(), b, logger)
		if err != nil {
			return nil, fmt.Errorf("plant: configuring confwatch: %w", err)
		}
		p.Confwatch = cw
	}

	return p, nil
}

// Start installs extensions, emits Initialize as DIRECT, then blocks
// running the main pool's worker loop on the calling goroutine until
// Shutdown drains every pool (spec.md §4.4).
func (p *PowerPlant) Start(ctx context.Context) error {
	if p.Transport != nil {
		if err := p.Transport.Start(ctx); err != nil {
			return fmt.Errorf("plant: starting transport: %w", err)
		}
	}
	if p.Diagnostics != nil {
		p.Diagnostics.Start()
	}

	p.Sch.Start(ctx, p.cfg.ThreadCount, func() {
		p.Bus.MarkStarted(ctx)
		p.Bus.Emit(ctx, bus.DIRECT, "nucleus/plant.Initialize", Initialize{})
	})
	return nil
}

// Shutdown emits Shutdown as DIRECT, then forwards to the scheduler and
// transport. Idempotent (spec.md §7 "Idempotence").
func (p *PowerPlant) Shutdown(ctx context.Context) {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	p.Bus.Emit(ctx, bus.DIRECT, "nucleus/plant.Shutdown", Shutdown{})
	p.Chrono.Stop()
	if p.Confwatch != nil {
		p.Confwatch.Stop()
	}
	if p.Diagnostics != nil {
		p.Diagnostics.Stop()
	}
	if p.Transport != nil {
		p.Transport.Stop()
	}
	p.Sch.Shutdown()
}
