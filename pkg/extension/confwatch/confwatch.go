// Package confwatch watches the power plant's config file for changes
// and emits a ConfigReloaded event, supplementing spec.md with a feature
// recovered from the original implementation's support for runtime
// reconfiguration. Grounded on the fsnotify watch-loop and debounce
// idiom in pkg/sync/file_watcher.go, narrowed from a whole-directory
// watch to a single file.
package confwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entropic-systems/nucleus/pkg/bus"
	"github.com/entropic-systems/nucleus/pkg/config"
	"github.com/entropic-systems/nucleus/pkg/logging"
)

// debounceWindow coalesces the multiple fsnotify events a single save
// often produces (write, then chmod, then rename-back) into one reload.
const debounceWindow = 100 * time.Millisecond

// ConfigReloaded is emitted (LOCAL scope) once a debounced write settles.
type ConfigReloaded struct {
	Config *config.Config
	Path   string
}

// Watcher watches a single config file path and re-emits it on change.
type Watcher struct {
	path string
	bus  *bus.Bus
	log  *logging.Logger

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

// New opens an fsnotify watch on path. Callers should call Stop when
// done.
func New(path string, b *bus.Bus, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("confwatch: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("confwatch: watching %s: %w", path, err)
	}

	w := &Watcher{
		path: path,
		bus:  b,
		log:  logger.WithComponent("confwatch"),
		fsw:  fsw,
		done: make(chan struct{}),
	}
	go w.loop(context.Background())
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.debounce(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) debounce(ctx context.Context, event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.log.Warn("reloading config", map[string]interface{}{"error": err.Error(), "path": w.path})
		return
	}
	w.bus.Emit(ctx, bus.LOCAL, "nucleus/config.Reloaded", ConfigReloaded{Config: cfg, Path: w.path})
}

// Stop closes the underlying fsnotify watcher and waits for the watch
// loop to exit.
func (w *Watcher) Stop() {
	_ = w.fsw.Close()
	<-w.done
}
