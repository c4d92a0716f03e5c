// Package io is the pipe/file-descriptor IO extension (spec.md §8
// scenario 4): reactions bind to read and write "sides" of a stream the
// same way they bind to any other event type, rather than polling a
// descriptor themselves. It has no teacher analogue (noisefs has no
// byte-stream reactor); the one-goroutine-per-watched-reader shape
// mirrors the fsnotify watch loop in pkg/sync/file_watcher.go, adapted
// from filesystem events to raw byte reads.
package io

import (
	"context"
	"fmt"
	"io"

	"github.com/entropic-systems/nucleus/pkg/bus"
	"github.com/entropic-systems/nucleus/pkg/logging"
)

// ReadEvent is emitted once per byte read from a watched reader.
type ReadEvent struct {
	Byte byte
}

// WriteEvent is emitted once per byte written via Extension.Write.
type WriteEvent struct {
	Byte byte
}

// Extension bridges os.File/io.Reader/io.Writer byte streams onto the
// event bus.
type Extension struct {
	bus *bus.Bus
	log *logging.Logger
}

// New returns an Extension bound to b.
func New(b *bus.Bus, logger *logging.Logger) *Extension {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Extension{bus: b, log: logger.WithComponent("io")}
}

// WatchRead spawns a goroutine reading one byte at a time from r,
// emitting eventType under scope for each, until r returns an error
// (including io.EOF) or ctx is found done. ctx is checked before each
// read only; a Read already blocked waiting for data is not interrupted
// by cancellation. The returned channel is closed when the read loop
// exits.
func (e *Extension) WatchRead(ctx context.Context, eventType string, scope bus.Scope, r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := r.Read(buf)
			if n == 1 {
				e.log.Info(fmt.Sprintf("Read 1 bytes (%c) from pipe", buf[0]))
				e.bus.Emit(ctx, scope, eventType, ReadEvent{Byte: buf[0]})
			}
			if err != nil {
				return
			}
		}
	}()
	return done
}

// Write performs a single-byte write to w and emits WriteEvent under
// eventType so a bound reaction can observe its own writes the same way
// a remote reader observes reads.
func (e *Extension) Write(ctx context.Context, eventType string, scope bus.Scope, w io.Writer, b byte) error {
	if _, err := w.Write([]byte{b}); err != nil {
		return err
	}
	e.log.Info(fmt.Sprintf("Wrote 1 bytes (%c) to pipe", b))
	e.bus.Emit(ctx, scope, eventType, WriteEvent{Byte: b})
	return nil
}
