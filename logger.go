// Package lgrdisk is the write path of a self-hosted logging library. It
// persists serialized log lines into size- and time-rotated files and lets many
// processes share one log directory: rotations are serialized by a filesystem
// lock, and scheduled archiving and retention run only in the one process
// elected coordinator for the directory.
//
// Preferred usage example:
//
//	func main() {
//	    w, _ := lgrdisk.GetWriter(lgrdisk.Options{Dir: "./logs", MaxFileSize: 8 << 20})
//	    defer lgrdisk.CloseAll()
//	    w.WriteString(`{"level":"info","msg":"hello"}`)
//	}
package lgrdisk

import (
	"errors"
	"path/filepath"
	"time"
)

// Open creates a writer for opts.Dir and starts its background goroutine.
// Files are opened lazily on the first write.
//
// A directory that cannot be created does not make Open fail hard: the writer
// is returned disabled (every write is dropped) together with the error, so a
// host application never crashes because of its logs.
//
// Most callers should use a Registry (or GetWriter) to get exactly one writer
// per directory.
func Open(opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	w := &Writer{opts: opts}
	w.log = opts.logger("writer").With().Str("dir", opts.Dir).Logger()
	w.rotlock = NewDirLock(filepath.Join(opts.Dir, ROTATION_LOCK_NAME), opts.LockStale)
	w.channel = make(chan wrMessage, DEFAULT_CMD_BUFF)

	var err error
	if opts.Dir == "" {
		err = ErrNoDirectory
	} else {
		err = mkdirAll(opts.Dir)
	}
	if err != nil {
		// fail closed, the worker only drains commands
		w.disable(err)
		err = errors.Join(ErrWriterDisabled, err)
	}
	w.state = _STATE_ACTIVE
	w.sync.waitEnd.Go(func() { w.procced() })
	return w, err
}

// Close drains lines queued during an in-flight rotation, flushes everything
// synchronously and closes the file. Close is idempotent: later calls wait for
// the first one and return the same result.
func (w *Writer) Close() error {
	w.sync.statMtx.Lock()
	if w.state == _STATE_ACTIVE {
		w.state = _STATE_STOPPING
		close(w.channel)
	}
	w.sync.statMtx.Unlock()
	w.sync.waitEnd.Wait()
	return w.closeErr
}

// Flush forces buffered lines to disk and waits until they are written.
func (w *Writer) Flush() error {
	w.sync.statMtx.RLock()
	if w.state != _STATE_ACTIVE {
		w.sync.statMtx.RUnlock()
		return ErrWriterClosed
	}
	done := make(chan error, 1)
	w.channel <- wrMessage{cmd: _CMD_FLUSH, done: done, pushed: time.Now()}
	w.sync.statMtx.RUnlock()
	return <-done
}

// IsActive is true until Close is called.
func (w *Writer) IsActive() bool {
	w.sync.statMtx.RLock()
	defer w.sync.statMtx.RUnlock()
	return w.state == _STATE_ACTIVE
}

// IsDisabled reports whether the writer gave up after an unrecoverable I/O
// fault. A disabled writer silently drops every line.
func (w *Writer) IsDisabled() bool {
	return w.disabled.Load()
}

// UpdateOptions tightens the writer configuration with constraints c (see
// Options.Tighten). Limits can only become stricter.
func (w *Writer) UpdateOptions(c Options) *Writer {
	w.sync.optMtx.Lock()
	prev := w.opts.Rotation
	w.opts = w.opts.Tighten(c)
	changed := w.opts.Rotation != prev
	w.sync.optMtx.Unlock()
	if changed {
		// The open file is named after a period of the old rotation. Ending
		// that period retires it: the next line rotates into a file named
		// for the new rotation instead of mixing both periods in one file.
		w.sync.bufMtx.Lock()
		w.pend = w.pstart
		w.sync.bufMtx.Unlock()
	}
	w.wakeup()
	return w
}

// GetInstanceOptions returns a copy of the effective configuration.
func (w *Writer) GetInstanceOptions() Options {
	return w.options()
}

func (w *Writer) options() Options {
	w.sync.optMtx.RLock()
	defer w.sync.optMtx.RUnlock()
	return w.opts
}

// Dir returns the log directory of the writer.
func (w *Writer) Dir() string {
	return w.options().Dir
}

// Path returns the file currently written to ("" before the first rotation).
func (w *Writer) Path() string {
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	return w.path
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	return w.stats
}

// setState sets the writer state with write locking; normalizes the provided
// state before assignment.
func (w *Writer) setState(newstate wrState) {
	w.sync.statMtx.Lock()
	defer w.sync.statMtx.Unlock()
	w.state = normState(newstate)
}

// wakeup asks the worker to re-evaluate the buffer. It never blocks: a full
// channel already holds a wakeup that will see the same state.
func (w *Writer) wakeup() {
	w.sync.statMtx.RLock()
	defer w.sync.statMtx.RUnlock()
	if w.state == _STATE_ACTIVE {
		w.signal()
	}
}

// signal is wakeup for callers already holding statMtx.
func (w *Writer) signal() {
	select {
	case w.channel <- wrMessage{cmd: _CMD_WAKEUP, pushed: time.Now()}:
	default:
	}
}
