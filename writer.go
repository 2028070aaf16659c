package lgrdisk

/*
writer.go

Producer side of the Writer. The semantics are:
  - WriteString(line) never blocks on disk and never fails: the line is copied
    into the in-memory buffer, or into the pending queue while a rotation is in
    flight, and the worker is woken when a flush threshold is crossed.
  - Write(p) implements io.Writer on top of the same path, so the writer can be
    handed to any logging frontend that writes serialized lines.

Every line is terminated with '\n' so that no line is ever split across files.
*/

import "time"

// WriteString queues one serialized log line. A missing trailing newline is
// added. Lines are silently dropped once the writer is closed or disabled.
func (w *Writer) WriteString(line string) {
	w.push([]byte(line))
}

// Write implements io.Writer. p is treated as one log line and copied, so the
// caller may reuse it. It always reports len(p), nil.
func (w *Writer) Write(p []byte) (n int, err error) {
	if p == nil {
		return 0, nil
	}
	w.push(p)
	return len(p), nil
}

func (w *Writer) push(p []byte) {
	line := make([]byte, len(p), len(p)+1)
	copy(line, p)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	w.sync.statMtx.RLock()
	defer w.sync.statMtx.RUnlock()
	if w.state != _STATE_ACTIVE || w.disabled.Load() {
		w.sync.bufMtx.Lock()
		w.stats.Dropped++
		w.sync.bufMtx.Unlock()
		return
	}
	opts := w.options()
	now := opts.Now().In(opts.Location)
	w.sync.bufMtx.Lock()
	kick := w.admit(line, now, &opts)
	w.sync.bufMtx.Unlock()
	if kick {
		w.signal()
	}
}

// admit routes one line: to the pending queue while rotating, to the pending
// queue with a new rotation when the line cannot go into the open file, or to
// the buffer. It reports whether the worker has to be woken up.
// Called with bufMtx held.
func (w *Writer) admit(line []byte, now time.Time, opts *Options) bool {
	if w.rotating {
		w.pending = append(w.pending, line)
		return false
	}
	if trigger, bySize := w.needsRotation(now, len(line), opts); trigger {
		w.rotating = true
		w.sizeHit = bySize
		w.pending = append(w.pending, line)
		return true
	}
	w.buffer = append(w.buffer, line...)
	w.lines++
	return w.lines >= opts.FlushLines || len(w.buffer) >= opts.FlushBytes
}

// needsRotation checks both triggers: the wall-clock period moved on, or the
// next line would bring the file at or above the size limit. An empty file
// accepts any line, so oversized lines still get written.
// Called with bufMtx held.
func (w *Writer) needsRotation(now time.Time, next int, opts *Options) (trigger, bySize bool) {
	if w.period == "" || !w.inPeriod(now) {
		return true, false
	}
	used := w.size + int64(len(w.buffer))
	if opts.MaxFileSize > 0 && used > 0 && used+int64(next) >= opts.MaxFileSize {
		return true, true
	}
	return false, false
}

// Called with bufMtx held.
func (w *Writer) inPeriod(now time.Time) bool {
	return !now.Before(w.pstart) && now.Before(w.pend)
}
