package lgrdisk

/*
proceed.go

Contains the background processing loop of a Writer. Responsible for:
  - running the worker goroutine that reads commands from the writer channel
  - time-triggered flushes and retiring files of a finished period
  - writing buffered data with retry-with-backoff reopen on stream faults
  - handing data refused by a file that peers filled back to a rotation
  - disabling the writer when the retry budget is exhausted

Only this goroutine touches w.file and w.flock.
*/

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// errFileFull reports that the open file has no room left for a chunk. The
// chunk was not written.
var errFileFull = errors.New("log file is full")

// procced is the background loop. It reads commands until the channel is
// closed by Close, then drains and closes the file.
func (w *Writer) procced() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Msg("panic finishing writer" + panicDesc(r))
		}
		w.closeFile()
		w.setState(_STATE_STOPPED)
	}()
	interval := w.options().FlushInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case msg, opened := <-w.channel:
			if !opened {
				w.closeErr = w.finish()
				return
			}
			if err := w.proceedMsg(&msg); err != nil {
				w.log.Error().Err(err).Msg("error proceeding command")
			}
		case <-ticker.C:
			w.safely(w.tick)
		}
		if cur := w.options().FlushInterval; cur != interval {
			interval = cur
			ticker.Reset(interval)
		}
	}
}

// proceedMsg dispatches a single command. Panics are converted to errors so
// the worker survives them and synchronous callers always get an answer.
func (w *Writer) proceedMsg(msg *wrMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic proceeding command" + panicDesc(r))
		}
		if msg.done != nil {
			msg.done <- err
		}
	}()
	switch msg.cmd {
	case _CMD_WAKEUP:
		return w.service(false)
	case _CMD_FLUSH:
		return w.service(true)
	case _CMD_FORBIDDEN:
		// For testing purposes only, to exercise panic handling
		panic("panic on forbidden command")
	}
	return errors.New("unknown command: " + strconv.Itoa(int(msg.cmd)))
}

func (w *Writer) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Msg("panic in writer worker" + panicDesc(r))
		}
	}()
	f()
}

// service performs every rotation that was requested and then flushes the
// buffer if forced or over a threshold.
func (w *Writer) service(force bool) error {
	if w.disabled.Load() {
		w.dropAll()
		return ErrWriterDisabled
	}
	for {
		for w.isRotating() && !w.disabled.Load() {
			w.rotate()
		}
		if w.disabled.Load() {
			return ErrWriterDisabled
		}
		if !force && !w.bufferFull() {
			return nil
		}
		// a chunk refused by a full file comes back with a rotation request
		if err := w.flush(); err != nil || !w.isRotating() {
			return err
		}
	}
}

func (w *Writer) isRotating() bool {
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	return w.rotating
}

func (w *Writer) bufferFull() bool {
	opts := w.options()
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	return w.lines >= opts.FlushLines || len(w.buffer) >= opts.FlushBytes
}

// tick is the time-triggered flush. When the period of the open file is over
// and no rotation is pending, the file is retired: the buffered lines of the
// old period are written, the file is closed and the next write rotates.
// Idle writers thus never keep a finished period's file open for the archiver.
func (w *Writer) tick() {
	if w.disabled.Load() {
		return
	}
	opts := w.options()
	now := opts.Now().In(opts.Location)
	w.sync.bufMtx.Lock()
	retire := !w.rotating && w.period != "" && !w.inPeriod(now)
	if retire {
		w.period = ""
	}
	w.sync.bufMtx.Unlock()
	if retire {
		// the old period's lines stay in its file
		w.drain(0)
		w.closeFile()
		return
	}
	w.service(true)
}

// flush hands the buffer over to disk. When peers filled the open file the
// buffer is put back and a size rotation is requested instead.
func (w *Writer) flush() error {
	return w.drain(w.options().MaxFileSize)
}

// drain writes the buffer to the open file, refusing it when the file holds
// data and cannot take the buffer within limit. limit <= 0 always writes.
func (w *Writer) drain(limit int64) error {
	w.sync.bufMtx.Lock()
	data, lines := w.buffer, w.lines
	w.buffer, w.lines = nil, 0
	w.size += int64(len(data))
	w.sync.bufMtx.Unlock()
	if len(data) == 0 {
		return nil
	}
	err := w.writeChunk(data, lines, limit)
	if errors.Is(err, errFileFull) {
		w.requeue(data, lines)
		return nil
	}
	return err
}

// requeue puts a refused chunk back in front of the buffer and requests a
// size rotation, which carries it over to the next file.
func (w *Writer) requeue(data []byte, lines int) {
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	w.buffer = append(data, w.buffer...)
	w.lines += lines
	w.size -= int64(len(data))
	w.rotating, w.sizeHit = true, true
}

// writeChunk appends whole lines to the open file under an exclusive flock,
// so appends of peer processes never interleave. With limit > 0 a non-empty
// file that cannot take the chunk refuses it with errFileFull. A failed write
// closes the stream and retries with exponential backoff; when the budget is
// exhausted the writer is disabled.
func (w *Writer) writeChunk(data []byte, lines int, limit int64) error {
	opts := w.options()
	total := len(data)
	var err error
	if w.file == nil {
		err = os.ErrClosed
	} else {
		var n int
		var size int64
		n, size, err = w.lockedWrite(data, limit)
		if errors.Is(err, errFileFull) {
			return err
		}
		if err == nil && size >= 0 {
			// includes whatever peers appended
			w.sync.bufMtx.Lock()
			w.size = size
			w.sync.bufMtx.Unlock()
		}
		data = data[n:]
	}
	backoff := opts.OpenBackoff
	for attempt := 0; err != nil && attempt < opts.OpenRetries; attempt++ {
		w.log.Warn().Err(err).Int("attempt", attempt+1).Msg("write failed, reopening stream")
		time.Sleep(backoff)
		backoff *= 2
		w.closeFile()
		if err = w.openFile(w.Path()); err != nil {
			continue
		}
		w.sync.bufMtx.Lock()
		w.stats.Reopens++
		w.sync.bufMtx.Unlock()
		var n int
		n, _, err = w.lockedWrite(data, 0)
		data = data[n:]
	}
	if err != nil {
		w.disable(err)
		w.sync.bufMtx.Lock()
		w.stats.Dropped += uint64(lines)
		w.sync.bufMtx.Unlock()
		return err
	}
	w.sync.bufMtx.Lock()
	w.stats.Lines += uint64(lines)
	w.stats.Bytes += uint64(total)
	w.stats.Flushes++
	w.sync.bufMtx.Unlock()
	return nil
}

// lockedWrite appends data while holding the flock of the open file. The
// size check against limit happens under the same lock, so a peer cannot fill
// the file in between. size is the file size after the write, -1 if unknown.
func (w *Writer) lockedWrite(data []byte, limit int64) (n int, size int64, err error) {
	if w.flock != nil {
		if err := w.flock.Lock(); err != nil {
			w.log.Debug().Err(err).Msg("append lock unavailable, writing unguarded")
		} else {
			defer w.flock.Unlock()
		}
	}
	size = -1
	if fi, serr := w.file.Stat(); serr == nil {
		size = fi.Size()
		if limit > 0 && size > 0 && size+int64(len(data)) >= limit {
			return 0, size, errFileFull
		}
	}
	n, err = w.file.Write(data)
	if size >= 0 {
		size += int64(n)
	}
	return n, size, err
}

// openFile opens path for appending.
func (w *Writer) openFile(path string) error {
	if path == "" {
		return os.ErrInvalid
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DEFAULT_FILE_MODE)
	if err != nil {
		return err
	}
	w.file = f
	w.flock = flock.New(path)
	return nil
}

// openWithRetry is openFile with the stream-fault retry budget.
func (w *Writer) openWithRetry(path string) (err error) {
	opts := w.options()
	backoff := opts.OpenBackoff
	for attempt := 0; ; attempt++ {
		if err = w.openFile(path); err == nil || attempt >= opts.OpenRetries {
			return err
		}
		w.log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("open failed")
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (w *Writer) closeFile() {
	if w.flock != nil {
		w.flock.Close()
		w.flock = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			w.log.Warn().Err(err).Msg("close failed")
		}
		w.file = nil
	}
}

// disable stops all further disk activity. Buffered and pending lines are
// dropped; writes become no-ops.
func (w *Writer) disable(cause error) {
	if w.disabled.Swap(true) {
		return
	}
	w.log.Error().Err(cause).Msg("writer disabled")
	w.closeFile()
	w.dropAll()
}

func (w *Writer) dropAll() {
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	w.stats.Dropped += uint64(w.lines + len(w.pending))
	w.buffer, w.lines, w.pending = nil, 0, nil
	w.rotating = false
}

// finish runs after Close: completes requested rotations (which replays the
// pending queue), appends whatever is still queued and flushes.
func (w *Writer) finish() error {
	if w.disabled.Load() {
		w.dropAll()
		return nil
	}
	for {
		for w.isRotating() && !w.disabled.Load() {
			w.rotate()
		}
		w.sync.bufMtx.Lock()
		for _, line := range w.pending {
			w.buffer = append(w.buffer, line...)
			w.lines++
		}
		w.pending = nil
		w.sync.bufMtx.Unlock()
		if err := w.flush(); err != nil {
			return err
		}
		if !w.isRotating() {
			break
		}
	}
	if w.disabled.Load() {
		return ErrWriterDisabled
	}
	return nil
}
