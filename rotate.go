package lgrdisk

/*
rotate.go

The rotation step of the worker. A rotation runs under the directory rotation
lock (bounded wait, best effort on timeout) and:
  - hands the buffered lines to the old file, or carries them over to the new
    one when the file is already full (size checked under the append lock)
  - closes the old stream
  - resolves the target: the primary file while the period has no overflow,
    else the newest overflow file if it has spare capacity, else a fresh
    overflow name. Files earlier in the chain are never written again, so the
    lines of one writer stay in submission order across the chain.
  - opens the target and replays the lines queued while rotating
*/

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func (w *Writer) rotate() {
	opts := w.options()
	locked, err := w.rotlock.Acquire(context.Background(), opts.LockRetries, opts.LockRetryDelay)
	switch {
	case err != nil:
		w.log.Warn().Err(err).Msg("rotation lock failed, rotating without it")
	case !locked:
		w.log.Warn().Err(ErrLockNotAcquired).Msg("rotation lock busy, rotating without it")
	default:
		defer w.rotlock.Release()
	}
	now := opts.Now().In(opts.Location)

	w.sync.bufMtx.Lock()
	data, lines := w.buffer, w.lines
	w.buffer, w.lines = nil, 0
	sizeHit := w.sizeHit
	w.sync.bufMtx.Unlock()

	var carried []byte
	carriedLines := 0
	if len(data) > 0 {
		// after a period change the old period's lines stay in its file
		limit := int64(0)
		if sizeHit {
			limit = opts.MaxFileSize
		}
		if w.file == nil {
			carried, carriedLines = data, lines
		} else if err := w.writeChunk(data, lines, limit); errors.Is(err, errFileFull) {
			carried, carriedLines = data, lines
		} else if err != nil {
			return
		}
	}
	w.closeFile()

	need := len(carried)
	if need == 0 {
		w.sync.bufMtx.Lock()
		if len(w.pending) > 0 {
			need = len(w.pending[0])
		}
		w.sync.bufMtx.Unlock()
	}
	if err := mkdirAll(opts.Dir); err != nil {
		w.log.Warn().Err(err).Msg("cannot recreate log directory")
	}
	path := w.resolvePath(now, need, &opts)
	if err := w.openWithRetry(path); err != nil {
		w.disable(err)
		w.sync.bufMtx.Lock()
		w.stats.Dropped += uint64(carriedLines)
		w.sync.bufMtx.Unlock()
		return
	}
	size := fileSize(path)
	w.log.Debug().Str("path", path).Int64("size", size).Msg("rotated")

	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	w.path, w.size = path, size
	w.period = PeriodLabel(now, opts.Rotation)
	w.pstart = PeriodStart(now, opts.Rotation)
	w.pend = NextPeriodStart(now, opts.Rotation)
	w.rotating, w.sizeHit = false, false
	w.stats.Rotations++
	w.buffer, w.lines = carried, carriedLines
	queued := w.pending
	w.pending = nil
	for _, line := range queued {
		w.admit(line, now, &opts)
	}
}

// resolvePath picks the file the next need bytes go to. Only the end of the
// chain of the period is a candidate: the primary until an overflow exists,
// then the newest overflow.
func (w *Writer) resolvePath(now time.Time, need int, opts *Options) string {
	fits := func(size int64) bool {
		return opts.MaxFileSize <= 0 || size == 0 || size+int64(need) < opts.MaxFileSize
	}
	overflows := overflowFiles(opts.Dir, PeriodStart(now, opts.Rotation), opts.Rotation, now.Location())
	if len(overflows) == 0 {
		primary := filepath.Join(opts.Dir, PrimaryName(now, opts.Rotation))
		if fits(fileSize(primary)) {
			return primary
		}
	} else if newest := filepath.Join(opts.Dir, overflows[0]); fits(fileSize(newest)) {
		return newest
	}
	for _, name := range []string{OverflowName(now, false, 0), OverflowName(now, true, 0)} {
		path := filepath.Join(opts.Dir, name)
		if !exists(path) {
			return path
		}
	}
	for n := 1; ; n++ {
		path := filepath.Join(opts.Dir, OverflowName(now, true, n))
		if !exists(path) {
			return path
		}
	}
}

// overflowFiles lists overflow files created within the period starting at
// start, newest first.
func overflowFiles(dir string, start time.Time, g Granularity, loc *time.Location) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type cand struct {
		name    string
		stamp   time.Time
		counter int
	}
	var found []cand
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rn, ok := ParseRotationName(e.Name(), loc)
		if !ok || !rn.Overflow || !PeriodStart(rn.Stamp, g).Equal(start) {
			continue
		}
		found = append(found, cand{e.Name(), rn.Stamp, rn.Counter})
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].stamp.Equal(found[j].stamp) {
			return found[i].stamp.After(found[j].stamp)
		}
		if found[i].counter != found[j].counter {
			return found[i].counter > found[j].counter
		}
		return found[i].name > found[j].name
	})
	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.name
	}
	return names
}

// fileSize returns the size of path, 0 when it does not exist.
func fileSize(path string) int64 {
	if path == "" {
		return 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func mkdirAll(dir string) error {
	return os.MkdirAll(dir, DEFAULT_DIR_MODE)
}
