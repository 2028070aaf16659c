package lgrdisk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// admitLine is push without the state checks and the wakeup.
func admitLine(w *Writer, line string) bool {
	opts := w.options()
	w.sync.bufMtx.Lock()
	defer w.sync.bufMtx.Unlock()
	return w.admit([]byte(line+"\n"), opts.Now().In(opts.Location), &opts)
}

func Test_Writer_admit(t *testing.T) {
	clock := newClock(day3)
	w := newBareWriter(Options{Dir: t.TempDir(), Now: clock.Now, Location: time.UTC, MaxFileSize: 100, FlushLines: 2})

	assert.True(t, admitLine(w, "first"), "no file yet, rotation has to be requested")
	assert.True(t, w.rotating)
	assert.False(t, w.sizeHit)
	assert.False(t, admitLine(w, "second"), "queued behind the rotation")
	assert.Len(t, w.pending, 2)
	assert.Empty(t, w.buffer)

	w.rotate()
	defer w.closeFile()
	assert.False(t, w.rotating)
	assert.Empty(t, w.pending)
	assert.Equal(t, "first\nsecond\n", string(w.buffer), "pending lines replayed in order")
	assert.Equal(t, 2, w.lines)
	assert.Equal(t, "2025-01-03", w.period)

	w.flush()
	assert.False(t, admitLine(w, "third"))
	assert.True(t, admitLine(w, "fourth"), "line threshold crossed")
}

func Test_Writer_needsRotation(t *testing.T) {
	opts := Options{MaxFileSize: 100}
	w := &Writer{period: "2025-01-03", pstart: day3.Add(-10 * time.Hour), pend: day3.Add(14 * time.Hour)}
	tests := []struct {
		name    string
		size    int64
		buffer  int
		next    int
		now     time.Time
		trigger bool
		bySize  bool
	}{
		{"fits", 10, 10, 10, day3, false, false},
		{"just_below", 50, 0, 49, day3, false, false},
		{"reaches_limit", 50, 0, 50, day3, true, true},
		{"buffer_counts", 40, 40, 20, day3, true, true},
		{"empty_file_takes_oversized", 0, 0, 500, day3, false, false},
		{"period_over", 0, 0, 1, day3.Add(14 * time.Hour), true, false},
		{"before_period", 0, 0, 1, day3.Add(-11 * time.Hour), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w.size, w.buffer = tt.size, make([]byte, tt.buffer)
			trigger, bySize := w.needsRotation(tt.now, tt.next, &opts)
			assert.Equal(t, tt.trigger, trigger)
			assert.Equal(t, tt.bySize, bySize)
		})
	}
	t.Run("unlimited", func(t *testing.T) {
		w.size = 1 << 40
		trigger, _ := w.needsRotation(day3, 1<<20, &Options{MaxFileSize: -1})
		assert.False(t, trigger)
	})
	t.Run("no_file", func(t *testing.T) {
		trigger, bySize := (&Writer{}).needsRotation(day3, 1, &opts)
		assert.True(t, trigger)
		assert.False(t, bySize)
	})
}

func Test_Writer_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newClock(day3), &FakeWriter{})
	opts.MaxFileSize = 100
	w, err := Open(opts)
	require.NoError(t, err)

	line := strings.Repeat("s", 29) // 30 bytes with the newline
	for range 5 {
		w.WriteString(line)
	}
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"2025-01-03.log", "2025-01-03~10-00-00.log"}, logFiles(t, dir))
	assert.Equal(t, strings.Repeat(line+"\n", 3), readFile(t, filepath.Join(dir, "2025-01-03.log")))
	assert.Equal(t, strings.Repeat(line+"\n", 2), readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log")))
	assert.Equal(t, uint64(2), w.Stats().Rotations)
}

func Test_Writer_OversizedLine(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newClock(day3), &FakeWriter{})
	opts.MaxFileSize = 10
	w, err := Open(opts)
	require.NoError(t, err)
	w.WriteString("short")
	w.WriteString(strings.Repeat("L", 50))
	require.NoError(t, w.Close())

	assert.Equal(t, "short\n", readFile(t, filepath.Join(dir, "2025-01-03.log")))
	assert.Equal(t, strings.Repeat("L", 50)+"\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log")),
		"a line is never split even when larger than the limit")
}

func Test_Writer_FullPrimaryAtStartup(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "2025-01-03.log")
	require.NoError(t, os.WriteFile(primary, []byte(strings.Repeat("p", 94)+"\n"), 0o644))

	opts := testOptions(dir, newClock(day3), &FakeWriter{})
	opts.MaxFileSize = 100
	w, err := Open(opts)
	require.NoError(t, err)
	w.WriteString("123456789")
	require.NoError(t, w.Close())

	assert.Len(t, readFile(t, primary), 95, "full primary left untouched")
	assert.Equal(t, "123456789\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log")))
}

func Test_Writer_ReusesOverflowWithCapacity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-01-03.log"), []byte(strings.Repeat("p", 94)+"\n"), 0o644))
	older := filepath.Join(dir, "2025-01-03~08-00-00.log")
	require.NoError(t, os.WriteFile(older, []byte(strings.Repeat("o", 94)+"\n"), 0o644))
	newer := filepath.Join(dir, "2025-01-03~09-00-00.log")
	require.NoError(t, os.WriteFile(newer, []byte("overflow\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-01-02~23-00-00.log"), nil, 0o644))

	opts := testOptions(dir, newClock(day3), &FakeWriter{})
	opts.MaxFileSize = 100
	w, err := Open(opts)
	require.NoError(t, err)
	w.WriteString("appended")
	require.NoError(t, w.Close())

	assert.Equal(t, "overflow\nappended\n", readFile(t, newer))
	assert.Len(t, logFiles(t, dir), 4, "no new overflow created")
}

func Test_Writer_PeriodRotation(t *testing.T) {
	dir := t.TempDir()
	clock := newClock(time.Date(2025, 1, 3, 23, 59, 59, 0, time.UTC))
	w, err := Open(testOptions(dir, clock, &FakeWriter{}))
	require.NoError(t, err)

	w.WriteString("late on the 3rd")
	w.WriteString("still the 3rd")
	require.NoError(t, w.Flush())
	clock.Set(time.Date(2025, 1, 4, 0, 0, 1, 0, time.UTC))
	w.WriteString("early on the 4th")
	require.NoError(t, w.Close())

	assert.Equal(t, "late on the 3rd\nstill the 3rd\n", readFile(t, filepath.Join(dir, "2025-01-03.log")))
	assert.Equal(t, "early on the 4th\n", readFile(t, filepath.Join(dir, "2025-01-04.log")))
}

func Test_Writer_HourlyRotation(t *testing.T) {
	dir := t.TempDir()
	clock := newClock(time.Date(2025, 1, 3, 9, 59, 0, 0, time.UTC))
	opts := testOptions(dir, clock, &FakeWriter{})
	opts.Rotation = PERIOD_HOUR
	w, err := Open(opts)
	require.NoError(t, err)

	w.WriteString("nine")
	require.NoError(t, w.Flush())
	clock.Set(day3)
	w.WriteString("ten")
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"2025-01-03~09.log", "2025-01-03~10.log"}, logFiles(t, dir))
	assert.Equal(t, "ten\n", readFile(t, filepath.Join(dir, "2025-01-03~10.log")))
}

func Test_Writer_LocationLabels(t *testing.T) {
	dir := t.TempDir()
	loc := time.FixedZone("UTC+3", 3*60*60)
	opts := testOptions(dir, newClock(time.Date(2025, 1, 3, 22, 0, 0, 0, time.UTC)), &FakeWriter{})
	opts.Location = loc
	w, err := Open(opts)
	require.NoError(t, err)
	w.WriteString("already the 4th in UTC+3")
	require.NoError(t, w.Close())
	assert.FileExists(t, filepath.Join(dir, "2025-01-04.log"))
}

// A peer appended to the primary after our size bookkeeping: the buffered
// lines no longer fit and move to the new file ahead of the queued line.
func Test_Writer_rotateCarriesBufferOverFullFile(t *testing.T) {
	dir := t.TempDir()
	w := newBareWriter(Options{Dir: dir, Now: newClock(day3).Now, Location: time.UTC, MaxFileSize: 100})
	defer w.closeFile()

	admitLine(w, "aaaaaaaaa")
	w.rotate()
	primary := filepath.Join(dir, "2025-01-03.log")
	require.Equal(t, primary, w.path)
	peer := strings.Repeat("P", 84) + "\n"
	f, err := os.OpenFile(primary, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(peer)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.False(t, admitLine(w, "bbbbbbbbb"))
	big := strings.Repeat("c", 84)
	assert.True(t, admitLine(w, big))
	require.True(t, w.sizeHit)

	for w.isRotating() {
		w.rotate()
	}
	w.flush()

	assert.Equal(t, peer, readFile(t, primary), "full file not appended to")
	assert.Equal(t, "aaaaaaaaa\nbbbbbbbbb\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log")))
	assert.Equal(t, big+"\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00~000.log")),
		"second overflow in the same second gets the millisecond suffix")
}

func Test_Writer_resolvePath(t *testing.T) {
	dir := t.TempDir()
	w := newBareWriter(Options{Dir: dir, Location: time.UTC, MaxFileSize: 10})
	opts := w.options()
	now := day3.Add(123 * time.Millisecond)
	touch := func(name string, size int) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
	}
	resolve := func() string { return filepath.Base(w.resolvePath(now, 5, &opts)) }

	assert.Equal(t, "2025-01-03.log", resolve())
	touch("2025-01-03.log", 9)
	assert.Equal(t, "2025-01-03~10-00-00.log", resolve())
	touch("2025-01-03~10-00-00.log", 9)
	assert.Equal(t, "2025-01-03~10-00-00~123.log", resolve())
	touch("2025-01-03~10-00-00~123.log", 9)
	assert.Equal(t, "2025-01-03~10-00-00~123~001.log", resolve())
	touch("2025-01-03~10-00-00~123~001.log", 9)
	assert.Equal(t, "2025-01-03~10-00-00~123~002.log", resolve())
	touch("2025-01-03~10-00-00~123~001.log", 2)
	assert.Equal(t, "2025-01-03~10-00-00~123~001.log", resolve(), "newest overflow with spare capacity reused")
	touch("2025-01-03.log", 0)
	touch("2025-01-03~10-00-00.log", 0)
	assert.Equal(t, "2025-01-03~10-00-00~123~001.log", resolve(), "older files of the chain are not written again")
	touch("2025-01-03~10-00-00~123~001.log", 9)
	assert.Equal(t, "2025-01-03~10-00-00~123~002.log", resolve())
}

// A short line must not go back to the primary once the chain moved on.
func Test_Writer_ChainKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, newClock(day3), &FakeWriter{})
	opts.MaxFileSize = 100
	w, err := Open(opts)
	require.NoError(t, err)

	lines := make([]string, 0, 5)
	for i, n := range []int{59, 45, 59, 35, 20} { // with the newline
		lines = append(lines, strings.Repeat(string(rune('a'+i)), n-1))
		w.WriteString(lines[i])
	}
	require.NoError(t, w.Close())

	assert.Equal(t, []string{
		"2025-01-03.log",
		"2025-01-03~10-00-00.log",
		"2025-01-03~10-00-00~000.log",
		"2025-01-03~10-00-00~000~001.log",
	}, logFiles(t, dir))
	assert.Equal(t, lines[0]+"\n", readFile(t, filepath.Join(dir, "2025-01-03.log")))
	assert.Equal(t, lines[1]+"\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log")))
	assert.Equal(t, lines[2]+"\n"+lines[3]+"\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00~000.log")))
	assert.Equal(t, lines[4]+"\n", readFile(t, filepath.Join(dir, "2025-01-03~10-00-00~000~001.log")))

	var all []string
	for _, name := range logFiles(t, dir) {
		all = append(all, strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(dir, name)), "\n"), "\n")...)
	}
	assert.Equal(t, lines, all, "lines out of submission order across the chain")
}

// Peers append between our own size checks: the file size is checked again
// under the append lock, so no file grows past the limit.
func Test_Writer_PeersRespectSizeLimit(t *testing.T) {
	const (
		_WRITERS_ = 2
		_LINES_   = 120
	)
	dir := t.TempDir()
	clock := newClock(day3)
	writers := make([]*Writer, _WRITERS_)
	for i := range writers {
		opts := testOptions(dir, clock, &FakeWriter{})
		opts.MaxFileSize = 1000
		opts.FlushLines = 1
		opts.LockRetryDelay = time.Millisecond
		opts.LockRetries = 2000
		w, err := Open(opts)
		require.NoError(t, err)
		writers[i] = w
	}

	var wg sync.WaitGroup
	for g, w := range writers {
		wg.Go(func() {
			for i := range _LINES_ {
				w.WriteString(lineOf(g, i))
			}
		})
	}
	wg.Wait()
	for _, w := range writers {
		require.NoError(t, w.Close())
	}

	require.Greater(t, len(logFiles(t, dir)), 2, "no size rotation happened")
	checkLines(t, dir, 1000, map[int]int{}, _WRITERS_, _LINES_)
}

// Writers racing for the overflow of a full primary end up sharing one file.
func Test_Writer_RacingWritersShareOverflow(t *testing.T) {
	const _WRITERS_ = 8
	dir := t.TempDir()
	primary := filepath.Join(dir, "2025-01-03.log")
	require.NoError(t, os.WriteFile(primary, []byte(strings.Repeat("p", 97)+"\n"), 0o644))

	clock := newClock(day3)
	writers := make([]*Writer, _WRITERS_)
	for i := range writers {
		opts := testOptions(dir, clock, &FakeWriter{})
		opts.MaxFileSize = 100
		opts.LockRetryDelay = time.Millisecond
		opts.LockRetries = 2000
		w, err := Open(opts)
		require.NoError(t, err)
		writers[i] = w
	}
	var wg sync.WaitGroup
	for i, w := range writers {
		wg.Go(func() {
			w.WriteString(fmt.Sprintf("w%d", i))
			w.Flush()
		})
	}
	wg.Wait()
	for _, w := range writers {
		require.NoError(t, w.Close())
	}

	assert.Equal(t, []string{"2025-01-03.log", "2025-01-03~10-00-00.log"}, logFiles(t, dir))
	assert.Len(t, readFile(t, primary), 98, "full primary left untouched")
	body := readFile(t, filepath.Join(dir, "2025-01-03~10-00-00.log"))
	for i := range _WRITERS_ {
		assert.Contains(t, body, fmt.Sprintf("w%d\n", i))
	}
	assert.Len(t, body, 3*_WRITERS_)
}

func Test_Writer_TwoWritersShareDirectory(t *testing.T) {
	const _LINES_ = 300
	dir := t.TempDir()
	clock := newClock(day3)
	var writers [2]*Writer
	for i := range writers {
		opts := testOptions(dir, clock, &FakeWriter{})
		opts.MaxFileSize = 4 << 10
		opts.FlushLines = 5
		w, err := Open(opts)
		require.NoError(t, err)
		writers[i] = w
	}

	var wg sync.WaitGroup
	for g, w := range writers {
		wg.Go(func() {
			for i := range _LINES_ {
				w.WriteString(lineOf(g, i))
				if i%50 == 0 {
					w.Flush()
				}
			}
		})
	}
	wg.Wait()
	for _, w := range writers {
		require.NoError(t, w.Close())
	}

	// peers only guarantee whole lines in per-writer order
	seen := map[int]map[int]bool{0: {}, 1: {}}
	for _, name := range logFiles(t, dir) {
		body := readFile(t, filepath.Join(dir, name))
		require.True(t, strings.HasSuffix(body, "\n"))
		last := map[int]int{0: -1, 1: -1}
		for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
			var g, i int
			_, err := fmt.Sscanf(line, "g%d i%d", &g, &i)
			require.NoError(t, err, "torn line %q in %s", line, name)
			require.Equal(t, lineOf(g, i), line)
			assert.Greater(t, i, last[g], "writer %d out of order within %s", g, name)
			last[g] = i
			assert.False(t, seen[g][i], "line written twice")
			seen[g][i] = true
		}
	}
	assert.Len(t, seen[0], _LINES_)
	assert.Len(t, seen[1], _LINES_)
}
