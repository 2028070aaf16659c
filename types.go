package lgrdisk

/*
Defines the core data types used by the disk writer:
  - basetype and a small set of typed aliases for clarity
  - Options: per-directory writer configuration
  - wrMessage: internal representation of commands queued to the worker
  - Writer: the central state object that coordinates line buffering, the
    rotation state machine and the processing goroutine.
*/

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

type basetype byte // basetype is the underlying byte-sized representation used for enums

type Granularity basetype // Period sizes used for rotation and archiving
type wrState basetype
type cmdType basetype

// Options configures a Writer. Zero values are replaced with the DEFAULT_*
// constants; see Tighten for how options of several loggers sharing one
// directory are merged.
type Options struct {
	Dir            string        // log directory, created if missing
	Rotation       Granularity   // PERIOD_HOUR or PERIOD_DAY
	MaxFileSize    int64         // bytes per rotation file, negative disables the limit
	FlushLines     int           // buffered lines that trigger a flush
	FlushBytes     int           // buffered bytes that trigger a flush
	FlushInterval  time.Duration // time-triggered flush period
	LockRetries    int           // rotation lock attempts before proceeding without it
	LockRetryDelay time.Duration // pause between rotation lock attempts
	LockStale      time.Duration // age after which a rotation lock is reclaimed
	OpenRetries    int           // stream reopen attempts before the writer is disabled
	OpenBackoff    time.Duration // first reopen pause, doubled on each attempt

	Location *time.Location   // time zone of period labels, time.Local if nil
	Now      func() time.Time // clock, time.Now if nil
	Fallback io.Writer        // sink for internal diagnostics, os.Stderr if nil
	Logger   *zerolog.Logger  // overrides Fallback when set
}

// Stats are cumulative counters of a Writer.
type Stats struct {
	Lines     uint64 // lines persisted
	Bytes     uint64 // bytes persisted
	Flushes   uint64
	Rotations uint64
	Dropped   uint64 // lines discarded because the writer was disabled
	Reopens   uint64
}

// wrMessage is the unit enqueued into the writer channel.
type wrMessage struct {
	pushed time.Time  // timestamp when message was queued
	done   chan error // completion report for synchronous commands (may be nil)
	cmd    cmdType
}

// Writer buffers serialized log lines and persists them into the rotating
// files of one log directory. One background goroutine owns the open file and
// performs every flush and rotation, so lines reach disk in submission order.
type Writer struct {
	sync struct {
		statMtx sync.RWMutex   // guards state and channel lifecycle
		bufMtx  sync.Mutex     // guards buffer, pending queue and rotation fields
		optMtx  sync.RWMutex   // guards opts
		waitEnd sync.WaitGroup // tracks background goroutine lifecycle
	}
	opts     Options
	log      zerolog.Logger
	rotlock  *DirLock // advisory lock serializing rotations across processes
	channel  chan wrMessage
	state    wrState
	disabled atomic.Bool

	// guarded by sync.bufMtx
	buffer   []byte   // pending bytes of whole lines
	lines    int      // number of lines in buffer
	pending  [][]byte // lines submitted while a rotation is in flight
	rotating bool
	sizeHit  bool      // current rotation was triggered by the size limit
	period   string    // period label of the open file ("" before the first open)
	pstart   time.Time // bounds of that period
	pend     time.Time
	size     int64 // bytes in the open file, including those handed to the worker
	path     string
	stats    Stats

	// owned by the worker goroutine
	file     *os.File
	flock    *flock.Flock
	closeErr error
}
