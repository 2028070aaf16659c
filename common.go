package lgrdisk

/*
Package-wide constants, enums and helper utilities:
  - default sizes, intervals and retry budgets
  - fixed file and marker names shared by cooperating processes
  - enums for writer state, worker commands and period granularity
  - sentinel errors and normalization helpers
*/

import (
	"errors"
	"os"
	"strconv"
	"time"
)

const (
	// Default values applied by Options.withDefaults.
	DEFAULT_ROTATION         = PERIOD_DAY
	DEFAULT_MAX_FILE_SIZE    = 10 << 20 // bytes, per rotation file
	DEFAULT_FLUSH_LINES      = 100      // buffered lines before a flush is signalled
	DEFAULT_FLUSH_BYTES      = 64 << 10 // buffered bytes before a flush is signalled
	DEFAULT_FLUSH_INTERVAL   = time.Second
	DEFAULT_LOCK_RETRIES     = 40
	DEFAULT_LOCK_RETRY_DELAY = 25 * time.Millisecond
	DEFAULT_LOCK_STALE       = 10 * time.Second
	DEFAULT_COORD_STALE      = 30 * time.Second
	DEFAULT_OPEN_RETRIES     = 5
	DEFAULT_OPEN_BACKOFF     = 50 * time.Millisecond
	DEFAULT_CMD_BUFF         = 16 // capacity of the worker command channel
	DEFAULT_ARCHIVE_DELAY    = time.Minute
	DEFAULT_ARCHIVE_SUBDIR   = "archive"

	DEFAULT_FILE_MODE os.FileMode = 0o644
	DEFAULT_DIR_MODE  os.FileMode = 0o755
)

const (
	// Names shared by every process using a log directory. Changing them
	// breaks coordination with peers running older builds.
	LOG_EXT               = ".log"
	ARCHIVE_SUFFIX        = "-archive"
	ROTATION_LOCK_NAME    = ".rotation.lock"
	COORDINATOR_LOCK_NAME = ".coordinator.lock"
	LOCK_OWNER_FILE       = "owner.json"
)

const (
	// Writer lifecycle states.
	_STATE_UNKNOWN wrState = iota
	_STATE_ACTIVE
	_STATE_STOPPING
	_STATE_STOPPED
	_STATE_MAX_for_checks_only
)

const (
	// Commands enqueued to the writer worker.
	_CMD_FORBIDDEN cmdType = iota // only to test panic recovery in procced()
	_CMD_WAKEUP                   // re-evaluate buffer and rotation state
	_CMD_FLUSH                    // flush now and report through msg.done
	_CMD_MAX_for_checks_only
)

const (
	// Period granularities, ordered from finest to coarsest.
	PERIOD_UNKNOWN Granularity = iota
	PERIOD_HOUR
	PERIOD_DAY
	PERIOD_WEEK
	PERIOD_MONTH
	_PERIOD_MAX_for_checks_only
)

var (
	ErrWriterDisabled  = errors.New("writer is disabled")
	ErrWriterClosed    = errors.New("writer is closed")
	ErrNoDirectory     = errors.New("log directory is not set")
	ErrLockNotAcquired = errors.New("lock is held by another owner")
	ErrLockLost        = errors.New("lock marker was lost")
	ErrBadGranularity  = errors.New("unknown granularity")
	ErrBadRetention    = errors.New("invalid retention")
	ErrBadSize         = errors.New("invalid size")
	ErrNotCoordinator  = errors.New("process is not the coordinator")
)

// ParseError reports a configuration value that could not be decoded.
type ParseError struct {
	Kind  string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return "lgrdisk: bad " + e.Kind + " " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Generic byte normalization helper.
func norm_byte[T ~byte](val, overlimit, def T) T {
	if val < overlimit {
		return val
	}
	return def
}

// Ensures a provided wrState is within the valid range
func normState(state wrState) wrState {
	return norm_byte(state, _STATE_MAX_for_checks_only, _STATE_UNKNOWN)
}

// Ensures a provided Granularity is within the valid range
func normGranularity(g Granularity) Granularity {
	return norm_byte(g, _PERIOD_MAX_for_checks_only, PERIOD_UNKNOWN)
}

// Converts a panic value into a compact readable string (used when
// translating panics into errors or fallback messages)
func panicDesc(panic any) (errtext string) {
	switch v := panic.(type) {
	case string:
		errtext = ": `" + v + "`"
	case error:
		errtext = ": (error) `" + v.Error() + "`"
	default:
		errtext = " [no panic description]"
	}
	return errtext
}
