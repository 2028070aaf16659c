package lgrdisk

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// withDefaults returns a copy with every unset field replaced by its DEFAULT_*
// value. The directory is cleaned and made absolute so it can key the registry.
func (o Options) withDefaults() Options {
	if o.Dir != "" {
		if abs, err := filepath.Abs(o.Dir); err == nil {
			o.Dir = abs
		} else {
			o.Dir = filepath.Clean(o.Dir)
		}
	}
	if o.Rotation != PERIOD_HOUR && o.Rotation != PERIOD_DAY {
		o.Rotation = DEFAULT_ROTATION
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DEFAULT_MAX_FILE_SIZE
	}
	if o.FlushLines <= 0 {
		o.FlushLines = DEFAULT_FLUSH_LINES
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = DEFAULT_FLUSH_BYTES
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DEFAULT_FLUSH_INTERVAL
	}
	if o.LockRetries <= 0 {
		o.LockRetries = DEFAULT_LOCK_RETRIES
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = DEFAULT_LOCK_RETRY_DELAY
	}
	if o.LockStale <= 0 {
		o.LockStale = DEFAULT_LOCK_STALE
	}
	if o.OpenRetries <= 0 {
		o.OpenRetries = DEFAULT_OPEN_RETRIES
	}
	if o.OpenBackoff <= 0 {
		o.OpenBackoff = DEFAULT_OPEN_BACKOFF
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Fallback == nil {
		o.Fallback = os.Stderr
	}
	return o
}

// Tighten merges constraints c into o, keeping the stricter value of every
// limit: the smaller positive file size and flush thresholds, the shorter
// flush interval and the finer rotation. Zero or negative fields of c carry
// no constraint. Lock, retry and clock settings of o are kept as they are.
func (o Options) Tighten(c Options) Options {
	if c.MaxFileSize > 0 && (o.MaxFileSize <= 0 || c.MaxFileSize < o.MaxFileSize) {
		o.MaxFileSize = c.MaxFileSize
	}
	o.FlushLines = minPositive(o.FlushLines, c.FlushLines)
	o.FlushBytes = minPositive(o.FlushBytes, c.FlushBytes)
	o.FlushInterval = minPositive(o.FlushInterval, c.FlushInterval)
	if (c.Rotation == PERIOD_HOUR || c.Rotation == PERIOD_DAY) && c.Rotation < o.Rotation {
		o.Rotation = c.Rotation
	}
	return o
}

func minPositive[T int | int64 | time.Duration](cur, c T) T {
	if c > 0 && (cur <= 0 || c < cur) {
		return c
	}
	return cur
}

// logger builds the diagnostics logger of a component. Internal problems are
// reported there and never to the callers of Write.
func (o Options) logger(component string) zerolog.Logger {
	return newLogger(o.Logger, o.Fallback, component)
}

func newLogger(base *zerolog.Logger, fallback io.Writer, component string) zerolog.Logger {
	if base != nil {
		return base.With().Str("component", component).Logger()
	}
	if fallback == nil {
		fallback = os.Stderr
	}
	return zerolog.New(fallback).With().Timestamp().Str("component", component).Logger()
}
