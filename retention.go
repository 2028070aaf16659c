package lgrdisk

/*
retention.go

RetentionSweeper deletes rotation files and archive artifacts whose period
started before now minus the configured retention. Hours, days and weeks are
fixed durations; months and years are calendar arithmetic. The sweep runs only
in the coordinator process, skips names it cannot parse and keeps going when a
single delete fails.
*/

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type RetentionUnit basetype

const (
	RET_UNKNOWN RetentionUnit = iota
	RET_HOUR
	RET_DAY
	RET_WEEK
	RET_MONTH
	RET_YEAR
	_RET_MAX_for_checks_only
)

var retentionUnits = [_RET_MAX_for_checks_only]struct {
	suffix  string
	cadence time.Duration
}{
	{"", 0},                 //RET_UNKNOWN
	{"h", 10 * time.Minute}, //RET_HOUR
	{"d", time.Hour},        //RET_DAY
	{"w", 6 * time.Hour},    //RET_WEEK
	{"mo", 12 * time.Hour},  //RET_MONTH
	{"y", 24 * time.Hour},   //RET_YEAR
}

// Retention is a maximum age expressed as Count calendar units.
type Retention struct {
	Count int
	Unit  RetentionUnit
}

// ParseRetention decodes "12h", "7d", "2w", "3m" or "3mo" (months), "1y".
func ParseRetention(s string) (Retention, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	bad := &ParseError{Kind: "retention", Value: s, Err: ErrBadRetention}
	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		i++
	}
	if i == 0 || i == len(v) {
		return Retention{}, bad
	}
	n, err := strconv.Atoi(v[:i])
	if err != nil || n <= 0 {
		return Retention{}, bad
	}
	r := Retention{Count: n}
	switch v[i:] {
	case "h":
		r.Unit = RET_HOUR
	case "d":
		r.Unit = RET_DAY
	case "w":
		r.Unit = RET_WEEK
	case "m", "mo":
		r.Unit = RET_MONTH
	case "y":
		r.Unit = RET_YEAR
	default:
		return Retention{}, bad
	}
	return r, nil
}

func (r Retention) String() string {
	if !r.Valid() {
		return "invalid"
	}
	return strconv.Itoa(r.Count) + retentionUnits[r.Unit].suffix
}

// Valid reports whether r has a positive count and a known unit.
func (r Retention) Valid() bool {
	return r.Count > 0 && r.Unit > RET_UNKNOWN && r.Unit < _RET_MAX_for_checks_only
}

// Cutoff returns the instant before which periods are expired.
func (r Retention) Cutoff(now time.Time) time.Time {
	switch r.Unit {
	case RET_HOUR:
		return now.Add(-time.Duration(r.Count) * time.Hour)
	case RET_DAY:
		return now.Add(-time.Duration(r.Count) * 24 * time.Hour)
	case RET_WEEK:
		return now.Add(-time.Duration(r.Count) * 7 * 24 * time.Hour)
	case RET_MONTH:
		return now.AddDate(0, -r.Count, 0)
	case RET_YEAR:
		return now.AddDate(-r.Count, 0, 0)
	}
	return now
}

// Cadence is the sweep period suited to the retention unit.
func (r Retention) Cadence() time.Duration {
	if !r.Valid() {
		return time.Hour
	}
	return retentionUnits[r.Unit].cadence
}

func (r Retention) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrBadRetention
	}
	return []byte(r.String()), nil
}

func (r *Retention) UnmarshalText(b []byte) error {
	v, err := ParseRetention(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// RetentionOptions configures a RetentionSweeper.
type RetentionOptions struct {
	Dir         string
	ArchiveDir  string      // default <Dir>/archive
	Retention   Retention   // required
	Rotation    Granularity // period of overflow files, default DEFAULT_ROTATION
	Coordinator Coordinator // nil runs as the only process
	Location    *time.Location
	Now         func() time.Time
	Fallback    io.Writer
	Logger      *zerolog.Logger
}

// RetentionSweeper is a scheduled expiry sweep of one log directory.
type RetentionSweeper struct {
	opts RetentionOptions
	log  zerolog.Logger
	task *Task
}

func NewRetentionSweeper(opts RetentionOptions) (*RetentionSweeper, error) {
	if opts.Dir == "" {
		return nil, ErrNoDirectory
	}
	if !opts.Retention.Valid() {
		return nil, ErrBadRetention
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	opts.Dir = dir
	if opts.ArchiveDir == "" {
		opts.ArchiveDir = filepath.Join(dir, DEFAULT_ARCHIVE_SUBDIR)
	}
	if normGranularity(opts.Rotation) == PERIOD_UNKNOWN {
		opts.Rotation = DEFAULT_ROTATION
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &RetentionSweeper{opts: opts}
	s.log = newLogger(opts.Logger, opts.Fallback, "retention").With().Str("dir", dir).Logger()
	cadence := opts.Retention.Cadence()
	s.task = newTask("retention", s.log, opts.Now, func(now time.Time) time.Time { return now.Add(cadence) }, s.run)
	return s, nil
}

// Start schedules sweeps at the cadence of the retention unit.
func (s *RetentionSweeper) Start() { s.task.Start() }

// Stop cancels future sweeps.
func (s *RetentionSweeper) Stop() { s.task.Stop() }

// Run sweeps now. It is a no-op outside the coordinator; per-file failures
// are joined into the returned error.
func (s *RetentionSweeper) Run(ctx context.Context) error { return s.task.RunNow(ctx) }

func (s *RetentionSweeper) run(ctx context.Context) error {
	if s.opts.Coordinator != nil && !s.opts.Coordinator.IsCoordinator(s.opts.Dir) {
		s.log.Debug().Msg("not coordinator, sweep skipped")
		return nil
	}
	cutoff := s.opts.Retention.Cutoff(s.opts.Now().In(s.opts.Location))
	errs := s.sweep(ctx, s.opts.Dir, cutoff, s.rotationStart)
	if s.opts.ArchiveDir != s.opts.Dir {
		errs = append(errs, s.sweep(ctx, s.opts.ArchiveDir, cutoff, s.archiveStart)...)
	}
	return errors.Join(errs...)
}

func (s *RetentionSweeper) rotationStart(name string) (time.Time, bool) {
	rn, ok := ParseRotationName(name, s.opts.Location)
	if !ok {
		return time.Time{}, false
	}
	if rn.Overflow {
		return PeriodStart(rn.Stamp, s.opts.Rotation), true
	}
	return rn.Stamp, true
}

func (s *RetentionSweeper) archiveStart(name string) (time.Time, bool) {
	al, ok := ParseArchiveName(name, s.opts.Location)
	return al.Start, ok
}

func (s *RetentionSweeper) sweep(ctx context.Context, dir string, cutoff time.Time, start func(string) (time.Time, bool)) []error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}
		if !e.Type().IsRegular() {
			continue
		}
		at, ok := start(e.Name())
		if !ok || !at.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("file", e.Name()).Msg("expired file not removed")
			errs = append(errs, err)
			continue
		}
		s.log.Info().Str("file", e.Name()).Time("period", at).Msg("expired file removed")
	}
	return errs
}
