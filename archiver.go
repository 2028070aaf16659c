package lgrdisk

/*
archiver.go

Archiver compacts finished periods of a log directory. On every run, and only
in the coordinator process:
  - rotation files are grouped by their period under the archive granularity
  - the current (possibly incomplete) period and anything later is skipped
  - each remaining period, oldest first, is packed into
    <outdir>/<label>-archive[-N].<ext> and its files are deleted once the
    codec reported success

A failing period is logged and does not stop the others.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/abyssdigger/lgrdisk/codec"
	"github.com/rs/zerolog"
)

// Coordinator reports whether this process may run destructive maintenance
// on a directory. *Elector implements it.
type Coordinator interface {
	IsCoordinator(dir string) bool
}

// ArchiverOptions configures an Archiver.
type ArchiverOptions struct {
	Dir         string
	OutDir      string        // default <Dir>/archive
	Granularity Granularity   // archive period, default PERIOD_DAY
	Rotation    Granularity   // rotation period of the writers, default DEFAULT_ROTATION
	Codec       codec.Codec   // default zstd
	Delay       time.Duration // pause after a period boundary, DEFAULT_ARCHIVE_DELAY
	Coordinator Coordinator   // nil runs as the only process
	Location    *time.Location
	Now         func() time.Time
	Fallback    io.Writer
	Logger      *zerolog.Logger
}

// Archiver is a scheduled archive sweep of one log directory.
type Archiver struct {
	opts ArchiverOptions
	log  zerolog.Logger
	task *Task
}

// NewArchiver validates opts and returns a stopped archiver.
func NewArchiver(opts ArchiverOptions) (*Archiver, error) {
	if opts.Dir == "" {
		return nil, ErrNoDirectory
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	opts.Dir = dir
	if opts.OutDir == "" {
		opts.OutDir = filepath.Join(dir, DEFAULT_ARCHIVE_SUBDIR)
	}
	if opts.Granularity == PERIOD_UNKNOWN {
		opts.Granularity = PERIOD_DAY
	}
	if opts.Rotation == PERIOD_UNKNOWN {
		opts.Rotation = DEFAULT_ROTATION
	}
	if normGranularity(opts.Granularity) == PERIOD_UNKNOWN || normGranularity(opts.Rotation) == PERIOD_UNKNOWN {
		return nil, ErrBadGranularity
	}
	if opts.Granularity < opts.Rotation {
		return nil, fmt.Errorf("%w: archive period %s is finer than rotation period %s",
			ErrBadGranularity, opts.Granularity, opts.Rotation)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Zstd()
	}
	if opts.Delay <= 0 {
		opts.Delay = DEFAULT_ARCHIVE_DELAY
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Archiver{opts: opts}
	a.log = newLogger(opts.Logger, opts.Fallback, "archiver").With().Str("dir", dir).Logger()
	a.task = newTask("archive", a.log, opts.Now, a.nextRun, a.run)
	return a, nil
}

// Start schedules runs at every archive period boundary plus Delay.
func (a *Archiver) Start() { a.task.Start() }

// Stop cancels future runs.
func (a *Archiver) Stop() { a.task.Stop() }

// Run archives every finished period now. It is a no-op outside the
// coordinator; per-period failures are joined into the returned error.
func (a *Archiver) Run(ctx context.Context) error { return a.task.RunNow(ctx) }

func (a *Archiver) nextRun(now time.Time) time.Time {
	now = now.In(a.opts.Location)
	if at := PeriodStart(now, a.opts.Granularity).Add(a.opts.Delay); at.After(now) {
		return at
	}
	return NextPeriodStart(now, a.opts.Granularity).Add(a.opts.Delay)
}

type archiveGroup struct {
	start time.Time
	files []rotationFile
}

type rotationFile struct {
	name  string
	stamp time.Time
}

func (a *Archiver) run(ctx context.Context) error {
	if a.opts.Coordinator != nil && !a.opts.Coordinator.IsCoordinator(a.opts.Dir) {
		a.log.Debug().Msg("not coordinator, archive skipped")
		return nil
	}
	groups, err := a.eligible()
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.archive(ctx, g); err != nil {
			a.log.Error().Err(err).Time("period", g.start).Msg("period not archived")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// eligible lists the groups of finished periods, oldest first.
func (a *Archiver) eligible() ([]archiveGroup, error) {
	entries, err := os.ReadDir(a.opts.Dir)
	if err != nil {
		return nil, err
	}
	current := PeriodStart(a.opts.Now().In(a.opts.Location), a.opts.Granularity)
	byStart := make(map[time.Time]*archiveGroup)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		rn, ok := ParseRotationName(e.Name(), a.opts.Location)
		if !ok {
			continue
		}
		start := PeriodStart(rn.Stamp, a.opts.Granularity)
		if !start.Before(current) {
			continue
		}
		g := byStart[start]
		if g == nil {
			g = &archiveGroup{start: start}
			byStart[start] = g
		}
		g.files = append(g.files, rotationFile{e.Name(), rn.Stamp})
	}
	groups := make([]archiveGroup, 0, len(byStart))
	for _, g := range byStart {
		sort.Slice(g.files, func(i, j int) bool {
			if !g.files[i].stamp.Equal(g.files[j].stamp) {
				return g.files[i].stamp.Before(g.files[j].stamp)
			}
			return g.files[i].name < g.files[j].name
		})
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].start.Before(groups[j].start) })
	return groups, nil
}

// archive packs one period and removes its sources.
func (a *Archiver) archive(ctx context.Context, g archiveGroup) error {
	if err := os.MkdirAll(a.opts.OutDir, DEFAULT_DIR_MODE); err != nil {
		return err
	}
	srcs := make([]string, len(g.files))
	for i, f := range g.files {
		srcs[i] = filepath.Join(a.opts.Dir, f.name)
	}
	label := PeriodLabel(g.start, a.opts.Granularity)
	dst, err := a.compress(ctx, label, srcs)
	if err != nil {
		return err
	}
	a.log.Info().Str("archive", filepath.Base(dst)).Int("files", len(srcs)).Msg("period archived")

	var errs []error
	for _, src := range srcs {
		if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.Warn().Err(err).Str("file", filepath.Base(src)).Msg("archived file not removed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compress writes the archive under the first free collision counter.
func (a *Archiver) compress(ctx context.Context, label string, srcs []string) (string, error) {
	ext := a.opts.Codec.Ext()
	for n := 0; ; n++ {
		dst := filepath.Join(a.opts.OutDir, ArchiveName(label, n, ext))
		if exists(dst) {
			continue
		}
		err := a.opts.Codec.Compress(ctx, dst, srcs)
		if errors.Is(err, codec.ErrExists) {
			continue
		}
		return dst, err
	}
}
