package lgrdisk

/*
task.go

Task runs a maintenance job on a schedule computed from the clock (next
period boundary, fixed cadence). Errors and panics of a run are reported to
the diagnostics logger and never stop future runs. Stop prevents future runs
and waits for an in-flight one.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Task struct {
	name string
	next func(now time.Time) time.Time // instant of the run following now
	run  func(ctx context.Context) error
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex // serializes scheduled and manual runs
}

func newTask(name string, log zerolog.Logger, now func() time.Time, next func(time.Time) time.Time, run func(context.Context) error) *Task {
	if now == nil {
		now = time.Now
	}
	return &Task{name: name, next: next, run: run, now: now, log: log.With().Str("task", name).Logger()}
}

// Start schedules the task. Calling Start on a started task does nothing.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel, t.running = cancel, true
	t.wg.Go(func() { t.loop(ctx) })
}

// Stop cancels future runs and waits for the loop to exit. A run in flight
// is completed first.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel, t.running = nil, false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// Running reports whether the task is scheduled.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// RunNow runs the job once in the calling goroutine.
func (t *Task) RunNow(ctx context.Context) (err error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in " + t.name + panicDesc(r))
		}
	}()
	return t.run(ctx)
}

func (t *Task) loop(ctx context.Context) {
	for {
		now := t.now()
		wait := t.next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		t.log.Debug().Dur("in", wait).Msg("next run scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// scheduled runs are not interrupted by Stop
		if err := t.RunNow(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error().Err(err).Msg("run failed")
		}
	}
}
