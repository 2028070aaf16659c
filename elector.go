package lgrdisk

/*
elector.go

Elector picks, per log directory, the one process that runs destructive
maintenance (archiving and retention). Election is a DirLock with owner
metadata on <dir>/.coordinator.lock:
  - the winner heartbeats the marker every Stale/3 and is demoted when the
    heartbeat reports the marker lost
  - every other candidate stays in standby and retries every RetryInterval,
    so a released or crashed coordinator is replaced within about one
    staleness window
  - IsCoordinator is a local atomic read, cheap enough for every task tick

Standalone electors skip the marker: the single process is always coordinator.
*/

import (
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ElectorOptions configures an Elector. Zero values get defaults.
type ElectorOptions struct {
	Stale         time.Duration // coordinator marker staleness, DEFAULT_COORD_STALE
	Heartbeat     time.Duration // marker refresh period, Stale/3
	RetryInterval time.Duration // standby election period, Stale/2
	Standalone    bool          // single-process mode, no marker
	Fallback      io.Writer
	Logger        *zerolog.Logger
}

func (o ElectorOptions) withDefaults() ElectorOptions {
	if o.Stale <= 0 {
		o.Stale = DEFAULT_COORD_STALE
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = o.Stale / 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = o.Stale / 2
	}
	return o
}

// Elector runs the coordinator election for any number of directories.
type Elector struct {
	opts ElectorOptions
	log  zerolog.Logger

	mu     sync.Mutex
	dirs   map[string]*candidacy
	closed bool
}

type candidacy struct {
	dir    string
	lock   *DirLock // nil in standalone mode
	leader atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

func NewElector(opts ElectorOptions) *Elector {
	opts = opts.withDefaults()
	return &Elector{
		opts: opts,
		log:  newLogger(opts.Logger, opts.Fallback, "elector"),
		dirs: make(map[string]*candidacy),
	}
}

// Join makes the process a candidate for dir and attempts the election once
// right away. It reports whether the process is coordinator now; losers keep
// retrying in the background until Release or Close.
func (e *Elector) Join(dir string) (bool, error) {
	key := Options{Dir: dir}.withDefaults().Dir
	if key == "" {
		return false, ErrNoDirectory
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrNotCoordinator
	}
	if c, ok := e.dirs[key]; ok {
		return c.leader.Load(), nil
	}
	c := &candidacy{dir: key, stop: make(chan struct{}), done: make(chan struct{})}
	if e.opts.Standalone {
		c.leader.Store(true)
		close(c.done)
		e.dirs[key] = c
		return true, nil
	}
	if err := mkdirAll(key); err != nil {
		return false, err
	}
	c.lock = NewDirLock(filepath.Join(key, COORDINATOR_LOCK_NAME), e.opts.Stale).WithOwner()
	e.dirs[key] = c
	won := e.attempt(c)
	go e.standby(c)
	return won, nil
}

// IsCoordinator reports whether this process currently coordinates dir.
func (e *Elector) IsCoordinator(dir string) bool {
	key := Options{Dir: dir}.withDefaults().Dir
	e.mu.Lock()
	c, ok := e.dirs[key]
	e.mu.Unlock()
	return ok && c.leader.Load()
}

// Release gives up the candidacy for dir, removing the marker if owned.
func (e *Elector) Release(dir string) error {
	key := Options{Dir: dir}.withDefaults().Dir
	e.mu.Lock()
	c, ok := e.dirs[key]
	delete(e.dirs, key)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.resign(c)
}

// Close releases every candidacy. The elector cannot be reused.
func (e *Elector) Close() error {
	e.mu.Lock()
	e.closed = true
	dirs := e.dirs
	e.dirs = make(map[string]*candidacy)
	e.mu.Unlock()
	var first error
	for _, c := range dirs {
		if err := e.resign(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReleaseOnExit registers Close as a shutdown hook (see OnShutdown).
func (e *Elector) ReleaseOnExit() *Elector {
	OnShutdown(func() { e.Close() })
	return e
}

func (e *Elector) resign(c *candidacy) error {
	if c.lock == nil {
		c.leader.Store(false)
		return nil
	}
	close(c.stop)
	<-c.done
	c.leader.Store(false)
	err := c.lock.Release()
	if err != nil {
		e.log.Warn().Err(err).Str("dir", c.dir).Msg("cannot remove coordinator marker")
	} else {
		e.log.Debug().Str("dir", c.dir).Msg("coordinator candidacy released")
	}
	return err
}

// attempt runs one election round and starts the heartbeat on success.
func (e *Elector) attempt(c *candidacy) bool {
	ok, err := c.lock.TryAcquire()
	if err != nil {
		e.log.Warn().Err(err).Str("dir", c.dir).Msg("election failed")
		return false
	}
	if !ok {
		return false
	}
	c.leader.Store(true)
	e.log.Info().Str("dir", c.dir).Str("id", c.lock.ID()).Msg("elected coordinator")
	c.lock.StartHeartbeat(e.opts.Heartbeat, func(err error) {
		c.leader.Store(false)
		e.log.Warn().Err(err).Str("dir", c.dir).Msg("coordinator marker lost, demoted")
	})
	return true
}

func (e *Elector) standby(c *candidacy) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Msg("panic in election loop" + panicDesc(r))
		}
	}()
	ticker := time.NewTicker(e.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.leader.Load() {
				e.attempt(c)
			}
		}
	}
}
