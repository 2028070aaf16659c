package lgrdisk

/*
dirlock.go

DirLock is a mutual exclusion primitive shared by processes through the
filesystem. The marker is a directory: os.Mkdir either creates it (ownership)
or fails with EEXIST, atomically on every local filesystem. The marker mtime is
the liveness proxy; a marker older than the staleness threshold belongs to a
crashed holder and may be reclaimed. Long-lived holders keep the mtime fresh
with a heartbeat.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockOwner is the diagnostic metadata stored inside an owned marker.
type LockOwner struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// DirLock guards one marker path. The zero value is not usable, use NewDirLock.
type DirLock struct {
	mu        sync.Mutex
	path      string
	stale     time.Duration
	id        string
	withOwner bool
	owned     bool
	now       func() time.Time
	hbStop    chan struct{}
	hbDone    chan struct{}
}

// NewDirLock creates a lock for the marker path. A marker whose mtime is older
// than stale is considered abandoned.
func NewDirLock(path string, stale time.Duration) *DirLock {
	if stale <= 0 {
		stale = DEFAULT_LOCK_STALE
	}
	return &DirLock{
		path:  path,
		stale: stale,
		id:    uuid.NewString(),
		now:   time.Now,
	}
}

// WithOwner makes the lock write LockOwner metadata into the marker on claim
// and verify it before heartbeats and release.
func (d *DirLock) WithOwner() *DirLock {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withOwner = true
	return d
}

// Path returns the marker path.
func (d *DirLock) Path() string { return d.path }

// ID returns the owner id written into the marker.
func (d *DirLock) ID() string { return d.id }

// Owned reports whether this instance believes it holds the marker.
func (d *DirLock) Owned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owned
}

// TryAcquire makes one attempt to create the marker. An existing marker older
// than the staleness threshold is reclaimed and the create is retried once.
// Contention is reported as (false, nil); only unexpected I/O failures are
// returned as errors.
func (d *DirLock) TryAcquire() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owned {
		return true, nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(d.path, DEFAULT_DIR_MODE)
		if err == nil {
			d.owned = true
			if d.withOwner {
				d.writeOwner()
			}
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, err
		}
		if attempt > 0 {
			break
		}
		reclaimed, err := d.reclaimStale()
		if err != nil || !reclaimed {
			return false, err
		}
	}
	return false, nil
}

// Acquire polls TryAcquire up to retries additional times, pausing delay
// between attempts. It gives up early when ctx is done.
func (d *DirLock) Acquire(ctx context.Context, retries int, delay time.Duration) (bool, error) {
	for i := 0; ; i++ {
		ok, err := d.TryAcquire()
		if ok || err != nil || i >= retries {
			return ok, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// reclaimStale moves an abandoned marker aside. Only one of several racing
// reclaimers can win the rename; a winner that finds it moved a fresh marker
// (a peer reclaimed and re-created it in between) puts it back.
// Called with d.mu held.
func (d *DirLock) reclaimStale() (bool, error) {
	info, err := os.Stat(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if d.now().Sub(info.ModTime()) < d.stale {
		return false, nil
	}
	tomb := d.path + ".stale-" + uuid.NewString()
	if err := os.Rename(d.path, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, nil
	}
	if tinfo, err := os.Stat(tomb); err == nil && d.now().Sub(tinfo.ModTime()) < d.stale {
		if os.Rename(tomb, d.path) == nil {
			return false, nil
		}
	}
	os.RemoveAll(tomb)
	return true, nil
}

// Touch refreshes the marker mtime. It fails with ErrLockLost when the marker
// disappeared or was taken over by another owner; the lock is then no longer
// considered owned.
func (d *DirLock) Touch() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owned {
		return ErrLockLost
	}
	if !d.stillOurs() {
		d.owned = false
		return ErrLockLost
	}
	now := d.now()
	if err := os.Chtimes(d.path, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.owned = false
			return ErrLockLost
		}
		return err
	}
	return nil
}

// StartHeartbeat touches the marker every interval until Release, StopHeartbeat
// or the first failure. onLost (may be nil) receives the failure; it runs after
// the heartbeat goroutine has detached, so it may call Release.
func (d *DirLock) StartHeartbeat(interval time.Duration, onLost func(error)) {
	d.mu.Lock()
	if d.hbStop != nil || !d.owned {
		d.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	d.hbStop, d.hbDone = stop, done
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				close(done)
				return
			case <-ticker.C:
				if err := d.Touch(); err != nil {
					d.mu.Lock()
					if d.hbStop == stop {
						d.hbStop, d.hbDone = nil, nil
					}
					d.mu.Unlock()
					close(done)
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
}

// StopHeartbeat stops a running heartbeat and waits for it to exit.
func (d *DirLock) StopHeartbeat() {
	d.mu.Lock()
	stop, done := d.hbStop, d.hbDone
	d.hbStop, d.hbDone = nil, nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Release removes the marker if this instance owns it. Calling it without
// ownership is a no-op, a peer's marker is never removed.
func (d *DirLock) Release() error {
	d.StopHeartbeat()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.owned {
		return nil
	}
	d.owned = false
	if !d.stillOurs() {
		return nil
	}
	if err := os.RemoveAll(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// stillOurs checks the owner metadata of the marker, if any. Markers without
// readable metadata are assumed to be ours. Called with d.mu held.
func (d *DirLock) stillOurs() bool {
	if !d.withOwner {
		return true
	}
	owner, err := ReadOwner(d.path)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist) || markerExists(d.path)
	}
	return owner.ID == d.id
}

func markerExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeOwner stores diagnostics inside the marker; failures only cost
// diagnostics. Called with d.mu held.
func (d *DirLock) writeOwner() {
	host, _ := os.Hostname()
	data, err := json.Marshal(LockOwner{
		ID:        d.id,
		PID:       os.Getpid(),
		Host:      host,
		ClaimedAt: d.now().UTC(),
	})
	if err == nil {
		os.WriteFile(filepath.Join(d.path, LOCK_OWNER_FILE), data, DEFAULT_FILE_MODE)
	}
}

// ReadOwner decodes the metadata of the marker at path.
func ReadOwner(path string) (LockOwner, error) {
	var owner LockOwner
	data, err := os.ReadFile(filepath.Join(path, LOCK_OWNER_FILE))
	if err != nil {
		return owner, err
	}
	err = json.Unmarshal(data, &owner)
	return owner, err
}
