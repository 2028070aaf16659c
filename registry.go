package lgrdisk

/*
registry.go

Registry keeps one Writer per log directory, so every logger of a process that
points at the same directory shares one buffer and one file handle. A later
registration can only tighten the limits of the shared writer (Options.Tighten).
Closed writers are dropped from the table and reopened on the next request.
*/

import (
	"errors"
	"sync"
)

// Registry maps cleaned absolute directories to their writers.
type Registry struct {
	mu      sync.Mutex
	writers map[string]*Writer
}

func NewRegistry() *Registry {
	return &Registry{writers: make(map[string]*Writer)}
}

// Acquire returns the writer of opts.Dir, opening it on first use. When the
// directory already has an active writer, opts are merged into it as
// constraints and the existing writer is returned.
//
// As with Open, a writer is returned even on error; it is then disabled and
// not kept in the registry.
func (r *Registry) Acquire(opts Options) (*Writer, error) {
	key := opts.withDefaults().Dir
	if key == "" {
		return nil, ErrNoDirectory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[key]; ok {
		if w.IsActive() {
			return w.UpdateOptions(opts), nil
		}
		delete(r.writers, key)
	}
	w, err := Open(opts)
	if err != nil {
		return w, err
	}
	r.writers[key] = w
	return w, nil
}

// Lookup returns the active writer of dir, if any.
func (r *Registry) Lookup(dir string) (*Writer, bool) {
	key := Options{Dir: dir}.withDefaults().Dir
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[key]
	if !ok || !w.IsActive() {
		return nil, false
	}
	return w, true
}

// Close closes and forgets the writer of dir.
func (r *Registry) Close(dir string) error {
	key := Options{Dir: dir}.withDefaults().Dir
	r.mu.Lock()
	w, ok := r.writers[key]
	delete(r.writers, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// CloseAll closes every writer and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = make(map[string]*Writer)
	r.mu.Unlock()

	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered writers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

var defaultRegistry = NewRegistry()

// GetWriter acquires the writer of opts.Dir from the process-wide registry.
func GetWriter(opts Options) (*Writer, error) {
	return defaultRegistry.Acquire(opts)
}

// CloseAll closes every writer of the process-wide registry.
func CloseAll() error {
	return defaultRegistry.CloseAll()
}
