package lgrdisk

/*
shutdown.go

Process exit hooks. Coordinator markers must disappear when the process goes
away, otherwise peers wait a whole staleness window before taking over. Hooks
registered with OnShutdown run in last-in-first-out order on RunShutdown, on
SIGINT/SIGTERM once WatchSignals was called, and when Guard sees a panic.
*/

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownGracePeriod bounds the time hooks may take after a signal before
// the process exits forcefully.
const ShutdownGracePeriod = 10 * time.Second

var shutdown struct {
	mu       sync.Mutex
	sequence []func()
	watch    sync.Once
}

// Testing hooks.
var (
	exitProcess = os.Exit
	killSleep   = time.Sleep
)

// OnShutdown registers fn to be run by RunShutdown. It may be called
// concurrently.
func OnShutdown(fn func()) {
	shutdown.mu.Lock()
	defer shutdown.mu.Unlock()
	shutdown.sequence = append(shutdown.sequence, fn)
}

// RunShutdown runs and forgets every registered hook, last registered first.
// A panicking hook does not prevent the others from running.
func RunShutdown() {
	shutdown.mu.Lock()
	seq := shutdown.sequence
	shutdown.sequence = nil
	shutdown.mu.Unlock()
	for i := len(seq) - 1; i >= 0; i-- {
		runHook(seq[i])
	}
}

func runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "lgrdisk: panic in shutdown hook"+panicDesc(r))
		}
	}()
	fn()
}

// WatchSignals makes SIGINT and SIGTERM run the hooks and exit with status 1.
// Only the first call installs the handler.
func WatchSignals() {
	shutdown.watch.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, os.Interrupt)
		go func() {
			<-c
			go func() {
				killSleep(ShutdownGracePeriod)
				fmt.Fprintf(os.Stderr, "lgrdisk: %v elapsed since shutdown requested; exiting forcefully\n", ShutdownGracePeriod)
				exitProcess(1)
			}()
			RunShutdown()
			exitProcess(1)
		}()
	})
}

// Guard runs fn; if fn panics the hooks run before the panic continues.
func Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			RunShutdown()
			panic(r)
		}
	}()
	fn()
}
