// Package cancel implements the process-wide cancellation primitive
// specified in section 5 of the design specification: a one-shot atomic
// flag, set by a termination signal, polled by every worker at its
// blocking boundaries.
package cancel

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Flag is a shared, process-wide atomic boolean, created unset by NewFlag.
// The zero value is not ready for use: its Done channel is nil, so Set on
// it panics. Once Set, it stays set for the lifetime of the process.
type Flag struct {
	set  atomic.Bool
	done chan struct{}
}

// NewFlag returns a ready-to-use Flag.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set marks the flag, idempotently. Safe to call from a signal handler.
func (f *Flag) Set() {
	if f.set.CompareAndSwap(false, true) {
		close(f.done)
	}
}

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done returns a channel that is closed once the flag is set, for use in a
// select alongside channel sends/receives at a blocking boundary.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// installOnce guards signal.Notify so a process only ever installs one
// handler, matching section 4.1's "first call only; process-wide, idempotent"
// requirement.
var installOnce sync.Once

// InstallSignalHandler arranges for an interactive interrupt or termination
// signal to call f.Set. Safe to call more than once; only the first call
// installs the underlying os/signal handler.
func InstallSignalHandler(f *Flag) {
	installOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			f.Set()
		}()
	})
}
