//go:build !linux

package sys

import "runtime"

type ThreadConfig struct {
	Name           string
	IdealProcessor int
	Affinitize     bool
	HighPriority   bool
}

// Spawn runs fn on a goroutine locked to its own OS thread. Placement
// hints are ignored on platforms without an affinity syscall wrapper.
func Spawn(cfg ThreadConfig, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
	return done
}
