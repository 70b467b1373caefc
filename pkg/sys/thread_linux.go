//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ThreadConfig describes placement for a dedicated worker. All placement
// is best-effort: a failed affinity or priority call does not fail Spawn.
type ThreadConfig struct {
	Name           string
	IdealProcessor int
	Affinitize     bool
	HighPriority   bool
}

// Spawn runs fn on a goroutine locked to its own OS thread, optionally
// pinned to cfg.IdealProcessor and raised in scheduling priority. The
// returned channel closes when fn returns.
func Spawn(cfg ThreadConfig, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if cfg.Affinitize {
			var set unix.CPUSet
			set.Zero()
			set.Set(cfg.IdealProcessor)
			_ = unix.SchedSetaffinity(0, &set)
		}
		if cfg.HighPriority {
			_ = unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -10)
		}
		setThreadName(cfg.Name)
		fn()
	}()
	return done
}

// setThreadName labels the locked thread so it is identifiable in ps/top.
// Comm names are capped at 15 bytes by the kernel.
func setThreadName(name string) {
	if name == "" {
		return
	}
	if len(name) > 15 {
		name = name[:15]
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
