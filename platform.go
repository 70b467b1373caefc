/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package quicplatform is the process-wide root of the QUIC platform
// support library. The real machinery lives in the pkg subpackages
// (datapath, quictls, crypt, hashtable, sys); this package only carries
// the shared singleton state: initialization bookkeeping and the process
// entropy/time surface.
package quicplatform

import (
	"sync"

	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

var (
	mu       sync.Mutex
	initRefs int
)

// Init brings up process-wide state. Calls are reference counted and
// idempotent; each Init must be matched by an Uninit.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	initRefs++
	if initRefs > 1 {
		return
	}
	// Touch the steady clock so the epoch predates any caller timestamps.
	_ = sys.TimeUs()
}

// Uninit tears down process-wide state once the last reference is gone.
func Uninit() {
	mu.Lock()
	defer mu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
}

// Random fills buf from the system CSPRNG.
func Random(buf []byte) error {
	return sys.Random(buf)
}

// TimeUs returns steady-clock microseconds since process start.
func TimeUs() int64 {
	return sys.TimeUs()
}
