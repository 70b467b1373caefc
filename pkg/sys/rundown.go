/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import "sync/atomic"

// Rundown lets a teardown path wait for all outstanding users of an object
// to drain. Users bracket their work with Acquire/Release; Acquire fails
// once ReleaseAndWait has started. The count starts at one for the owner,
// so the done channel closes exactly once.
type Rundown struct {
	count    atomic.Int64
	shutdown atomic.Bool
	done     chan struct{}
}

func NewRundown() *Rundown {
	r := &Rundown{done: make(chan struct{})}
	r.count.Store(1)
	return r
}

// Acquire takes a reference, failing cleanly if rundown has begun.
func (r *Rundown) Acquire() bool {
	if r.shutdown.Load() {
		return false
	}
	for {
		c := r.count.Load()
		if c == 0 {
			return false
		}
		if r.count.CompareAndSwap(c, c+1) {
			break
		}
	}
	// Shutdown may have started between the check and the increment.
	if r.shutdown.Load() {
		r.Release()
		return false
	}
	return true
}

func (r *Rundown) Release() {
	if r.count.Add(-1) == 0 {
		close(r.done)
	}
}

// ReleaseAndWait begins rundown and blocks until every acquirer has
// released. There is no timeout; callers own forward progress of their
// acquirers.
func (r *Rundown) ReleaseAndWait() {
	r.shutdown.Store(true)
	r.Release()
	<-r.done
}
