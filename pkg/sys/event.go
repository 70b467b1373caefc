/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event is a manual- or auto-reset signal usable across goroutines.
// A manual-reset event stays signaled until Reset; an auto-reset event
// wakes exactly one waiter per Set.
type Event struct {
	mu     sync.Mutex
	manual bool
	ch     chan struct{}
}

func NewEvent(manualReset bool) *Event {
	e := &Event{manual: manualReset}
	if manualReset {
		e.ch = make(chan struct{})
	} else {
		e.ch = make(chan struct{}, 1)
	}
	return e
}

func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manual {
		select {
		case <-e.ch:
			// Already signaled.
		default:
			close(e.ch)
		}
		return
	}
	select {
	case e.ch <- struct{}{}:
	default:
		// Already signaled; auto-reset events don't stack.
	}
}

// Reset clears a manual-reset event. It is a no-op on auto-reset events
// that are not signaled.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manual {
		select {
		case <-e.ch:
			e.ch = make(chan struct{})
		default:
			// Not signaled.
		}
		return
	}
	select {
	case <-e.ch:
	default:
	}
}

func (e *Event) waitChan() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is signaled.
func (e *Event) Wait() {
	<-e.waitChan()
}

// WaitWithDeadline blocks until the event is signaled or the absolute
// deadline passes. Returns false on timeout; the event state is unchanged.
func (e *Event) WaitWithDeadline(clock clockwork.Clock, deadline time.Time) bool {
	d := deadline.Sub(clock.Now())
	if d <= 0 {
		select {
		case <-e.waitChan():
			return true
		default:
			return false
		}
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.waitChan():
		return true
	case <-timer.Chan():
		return false
	}
}
