/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import "sync/atomic"

// RefCount is a plain share count. The owner starts it at one; the last
// Release returns true and the owner runs teardown.
type RefCount struct {
	n atomic.Int64
}

func NewRefCount() *RefCount {
	r := &RefCount{}
	r.n.Store(1)
	return r
}

func (r *RefCount) AddRef() {
	r.n.Add(1)
}

// TryAddRef increments only if the count is still nonzero. Use when racing
// a concurrent final Release.
func (r *RefCount) TryAddRef() bool {
	for {
		c := r.n.Load()
		if c == 0 {
			return false
		}
		if r.n.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Release drops one reference and reports whether it was the last.
func (r *RefCount) Release() bool {
	return r.n.Add(-1) == 0
}
