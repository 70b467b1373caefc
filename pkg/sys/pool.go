/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import "sync"

// Pool is a typed free-list over sync.Pool. The runtime keeps per-P shards,
// so Get/Put do not contend on the hot path.
type Pool[T any] struct {
	p sync.Pool
}

func NewPool[T any](newFn func() *T) *Pool[T] {
	pl := &Pool[T]{}
	pl.p.New = func() any {
		if newFn != nil {
			return newFn()
		}
		return new(T)
	}
	return pl
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	p.p.Put(v)
}
