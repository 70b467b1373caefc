/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package hashtable implements a dynamic hash table based on linear
// hashing (Litwin). The table grows and shrinks one bucket at a time,
// rehashing only the pivot bucket's chain, in contrast to doubling
// schemes that rehash everything at once.
//
// The table stores intrusive entries keyed by a caller-computed 64-bit
// signature. Multiple entries may share a signature; they are kept
// contiguous on their chain so a lookup returns the first and the caller
// walks forward through the rest. The table itself takes no locks: the
// caller is expected to hold a reader-writer lock (shared for
// Lookup/Enumerate, exclusive for Insert/Remove/Expand/Contract).
package hashtable

import (
	"math/bits"

	"github.com/gravitational/trace"
)

const (
	// reservedSignature marks in-band enumerator cursors and is forbidden
	// for caller entries; inserts using it are remapped to altSignature.
	reservedSignature uint64 = 0
	altSignature      uint64 = reservedSignature + 1

	firstLevelDirSize   = 16
	secondLevelDirShift = 7

	// MinSize is the bucket count of a fresh table and the floor for
	// contraction.
	MinSize = 1 << secondLevelDirShift

	// MaxSize is bounded by the two-level directory: the i-th second-level
	// directory holds MinSize<<i buckets.
	MaxSize = ((1 << firstLevelDirSize) - 1) * MinSize
)

// Entry is embedded (by pointer) in caller structures. Signature is set
// by Insert and must not be modified while the entry is in a table.
type Entry struct {
	Signature uint64
	next      *Entry
	prev      *Entry
}

// LookupContext remembers where a signature's run lives so a lookup
// followed by an insert or remove does not re-walk the chain. The zero
// value means "not yet populated".
type LookupContext struct {
	chainHead   *Entry
	prevLinkage *Entry
	signature   uint64
}

// Enumerator walks every entry in the table using an in-band cursor
// entry carrying the reserved signature.
type Enumerator struct {
	entry       Entry
	bucketIndex uint32
	chainHead   *Entry
}

// Table is the linear-hashing table. Not safe for concurrent use.
type Table struct {
	tableSize       uint32
	divisorMask     uint32
	pivot           uint32
	shift           uint32
	numEntries      uint32
	nonEmptyBuckets uint32
	numEnumerators  uint32

	// dirs[i] holds MinSize<<i bucket sentinels. dirs[0] always exists;
	// higher directories are allocated on expansion and released on
	// contraction.
	dirs [firstLevelDirSize][]Entry
}

// New creates a table with initialSize buckets. initialSize must be a
// power of two in [MinSize, MaxSize].
func New(initialSize uint32) (*Table, error) {
	if initialSize < MinSize || initialSize > MaxSize || initialSize&(initialSize-1) != 0 {
		return nil, trace.BadParameter("initial size %d must be a power of two in [%d, %d]", initialSize, MinSize, MaxSize)
	}

	t := &Table{
		tableSize:   initialSize,
		divisorMask: initialSize - 1,
	}
	for idx := uint32(0); idx < initialSize; idx += dirCapacity(dirIndexFor(idx)) {
		fl := dirIndexFor(idx)
		t.allocDir(fl)
	}
	return t, nil
}

func dirCapacity(firstLevelIndex uint32) uint32 {
	return MinSize << firstLevelIndex
}

// dirIndexFor returns the first-level directory that holds bucketIndex.
func dirIndexFor(bucketIndex uint32) uint32 {
	abs := bucketIndex + MinSize
	return uint32(bits.Len32(abs)) - 1 - secondLevelDirShift
}

func dirIndices(bucketIndex uint32) (fl, sl uint32) {
	fl = dirIndexFor(bucketIndex)
	sl = bucketIndex + MinSize - dirCapacity(fl)
	return fl, sl
}

func (t *Table) allocDir(fl uint32) {
	d := make([]Entry, dirCapacity(fl))
	for i := range d {
		d[i].next = &d[i]
		d[i].prev = &d[i]
	}
	t.dirs[fl] = d
}

func (t *Table) chainHead(bucketIndex uint32) *Entry {
	fl, sl := dirIndices(bucketIndex)
	return &t.dirs[fl][sl]
}

func chainEmpty(head *Entry) bool { return head.next == head }

func insertAfter(at, e *Entry) {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
}

func insertTail(head, e *Entry) { insertAfter(head.prev, e) }

func unlink(e *Entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
}

// randomizeBits spreads clustered signatures over the bucket space.
func (t *Table) randomizeBits(signature uint64) uint32 {
	h := uint32(signature >> t.shift)
	return ((h*1103515245 + 12345) >> 16) | ((h*69069 + 1) & 0xffff0000)
}

func (t *Table) bucketIndex(signature uint64) uint32 {
	mixed := t.randomizeBits(signature)
	idx := mixed & t.divisorMask
	if idx < t.pivot {
		idx = mixed & ((t.divisorMask << 1) | 1)
	}
	return idx
}

// populateContext walks the signature's chain to the position before the
// first entry whose signature is >= the target, skipping enumerators.
func (t *Table) populateContext(ctx *LookupContext, signature uint64) {
	head := t.chainHead(t.bucketIndex(signature))

	cur := head
	for cur.next != head {
		next := cur.next
		if next.Signature == reservedSignature || next.Signature < signature {
			cur = next
			continue
		}
		break
	}

	ctx.chainHead = head
	ctx.prevLinkage = cur
	ctx.signature = signature
}

// Insert adds an entry under the given signature. The reserved signature
// is remapped. The entry lands at the start of the contiguous run of
// equal signatures so Lookup returns it without traversal. ctx, when
// supplied and already populated from a prior Lookup/Remove of the same
// signature, avoids re-walking the chain.
func (t *Table) Insert(e *Entry, signature uint64, ctx *LookupContext) {
	if signature == reservedSignature {
		signature = altSignature
	}
	e.Signature = signature
	t.numEntries++

	var local LookupContext
	if ctx == nil {
		ctx = &local
	}
	if ctx.chainHead == nil {
		t.populateContext(ctx, signature)
	}

	if chainEmpty(ctx.chainHead) {
		t.nonEmptyBuckets++
	}
	insertAfter(ctx.prevLinkage, e)
}

// Remove unlinks an entry in O(1). If ctx is supplied and empty it is
// repopulated for the entry's signature so the caller can reuse it for a
// follow-up insert.
func (t *Table) Remove(e *Entry, ctx *LookupContext) {
	signature := e.Signature

	t.numEntries--
	if e.next == e.prev {
		// Last element on its chain.
		t.nonEmptyBuckets--
	}
	unlink(e)

	if ctx != nil && ctx.chainHead == nil {
		t.populateContext(ctx, signature)
	}
}

// Lookup returns the first entry carrying the signature, or nil. ctx (if
// non-nil) is always populated and can drive LookupNext or a subsequent
// Insert/Remove.
func (t *Table) Lookup(signature uint64, ctx *LookupContext) *Entry {
	if signature == reservedSignature {
		signature = altSignature
	}

	var local LookupContext
	if ctx == nil {
		ctx = &local
	}
	t.populateContext(ctx, signature)

	cur := ctx.prevLinkage.next
	if cur == ctx.chainHead {
		return nil
	}
	if cur.Signature == signature {
		return cur
	}
	return nil
}

// LookupNext continues a walk started by a successful Lookup, skipping
// any enumerator cursors parked on the chain.
func (t *Table) LookupNext(ctx *LookupContext) *Entry {
	cur := ctx.prevLinkage.next
	if cur.next == ctx.chainHead {
		return nil
	}

	var next *Entry
	if t.numEnumerators == 0 {
		next = cur.next
	} else {
		for cur.next != ctx.chainHead {
			next = cur.next
			if next.Signature != reservedSignature {
				break
			}
			cur = next
		}
		if next == nil || next.Signature == reservedSignature {
			return nil
		}
	}

	if next.Signature == ctx.signature {
		ctx.prevLinkage = cur
		return next
	}
	return nil
}

// EnumerateBegin parks an in-band cursor at the head of bucket 0. While
// any enumerator is outstanding, Expand and Contract are refused.
func (t *Table) EnumerateBegin(en *Enumerator) {
	var ctx LookupContext
	t.populateContext(&ctx, reservedSignature)
	t.numEnumerators++

	if chainEmpty(ctx.chainHead) {
		t.nonEmptyBuckets++
	}
	insertAfter(ctx.chainHead, &en.entry)
	en.bucketIndex = 0
	en.chainHead = ctx.chainHead
	en.entry.Signature = reservedSignature
}

// EnumerateNext returns the next caller entry, relocating the cursor
// past it, or nil when the table is exhausted. Safe to call again after
// nil.
func (t *Table) EnumerateNext(en *Enumerator) *Entry {
	for i := en.bucketIndex; i < t.tableSize; i++ {
		var cur, head *Entry
		if i == en.bucketIndex {
			cur = &en.entry
			head = en.chainHead
		} else {
			head = t.chainHead(i)
			cur = head
		}

		for cur.next != head {
			next := cur.next
			if next.Signature != reservedSignature {
				unlink(&en.entry)

				if en.chainHead != head {
					if chainEmpty(en.chainHead) {
						t.nonEmptyBuckets--
					}
					if chainEmpty(head) {
						t.nonEmptyBuckets++
					}
				}

				en.bucketIndex = i
				en.chainHead = head
				insertAfter(next, &en.entry)
				return next
			}
			cur = next
		}
	}
	return nil
}

// EnumerateEnd removes the cursor and releases the enumeration.
func (t *Table) EnumerateEnd(en *Enumerator) {
	t.numEnumerators--

	if en.entry.next != nil {
		unlink(&en.entry)
		if chainEmpty(en.chainHead) {
			t.nonEmptyBuckets--
		}
	}
	en.chainHead = nil
}

// Expand grows the table by one bucket, splitting the pivot bucket's
// chain. Only that chain is rehashed. Returns false at MaxSize or while
// enumerators are outstanding.
func (t *Table) Expand() bool {
	if t.tableSize >= MaxSize || t.numEnumerators > 0 {
		return false
	}

	fl, _ := dirIndices(t.tableSize)
	if t.dirs[fl] == nil {
		t.allocDir(fl)
	}

	t.tableSize++
	chainToSplit := t.chainHead(t.pivot)
	t.pivot++

	newChain := t.chainHead(t.tableSize - 1)

	if !chainEmpty(chainToSplit) {
		cur := chainToSplit
		for cur.next != chainToSplit {
			next := cur.next
			idx := t.randomizeBits(next.Signature) & ((t.divisorMask << 1) | 1)
			if idx == t.tableSize-1 {
				unlink(next)
				insertTail(newChain, next)
				continue
			}
			cur = next
		}

		if !chainEmpty(newChain) {
			t.nonEmptyBuckets++
		}
		if chainEmpty(chainToSplit) {
			t.nonEmptyBuckets--
		}
	}

	if t.pivot == t.divisorMask+1 {
		t.divisorMask = (t.divisorMask << 1) | 1
		t.pivot = 0
	}
	return true
}

// Contract shrinks the table by one bucket, merging the last bucket's
// chain into its split partner while keeping signatures sorted. Returns
// false at MinSize or while enumerators are outstanding.
func (t *Table) Contract() bool {
	if t.tableSize == MinSize || t.numEnumerators > 0 {
		return false
	}

	if t.pivot == 0 {
		t.divisorMask >>= 1
		t.pivot = t.divisorMask
	} else {
		t.pivot--
	}

	chainToMove := t.chainHead(t.tableSize - 1)
	combined := t.chainHead(t.pivot)
	t.tableSize--

	if !chainEmpty(chainToMove) && !chainEmpty(combined) {
		t.nonEmptyBuckets--
	}

	cur := combined
	for !chainEmpty(chainToMove) {
		moved := chainToMove.next
		unlink(moved)

		for cur.next != combined {
			next := cur.next
			if next.Signature >= moved.Signature {
				break
			}
			cur = next
		}
		insertAfter(cur, moved)
	}

	// Release the top directory once it holds no buckets.
	fl, sl := dirIndices(t.tableSize)
	if sl == 0 && fl > 0 {
		t.dirs[fl] = nil
	}
	return true
}

// TableSize returns the current bucket count.
func (t *Table) TableSize() uint32 { return t.tableSize }

// DivisorMask returns the current low-order address mask.
func (t *Table) DivisorMask() uint32 { return t.divisorMask }

// Pivot returns the next bucket to be split.
func (t *Table) Pivot() uint32 { return t.pivot }

// NumEntries returns the number of caller entries in the table.
func (t *Table) NumEntries() uint32 { return t.numEntries }

// NonEmptyBuckets returns the number of buckets with at least one entry
// (enumerator cursors count while parked).
func (t *Table) NonEmptyBuckets() uint32 { return t.nonEmptyBuckets }
