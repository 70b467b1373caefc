/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package hashtable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkSizeLaw verifies TableSize = DivisorMask + 1 + Pivot and that every
// entry sits in the bucket its signature addresses.
func checkSizeLaw(t *testing.T, tbl *Table, entries map[*Entry]uint64) {
	t.Helper()

	require.Equal(t, tbl.TableSize(), tbl.DivisorMask()+1+tbl.Pivot(), "size law")

	for e, sig := range entries {
		want := tbl.randomizeBits(sig) & tbl.DivisorMask()
		if want < tbl.Pivot() {
			want = tbl.randomizeBits(sig) & ((tbl.DivisorMask() << 1) | 1)
		}
		require.Equal(t, want, tbl.bucketIndex(sig))

		var ctx LookupContext
		found := false
		for cur := tbl.Lookup(sig, &ctx); cur != nil; cur = tbl.LookupNext(&ctx) {
			if cur == e {
				found = true
				break
			}
		}
		require.True(t, found, "entry with signature %d not reachable", sig)
	}
}

func TestNewValidatesSize(t *testing.T) {
	t.Parallel()

	for _, size := range []uint32{0, 1, 64, 100, 129, MaxSize + 1} {
		_, err := New(size)
		require.Error(t, err, "size %d", size)
	}
	for _, size := range []uint32{MinSize, 256, 512} {
		tbl, err := New(size)
		require.NoError(t, err)
		require.Equal(t, size, tbl.TableSize())
		require.Equal(t, size-1, tbl.DivisorMask())
		require.Zero(t, tbl.Pivot())
	}
}

func TestInsertLookupScenario(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	a, b, c := &Entry{}, &Entry{}, &Entry{}
	tbl.Insert(a, 1, nil)
	tbl.Insert(b, 2, nil)
	tbl.Insert(c, 1, nil)

	// Each insert lands at the start of its signature run, so the run for
	// signature 1 reads c then a.
	var ctx LookupContext
	var walk []*Entry
	for cur := tbl.Lookup(1, &ctx); cur != nil; cur = tbl.LookupNext(&ctx) {
		walk = append(walk, cur)
	}
	require.Equal(t, []*Entry{c, a}, walk)

	ctx = LookupContext{}
	require.Equal(t, b, tbl.Lookup(2, &ctx))
	require.Nil(t, tbl.LookupNext(&ctx))

	require.Nil(t, tbl.Lookup(3, nil))

	tbl.Remove(a, nil)
	ctx = LookupContext{}
	require.Equal(t, c, tbl.Lookup(1, &ctx))
	require.Nil(t, tbl.LookupNext(&ctx))
}

func TestReservedSignatureRemapped(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	e := &Entry{}
	tbl.Insert(e, 0, nil)
	require.Equal(t, altSignature, e.Signature)
	require.Equal(t, e, tbl.Lookup(0, nil))
	require.Equal(t, e, tbl.Lookup(altSignature, nil))
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	var entries []*Entry
	sigs := make(map[*Entry]uint64)
	for i := 0; i < 500; i++ {
		e := &Entry{}
		sig := uint64(rng.Intn(40) + 1) // force many duplicate runs
		tbl.Insert(e, sig, nil)
		entries = append(entries, e)
		sigs[e] = sig
	}
	checkSizeLaw(t, tbl, sigs)

	rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
	for _, e := range entries {
		tbl.Remove(e, nil)
	}
	require.Zero(t, tbl.NumEntries())
	require.Zero(t, tbl.NonEmptyBuckets())
}

func TestContextReuse(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	e1 := &Entry{}
	tbl.Insert(e1, 42, nil)

	var ctx LookupContext
	require.Equal(t, e1, tbl.Lookup(42, &ctx))
	tbl.Remove(e1, &ctx)

	// The populated context is valid for a follow-up insert of the same
	// signature without re-walking the chain.
	e2 := &Entry{}
	tbl.Insert(e2, 42, &ctx)
	require.Equal(t, e2, tbl.Lookup(42, nil))
	require.Equal(t, uint32(1), tbl.NumEntries())
}

func TestExpandContractLaw(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	sigs := make(map[*Entry]uint64)
	for i := 0; i < 1000; i++ {
		e := &Entry{}
		sig := rng.Uint64()%5000 + 1
		tbl.Insert(e, sig, nil)
		sigs[e] = sig
	}

	for i := 0; i < 700; i++ {
		require.True(t, tbl.Expand())
	}
	require.Equal(t, uint32(MinSize+700), tbl.TableSize())
	checkSizeLaw(t, tbl, sigs)

	for i := 0; i < 700; i++ {
		require.True(t, tbl.Contract())
	}
	require.Equal(t, uint32(MinSize), tbl.TableSize())
	checkSizeLaw(t, tbl, sigs)

	require.False(t, tbl.Contract(), "cannot shrink below the minimum")
}

func TestExpandAcrossDirectoryBoundary(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	sigs := make(map[*Entry]uint64)
	for i := 0; i < 2000; i++ {
		e := &Entry{}
		sig := uint64(i*2654435761 + 1)
		tbl.Insert(e, sig, nil)
		sigs[e] = sig
	}

	// Grow past the first and second directory (128 + 256 buckets).
	for tbl.TableSize() < 520 {
		require.True(t, tbl.Expand())
	}
	checkSizeLaw(t, tbl, sigs)

	for tbl.TableSize() > MinSize {
		require.True(t, tbl.Contract())
	}
	checkSizeLaw(t, tbl, sigs)
	require.Equal(t, uint32(2000), tbl.NumEntries())
}

func TestEnumerator(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	want := make(map[*Entry]bool)
	for i := 0; i < 300; i++ {
		e := &Entry{}
		tbl.Insert(e, uint64(i+1), nil)
		want[e] = true
	}

	var en Enumerator
	tbl.EnumerateBegin(&en)

	// Restructuring is refused while the enumeration is outstanding.
	require.False(t, tbl.Expand())
	require.False(t, tbl.Contract())

	seen := make(map[*Entry]bool)
	for e := tbl.EnumerateNext(&en); e != nil; e = tbl.EnumerateNext(&en) {
		require.False(t, seen[e], "entry enumerated twice")
		seen[e] = true
	}
	require.Nil(t, tbl.EnumerateNext(&en), "exhausted enumerator stays exhausted")
	tbl.EnumerateEnd(&en)

	require.Equal(t, want, seen)
	require.True(t, tbl.Expand(), "expansion allowed again after EnumerateEnd")
}

func TestEnumeratorSkippedByLookup(t *testing.T) {
	t.Parallel()

	tbl, err := New(MinSize)
	require.NoError(t, err)

	// Two entries sharing a signature with an enumerator parked between
	// inserts; walks must never surface the cursor.
	e1, e2 := &Entry{}, &Entry{}
	tbl.Insert(e1, 7, nil)

	var en Enumerator
	tbl.EnumerateBegin(&en)
	require.Equal(t, e1, tbl.EnumerateNext(&en))

	tbl.Insert(e2, 7, nil)

	var ctx LookupContext
	count := 0
	for cur := tbl.Lookup(7, &ctx); cur != nil; cur = tbl.LookupNext(&ctx) {
		require.NotEqual(t, reservedSignature, cur.Signature)
		count++
	}
	require.Equal(t, 2, count)
	tbl.EnumerateEnd(&en)
}
