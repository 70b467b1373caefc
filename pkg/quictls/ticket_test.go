/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTicketKey(b byte) TicketKey {
	var k TicketKey
	for i := range k.ID {
		k.ID[i] = b
	}
	for i := range k.Material {
		k.Material[i] = b ^ 0x5a
	}
	return k
}

func TestTicketSealRoundTrip(t *testing.T) {
	t.Parallel()

	sealer := newTicketSealer(testTicketKey(1))
	for _, size := range []int{0, 1, 15, 16, 17, 300} {
		plain := bytes.Repeat([]byte{0xAB}, size)
		sealed, err := sealer.Seal(plain)
		require.NoError(t, err)

		got, err := sealer.Open(sealed)
		require.NoError(t, err)
		if size == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, plain, got)
		}
	}
}

func TestTicketSealRandomizedIV(t *testing.T) {
	t.Parallel()

	sealer := newTicketSealer(testTicketKey(2))
	a, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestTicketOpenRejectsTampering(t *testing.T) {
	t.Parallel()

	sealer := newTicketSealer(testTicketKey(3))
	sealed, err := sealer.Seal([]byte("session state"))
	require.NoError(t, err)

	for _, idx := range []int{0, 16, 40, len(sealed) - 1} {
		bad := append([]byte(nil), sealed...)
		bad[idx] ^= 1
		_, err := sealer.Open(bad)
		require.Error(t, err, "flip at %d must be rejected", idx)
	}

	_, err = sealer.Open(sealed[:30])
	require.Error(t, err)
}

func TestTicketOpenRejectsForeignKey(t *testing.T) {
	t.Parallel()

	sealed, err := newTicketSealer(testTicketKey(4)).Seal([]byte("x"))
	require.NoError(t, err)
	_, err = newTicketSealer(testTicketKey(5)).Open(sealed)
	require.Error(t, err)
}
