/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import "github.com/gravitational/trace"

// Nonce builds the per-packet AEAD nonce: the key's IV with the packet
// number XORed into its trailing bytes (RFC 9001 §5.3).
func (k *PacketKey) Nonce(packetNumber uint64) [IVLength]byte {
	nonce := k.IV
	for i := 0; i < 8; i++ {
		nonce[IVLength-1-i] ^= byte(packetNumber >> (8 * i))
	}
	return nonce
}

// ApplyHeaderMask XORs a header-protection mask over the packet's first
// byte and packet-number field (RFC 9001 §5.4.1). Long headers mask the
// low four bits of the first byte, short headers the low five. The same
// operation both protects and unprotects; pnBytes must already be
// located via the unprotected (or recovered) packet-number length.
func ApplyHeaderMask(mask [5]byte, firstByte *byte, pnBytes []byte) error {
	if firstByte == nil {
		return trace.BadParameter("missing first header byte")
	}
	if len(pnBytes) > 4 {
		return trace.BadParameter("packet number cannot exceed 4 bytes")
	}
	if *firstByte&0x80 != 0 {
		*firstByte ^= mask[0] & 0x0F
	} else {
		*firstByte ^= mask[0] & 0x1F
	}
	for i := range pnBytes {
		pnBytes[i] ^= mask[1+i]
	}
	return nil
}
