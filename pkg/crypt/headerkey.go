/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/chacha20"
)

// HeaderKey drives the header-protection stream cipher. The block cipher
// identity always matches the AEAD of the same packet key.
type HeaderKey struct {
	aeadType AeadType
	block    cipher.Block // AES variants
	material []byte       // retained for ChaCha20 and scrubbing
}

// NewHeaderKey imports raw header-protection key material.
func NewHeaderKey(aeadType AeadType, material []byte) (*HeaderKey, error) {
	want, err := aeadType.KeyLength()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(material) != want {
		return nil, trace.BadParameter("%s header key must be %d bytes, got %d", aeadType, want, len(material))
	}

	h := &HeaderKey{aeadType: aeadType, material: append([]byte(nil), material...)}
	if aeadType == AeadAes128Gcm || aeadType == AeadAes256Gcm {
		h.block, err = aes.NewCipher(h.material)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return h, nil
}

// Mask computes the 5-byte header-protection mask from a 16-byte
// ciphertext sample (RFC 9001 §5.4). The computation is a pure function
// of (key, sample).
func (h *HeaderKey) Mask(sample []byte) ([5]byte, error) {
	var mask [5]byte
	if len(sample) != SampleLength {
		return mask, trace.BadParameter("sample must be %d bytes", SampleLength)
	}

	switch h.aeadType {
	case AeadAes128Gcm, AeadAes256Gcm:
		var block [aes.BlockSize]byte
		h.block.Encrypt(block[:], sample)
		copy(mask[:], block[:5])
	case AeadChaCha20Poly1305:
		// The sample supplies the counter (first 4 bytes, little endian)
		// and the nonce (remaining 12).
		counter := binary.LittleEndian.Uint32(sample[:4])
		c, err := chacha20.NewUnauthenticatedCipher(h.material, sample[4:16])
		if err != nil {
			return mask, trace.Wrap(err)
		}
		c.SetCounter(counter)
		c.XORKeyStream(mask[:], mask[:])
	default:
		return mask, trace.BadParameter("unknown AEAD type %d", h.aeadType)
	}
	return mask, nil
}

// Scrub zeroes the key material. Safe to call on nil.
func (h *HeaderKey) Scrub() {
	if h == nil {
		return
	}
	for i := range h.material {
		h.material[i] = 0
	}
	h.block = nil
}
