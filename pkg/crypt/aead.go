/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package crypt supplies the cryptographic primitives a QUIC endpoint
// needs: AEAD packet protection, header-protection masks, salted
// hashing, HKDF expand-label, and the QUIC packet-key schedule
// (RFC 9001).
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/chacha20poly1305"
)

// AeadType selects the packet-protection cipher.
type AeadType uint8

const (
	AeadAes128Gcm AeadType = iota
	AeadAes256Gcm
	AeadChaCha20Poly1305
)

// EncryptionOverhead is the AEAD tag length appended to every ciphertext.
const EncryptionOverhead = 16

// IVLength is the fixed AEAD IV size for all supported ciphers.
const IVLength = 12

// SampleLength is the ciphertext sample consumed by header protection.
const SampleLength = 16

// ErrDecryptionFailed is returned when AEAD authentication fails. It maps
// to a TLS-level error, distinct from parameter mistakes.
var ErrDecryptionFailed = errors.New("packet decryption failed")

func (a AeadType) String() string {
	switch a {
	case AeadAes128Gcm:
		return "AES-128-GCM"
	case AeadAes256Gcm:
		return "AES-256-GCM"
	case AeadChaCha20Poly1305:
		return "CHACHA20-POLY1305"
	default:
		return "UNKNOWN"
	}
}

// KeyLength returns the AEAD key size in bytes. The header-protection
// key for a cipher is always the same size.
func (a AeadType) KeyLength() (int, error) {
	switch a {
	case AeadAes128Gcm:
		return 16, nil
	case AeadAes256Gcm, AeadChaCha20Poly1305:
		return 32, nil
	default:
		return 0, trace.BadParameter("unknown AEAD type %d", a)
	}
}

// Key is an AEAD encryption key.
type Key struct {
	aeadType AeadType
	aead     cipher.AEAD
	material []byte
}

// NewKey imports raw key material for the given cipher.
func NewKey(aeadType AeadType, material []byte) (*Key, error) {
	want, err := aeadType.KeyLength()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(material) != want {
		return nil, trace.BadParameter("%s key must be %d bytes, got %d", aeadType, want, len(material))
	}

	k := &Key{aeadType: aeadType, material: append([]byte(nil), material...)}
	switch aeadType {
	case AeadAes128Gcm, AeadAes256Gcm:
		block, err := aes.NewCipher(k.material)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		k.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	case AeadChaCha20Poly1305:
		k.aead, err = chacha20poly1305.New(k.material)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return k, nil
}

func (k *Key) Type() AeadType { return k.aeadType }

// Encrypt seals plaintext into out, which must be exactly
// len(plaintext)+EncryptionOverhead bytes: ciphertext then tag.
func (k *Key) Encrypt(iv, aad, plaintext, out []byte) error {
	if len(iv) != IVLength {
		return trace.BadParameter("iv must be %d bytes", IVLength)
	}
	if len(out) != len(plaintext)+EncryptionOverhead {
		return trace.BadParameter("output must be plaintext length plus %d bytes of overhead", EncryptionOverhead)
	}
	k.aead.Seal(out[:0], iv, plaintext, aad)
	return nil
}

// Decrypt opens in (ciphertext||tag) into out, which must be exactly
// len(in)-EncryptionOverhead bytes. Authentication failure returns
// ErrDecryptionFailed.
func (k *Key) Decrypt(iv, aad, in, out []byte) error {
	if len(iv) != IVLength {
		return trace.BadParameter("iv must be %d bytes", IVLength)
	}
	if len(in) < EncryptionOverhead {
		return trace.BadParameter("input shorter than the AEAD tag")
	}
	if len(out) != len(in)-EncryptionOverhead {
		return trace.BadParameter("output must be input length minus %d bytes of overhead", EncryptionOverhead)
	}
	if _, err := k.aead.Open(out[:0], iv, in, aad); err != nil {
		return ErrDecryptionFailed
	}
	return nil
}

// Scrub zeroes the key material. The Key must not be used afterwards.
// Safe to call on nil.
func (k *Key) Scrub() {
	if k == nil {
		return
	}
	for i := range k.material {
		k.material[i] = 0
	}
	k.aead = nil
}
