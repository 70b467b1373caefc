/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/gravitational/trace"
)

// HashType selects the digest used for key schedules and salted hashing.
type HashType uint8

const (
	HashSha256 HashType = iota
	HashSha384
	HashSha512
)

func (h HashType) String() string {
	switch h {
	case HashSha256:
		return "SHA-256"
	case HashSha384:
		return "SHA-384"
	case HashSha512:
		return "SHA-512"
	default:
		return "UNKNOWN"
	}
}

// Length returns the digest size in bytes.
func (h HashType) Length() (int, error) {
	switch h {
	case HashSha256:
		return sha256.Size, nil
	case HashSha384:
		return sha512.Size384, nil
	case HashSha512:
		return sha512.Size, nil
	default:
		return 0, trace.BadParameter("unknown hash type %d", h)
	}
}

func (h HashType) newFunc() (func() hash.Hash, error) {
	switch h {
	case HashSha256:
		return sha256.New, nil
	case HashSha384:
		return sha512.New384, nil
	case HashSha512:
		return sha512.New, nil
	default:
		return nil, trace.BadParameter("unknown hash type %d", h)
	}
}

// Hash is a salted hash object: the salt acts as an HMAC key carried for
// the lifetime of the object, and Compute produces fixed-size digests of
// caller inputs (used for stateless token generation).
type Hash struct {
	hashType HashType
	salt     []byte
}

func NewHash(hashType HashType, salt []byte) (*Hash, error) {
	if _, err := hashType.Length(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Hash{hashType: hashType, salt: append([]byte(nil), salt...)}, nil
}

// Compute writes the digest of input into out, which must be exactly the
// hash length.
func (h *Hash) Compute(input, out []byte) error {
	want, err := h.hashType.Length()
	if err != nil {
		return trace.Wrap(err)
	}
	if len(out) != want {
		return trace.BadParameter("output must be %d bytes", want)
	}
	newFn, err := h.hashType.newFunc()
	if err != nil {
		return trace.Wrap(err)
	}
	mac := hmac.New(newFn, h.salt)
	mac.Write(input)
	mac.Sum(out[:0])
	return nil
}

// Scrub zeroes the salt. Safe to call on nil.
func (h *Hash) Scrub() {
	if h == nil {
		return
	}
	for i := range h.salt {
		h.salt[i] = 0
	}
}
