/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package crypt

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// LabelPrefix is the TLS 1.3 label prefix prepended to every HKDF label.
const LabelPrefix = "tls13 "

// Labels carries the QUIC derivation labels. Version negotiation can
// substitute alternate label sets; DefaultLabels matches QUIC v1
// (RFC 9001 §5.1).
type Labels struct {
	Key       string
	IV        string
	HeaderKey string
	KeyUpdate string
}

// DefaultLabels is the QUIC v1 label set.
var DefaultLabels = Labels{
	Key:       "quic key",
	IV:        "quic iv",
	HeaderKey: "quic hp",
	KeyUpdate: "quic ku",
}

// FormatLabel encodes the HkdfLabel structure from RFC 8446 §7.1:
// u16 output length, u8 prefixed-label length, the prefixed label, and a
// zero-length context.
func FormatLabel(label string, outLen int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(outLen))
	b.AddUint8LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes([]byte(LabelPrefix))
		c.AddBytes([]byte(label))
	})
	b.AddUint8(0) // empty context
	return b.BytesOrPanic()
}

// HkdfExtract runs HKDF-Extract with the given salt.
func HkdfExtract(hashType HashType, ikm, salt []byte) ([]byte, error) {
	newFn, err := hashType.newFunc()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return hkdf.Extract(newFn, ikm, salt), nil
}

// HkdfExpandLabel runs HKDF-Expand with the TLS 1.3 label encoding.
func HkdfExpandLabel(hashType HashType, secret []byte, label string, outLen int) ([]byte, error) {
	newFn, err := hashType.newFunc()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, outLen)
	r := hkdf.Expand(newFn, secret, FormatLabel(label, outLen))
	if _, err := r.Read(out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
