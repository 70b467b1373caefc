/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package cert

import (
	"crypto/x509"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/cryptobyte"
)

// FormatChain serializes a certificate chain in the TLS Certificate-list
// wire form: each entry is a 3-byte big-endian length followed by the
// DER encoding. A nil or empty chain is a single zero length.
func FormatChain(chain []*x509.Certificate) []byte {
	var b cryptobyte.Builder
	if len(chain) == 0 {
		b.AddUint24(0)
		return b.BytesOrPanic()
	}
	for _, c := range chain {
		b.AddUint24LengthPrefixed(func(entry *cryptobyte.Builder) {
			entry.AddBytes(c.Raw)
		})
	}
	return b.BytesOrPanic()
}

// ParseChain is the inverse of FormatChain. A single zero-length entry
// parses to an empty chain.
func ParseChain(wire []byte) ([]*x509.Certificate, error) {
	s := cryptobyte.String(wire)
	var chain []*x509.Certificate
	for !s.Empty() {
		var entry cryptobyte.String
		if !s.ReadUint24LengthPrefixed(&entry) {
			return nil, trace.BadParameter("truncated certificate list entry")
		}
		if len(entry) == 0 {
			if len(chain) != 0 || !s.Empty() {
				return nil, trace.BadParameter("zero-length certificate inside a non-empty list")
			}
			return nil, nil
		}
		c, err := x509.ParseCertificate(entry)
		if err != nil {
			return nil, trace.Wrap(err, "parsing certificate %d", len(chain))
		}
		chain = append(chain, c)
	}
	return chain, nil
}
