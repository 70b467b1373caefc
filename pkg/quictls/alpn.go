/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"bytes"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/cryptobyte"
)

// ParseALPN decodes a wire-form ALPN buffer (a sequence of length-
// prefixed protocol identifiers) into its protocol list.
func ParseALPN(wire []byte) ([]string, error) {
	s := cryptobyte.String(wire)
	var out []string
	for !s.Empty() {
		var proto cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return nil, trace.BadParameter("malformed ALPN buffer")
		}
		out = append(out, string(proto))
	}
	if len(out) == 0 {
		return nil, trace.BadParameter("empty ALPN buffer")
	}
	return out, nil
}

// FormatALPN encodes protocols into the wire form.
func FormatALPN(protocols []string) ([]byte, error) {
	var b cryptobyte.Builder
	for _, p := range protocols {
		if len(p) == 0 || len(p) > 255 {
			return nil, trace.BadParameter("ALPN protocol length %d out of range", len(p))
		}
		b.AddUint8LengthPrefixed(func(c *cryptobyte.Builder) {
			c.AddBytes([]byte(p))
		})
	}
	return b.Bytes()
}

// SelectALPN returns the first entry of the server's wire-form buffer
// that appears anywhere in the client's offers, mirroring server-
// preference selection. Both inputs are wire form.
func SelectALPN(serverWire, clientWire []byte) ([]byte, error) {
	server := cryptobyte.String(serverWire)
	for !server.Empty() {
		var candidate cryptobyte.String
		if !server.ReadUint8LengthPrefixed(&candidate) || len(candidate) == 0 {
			return nil, trace.BadParameter("malformed server ALPN buffer")
		}

		client := cryptobyte.String(clientWire)
		for !client.Empty() {
			var offer cryptobyte.String
			if !client.ReadUint8LengthPrefixed(&offer) || len(offer) == 0 {
				return nil, trace.BadParameter("malformed client ALPN buffer")
			}
			if bytes.Equal(candidate, offer) {
				return append([]byte(nil), candidate...), nil
			}
		}
	}
	return nil, trace.NotFound("no common application protocol")
}
