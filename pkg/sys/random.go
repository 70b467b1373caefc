/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package sys

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/gravitational/trace"
)

// Random fills buf from the system CSPRNG. Failure is a hard error
// surfaced to the caller, never papered over with a weaker source.
func Random(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return trace.Wrap(err, "reading system entropy")
	}
	return nil
}

func RandomUint32() (uint32, error) {
	var b [4]byte
	if err := Random(b[:]); err != nil {
		return 0, trace.Wrap(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func RandomUint64() (uint64, error) {
	var b [8]byte
	if err := Random(b[:]); err != nil {
		return 0, trace.Wrap(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
