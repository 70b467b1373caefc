/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"github.com/runZeroInc/go-quicplatform/pkg/crypt"
)

// ResultFlags reports what a ProcessData (or ticket) call changed.
type ResultFlags uint32

const (
	// ResultData means new outbound handshake bytes were appended to the
	// process state's buffer.
	ResultData ResultFlags = 1 << iota
	// ResultHandshakeComplete means the handshake finished this call.
	ResultHandshakeComplete
	// ResultReadKeyUpdated / ResultWriteKeyUpdated mean the current
	// read/write packet keys advanced to a new encryption level.
	ResultReadKeyUpdated
	ResultWriteKeyUpdated
	// ResultError means the session failed; the alert code (if any) is
	// in the process state.
	ResultError
)

// EarlyDataState tracks 0-RTT acceptance.
type EarlyDataState uint8

const (
	EarlyDataNone EarlyDataState = iota
	EarlyDataAccepted
	EarlyDataRejected
)

// maxHandshakeBuffer caps the outbound handshake byte buffer.
const maxHandshakeBuffer = 0xF000

// ProcessState is owned by the QUIC core and passed to every session
// call. It accumulates outbound handshake bytes, level offsets within
// them, and the per-level packet keys.
type ProcessState struct {
	// Buffer holds outbound handshake bytes not yet consumed by the
	// core. BufferTotalLength counts every byte ever appended;
	// the level offsets index into that cumulative stream.
	Buffer                []byte
	BufferTotalLength     uint32
	BufferOffsetHandshake uint32
	BufferOffset1Rtt      uint32

	HandshakeComplete bool
	SessionResumed    bool
	EarlyData         EarlyDataState

	// AlertCode is the TLS alert raised on failure (valid with
	// ResultError when nonzero).
	AlertCode uint8

	// ReadKey and WriteKey are the current encryption levels; the slots
	// hold the packet keys per level as they become available.
	ReadKey   crypt.KeyType
	WriteKey  crypt.KeyType
	ReadKeys  [crypt.KeyTypeCount]*crypt.PacketKey
	WriteKeys [crypt.KeyTypeCount]*crypt.PacketKey

	NegotiatedALPN []byte
}

// Consume drops n consumed bytes from the front of the buffer.
func (ps *ProcessState) Consume(n int) {
	if n >= len(ps.Buffer) {
		ps.Buffer = ps.Buffer[:0]
		return
	}
	remaining := copy(ps.Buffer, ps.Buffer[n:])
	ps.Buffer = ps.Buffer[:remaining]
}

// appendHandshake grows the buffer (doubling, capped) and stamps the
// level offsets on the first byte of each new level.
func (ps *ProcessState) appendHandshake(level crypt.KeyType, data []byte) bool {
	if len(ps.Buffer)+len(data) > maxHandshakeBuffer {
		return false
	}

	switch level {
	case crypt.KeyTypeHandshake:
		if ps.BufferOffsetHandshake == 0 {
			ps.BufferOffsetHandshake = ps.BufferTotalLength
		}
	case crypt.KeyTypeOneRtt:
		if ps.BufferOffset1Rtt == 0 {
			ps.BufferOffset1Rtt = ps.BufferTotalLength
		}
	}

	needed := len(ps.Buffer) + len(data)
	if cap(ps.Buffer) < needed {
		newCap := cap(ps.Buffer)
		if newCap == 0 {
			newCap = 1024
		}
		for newCap < needed {
			newCap <<= 1
		}
		if newCap > maxHandshakeBuffer {
			newCap = maxHandshakeBuffer
		}
		grown := make([]byte, len(ps.Buffer), newCap)
		copy(grown, ps.Buffer)
		ps.Buffer = grown
	}
	ps.Buffer = append(ps.Buffer, data...)
	ps.BufferTotalLength += uint32(len(data))
	return true
}
