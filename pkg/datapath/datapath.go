/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package datapath is the per-processor UDP engine under a QUIC
// endpoint: nonblocking event-driven datagram I/O with ancillary-data
// handling (pktinfo, ECN/TOS) and write-backpressure. Each datapath owns
// one worker per partition; each socket owns one context per partition,
// pinned to that partition's readiness loop.
//
// Only Linux has a full implementation (epoll + recvmsg/sendmsg); other
// platforms expose the same API and fail construction, following the
// per-OS split used across this repository.
package datapath

import (
	"log/slog"
	"net/netip"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ECN is the two-bit explicit congestion notification codepoint applied
// to sent datagrams and reported for received ones.
type ECN uint8

const (
	ECNNonECT ECN = 0
	ECNECT1   ECN = 1
	ECNECT0   ECN = 2
	ECNCE     ECN = 3
)

// Tuple is the addressing of one datagram. Both addresses are always
// concrete (never unspecified) and share an address family.
type Tuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// RecvDatagram is one received UDP datagram. Ownership transfers to the
// QUIC core on the Receive upcall; the core returns it (and the rest of
// its chain) with Datapath.ReturnRecv.
type RecvDatagram struct {
	// Next chains additional datagrams delivered in the same upcall.
	Next *RecvDatagram

	// Buffer aliases the receive block's payload storage; valid until
	// ReturnRecv.
	Buffer []byte

	Tuple          Tuple
	TypeOfService  uint8
	PartitionIndex int

	block *recvBlock
}

// ECN extracts the congestion codepoint from the received TOS byte.
func (d *RecvDatagram) ECN() ECN {
	return ECN(d.TypeOfService & 0x3)
}

// ReceiveFunc delivers one or more chained datagrams to the QUIC core.
// It runs on the partition's worker; implementations must not block and
// must eventually return the chain via ReturnRecv.
type ReceiveFunc func(s *Socket, clientCtx any, datagrams *RecvDatagram)

// UnreachableFunc advises the core that the socket's remote reported
// unreachable (ICMP). Runs on the partition's worker.
type UnreachableFunc func(s *Socket, clientCtx any, remote netip.AddrPort)

// DefaultMTU sizes receive buffers when the config does not override it.
const DefaultMTU = 1500

// minIPHeaderSize + minUDPHeaderSize are carved out of the MTU to size
// the receive payload.
const (
	minIPHeaderSize  = 20
	minUDPHeaderSize = 8
)

// DefaultMaxSendBatchSize bounds the number of datagram buffers one
// SendData can carry.
const DefaultMaxSendBatchSize = 16

// Config configures a Datapath.
type Config struct {
	// ProcCount is the number of partitions (worker threads). Zero means
	// one partition.
	ProcCount int

	// Receive is required; Unreachable is advisory and may be nil.
	Receive     ReceiveFunc
	Unreachable UnreachableFunc

	// MTU sizes receive buffers; zero means DefaultMTU.
	MTU int

	// MaxSendBatchSize caps buffers per SendData; zero means
	// DefaultMaxSendBatchSize.
	MaxSendBatchSize int

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Registry prometheus.Registerer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ProcCount <= 0 {
		out.ProcCount = 1
	}
	if out.MTU <= 0 {
		out.MTU = DefaultMTU
	}
	if out.MaxSendBatchSize <= 0 {
		out.MaxSendBatchSize = DefaultMaxSendBatchSize
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
