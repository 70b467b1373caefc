//go:build !linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import (
	"net/netip"

	"github.com/gravitational/trace"
)

// Datapath is not implemented on this platform.
type Datapath struct{}

type Socket struct{}

type SendData struct{ ECN ECN }

type recvBlock struct{}

func New(cfg Config) (*Datapath, error) {
	return nil, trace.NotImplemented("datapath is not supported on this platform")
}

func (d *Datapath) Close()              {}
func (d *Datapath) PartitionCount() int { return 0 }

func (d *Datapath) NewSocket(local, remote netip.AddrPort, clientCtx any) (*Socket, error) {
	return nil, trace.NotImplemented("datapath is not supported on this platform")
}

func (d *Datapath) ReturnRecv(chain *RecvDatagram) {}

func (s *Socket) LocalAddr() netip.AddrPort  { return netip.AddrPort{} }
func (s *Socket) RemoteAddr() netip.AddrPort { return netip.AddrPort{} }
func (s *Socket) ClientContext() any         { return nil }
func (s *Socket) ID() string                 { return "" }
func (s *Socket) Close()                     {}

func (s *Socket) NewSendData(partition int, ecn ECN) (*SendData, error) {
	return nil, trace.NotImplemented("datapath is not supported on this platform")
}

func (s *Socket) Send(local, remote netip.AddrPort, sd *SendData) error {
	return trace.NotImplemented("datapath is not supported on this platform")
}

func (sd *SendData) AllocBuffer(size int) ([]byte, error) {
	return nil, trace.NotImplemented("datapath is not supported on this platform")
}

func (sd *SendData) BufferCount() int { return 0 }
