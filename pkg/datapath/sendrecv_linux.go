//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import (
	"fmt"
	"net/netip"
	"unsafe"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// recvBlock is one self-contained receive allocation: the datagram
// descriptor plus its fixed payload storage, pooled per partition.
type recvBlock struct {
	datagram RecvDatagram
	payload  []byte
}

func newRecvBlock(mtu int) *recvBlock {
	b := &recvBlock{payload: make([]byte, mtu-minIPHeaderSize-minUDPHeaderSize)}
	b.datagram.block = b
	return b
}

func (b *recvBlock) reset(partition int) {
	b.datagram = RecvDatagram{PartitionIndex: partition, block: b}
}

// SendData is a batch of up to the datapath's max batch size of buffers,
// each emitted as its own UDP datagram, plus the addressing and ECN
// marking shared by the batch. Ownership passes to the socket context
// when the batch pends; the batch is released on completion either way.
type SendData struct {
	ECN ECN

	buffers [][]byte
	next    int // first buffer not yet handed to the kernel

	// Saved addressing for writability-driven retry.
	local  netip.AddrPort
	remote netip.AddrPort

	pending bool
	proc    *procContext
}

// NewSendData allocates a send batch on the given partition's pool.
func (s *Socket) NewSendData(partition int, ecn ECN) (*SendData, error) {
	if partition < 0 || partition >= len(s.contexts) {
		return nil, trace.BadParameter("partition %d out of range", partition)
	}
	proc := s.contexts[partition].proc
	sd := proc.sendPool.Get()
	*sd = SendData{ECN: ecn, proc: proc}
	return sd, nil
}

// AllocBuffer appends a datagram buffer of the given size, up to the
// batch limit.
func (sd *SendData) AllocBuffer(size int) ([]byte, error) {
	if len(sd.buffers) >= sd.proc.dp.cfg.MaxSendBatchSize {
		return nil, trace.LimitExceeded("send batch is full (%d buffers)", len(sd.buffers))
	}
	buf := make([]byte, size)
	sd.buffers = append(sd.buffers, buf)
	return buf, nil
}

// BufferCount reports how many datagrams the batch carries.
func (sd *SendData) BufferCount() int { return len(sd.buffers) }

func (sd *SendData) release() {
	proc := sd.proc
	*sd = SendData{}
	proc.sendPool.Put(sd)
}

// Send emits the batch toward remote. local is consulted only on
// unconnected sockets, where it populates the PKTINFO ancillary message.
// The call never blocks: a kernel send-buffer full condition queues the
// batch for writability-driven retry and still reports success.
func (s *Socket) Send(local, remote netip.AddrPort, sd *SendData) error {
	if sd == nil || len(sd.buffers) == 0 {
		return trace.BadParameter("empty send batch")
	}
	if !remote.IsValid() {
		return trace.BadParameter("missing remote address")
	}
	if s.shutdown.Load() {
		sd.release()
		return trace.ConnectionProblem(nil, "socket is shutting down")
	}

	sd.local = local
	sd.remote = remote

	sc := s.contexts[sd.proc.index]

	// If earlier sends are already waiting for writability, queue behind
	// them to preserve submission order.
	sc.mu.Lock()
	if sc.sendWaiting {
		sc.pendSendLocked(sd)
		sc.mu.Unlock()
		return nil
	}
	sc.mu.Unlock()

	_, err := sc.sendInline(sd)
	return err
}

// sendInline pushes buffers into the kernel until done or blocked. It
// reports whether the batch was pended for a later writability edge.
func (sc *socketContext) sendInline(sd *SendData) (bool, error) {
	s := sc.sock
	m := sc.proc.dpMetrics()

	var to unix.Sockaddr
	if !s.connected {
		to = sockaddrFor(sd.remote, sd.remote.Port())
	}
	oob := buildSendControl(s, sd)

	for sd.next < len(sd.buffers) {
		buf := sd.buffers[sd.next]
		n, err := unix.SendmsgN(sc.fd, buf, oob, to, 0)
		switch {
		case err == nil:
			m.datagramsSent.Inc()
			m.bytesSent.Add(float64(n))
			sd.next++
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			sc.mu.Lock()
			sc.pendSendLocked(sd)
			sc.mu.Unlock()
			return true, nil
		default:
			if sd.pending {
				m.pendingSends.Dec()
			}
			sd.release()
			return false, trace.Wrap(err, "sendmsg")
		}
	}

	if sd.pending {
		m.pendingSends.Dec()
	}
	sd.release()
	return false, nil
}

// pendSendLocked queues the batch and subscribes to writability. A batch
// that was already pending (a retry that blocked again) goes back on the
// head so application order is preserved; new batches append.
func (sc *socketContext) pendSendLocked(sd *SendData) {
	if !sc.sendWaiting {
		_ = unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_MOD, sc.fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
			Fd:     int32(sc.fd),
		})
		sc.sendWaiting = true
	}
	if sd.pending {
		sc.pendingSends.PushFront(sd)
		return
	}
	sd.pending = true
	sc.pendingSends.PushBack(sd)
	sc.proc.dpMetrics().sendsPended.Inc()
	sc.proc.dpMetrics().pendingSends.Inc()
}

// handleWritable drains the pending FIFO in order, stopping at the first
// batch that blocks again.
func (sc *socketContext) handleWritable() {
	for {
		sc.mu.Lock()
		node := sc.pendingSends.Front()
		if node == nil {
			_ = unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_MOD, sc.fd, &unix.EpollEvent{
				Events: unix.EPOLLIN | unix.EPOLLET,
				Fd:     int32(sc.fd),
			})
			sc.sendWaiting = false
			sc.mu.Unlock()
			return
		}
		sd := sc.pendingSends.Remove(node)
		sc.mu.Unlock()

		pended, err := sc.sendInline(sd)
		if err != nil {
			sc.sock.dp.cfg.Logger.Warn("pended send failed",
				"socket", sc.sock.id.String(), "error", err)
			continue
		}
		if pended {
			// Still blocked; the batch went back on the head. Wait for
			// the next writability edge.
			return
		}
	}
}

// handleReadable drains recvmsg until the kernel would block, chaining
// the datagrams and delivering the chain to the core in one upcall.
func (sc *socketContext) handleReadable() {
	s := sc.sock
	m := sc.proc.dpMetrics()

	var chainHead, chainTail *RecvDatagram
	flush := func() {
		if chainHead != nil {
			s.dp.cfg.Receive(s, s.clientCtx, chainHead)
			chainHead, chainTail = nil, nil
		}
	}

	for {
		if s.shutdown.Load() {
			break
		}
		if sc.currentBlock == nil {
			sc.currentBlock = sc.proc.recvPool.Get()
			sc.currentBlock.reset(sc.proc.index)
		}
		block := sc.currentBlock

		n, oobn, _, from, err := unix.Recvmsg(sc.fd, block.payload, sc.oob[:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			s.dp.cfg.Logger.Error("recvmsg failed",
				"socket", s.id.String(), "partition", sc.proc.index, "error", err)
			break
		}

		localAddr, tos := parseRecvControl(sc.oob[:oobn])
		remote := addrPortFromSockaddr(from)

		dg := &block.datagram
		dg.Buffer = block.payload[:n]
		// pktinfo supplies the address; the port is the socket's own.
		dg.Tuple = Tuple{
			Local:  netip.AddrPortFrom(localAddr, s.local.Port()),
			Remote: remote,
		}
		dg.TypeOfService = tos
		dg.PartitionIndex = sc.proc.index

		m.datagramsRecv.Inc()
		m.bytesRecv.Add(float64(n))

		if chainTail != nil {
			chainTail.Next = dg
		} else {
			chainHead = dg
		}
		chainTail = dg

		// Ownership of the block is on its way to the core; prepare a
		// fresh one for the next datagram.
		sc.currentBlock = nil
	}
	flush()
}

// parseRecvControl extracts the local address and TOS from the receive
// ancillary data. Both were explicitly requested at socket setup; a
// datagram without either is a kernel contract violation and panics
// rather than being silently dropped.
func parseRecvControl(oob []byte) (netip.Addr, uint8) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		panic(fmt.Sprintf("datapath: malformed ancillary data: %v", err))
	}

	var local netip.Addr
	var zone uint32
	haveAddr := false
	var tos uint8
	haveTOS := false

	for _, msg := range msgs {
		switch {
		case msg.Header.Level == unix.IPPROTO_IPV6 && msg.Header.Type == unix.IPV6_PKTINFO:
			if len(msg.Data) < unix.SizeofInet6Pktinfo {
				panic("datapath: short IPV6_PKTINFO")
			}
			info := (*unix.Inet6Pktinfo)(unsafe.Pointer(&msg.Data[0]))
			local = netip.AddrFrom16(info.Addr).Unmap()
			zone = info.Ifindex
			haveAddr = true
		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_PKTINFO:
			if len(msg.Data) < unix.SizeofInet4Pktinfo {
				panic("datapath: short IP_PKTINFO")
			}
			info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&msg.Data[0]))
			local = netip.AddrFrom4(info.Addr)
			haveAddr = true
		case msg.Header.Level == unix.IPPROTO_IPV6 && msg.Header.Type == unix.IPV6_TCLASS:
			if len(msg.Data) >= 4 {
				tos = uint8(*(*int32)(unsafe.Pointer(&msg.Data[0])))
				haveTOS = true
			}
		case msg.Header.Level == unix.IPPROTO_IP && msg.Header.Type == unix.IP_TOS:
			if len(msg.Data) >= 1 {
				tos = msg.Data[0]
				haveTOS = true
			}
		}
	}

	if !haveAddr || !haveTOS {
		panic("datapath: datagram missing pktinfo or TOS ancillary data")
	}
	if local.Is6() && !local.Is4In6() && zone != 0 && local.IsLinkLocalUnicast() {
		local = local.WithZone(zoneName(zone))
	}
	return local, tos
}

// buildSendControl assembles the outbound ancillary data: the ECN
// codepoint (IP_TOS or IPV6_TCLASS by remote family), and on unconnected
// sockets a PKTINFO message pinning the local source address.
func buildSendControl(s *Socket, sd *SendData) []byte {
	var oob []byte
	v4 := sd.remote.Addr().Unmap().Is4()

	if v4 {
		oob = appendCmsgInt32(oob, unix.IPPROTO_IP, unix.IP_TOS, int32(sd.ECN))
	} else {
		oob = appendCmsgInt32(oob, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int32(sd.ECN))
	}

	if !s.connected && sd.local.IsValid() {
		localAddr := sd.local.Addr().Unmap()
		if localAddr.Is4() {
			var info unix.Inet4Pktinfo
			info.Spec_dst = localAddr.As4()
			oob = appendCmsg(oob, unix.IPPROTO_IP, unix.IP_PKTINFO,
				(*[unix.SizeofInet4Pktinfo]byte)(unsafe.Pointer(&info))[:])
		} else {
			var info unix.Inet6Pktinfo
			info.Addr = localAddr.As16()
			info.Ifindex = zoneID(localAddr)
			oob = appendCmsg(oob, unix.IPPROTO_IPV6, unix.IPV6_PKTINFO,
				(*[unix.SizeofInet6Pktinfo]byte)(unsafe.Pointer(&info))[:])
		}
	}
	return oob
}

func appendCmsgInt32(oob []byte, level, typ int32, value int32) []byte {
	return appendCmsg(oob, level, typ, (*[4]byte)(unsafe.Pointer(&value))[:])
}

// appendCmsg appends one control message with proper alignment.
func appendCmsg(oob []byte, level, typ int32, data []byte) []byte {
	off := len(oob)
	oob = append(oob, make([]byte, unix.CmsgSpace(len(data)))...)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[off]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(oob[off+unix.CmsgLen(0):], data)
	return oob
}

// handleError maps EPOLLERR to an unreachability indication when the
// kernel reports a routing-style errno; anything else is logged.
func (sc *socketContext) handleError() {
	s := sc.sock
	errno, err := unix.GetsockoptInt(sc.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		s.dp.cfg.Logger.Error("getsockopt(SO_ERROR) failed",
			"socket", s.id.String(), "error", err)
		return
	}
	switch unix.Errno(errno) {
	case unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH:
		sc.proc.dpMetrics().unreachable.Inc()
		if s.dp.cfg.Unreachable != nil {
			s.dp.cfg.Unreachable(s, s.clientCtx, s.remote)
		}
	default:
		s.dp.cfg.Logger.Warn("socket error",
			"socket", s.id.String(), "errno", unix.Errno(errno).Error())
	}
}

// ReturnRecv returns a received chain's blocks to their partition pools.
// Every datagram delivered to the Receive callback must come back here.
func (d *Datapath) ReturnRecv(chain *RecvDatagram) {
	for chain != nil {
		next := chain.Next
		block := chain.block
		pi := chain.PartitionIndex
		if block != nil && pi >= 0 && pi < len(d.procs) {
			d.procs[pi].recvPool.Put(block)
		}
		chain = next
	}
}
