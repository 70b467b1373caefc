//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import (
	"encoding/binary"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/runZeroInc/go-quicplatform/pkg/kernel"
	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

// Socket is a fleet of per-partition socket contexts sharing one bound
// local address and, optionally, one connected remote.
type Socket struct {
	dp        *Datapath
	id        xid.ID
	clientCtx any

	local     netip.AddrPort
	remote    netip.AddrPort
	connected bool
	mtu       int

	shutdown atomic.Bool
	rundown  *sys.Rundown

	contexts []*socketContext
}

// socketContext is the slice of a Socket owned by one partition: the
// nonblocking UDP fd, its receive block, and the pending-send queue.
type socketContext struct {
	sock *Socket
	proc *procContext

	fd        int
	cleanupFd int

	// oob is the fixed ancillary buffer for recvmsg: IPv6 pktinfo plus a
	// TOS integer, with room for the v4 shapes.
	oob [128]byte

	currentBlock *recvBlock

	// mu guards the pending-send FIFO and the OUT subscription state.
	// The FIFO drains in arrival order; a retry that blocks again goes
	// back on the head.
	mu           sync.Mutex
	pendingSends *sys.List[*SendData]
	sendWaiting  bool
}

// NewSocket creates a UDP socket bound to local (which may be the zero
// AddrPort for an ephemeral wildcard bind) and optionally connected to
// remote. One socket context is opened per datapath partition; the first
// successful bind fixes the port for the rest.
func (d *Datapath) NewSocket(local, remote netip.AddrPort, clientCtx any) (*Socket, error) {
	if !d.bindings.Acquire() {
		return nil, trace.ConnectionProblem(nil, "datapath is shutting down")
	}

	s := &Socket{
		dp:        d,
		id:        xid.New(),
		clientCtx: clientCtx,
		remote:    remote,
		connected: remote.IsValid(),
		mtu:       d.cfg.MTU,
		rundown:   sys.NewRundown(),
	}

	boundPort := local.Port()
	for i, proc := range d.procs {
		sc, port, err := s.openContext(proc, local, remote, boundPort)
		if err != nil {
			s.abortCreate()
			d.bindings.Release()
			return nil, trace.Wrap(err, "socket context for partition %d", i)
		}
		if i == 0 {
			// The first context dictates the (possibly ephemeral) port.
			boundPort = port
		}
		s.contexts = append(s.contexts, sc)
	}

	if local.IsValid() {
		s.local = netip.AddrPortFrom(local.Addr(), boundPort)
	} else {
		s.local = netip.AddrPortFrom(netip.IPv6Unspecified(), boundPort)
	}

	// Everything bound; register for readiness last. If a later context
	// fails to register, the earlier ones are already visible to their
	// workers and must be torn down through the normal cleanup path.
	for i, sc := range s.contexts {
		if err := sc.register(); err != nil {
			s.shutdown.Store(true)
			for _, registered := range s.contexts[:i] {
				signalEventFd(registered.cleanupFd)
			}
			s.rundown.ReleaseAndWait()
			for _, unregistered := range s.contexts[i:] {
				unix.Close(unregistered.fd)
				unix.Close(unregistered.cleanupFd)
			}
			d.bindings.Release()
			return nil, trace.Wrap(err)
		}
	}

	d.cfg.Logger.Debug("socket created",
		"socket", s.id.String(), "local", s.local, "remote", remote, "partitions", len(s.contexts))
	return s, nil
}

// openContext opens, configures, and binds one partition's fd. The
// socket-option sequence is fixed; any failure (other than the
// best-effort receive buffer) aborts creation.
func (s *Socket) openContext(proc *procContext, local, remote netip.AddrPort, port uint16) (*socketContext, uint16, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, trace.Wrap(err, "socket")
	}
	sc := &socketContext{
		sock:         s,
		proc:         proc,
		fd:           fd,
		cleanupFd:    -1,
		pendingSends: sys.NewList[*SendData](),
	}
	closeOnErr := func(err error, what string) (*socketContext, uint16, error) {
		unix.Close(fd)
		return nil, 0, trace.Wrap(err, what)
	}

	// Dual-stack socket: v4 peers appear as mapped v6.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		return closeOnErr(err, "setsockopt(IPV6_V6ONLY)")
	}
	// Emulate DF: Linux has no IP_DONTFRAGMENT, so force path-MTU
	// discovery on v4 and DONTFRAG on v6.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return closeOnErr(err, "setsockopt(IP_MTU_DISCOVER)")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1); err != nil {
		return closeOnErr(err, "setsockopt(IPV6_DONTFRAG)")
	}
	// Ask for the local address of every datagram.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return closeOnErr(err, "setsockopt(IPV6_RECVPKTINFO)")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return closeOnErr(err, "setsockopt(IP_PKTINFO)")
	}
	// Ask for the TOS byte (ECN) of every datagram.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1); err != nil {
		return closeOnErr(err, "setsockopt(IPV6_RECVTCLASS)")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTOS, 1); err != nil {
		return closeOnErr(err, "setsockopt(IP_RECVTOS)")
	}
	// Best effort: the kernel clamps to rmem_max.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, math.MaxInt32)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr(err, "setsockopt(SO_REUSEADDR)")
	}
	// Per-partition steering over one port needs SO_REUSEPORT (3.9+).
	if kernel.AtLeast(3, 9) {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return closeOnErr(err, "setsockopt(SO_REUSEPORT)")
		}
	}

	sa := sockaddrFor(local, port)
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(err, "bind")
	}

	if remote.IsValid() {
		if err := unix.Connect(fd, sockaddrFor(remote, remote.Port())); err != nil {
			return closeOnErr(err, "connect")
		}
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return closeOnErr(err, "getsockname")
	}
	boundPort := uint16(0)
	if sa6, ok := bound.(*unix.SockaddrInet6); ok {
		boundPort = uint16(sa6.Port)
	}

	cleanupFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return closeOnErr(err, "eventfd")
	}
	sc.cleanupFd = cleanupFd
	return sc, boundPort, nil
}

// register attaches the context's fds to the partition's readiness
// instance and takes the socket rundown reference released at cleanup.
func (sc *socketContext) register() error {
	sc.sock.rundown.Acquire()

	sc.proc.registerTarget(sc.fd, &epollTarget{kind: targetSocket, sc: sc})
	if err := unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_ADD, sc.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(sc.fd),
	}); err != nil {
		sc.proc.unregisterTarget(sc.fd)
		sc.sock.rundown.Release()
		return trace.Wrap(err, "registering socket fd")
	}

	sc.proc.registerTarget(sc.cleanupFd, &epollTarget{kind: targetCleanup, sc: sc})
	if err := unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_ADD, sc.cleanupFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(sc.cleanupFd),
	}); err != nil {
		unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_DEL, sc.fd, nil)
		sc.proc.unregisterTarget(sc.fd)
		sc.proc.unregisterTarget(sc.cleanupFd)
		sc.sock.rundown.Release()
		return trace.Wrap(err, "registering cleanup fd")
	}
	return nil
}

// abortCreate closes contexts that never reached registration.
func (s *Socket) abortCreate() {
	for _, sc := range s.contexts {
		if sc.fd >= 0 {
			unix.Close(sc.fd)
		}
		if sc.cleanupFd >= 0 {
			unix.Close(sc.cleanupFd)
		}
	}
	s.contexts = nil
}

// LocalAddr returns the bound local address; the port is concrete even
// for ephemeral binds.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr returns the connected remote, or the zero AddrPort.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// ClientContext returns the opaque context supplied at creation.
func (s *Socket) ClientContext() any { return s.clientCtx }

// ID is a unique label for logs and metrics.
func (s *Socket) ID() string { return s.id.String() }

// Close tears the socket down: each partition's worker unregisters the
// fd, frees the in-flight receive block, and aborts pended sends. Close
// blocks until every context has finished cleanup.
func (s *Socket) Close() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	for _, sc := range s.contexts {
		signalEventFd(sc.cleanupFd)
	}
	s.rundown.ReleaseAndWait()
	s.dp.bindings.Release()
	s.dp.cfg.Logger.Debug("socket closed", "socket", s.id.String(), "local", s.local)
}

// cleanup runs on the partition worker in response to the cleanup
// eventfd.
func (sc *socketContext) cleanup() {
	unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_DEL, sc.fd, nil)
	unix.EpollCtl(sc.proc.epollFd, unix.EPOLL_CTL_DEL, sc.cleanupFd, nil)
	sc.proc.unregisterTarget(sc.fd)
	sc.proc.unregisterTarget(sc.cleanupFd)

	if sc.currentBlock != nil {
		sc.proc.recvPool.Put(sc.currentBlock)
		sc.currentBlock = nil
	}

	sc.mu.Lock()
	for {
		node := sc.pendingSends.Front()
		if node == nil {
			break
		}
		sd := sc.pendingSends.Remove(node)
		sc.proc.dpMetrics().sendsAborted.Inc()
		sc.proc.dpMetrics().pendingSends.Dec()
		sd.release()
	}
	sc.mu.Unlock()

	unix.Close(sc.fd)
	unix.Close(sc.cleanupFd)
	sc.sock.rundown.Release()
}

func (p *procContext) dpMetrics() *metrics { return p.dp.metrics }

func signalEventFd(fd int) {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(fd, one[:])
}
