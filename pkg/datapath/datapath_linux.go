//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

// Datapath owns one processor context per partition plus the shared
// callback table. It can be instantiated more than once per process.
type Datapath struct {
	cfg     Config
	metrics *metrics

	procs []*procContext

	// bindings guards teardown against sockets still alive.
	bindings *sys.Rundown

	closeOnce sync.Once
}

// procContext is one partition: an epoll instance, a wakeup eventfd, the
// partition pools, and a dedicated worker thread.
type procContext struct {
	dp    *Datapath
	index int

	epollFd int
	eventFd int

	recvPool *sys.Pool[recvBlock]
	sendPool *sys.Pool[SendData]

	// targets maps a registered fd to its handler. The worker reads it
	// for every readiness event; socket setup/teardown mutate it.
	mu      sync.Mutex
	targets map[int32]*epollTarget

	shutdown bool // guarded by mu; checked after eventfd wakeups
	done     <-chan struct{}
}

type targetKind uint8

const (
	targetWakeup targetKind = iota
	targetSocket
	targetCleanup
)

type epollTarget struct {
	kind targetKind
	sc   *socketContext
}

// New creates a datapath with cfg.ProcCount partitions, each running one
// affinitized worker thread.
func New(cfg Config) (*Datapath, error) {
	if cfg.Receive == nil {
		return nil, trace.BadParameter("a receive callback is required")
	}
	resolved := cfg.withDefaults()

	d := &Datapath{
		cfg:      resolved,
		metrics:  newMetrics(resolved.Registry),
		bindings: sys.NewRundown(),
	}

	for i := 0; i < resolved.ProcCount; i++ {
		proc, err := d.newProcContext(i)
		if err != nil {
			for _, p := range d.procs {
				p.stop()
			}
			return nil, trace.Wrap(err)
		}
		d.procs = append(d.procs, proc)
	}
	return d, nil
}

func (d *Datapath) newProcContext(index int) (*procContext, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, trace.Wrap(err, "epoll_create1")
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFd)
		return nil, trace.Wrap(err, "eventfd")
	}

	p := &procContext{
		dp:      d,
		index:   index,
		epollFd: epollFd,
		eventFd: eventFd,
		recvPool: sys.NewPool(func() *recvBlock {
			return newRecvBlock(d.cfg.MTU)
		}),
		sendPool: sys.NewPool[SendData](nil),
		targets:  map[int32]*epollTarget{int32(eventFd): {kind: targetWakeup}},
	}

	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFd),
	}); err != nil {
		unix.Close(eventFd)
		unix.Close(epollFd)
		return nil, trace.Wrap(err, "registering wakeup eventfd")
	}

	p.done = sys.Spawn(sys.ThreadConfig{
		Name:           fmt.Sprintf("quic-dp-%d", index),
		IdealProcessor: index,
		Affinitize:     true,
	}, p.run)
	return p, nil
}

// Close tears down every partition. All sockets must be closed first;
// Close blocks until in-flight receive callbacks drain.
func (d *Datapath) Close() {
	d.closeOnce.Do(func() {
		d.bindings.ReleaseAndWait()
		for _, p := range d.procs {
			p.stop()
		}
	})
}

// PartitionCount reports the number of processor contexts.
func (d *Datapath) PartitionCount() int { return len(d.procs) }

func (p *procContext) stop() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.wake()
	<-p.done

	unix.Close(p.eventFd)
	unix.Close(p.epollFd)
}

func (p *procContext) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(p.eventFd, one[:])
}

func (p *procContext) lookupTarget(fd int32) *epollTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets[fd]
}

// run is the partition worker: a single thread parked on epoll_wait,
// serving wakeups, socket readiness, and per-socket cleanup requests.
func (p *procContext) run() {
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(p.epollFd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.dp.cfg.Logger.Error("epoll_wait failed, stopping partition worker",
				"partition", p.index, "error", err)
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			target := p.lookupTarget(ev.Fd)
			if target == nil {
				continue
			}
			switch target.kind {
			case targetWakeup:
				p.drainWakeup()
				p.mu.Lock()
				shutdown := p.shutdown
				p.mu.Unlock()
				if shutdown {
					return
				}
			case targetCleanup:
				target.sc.cleanup()
			case targetSocket:
				sc := target.sc
				if ev.Events&unix.EPOLLERR != 0 {
					sc.handleError()
				}
				if ev.Events&unix.EPOLLIN != 0 {
					sc.handleReadable()
				}
				if ev.Events&unix.EPOLLOUT != 0 {
					sc.handleWritable()
				}
			}
		}
	}
}

func (p *procContext) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.eventFd, buf[:])
}

func (p *procContext) registerTarget(fd int, t *epollTarget) {
	p.mu.Lock()
	p.targets[int32(fd)] = t
	p.mu.Unlock()
}

func (p *procContext) unregisterTarget(fd int) {
	p.mu.Lock()
	delete(p.targets, int32(fd))
	p.mu.Unlock()
}
