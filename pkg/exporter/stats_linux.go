//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package exporter

import (
	"golang.org/x/sys/unix"
)

func readSocketStats(fd int) (*socketStats, error) {
	rcvbuf, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return nil, err
	}
	sndbuf, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return nil, err
	}
	rxq, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return nil, err
	}
	txq, err := unix.IoctlGetInt(fd, unix.SIOCOUTQ)
	if err != nil {
		return nil, err
	}
	return &socketStats{RcvBuf: rcvbuf, SndBuf: sndbuf, RxQueue: rxq, TxQueue: txq}, nil
}
