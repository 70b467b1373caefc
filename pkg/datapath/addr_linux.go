//go:build linux

/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddrFor converts an address to the dual-stack sockaddr form: IPv4
// addresses become their IPv4-mapped IPv6 equivalent. An invalid address
// yields the wildcard. port overrides the AddrPort's own port so later
// partitions can bind the port the first partition was assigned.
func sockaddrFor(ap netip.AddrPort, port uint16) *unix.SockaddrInet6 {
	sa := &unix.SockaddrInet6{Port: int(port)}
	if !ap.IsValid() {
		return sa
	}
	addr := ap.Addr()
	sa.Addr = addr.As16() // As16 yields the mapped form for v4 addresses
	if addr.Is6() && !addr.Is4In6() {
		sa.ZoneId = zoneID(addr)
	}
	return sa
}

// addrPortFromSockaddr converts a kernel sockaddr back to its original
// family: mapped-v6 addresses are unmapped to plain IPv4.
func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(v.Addr).Unmap()
		if v.ZoneId != 0 && addr.Is6() {
			addr = addr.WithZone(zoneName(v.ZoneId))
		}
		return netip.AddrPortFrom(addr, uint16(v.Port))
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

// zoneID resolves a link-local zone name to its interface index.
func zoneID(addr netip.Addr) uint32 {
	zone := addr.Zone()
	if zone == "" {
		return 0
	}
	// Zone names produced by this package are numeric interface indexes.
	var id uint32
	for i := 0; i < len(zone); i++ {
		c := zone[i]
		if c < '0' || c > '9' {
			return 0
		}
		id = id*10 + uint32(c-'0')
	}
	return id
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	var buf [10]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}
