/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package exporter publishes UDP socket health as prometheus metrics:
// buffer sizes and kernel queue depths for sockets the host application
// registers. Datapath-internal counters are registered separately by the
// datapath itself; this collector covers sockets created outside it
// (e.g. a listener the application hands to the stack).
package exporter

import (
	"fmt"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
)

// socketStats is one sample of kernel-side socket state.
type socketStats struct {
	RcvBuf  int
	SndBuf  int
	RxQueue int
	TxQueue int
}

type info struct {
	description *prometheus.Desc
	supplier    func(stats *socketStats, labelValues []string) prometheus.Metric
}

type connEntry struct {
	fd     int
	labels []string
}

// UDPSocketCollector tracks registered connections and samples their
// socket state on every scrape.
type UDPSocketCollector struct {
	conns  map[net.Conn]connEntry
	mu     sync.Mutex
	logger func(error)
	infos  []info
}

func (c *UDPSocketCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *UDPSocketCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, entry := range c.conns {
		stats, err := readSocketStats(entry.fd)
		if err != nil {
			c.logger(fmt.Errorf("error sampling socket stats (removing conn %v -> %v): %w",
				conn.LocalAddr(), conn.RemoteAddr(), err))
			delete(c.conns, conn)
			continue
		}
		for _, info := range c.infos {
			metrics <- info.supplier(stats, entry.labels)
		}
	}
}

// Add registers a connection for sampling with its label values.
func (c *UDPSocketCollector) Add(conn net.Conn, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns[conn] = connEntry{
		fd:     netfd.GetFdFromConn(conn),
		labels: labels,
	}
}

// Remove forgets a connection.
func (c *UDPSocketCollector) Remove(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

// NewUDPSocketCollector builds a collector.
//
// connectionLabels are declared up front; values are provided when
// adding a connection. constLabels hold process-constant values.
func NewUDPSocketCollector(
	prefix string,
	connectionLabels []string,
	constLabels prometheus.Labels,
	errorLoggingCallback func(error),
) *UDPSocketCollector {
	c := &UDPSocketCollector{
		conns:  make(map[net.Conn]connEntry),
		logger: errorLoggingCallback,
	}
	c.addMetrics(prefix, connectionLabels, constLabels)
	return c
}

func (c *UDPSocketCollector) addMetrics(prefix string, connectionLabels []string, constLabels prometheus.Labels) {
	gauge := func(name, help string, value func(*socketStats) float64) info {
		return info{
			description: prometheus.NewDesc(prefix+name, help, connectionLabels, constLabels),
			supplier: func(stats *socketStats, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(
					prometheus.NewDesc(prefix+name, help, connectionLabels, constLabels),
					prometheus.GaugeValue, value(stats), labelValues...)
			},
		}
	}

	c.infos = []info{
		gauge("udp_socket_rcvbuf_bytes", "Kernel receive buffer size for the socket.",
			func(s *socketStats) float64 { return float64(s.RcvBuf) }),
		gauge("udp_socket_sndbuf_bytes", "Kernel send buffer size for the socket.",
			func(s *socketStats) float64 { return float64(s.SndBuf) }),
		gauge("udp_socket_rx_queue_bytes", "Bytes waiting in the kernel receive queue.",
			func(s *socketStats) float64 { return float64(s.RxQueue) }),
		gauge("udp_socket_tx_queue_bytes", "Bytes waiting in the kernel transmit queue.",
			func(s *socketStats) float64 { return float64(s.TxQueue) }),
	}
}
