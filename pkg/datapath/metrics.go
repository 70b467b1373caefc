/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package datapath

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	datagramsRecv prometheus.Counter
	bytesRecv     prometheus.Counter
	datagramsSent prometheus.Counter
	bytesSent     prometheus.Counter
	sendsPended   prometheus.Counter
	sendsAborted  prometheus.Counter
	unreachable   prometheus.Counter
	pendingSends  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		datagramsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_datagrams_received_total",
			Help: "Datagrams delivered to the receive callback.",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_bytes_received_total",
			Help: "Payload bytes delivered to the receive callback.",
		}),
		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_datagrams_sent_total",
			Help: "Datagrams handed to the kernel.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_bytes_sent_total",
			Help: "Payload bytes handed to the kernel.",
		}),
		sendsPended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_sends_pended_total",
			Help: "Send batches queued waiting for socket writability.",
		}),
		sendsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_sends_aborted_total",
			Help: "Pended send batches dropped by socket shutdown.",
		}),
		unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_datapath_unreachable_events_total",
			Help: "ICMP unreachable indications surfaced to the core.",
		}),
		pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_datapath_pending_sends",
			Help: "Send batches currently queued for writability.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.datagramsRecv, m.bytesRecv, m.datagramsSent, m.bytesSent,
			m.sendsPended, m.sendsAborted, m.unreachable, m.pendingSends,
		)
	}
	return m
}
