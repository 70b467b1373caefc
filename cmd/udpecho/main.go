/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// udpecho runs the QUIC datapath as a UDP echo service with a
// prometheus metrics endpoint, exercising the per-partition receive and
// send paths without a QUIC core on top.
package main

import (
	"flag"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	quicplatform "github.com/runZeroInc/go-quicplatform"
	"github.com/runZeroInc/go-quicplatform/pkg/datapath"
	"github.com/runZeroInc/go-quicplatform/pkg/exporter"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:4567", "UDP listen address")
	metrics := flag.String("metrics", "127.0.0.1:9123", "prometheus metrics listen address")
	procs := flag.Int("procs", runtime.NumCPU(), "datapath partitions")
	flag.Parse()

	quicplatform.Init()
	defer quicplatform.Uninit()

	instance := xid.New().String()
	local, err := netip.ParseAddrPort(*listen)
	if err != nil {
		logrus.Fatalf("parse listen address: %v", err)
	}

	registry := prometheus.NewRegistry()
	collector := exporter.NewUDPSocketCollector("quicecho_", []string{"socket"},
		prometheus.Labels{"instance": instance},
		func(err error) { logrus.Warnf("socket stats: %v", err) })
	registry.MustRegister(collector)

	var dp *datapath.Datapath
	dp, err = datapath.New(datapath.Config{
		ProcCount: *procs,
		Registry:  registry,
		Receive: func(s *datapath.Socket, ctx any, chain *datapath.RecvDatagram) {
			for d := chain; d != nil; d = d.Next {
				sd, err := s.NewSendData(d.PartitionIndex, d.ECN())
				if err != nil {
					logrus.Warnf("alloc send: %v", err)
					continue
				}
				buf, err := sd.AllocBuffer(len(d.Buffer))
				if err != nil {
					logrus.Warnf("alloc buffer: %v", err)
					continue
				}
				copy(buf, d.Buffer)
				if err := s.Send(d.Tuple.Local, d.Tuple.Remote, sd); err != nil {
					logrus.Warnf("echo send: %v", err)
				}
			}
			dp.ReturnRecv(chain)
		},
		Unreachable: func(s *datapath.Socket, ctx any, remote netip.AddrPort) {
			logrus.Infof("remote unreachable: %v", remote)
		},
	})
	if err != nil {
		logrus.Fatalf("datapath: %v", err)
	}
	defer dp.Close()

	sock, err := dp.NewSocket(local, netip.AddrPort{}, nil)
	if err != nil {
		logrus.Fatalf("socket: %v", err)
	}
	defer sock.Close()
	logrus.Infof("echoing on %v (socket %s, %d partitions)", sock.LocalAddr(), sock.ID(), *procs)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		ln, err := net.Listen("tcp", *metrics)
		if err != nil {
			logrus.Fatalf("metrics listen: %v", err)
		}
		logrus.Infof("metrics on http://%v/metrics", ln.Addr())
		logrus.Fatal(http.Serve(ln, mux))
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logrus.Info("shutting down")
}
