// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command torrentd runs a standalone BitTorrent client: it seeds/leeches a
// single torrent described by a metainfo file, announcing to the
// torrent's trackers and exchanging pieces with whatever peers they hand
// back.
package main

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/uber/kraken-torrent/config"
	"github.com/uber/kraken-torrent/metrics"
	"github.com/uber/kraken-torrent/torrent/metainfo"
	"github.com/uber/kraken-torrent/torrent/peer"
	"github.com/uber/kraken-torrent/torrent/scheduler"
	"github.com/uber/kraken-torrent/torrent/storage"
	"github.com/uber/kraken-torrent/torrent/tracker"
	"github.com/uber/kraken-torrent/utils/backoff"
)

func main() {
	app := kingpin.New("torrentd", "Standalone BitTorrent client daemon")

	configFile := app.Flag("config", "Path to a torrentd YAML config file").Required().String()
	metainfoFile := app.Flag("torrent", "Path to the .torrent metainfo file to serve").Required().String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configFile, *metainfoFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile, metainfoFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %s", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %s", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	data, err := ioutil.ReadFile(metainfoFile)
	if err != nil {
		return fmt.Errorf("read metainfo file: %s", err)
	}
	mi, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse metainfo file: %s", err)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %s", err)
	}
	store, err := storage.Open(cfg.DownloadDir, &mi.Info)
	if err != nil {
		return fmt.Errorf("open storage: %s", err)
	}
	defer store.Close()

	scope, closer, err := metrics.New(cfg.Metrics, mi.Info.Name)
	if err != nil {
		return fmt.Errorf("init metrics: %s", err)
	}
	defer closer.Close()

	peerID, err := metainfo.RandomPeerID(cfg.PeerIDPrefix)
	if err != nil {
		return fmt.Errorf("generate peer id: %s", err)
	}

	clk := clock.New()
	sched := scheduler.NewScheduler(mi, store, peerID, cfg.Scheduler, sugar, scope, clk)
	defer sched.Close()

	_, portStr, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("parse listen address: %s", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	defer listener.Close()

	d := &daemon{
		cfg:       cfg,
		mi:        mi,
		peerID:    peerID,
		scheduler: sched,
		log:       sugar,
		scope:     scope,
		clk:       clk,
	}

	go d.acceptLoop(listener)

	var jobs []*tracker.Job
	for _, trackerURL := range mi.Trackers {
		job, err := tracker.NewJob(
			[]string{trackerURL},
			mi.InfoHash,
			peerID,
			port,
			cfg.Tracker,
			d.onPeers,
			sugar,
			clk,
		)
		if err != nil {
			sugar.Warnf("skipping tracker %q: %s", trackerURL, err)
			continue
		}
		jobs = append(jobs, job)
		go job.Run()
	}

	sugar.Infof("torrentd listening on %s, serving %s", cfg.ListenAddress, mi.Info.Name)

	waitForShutdown()

	for _, job := range jobs {
		job.Close()
	}
	sugar.Info("shutdown complete")
	return nil
}

// daemon holds the long-lived state a running torrentd process needs to
// dial newly discovered peers and accept inbound ones.
type daemon struct {
	cfg       config.Config
	mi        *metainfo.MetaInfo
	peerID    metainfo.PeerID
	scheduler *scheduler.Scheduler
	log       *zap.SugaredLogger
	scope     tally.Scope
	clk       clock.Clock
}

func (d *daemon) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go d.handleInbound(conn)
	}
}

func (d *daemon) handleInbound(conn net.Conn) {
	sess := peer.NewSession(
		conn,
		peer.Info{IP: hostOf(conn.RemoteAddr())},
		d.mi.InfoHash,
		d.peerID,
		d.mi.Info.NumPieces(),
		d.scheduler,
		d.cfg.Peer,
		d.log,
		d.scope,
		d.scheduler.Limiter(),
		d.clk,
	)
	if err := sess.Start(false); err != nil {
		d.log.Debugf("inbound handshake failed: %s", err)
		return
	}
	d.scheduler.AddPeer(sess)
}

func (d *daemon) onPeers(peers []tracker.PeerInfo) {
	for _, p := range peers {
		go d.dial(p)
	}
}

// dial connects to p, retrying with backoff until an attempt succeeds or
// the retry budget is exhausted.
func (d *daemon) dial(p tracker.PeerInfo) {
	addr := net.JoinHostPort(p.IP, fmt.Sprintf("%d", p.Port))

	var conn net.Conn
	attempts := backoff.New(backoff.Config{}).Attempts()
	for attempts.WaitForNext() {
		var err error
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		d.log.Debugf("dial %s failed: %s", addr, err)
	}
	if conn == nil {
		d.log.Debugf("giving up dialing %s: %s", addr, attempts.Err())
		return
	}

	sess := peer.NewSession(
		conn,
		peer.Info{IP: p.IP, Port: p.Port, PeerID: p.PeerID},
		d.mi.InfoHash,
		d.peerID,
		d.mi.Info.NumPieces(),
		d.scheduler,
		d.cfg.Peer,
		d.log,
		d.scope,
		d.scheduler.Limiter(),
		d.clk,
	)
	if err := sess.Start(true); err != nil {
		d.log.Debugf("outbound handshake to %s failed: %s", addr, err)
		return
	}
	d.scheduler.AddPeer(sess)
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func waitForShutdown() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
