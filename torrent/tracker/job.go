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

package tracker

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// Job periodically announces a single torrent to its trackers and delivers
// newly discovered peers to a consumer, per spec.md's tracker job loop.
type Job struct {
	clients  []Client
	infoHash metainfo.InfoHash
	peerID   metainfo.PeerID
	port     int
	cfg      Config
	onPeers  func([]PeerInfo)
	clk      clock.Clock
	log      *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewJob builds a Job against trackerURLs (each either an "http(s)://..."
// announce URL or a "udp://host:port" endpoint). onPeers is invoked with
// every newly discovered (not previously seen) peer after each successful
// announce.
func NewJob(
	trackerURLs []string,
	infoHash metainfo.InfoHash,
	peerID metainfo.PeerID,
	port int,
	cfg Config,
	onPeers func([]PeerInfo),
	log *zap.SugaredLogger,
	clk clock.Clock,
) (*Job, error) {
	cfg = cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}

	var clients []Client
	for _, raw := range trackerURLs {
		c, err := newClientForURL(raw, cfg.AnnounceTimeout)
		if err != nil {
			return nil, fmt.Errorf("tracker %q: %s", raw, err)
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no trackers configured")
	}

	return &Job{
		clients:  clients,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		cfg:      cfg,
		onPeers:  onPeers,
		clk:      clk,
		log:      log,
		seen:     make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

func newClientForURL(raw string, timeout time.Duration) (Client, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPClient(raw, timeout), nil
	case "udp":
		return NewUDPClient(u.Host, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// Run blocks, announcing on a loop until Close is called. Callers should run
// it in its own goroutine.
func (j *Job) Run() {
	for {
		result, err := j.announceWithRetry()

		interval := MinInterval
		if err != nil {
			if j.log != nil {
				j.log.Errorf("tracker announce failed for %s: %s", j.infoHash, err)
			}
		} else {
			interval = result.Interval
			j.deliver(result.Peers)
		}

		select {
		case <-j.done:
			return
		case <-j.clk.After(interval):
		}
	}
}

// Close stops the job's announce loop. Safe to call multiple times.
func (j *Job) Close() {
	j.closeOnce.Do(func() { close(j.done) })
}

// announceWithRetry tries every configured tracker in order, retrying each
// with exponential backoff, and returns the first success. A failure of
// every tracker yields an error, prompting the caller to fall back to a
// short retry interval.
func (j *Job) announceWithRetry() (*AnnounceResult, error) {
	var lastErr error
	for _, c := range j.clients {
		var result *AnnounceResult
		op := func() error {
			r, err := c.Announce(j.infoHash, j.peerID, j.port)
			if err != nil {
				return err
			}
			result = r
			return nil
		}

		b := &backoff.ExponentialBackOff{
			InitialInterval:     j.cfg.InitialInterval,
			RandomizationFactor: 0.1,
			Multiplier:          j.cfg.Multiplier,
			MaxInterval:         j.cfg.MaxInterval,
			MaxElapsedTime:      j.cfg.MaxElapsedTime,
			Clock:               backoff.SystemClock,
		}
		b.Reset()

		if err := backoff.Retry(op, b); err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("all trackers failed, last error: %s", lastErr)
}

// deliver filters peers down to those not yet seen and forwards the new
// ones to onPeers.
func (j *Job) deliver(peers []PeerInfo) {
	j.mu.Lock()
	var fresh []PeerInfo
	for _, p := range peers {
		key := fmt.Sprintf("%s:%d", p.IP, p.Port)
		if j.seen[key] {
			continue
		}
		j.seen[key] = true
		fresh = append(fresh, p)
	}
	j.mu.Unlock()

	if len(fresh) > 0 && j.onPeers != nil {
		j.onPeers(fresh)
	}
}
