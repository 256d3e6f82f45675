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

// Package tracker implements the HTTP(S) and UDP (BEP 15) tracker clients
// that periodically replenish a torrent's peer set, plus the per-tracker
// job loop that drives them.
package tracker

import (
	"time"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// MinInterval is the floor applied to every tracker's reported announce
// interval, per spec.md §4.6.
const MinInterval = 60 * time.Second

// PeerInfo is one peer endpoint returned by a tracker announce.
type PeerInfo struct {
	IP     string
	Port   int
	PeerID *metainfo.PeerID
}

// AnnounceResult is the outcome of a single announce call against either
// transport.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []PeerInfo
}

// Client announces a torrent to a single tracker and returns the peers it
// knows about. HTTPClient and UDPClient both implement this.
type Client interface {
	Announce(infoHash metainfo.InfoHash, peerID metainfo.PeerID, port int) (*AnnounceResult, error)
}

func clampInterval(seconds int64) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < MinInterval {
		return MinInterval
	}
	return d
}
