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

package scheduler

import (
	"time"

	"github.com/uber/kraken-torrent/torrent/peer"
	"github.com/uber/kraken-torrent/utils/bandwidth"
)

// Config is the Scheduler configuration for a single torrent.
type Config struct {

	// MaxActivePieces bounds the number of pieces concurrently being
	// downloaded.
	MaxActivePieces int `yaml:"max_active_pieces"`

	// ProgressTick is the interval at which the dispatch loop wakes; each
	// tick reclaims expired requests, admits pending pieces and dispatches
	// blocks to peers. The loop has no other wake-up source.
	ProgressTick time.Duration `yaml:"progress_tick"`

	// RequestTimeout bounds how long a BlockRequest may remain in-flight on
	// a peer before it is considered failed and returned to its
	// ActivePiece.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PunishMax is the maximum punishment delay for a peer with a zero
	// success rate, as computed by peer.Score.PunishDelay. The dispatch loop
	// does not apply this delay: a peer's Score only orders it among the
	// ready peers, and a peer whose requests failed is offered new ones on
	// the next tick like any other.
	PunishMax time.Duration `yaml:"punish_max"`

	// ScoreHistory is the number of past results retained per-peer Score.
	ScoreHistory int `yaml:"score_history"`

	// RarestFirst selects the least-available pending piece first instead
	// of a uniformly random one.
	RarestFirst bool `yaml:"rarest_first"`

	Peer      peer.Config      `yaml:"peer"`
	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.MaxActivePieces == 0 {
		c.MaxActivePieces = 20
	}
	if c.ProgressTick == 0 {
		c.ProgressTick = time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PunishMax == 0 {
		c.PunishMax = 10 * time.Second
	}
	if c.ScoreHistory == 0 {
		c.ScoreHistory = 20
	}
	if c.Peer.MaxInflight == 0 {
		c.Peer.MaxInflight = 8
	}
	return c
}
