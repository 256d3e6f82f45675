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

// Package config defines torrentd's top-level configuration.
package config

import (
	"go.uber.org/zap/zapcore"

	"github.com/uber/kraken-torrent/metrics"
	"github.com/uber/kraken-torrent/torrent/peer"
	"github.com/uber/kraken-torrent/torrent/scheduler"
	"github.com/uber/kraken-torrent/torrent/tracker"
	"github.com/uber/kraken-torrent/utils/configutil"
)

// Config is torrentd's full configuration, loaded via
// github.com/uber/kraken-torrent/utils/configutil.
type Config struct {
	// ListenAddress is the address the peer listener binds to, e.g.
	// ":6881".
	ListenAddress string `yaml:"listen_address"`

	// DownloadDir is where downloaded torrents' files are written.
	DownloadDir string `yaml:"download_dir" validate:"nonzero"`

	// PeerIDPrefix tags this client's randomly generated PeerID, e.g.
	// "-TD0100-".
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	LogLevel zapcore.Level `yaml:"log_level"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Peer      peer.Config      `yaml:"peer"`
	Tracker   tracker.Config   `yaml:"tracker"`
	Metrics   metrics.Config   `yaml:"metrics"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = ":6881"
	}
	if c.PeerIDPrefix == "" {
		c.PeerIDPrefix = "-TD0100-"
	}
	return c
}

// Load reads filename (resolving any "extends" chain) into a Config,
// validates it, and then applies defaults.
func Load(filename string) (Config, error) {
	var c Config
	if err := configutil.Load(filename, &c); err != nil {
		return Config{}, err
	}
	return c.applyDefaults(), nil
}
