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

import "time"

// Config governs how a Job announces to its trackers.
type Config struct {
	// AnnounceTimeout bounds a single announce attempt, per spec.md's
	// tracker per-attempt timeout (default 10s).
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`

	// InitialInterval, Multiplier, MaxInterval bound the exponential
	// backoff applied to retrying a single failed announce attempt
	// before giving up and waiting out the normal announce interval.
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

func (c Config) applyDefaults() Config {
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = 10 * time.Second
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 1.5
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
	return c
}
