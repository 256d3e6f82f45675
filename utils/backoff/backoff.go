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

// Package backoff implements exponential backoff with an overall retry
// timeout, used by cmd/torrentd's outbound peer dial retry.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines exponential backoff parameters.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	NoJitter     bool          `yaml:"no_jitter"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Min == 0 {
		c.Min = 100 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = 10 * time.Second
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 10 * time.Second
	}
	return c
}

// Backoff constructs Attempts iterators sharing a single Config.
type Backoff struct {
	config Config
}

// New returns a Backoff with defaults applied to any zero-valued fields.
func New(config Config) *Backoff {
	return &Backoff{config: config.applyDefaults()}
}

// Attempts returns a fresh retry iterator whose elapsed-time budget starts
// now.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{config: b.config, start: time.Now()}
}

// Attempts iterates retry attempts, sleeping an exponentially increasing
// delay between them, until the overall RetryTimeout would be exceeded.
// The first attempt always executes immediately regardless of timeout.
type Attempts struct {
	config Config
	start  time.Time
	n      int
	err    error
}

// WaitForNext blocks for the next backoff delay (none on the first call)
// and reports whether another attempt should be made. Once it returns
// false, Err reports why.
func (a *Attempts) WaitForNext() bool {
	if a.n == 0 {
		a.n = 1
		return true
	}
	delay := a.delay()
	if time.Since(a.start)+delay >= a.config.RetryTimeout {
		a.err = fmt.Errorf("backoff: retry timeout of %s exceeded after %d attempts", a.config.RetryTimeout, a.n)
		return false
	}
	time.Sleep(delay)
	a.n++
	return true
}

// Err returns the reason iteration stopped. Only valid after WaitForNext
// returns false.
func (a *Attempts) Err() error {
	return a.err
}

func (a *Attempts) delay() time.Duration {
	exp := float64(a.n - 1)
	d := float64(a.config.Min) * math.Pow(a.config.Factor, exp)
	if d > float64(a.config.Max) {
		d = float64(a.config.Max)
	}
	if !a.config.NoJitter {
		d = d * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}
