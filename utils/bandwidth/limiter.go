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

// Package bandwidth implements token-bucket egress/ingress rate limiting
// for the scheduler's peer connections.
package bandwidth

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uber/kraken-torrent/utils/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, in bits.
	// It avoids integer overflow errors that would occur if every bit were
	// mapped to a token.
	TokenSize int `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = int(memsize.Kbit)
	}
	return c
}

// Limiter rate-limits egress and ingress bandwidth via independent
// token-bucket limiters. When disabled, both directions reserve
// instantly.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter

	egressLimit  int64
	ingressLimit int64
}

// NewLimiter creates a Limiter from config.
func NewLimiter(config Config) (*Limiter, error) {
	if config.Enable {
		if config.EgressBitsPerSec == 0 {
			return nil, fmt.Errorf("egress_bits_per_sec must be non-zero when bandwidth limiting is enabled")
		}
		if config.IngressBitsPerSec == 0 {
			return nil, fmt.Errorf("ingress_bits_per_sec must be non-zero when bandwidth limiting is enabled")
		}
	}
	config = config.applyDefaults()

	l := &Limiter{config: config}
	if !config.Enable {
		return l, nil
	}

	l.egressLimit = tokensPerSec(config.EgressBitsPerSec, config.TokenSize)
	l.ingressLimit = tokensPerSec(config.IngressBitsPerSec, config.TokenSize)
	l.egress = rate.NewLimiter(rate.Limit(l.egressLimit), int(l.egressLimit))
	l.ingress = rate.NewLimiter(rate.Limit(l.ingressLimit), int(l.ingressLimit))
	return l, nil
}

func tokensPerSec(bitsPerSec uint64, tokenSize int) int64 {
	tps := bitsPerSec / uint64(tokenSize)
	if tps == 0 {
		tps = 1
	}
	return int64(tps)
}

func reserve(l *rate.Limiter, nbytes int64, tokenSize int) error {
	nbits := nbytes * 8
	tokens := nbits / int64(tokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := l.ReserveN(time.Now(), int(tokens))
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s, exceeds bucket capacity of %s",
			memsize.Format(uint64(nbytes)), memsize.Format(uint64(l.Burst()*tokenSize/8)))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until bandwidth for nbytes of egress traffic is
// available, or returns an error if nbytes exceeds the bucket capacity.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	if !l.config.Enable {
		return nil
	}
	return reserve(l.egress, nbytes, l.config.TokenSize)
}

// ReserveIngress blocks until bandwidth for nbytes of ingress traffic is
// available, or returns an error if nbytes exceeds the bucket capacity.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	if !l.config.Enable {
		return nil
	}
	return reserve(l.ingress, nbytes, l.config.TokenSize)
}

// Adjust rescales both limits to 1/denom of their configured values,
// used when the scheduler divides bandwidth evenly across active
// connections.
func (l *Limiter) Adjust(denom int) error {
	if denom == 0 {
		return fmt.Errorf("denom must be non-zero")
	}
	if !l.config.Enable {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	egressTPS := tokensPerSec(l.config.EgressBitsPerSec, l.config.TokenSize) / int64(denom)
	if egressTPS == 0 {
		egressTPS = 1
	}
	ingressTPS := tokensPerSec(l.config.IngressBitsPerSec, l.config.TokenSize) / int64(denom)
	if ingressTPS == 0 {
		ingressTPS = 1
	}

	l.egress.SetLimit(rate.Limit(egressTPS))
	l.egress.SetBurst(int(egressTPS))
	l.ingress.SetLimit(rate.Limit(ingressTPS))
	l.ingress.SetBurst(int(ingressTPS))

	l.egressLimit = egressTPS
	l.ingressLimit = ingressTPS
	return nil
}

// EgressLimit returns the current egress limit in tokens/sec.
func (l *Limiter) EgressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.egressLimit
}

// IngressLimit returns the current ingress limit in tokens/sec.
func (l *Limiter) IngressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ingressLimit
}
