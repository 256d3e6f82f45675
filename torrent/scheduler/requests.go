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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// blockKey identifies a BlockRequest uniquely within a torrent regardless
// of which peer holds it.
type blockKey struct {
	piece  int
	begin  int64
	length int64
}

// BlockRequest is a single in-flight request for one block of one piece,
// owned by exactly one peer between being taken and being resolved.
type BlockRequest struct {
	Piece  int
	Begin  int64
	Length int64
	PeerID metainfo.PeerID
	sentAt time.Time
}

// requestManager tracks in-flight BlockRequests so that at most one
// request for a given (piece, begin, length) tuple is outstanding on any
// single peer at a time, and so that requests exceeding RequestTimeout can
// be identified and reclaimed.
type requestManager struct {
	mu       sync.Mutex
	requests map[blockKey]*BlockRequest
	byPeer   map[metainfo.PeerID]map[blockKey]*BlockRequest

	clk     clock.Clock
	timeout time.Duration
}

func newRequestManager(clk clock.Clock, timeout time.Duration) *requestManager {
	return &requestManager{
		requests: make(map[blockKey]*BlockRequest),
		byPeer:   make(map[metainfo.PeerID]map[blockKey]*BlockRequest),
		clk:      clk,
		timeout:  timeout,
	}
}

func (m *requestManager) add(peerID metainfo.PeerID, piece int, begin, length int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := blockKey{piece, begin, length}
	r := &BlockRequest{
		Piece:  piece,
		Begin:  begin,
		Length: length,
		PeerID: peerID,
		sentAt: m.clk.Now(),
	}
	m.requests[k] = r
	if _, ok := m.byPeer[peerID]; !ok {
		m.byPeer[peerID] = make(map[blockKey]*BlockRequest)
	}
	m.byPeer[peerID][k] = r
}

// resolve removes a completed request, returning it (and true) if it was
// outstanding on peerID.
func (m *requestManager) resolve(peerID metainfo.PeerID, piece int, begin, length int64) (*BlockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := blockKey{piece, begin, length}
	r, ok := m.requests[k]
	if !ok || r.PeerID != peerID {
		return nil, false
	}
	m.delete(k, peerID)
	return r, true
}

func (m *requestManager) delete(k blockKey, peerID metainfo.PeerID) {
	delete(m.requests, k)
	if pm, ok := m.byPeer[peerID]; ok {
		delete(pm, k)
		if len(pm) == 0 {
			delete(m.byPeer, peerID)
		}
	}
}

// clearPeer removes and returns all requests outstanding on peerID, e.g.
// when the peer dies.
func (m *requestManager) clearPeer(peerID metainfo.PeerID) []*BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.byPeer[peerID]
	if !ok {
		return nil
	}
	var out []*BlockRequest
	for k, r := range pm {
		out = append(out, r)
		delete(m.requests, k)
	}
	delete(m.byPeer, peerID)
	return out
}

// expired returns and clears all requests which have exceeded the
// requestManager's timeout.
func (m *requestManager) expired() []*BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*BlockRequest
	now := m.clk.Now()
	for k, r := range m.requests {
		if now.After(r.sentAt.Add(m.timeout)) {
			out = append(out, r)
			m.delete(k, r.PeerID)
		}
	}
	return out
}

func (m *requestManager) inflightForPeer(peerID metainfo.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPeer[peerID])
}
