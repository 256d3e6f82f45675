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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/uber/kraken-torrent/bencode"
	"github.com/uber/kraken-torrent/torrent/metainfo"
)

func TestJobDeliversNewPeersOnlyOnce(t *testing.T) {
	require := require.New(t)

	var callCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++

		d := bencode.NewDict()
		d.Set("interval", int64(1))
		d.Set("peers", []byte{10, 0, 0, 1, 0x1A, 0xE1})
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var delivered []PeerInfo

	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	clk := clock.NewMock()

	job, err := NewJob(
		[]string{srv.URL},
		metainfo.InfoHash{},
		peerID,
		6881,
		Config{},
		func(peers []PeerInfo) {
			mu.Lock()
			delivered = append(delivered, peers...)
			mu.Unlock()
		},
		nil,
		clk,
	)
	require.NoError(err)
	defer job.Close()

	go job.Run()

	require.Eventually(func() bool {
		return callCount >= 1
	}, time.Second, time.Millisecond)

	clk.Add(time.Hour)

	require.Eventually(func() bool {
		return callCount >= 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(delivered, 1)
}

func TestJobFallsBackToNextTrackerOnFailure(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := bencode.NewDict()
		d.Set("interval", int64(60))
		d.Set("peers", []byte{10, 0, 0, 9, 0x1A, 0xE1})
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	cfg := Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
		AnnounceTimeout: 50 * time.Millisecond,
	}

	job, err := NewJob(
		[]string{"http://127.0.0.1:1", srv.URL},
		metainfo.InfoHash{},
		peerID,
		6881,
		cfg,
		func(peers []PeerInfo) {},
		nil,
		clock.New(),
	)
	require.NoError(err)
	defer job.Close()

	result, err := job.announceWithRetry()
	require.NoError(err)
	require.Len(result.Peers, 1)
	require.Equal("10.0.0.9", result.Peers[0].IP)
}
