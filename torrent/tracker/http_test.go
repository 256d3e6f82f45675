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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber/kraken-torrent/bencode"
	"github.com/uber/kraken-torrent/torrent/metainfo"
)

func TestHTTPClientAnnounceCompactPeers(t *testing.T) {
	require := require.New(t)

	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()

		d := bencode.NewDict()
		d.Set("interval", int64(1800))
		d.Set("peers", []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2})
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	var infoHash metainfo.InfoHash
	infoHash[0] = 0xAB
	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	result, err := c.Announce(infoHash, peerID, 6881)
	require.NoError(err)

	require.Equal(30*time.Minute, result.Interval)
	require.Len(result.Peers, 2)
	require.Equal("127.0.0.1", result.Peers[0].IP)
	require.Equal(0x1AE1, result.Peers[0].Port)
	require.Equal("10.0.0.2", result.Peers[1].IP)
	require.Equal(0x1AE2, result.Peers[1].Port)

	require.NotEmpty(gotQuery["info_hash"])
	require.NotEmpty(gotQuery["peer_id"])
	require.Equal("6881", gotQuery["port"][0])
}

func TestHTTPClientAnnounceDictPeers(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer1 := bencode.NewDict()
		peer1.Set("ip", []byte("1.2.3.4"))
		peer1.Set("port", int64(51413))

		d := bencode.NewDict()
		d.Set("interval", int64(30))
		d.Set("peers", []interface{}{peer1})
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	var infoHash metainfo.InfoHash
	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	result, err := c.Announce(infoHash, peerID, 6881)
	require.NoError(err)

	require.Equal(MinInterval, result.Interval)
	require.Len(result.Peers, 1)
	require.Equal("1.2.3.4", result.Peers[0].IP)
	require.Equal(51413, result.Peers[0].Port)
}

func TestHTTPClientAnnounceFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := bencode.NewDict()
		d.Set("failure reason", []byte("torrent not registered"))
		w.Write(bencode.Encode(d))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	var infoHash metainfo.InfoHash
	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	_, err = c.Announce(infoHash, peerID, 6881)
	require.Error(err)
	require.Contains(err.Error(), "torrent not registered")
}
