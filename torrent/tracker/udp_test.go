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
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// mockUDPTracker answers exactly one connect and one announce request, per
// spec.md's BEP 15 mock server scenario.
func mockUDPTracker(t *testing.T) (addr string, stop func()) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65535)

		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		txID := req[12:16]

		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], udpActionConnect)
		copy(connResp[4:8], txID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xC0FFEE)
		conn.WriteTo(connResp, raddr)

		n, raddr, err = conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req = buf[:n]
		annTxID := req[12:16]

		resp := make([]byte, 20+12)
		binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
		copy(resp[4:8], annTxID)
		binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
		binary.BigEndian.PutUint32(resp[12:16], 0)    // leechers
		binary.BigEndian.PutUint32(resp[16:20], 2)    // seeders
		copy(resp[20:26], []byte{192, 168, 0, 1, 0x1F, 0x90})
		copy(resp[26:32], []byte{192, 168, 0, 2, 0x1F, 0x91})
		conn.WriteTo(resp, raddr)

		close(done)
	}()

	return conn.LocalAddr().String(), func() {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		conn.Close()
	}
}

func TestUDPClientAnnounce(t *testing.T) {
	require := require.New(t)

	addr, stop := mockUDPTracker(t)
	defer stop()

	c := NewUDPClient(addr, time.Second)

	var infoHash metainfo.InfoHash
	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	result, err := c.Announce(infoHash, peerID, 6881)
	require.NoError(err)

	require.Equal(30*time.Minute, result.Interval)
	require.Len(result.Peers, 2)
	require.Equal("192.168.0.1", result.Peers[0].IP)
	require.Equal(0x1F90, result.Peers[0].Port)
	require.Equal("192.168.0.2", result.Peers[1].IP)
	require.Equal(0x1F91, result.Peers[1].Port)
}

func TestUDPClientConnectTransactionMismatch(t *testing.T) {
	require := require.New(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	defer conn.Close()

	go func() {
		buf := make([]byte, 65535)
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		_ = buf[:n]

		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
		binary.BigEndian.PutUint32(resp[4:8], 0xBADBAD) // wrong transaction id
		binary.BigEndian.PutUint64(resp[8:16], 1)
		conn.WriteTo(resp, raddr)
	}()

	c := NewUDPClient(conn.LocalAddr().String(), time.Second)

	var infoHash metainfo.InfoHash
	peerID, err := metainfo.RandomPeerID("-tt-")
	require.NoError(err)

	_, err = c.Announce(infoHash, peerID, 6881)
	require.Error(err)
	require.Contains(err.Error(), "transaction id mismatch")
}
