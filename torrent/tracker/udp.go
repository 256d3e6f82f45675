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
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

const (
	udpProtocolID = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1

	udpConnectRespLen    = 16
	udpAnnounceHeaderLen = 20
	udpPeerEntryLen      = 6
)

// UDPClient announces to a single UDP (BEP 15) tracker.
type UDPClient struct {
	addr    string
	timeout time.Duration
}

// NewUDPClient creates a UDPClient for addr (host:port of the tracker's UDP
// endpoint), timing every round trip out after timeout.
func NewUDPClient(addr string, timeout time.Duration) *UDPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDPClient{addr: addr, timeout: timeout}
}

// Announce performs the two-step BEP 15 connect/announce exchange.
func (c *UDPClient) Announce(infoHash metainfo.InfoHash, peerID metainfo.PeerID, port int) (*AnnounceResult, error) {
	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp tracker: %s", err)
	}
	defer conn.Close()

	connID, err := c.connect(conn)
	if err != nil {
		return nil, fmt.Errorf("udp connect: %s", err)
	}
	return c.announce(conn, connID, infoHash, peerID, port)
}

func (c *UDPClient) connect(conn net.Conn) (uint64, error) {
	txID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("write connect request: %s", err)
	}

	resp := make([]byte, udpConnectRespLen)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("read connect response: %s", err)
	}
	if n < udpConnectRespLen {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if gotTxID != txID {
		return 0, fmt.Errorf("transaction id mismatch: sent %d got %d", txID, gotTxID)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *UDPClient) announce(conn net.Conn, connID uint64, infoHash metainfo.InfoHash, peerID metainfo.PeerID, port int) (*AnnounceResult, error) {
	txID := rand.Uint32()
	key := rand.Uint32()

	var buf bytes.Buffer
	writeUint64(&buf, connID)
	writeUint32(&buf, udpActionAnnounce)
	writeUint32(&buf, txID)
	buf.Write(infoHash.Bytes())
	buf.Write(peerID.Bytes())
	writeUint64(&buf, 0) // downloaded
	writeUint64(&buf, 0) // left
	writeUint64(&buf, 0) // uploaded
	writeUint32(&buf, 0) // event: none
	writeUint32(&buf, 0) // ip: default
	writeUint32(&buf, key)
	writeInt32(&buf, -1) // num_want: default
	writeUint16(&buf, uint16(port))
	// The optional trailing hostname extension is omitted, per spec.md's
	// guidance that implementations should omit it by default.

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write announce request: %s", err)
	}

	resp := make([]byte, 65535)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("read announce response: %s", err)
	}
	if n < udpAnnounceHeaderLen {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	resp = resp[:n]

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}
	if gotTxID != txID {
		return nil, fmt.Errorf("transaction id mismatch: sent %d got %d", txID, gotTxID)
	}

	interval := int64(binary.BigEndian.Uint32(resp[8:12]))
	// leechers at resp[12:16], seeders at resp[16:20] are not surfaced.

	peerBytes := resp[udpAnnounceHeaderLen:]
	peers, err := parseCompactPeers(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer entries: %s", err)
	}

	return &AnnounceResult{Interval: clampInterval(interval), Peers: peers}, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
