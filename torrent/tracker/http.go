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
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/uber/kraken-torrent/bencode"
	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// HTTPClient announces to a single HTTP(S) tracker.
type HTTPClient struct {
	announceURL string
	httpClient  *http.Client
}

// NewHTTPClient creates an HTTPClient for announceURL (the tracker's full
// "announce" endpoint), timing every request out after timeout.
func NewHTTPClient(announceURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Announce performs one HTTP(S) GET against the tracker's announce
// endpoint, per spec.md §4.6.
func (c *HTTPClient) Announce(infoHash metainfo.InfoHash, peerID metainfo.PeerID, port int) (*AnnounceResult, error) {
	v := url.Values{}
	v.Set("info_hash", string(infoHash.Bytes()))
	v.Set("peer_id", string(peerID.Bytes()))
	v.Set("port", fmt.Sprintf("%d", port))
	v.Set("uploaded", "0")
	v.Set("downloaded", "0")
	v.Set("left", "0")

	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, fmt.Errorf("parse announce url: %s", err)
	}
	u.RawQuery = v.Encode()

	resp, err := c.httpClient.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("announce request: %s", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %s", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned %d: %s", resp.StatusCode, body)
	}

	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) (*AnnounceResult, error) {
	val, _, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode tracker response: %s", err)
	}
	dict, ok := val.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dict")
	}

	if reason, ok := dict.GetString("failure reason"); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	interval, _ := dict.GetInt("interval")

	peersVal, ok := dict.Get("peers")
	if !ok {
		return &AnnounceResult{Interval: clampInterval(interval)}, nil
	}

	var peers []PeerInfo
	switch v := peersVal.(type) {
	case []byte:
		peers, err = parseCompactPeers(v)
		if err != nil {
			return nil, err
		}
	case []interface{}:
		peers, err = parseDictPeers(v)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unrecognized peers encoding")
	}

	return &AnnounceResult{Interval: clampInterval(interval), Peers: peers}, nil
}

// parseCompactPeers decodes the compact peer list: each entry is 4 bytes
// of big-endian IPv4 address followed by 2 bytes of big-endian port.
func parseCompactPeers(raw []byte) ([]PeerInfo, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(raw))
	}
	var peers []PeerInfo
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerInfo{IP: ip, Port: int(port)})
	}
	return peers, nil
}

func parseDictPeers(list []interface{}) ([]PeerInfo, error) {
	var peers []PeerInfo
	for _, pv := range list {
		pd, ok := pv.(*bencode.Dict)
		if !ok {
			continue
		}
		ip, ok := pd.GetString("ip")
		if !ok {
			continue
		}
		port, ok := pd.GetInt("port")
		if !ok {
			continue
		}
		pi := PeerInfo{IP: ip, Port: int(port)}
		if idBytes, ok := pd.GetBytes("peer id"); ok {
			if id, err := metainfo.NewPeerIDFromBytes(idBytes); err == nil {
				pi.PeerID = &id
			}
		}
		peers = append(peers, pi)
	}
	return peers, nil
}
