package peer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber/kraken-torrent/torrent/metainfo"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	var infoHash metainfo.InfoHash
	copy(infoHash[:], bytes.Repeat([]byte{0xab}, 20))
	var peerID metainfo.PeerID
	copy(peerID[:], bytes.Repeat([]byte{0xcd}, 20))

	h := Handshake{InfoHash: infoHash, PeerID: peerID, ExtendedSupport: true}
	data := h.Serialize()
	require.Len(data, handshakeLen)

	got, err := ReadHandshake(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(infoHash, got.InfoHash)
	require.Equal(peerID, got.PeerID)
	require.True(got.ExtendedSupport)
}

func TestHandshakeParseLiteral(t *testing.T) {
	require := require.New(t)

	infoHash := bytes.Repeat([]byte{0x01}, 20)
	peerID := bytes.Repeat([]byte{0x02}, 20)
	data := append([]byte("\x13BitTorrent protocol"), make([]byte, 8)...)
	data = append(data, infoHash...)
	data = append(data, peerID...)
	require.Len(data, 68)

	h, err := ReadHandshake(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(infoHash, h.InfoHash[:])
	require.Equal(peerID, h.PeerID[:])
	require.False(h.ExtendedSupport)
}

func TestHandshakeRejectsBadPstrlen(t *testing.T) {
	require := require.New(t)

	data := append([]byte("\x05BitTorrent protocol"), make([]byte, 48)...)
	_, err := ReadHandshake(bytes.NewReader(data[:68]))
	require.Error(err)
	require.True(errors.Is(err, ErrProtocolViolation))
}
