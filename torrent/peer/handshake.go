package peer

import (
	"fmt"
	"io"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

const protocolString = "BitTorrent protocol"

// extendedMessagesBit is bit 20 from the MSB of the handshake's 8 reserved
// bytes, advertising extended-message (BEP10) support.
const extendedMessagesBit = 20

// handshakeLen is the fixed wire size: 1 (pstrlen) + 19 (pstr) + 8
// (reserved) + 20 (info_hash) + 20 (peer_id).
const handshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the fixed 68-byte message sent immediately after a TCP
// connection is established, before any length-prefixed framing begins.
type Handshake struct {
	InfoHash        metainfo.InfoHash
	PeerID          metainfo.PeerID
	ExtendedSupport bool
}

// Serialize encodes h into its 68-byte wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolString))
	copy(buf[1:], protocolString)
	if h.ExtendedSupport {
		byteIdx := extendedMessagesBit / 8
		bitIdx := extendedMessagesBit % 8
		buf[1+len(protocolString)+byteIdx] |= 1 << (7 - bitIdx)
	}
	copy(buf[1+len(protocolString)+8:], h.InfoHash[:])
	copy(buf[1+len(protocolString)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates the fixed 68-byte handshake from r.
// A pstrlen or pstr mismatch is a protocol violation (ProtocolViolation).
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return nil, fmt.Errorf("%w: pstrlen %d, want %d", ErrProtocolViolation, pstrlen, len(protocolString))
	}
	if string(buf[1:1+pstrlen]) != protocolString {
		return nil, fmt.Errorf("%w: unrecognized protocol string", ErrProtocolViolation)
	}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	extSupport := reserved[extendedMessagesBit/8]&(1<<(7-uint(extendedMessagesBit%8))) != 0

	var h Handshake
	copy(h.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+8+20])
	copy(h.PeerID[:], buf[1+pstrlen+8+20:1+pstrlen+8+40])
	h.ExtendedSupport = extSupport
	return &h, nil
}
