// Package peer implements the BitTorrent peer wire protocol: handshake,
// length-prefixed message framing, and the per-peer connection state
// machine described in spec.md §4.4.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/uber/kraken-torrent/bencode"
)

// MessageID identifies the kind of a post-handshake message.
type MessageID byte

// The classic BEP3 message set. 20 (extended) carries a bencoded payload
// behind an extension id; ut_metadata semantics are out of core scope.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20
)

// ExtendedHandshakeID is the reserved extension id (BEP10) identifying the
// handshake message itself, as opposed to a message for one of the
// extensions named in its "m" dict.
const ExtendedHandshakeID byte = 0

// MaxBlockServe is the largest request length this client will honor when
// serving a peer's Request message.
const MaxBlockServe = 128 * 1024

// maxMessageLength bounds the length prefix accepted from the wire: a
// Piece message carrying MaxBlockServe bytes plus the 8-byte index/begin
// header, with slack for implementations that serve larger blocks.
const maxMessageLength = 9 + 256*1024

// Message is a single post-handshake wire message. A nil *Message denotes
// a keepalive (a zero-length frame).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m as a 4-byte big-endian length prefix followed by the
// message id byte and payload. A nil Message serializes to a keepalive
// (length 0, no body).
func (m *Message) Serialize() []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a
// keepalive (length-0 frame). A message with no payload bytes has a nil
// Payload.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", length, maxMessageLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg := &Message{ID: MessageID(body[0])}
	if length > 1 {
		msg.Payload = body[1:]
	}
	return msg, nil
}

// NewHave builds a Have message for pieceIndex.
func NewHave(pieceIndex int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(m *Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// NewBitfield builds a Bitfield message carrying raw.
func NewBitfield(raw []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: raw}
}

// BlockParams is the (index, begin, length) tuple shared by Request and
// Cancel messages.
type BlockParams struct {
	Index  int
	Begin  int64
	Length int64
}

// NewRequest builds a Request message.
func NewRequest(p BlockParams) *Message {
	return &Message{ID: Request, Payload: encodeBlockParams(p)}
}

// NewCancel builds a Cancel message.
func NewCancel(p BlockParams) *Message {
	return &Message{ID: Cancel, Payload: encodeBlockParams(p)}
}

func encodeBlockParams(p BlockParams) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Begin))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Length))
	return buf
}

// ParseBlockParams decodes the payload of a Request or Cancel message.
func ParseBlockParams(m *Message) (BlockParams, error) {
	if len(m.Payload) != 12 {
		return BlockParams{}, fmt.Errorf("request/cancel payload length %d, want 12", len(m.Payload))
	}
	return BlockParams{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int64(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int64(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// PieceBlock is the (index, begin, block) tuple of a Piece message.
type PieceBlock struct {
	Index int
	Begin int64
	Block []byte
}

// NewPiece builds a Piece message.
func NewPiece(p PieceBlock) *Message {
	payload := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(p.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(p.Begin))
	copy(payload[8:], p.Block)
	return &Message{ID: Piece, Payload: payload}
}

// NewExtendedHandshake builds the ext_id==0 BEP10 handshake message. The "m"
// dict is empty: this client advertises extension support so a peer knows
// to address ext_id 0 at all, but implements no named extension (ut_metadata
// and friends are out of core scope).
func NewExtendedHandshake() *Message {
	m := bencode.NewDict()
	h := bencode.NewDict()
	h.Set("m", m)
	payload := append([]byte{ExtendedHandshakeID}, bencode.Encode(h)...)
	return &Message{ID: Extended, Payload: payload}
}

// ParsePiece decodes the payload of a Piece message.
func ParsePiece(m *Message) (PieceBlock, error) {
	if len(m.Payload) < 8 {
		return PieceBlock{}, fmt.Errorf("piece payload length %d, want >= 8", len(m.Payload))
	}
	return PieceBlock{
		Index: int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin: int64(binary.BigEndian.Uint32(m.Payload[4:8])),
		Block: m.Payload[8:],
	}, nil
}
