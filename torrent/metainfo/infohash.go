package metainfo

import (
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA-1 hash of a torrent's info dict; it uniquely
// identifies a swarm.
type InfoHash [20]byte

// String returns the raw 20 bytes as a string.
func (h InfoHash) String() string {
	return string(h[:])
}

// HexString returns the lowercase hex encoding of h.
func (h InfoHash) HexString() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the underlying bytes.
func (h InfoHash) Bytes() []byte {
	b := make([]byte, 20)
	copy(b, h[:])
	return b
}

// NewInfoHashFromBytes creates an InfoHash from a raw 20-byte slice.
func NewInfoHashFromBytes(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != 20 {
		return h, fmt.Errorf("info hash must be 20 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NewInfoHashFromHex creates an InfoHash from a 40-character hex string.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("decode hex: %s", err)
	}
	return NewInfoHashFromBytes(b)
}
