package metainfo

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PeerID is the 20-byte identifier a peer advertises in the handshake.
// Equality and set membership of PeerInfo elsewhere in this module ignore
// PeerID. The scheduler, however, keys its peer registry and outstanding
// requests by PeerID and ignores sessions that have none.
type PeerID [20]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the underlying bytes.
func (id PeerID) Bytes() []byte {
	b := make([]byte, 20)
	copy(b, id[:])
	return b
}

// NewPeerIDFromHex parses a 40-character hex string into a PeerID.
func NewPeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("decode hex: %s", err)
	}
	return NewPeerIDFromBytes(b)
}

// NewPeerIDFromBytes creates a PeerID from a raw 20-byte slice.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != 20 {
		return id, fmt.Errorf("peer id must be 20 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RandomPeerID generates a random PeerID prefixed with client identifier tag.
func RandomPeerID(tag string) (PeerID, error) {
	var id PeerID
	n := copy(id[:], tag)
	if _, err := rand.Read(id[n:]); err != nil {
		return PeerID{}, fmt.Errorf("read random bytes: %s", err)
	}
	return id, nil
}
