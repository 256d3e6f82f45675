package storage

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a concurrency-safe, ordered bit sequence where bit i is set
// iff the local or remote peer holds piece i. The wire encoding is
// MSB-first within each byte, per BEP3; trailing spare bits in the last
// byte must be zero on transmit.
type Bitfield struct {
	mu    sync.RWMutex
	bits  *bitset.BitSet
	count uint
}

// NewBitfield returns a Bitfield with numPieces bits, all clear.
func NewBitfield(numPieces int) *Bitfield {
	return &Bitfield{bits: bitset.New(uint(numPieces)), count: uint(numPieces)}
}

// Has reports whether bit i is set. Out-of-range indices are always false.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || uint(i) >= b.count {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bits.Test(uint(i))
}

// Set sets bit i. Out-of-range indices are ignored.
func (b *Bitfield) Set(i int) {
	if i < 0 || uint(i) >= b.count {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits.Set(uint(i))
}

// Clear clears bit i.
func (b *Bitfield) Clear(i int) {
	if i < 0 || uint(i) >= b.count {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits.Clear(uint(i))
}

// Len returns the number of pieces this bitfield tracks.
func (b *Bitfield) Len() int {
	return int(b.count)
}

// Complete reports whether every tracked bit is set.
func (b *Bitfield) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bits.Count() == b.count
}

// Bytes encodes the bitfield into its wire form: ceil(count/8) bytes,
// MSB-first, trailing spare bits zero.
func (b *Bitfield) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, (b.count+7)/8)
	for i := uint(0); i < b.count; i++ {
		if b.bits.Test(i) {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// DecodeBitfield validates and decodes a wire-form bitfield for a torrent
// with numPieces pieces. The length must be exactly ceil(numPieces/8) and
// any spare trailing bits must be zero; deviation is a protocol violation
// per spec, though callers may choose to treat a short bitfield as
// zero-padded (see peer.Config.Lenient).
func DecodeBitfield(data []byte, numPieces int) (*Bitfield, error) {
	expectedLen := (numPieces + 7) / 8
	if len(data) != expectedLen {
		return nil, fmt.Errorf("bitfield length %d, want %d", len(data), expectedLen)
	}
	if err := checkTrailingBitsZero(data, numPieces); err != nil {
		return nil, err
	}
	b := NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if data[byteIdx]&(1<<(7-uint(i%8))) != 0 {
			b.bits.Set(uint(i))
		}
	}
	return b, nil
}

func checkTrailingBitsZero(data []byte, numPieces int) error {
	spare := len(data)*8 - numPieces
	if spare == 0 || len(data) == 0 {
		return nil
	}
	last := data[len(data)-1]
	mask := byte(1<<uint(spare)) - 1
	if last&mask != 0 {
		return fmt.Errorf("nonzero trailing spare bits in bitfield")
	}
	return nil
}
