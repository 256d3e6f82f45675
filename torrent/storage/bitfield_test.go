package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitfieldSetClearRoundTrip(t *testing.T) {
	require := require.New(t)

	b := NewBitfield(10)
	original := b.Bytes()

	b.Set(3)
	require.True(b.Has(3))
	b.Clear(3)
	require.False(b.Has(3))
	require.Equal(original, b.Bytes())
}

func TestBitfieldWireEncodingMSBFirst(t *testing.T) {
	require := require.New(t)

	b := NewBitfield(9)
	b.Set(0)
	b.Set(8)

	want := []byte{0x80, 0x80}
	require.Equal(want, b.Bytes())
}

func TestDecodeBitfieldRejectsWrongLength(t *testing.T) {
	require := require.New(t)

	_, err := DecodeBitfield([]byte{0x00}, 9)
	require.Error(err)
}

func TestDecodeBitfieldRejectsNonzeroTrailingBits(t *testing.T) {
	require := require.New(t)

	// 3 pieces -> 1 byte, 5 spare bits; set one spare bit.
	_, err := DecodeBitfield([]byte{0x01}, 3)
	require.Error(err)
}

func TestDecodeBitfieldZeroPieces(t *testing.T) {
	require := require.New(t)

	b, err := DecodeBitfield([]byte{}, 0)
	require.NoError(err)
	require.Equal(0, b.Len())
	require.Equal([]byte{}, b.Bytes())
}

func TestBitfieldComplete(t *testing.T) {
	require := require.New(t)

	b := NewBitfield(3)
	require.False(b.Complete())
	b.Set(0)
	b.Set(1)
	b.Set(2)
	require.True(b.Complete())
}

func TestDecodeBitfieldRoundTrip(t *testing.T) {
	require := require.New(t)

	b := NewBitfield(20)
	b.Set(0)
	b.Set(5)
	b.Set(19)

	decoded, err := DecodeBitfield(b.Bytes(), 20)
	require.NoError(err)
	for i := 0; i < 20; i++ {
		require.Equal(b.Has(i), decoded.Has(i), "bit %d", i)
	}
}
