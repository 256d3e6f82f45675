package peer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadMessageUnchoke(t *testing.T) {
	require := require.New(t)

	msg, err := ReadMessage(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x01, 0x01}))
	require.NoError(err)
	require.Equal(Unchoke, msg.ID)
	require.Empty(msg.Payload)
}

func TestReadMessageKeepalive(t *testing.T) {
	require := require.New(t)

	msg, err := ReadMessage(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x00}))
	require.NoError(err)
	require.Nil(msg)
}

func TestReadMessageRequest(t *testing.T) {
	require := require.New(t)

	data := []byte{0x00, 0x00, 0x00, 0x0d, 0x06, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0x40, 0x00}
	msg, err := ReadMessage(bytes.NewReader(data))
	require.NoError(err)
	require.Equal(Request, msg.ID)

	p, err := ParseBlockParams(msg)
	require.NoError(err)
	require.Equal(BlockParams{Index: 3, Begin: 0, Length: 16384}, p)
}

func TestSerializeKeepalive(t *testing.T) {
	require := require.New(t)
	require.Equal([]byte{0, 0, 0, 0}, (*Message)(nil).Serialize())
}

func TestMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	cases := []*Message{
		{ID: Choke},
		NewHave(42),
		NewBitfield([]byte{0xff, 0x00}),
		NewRequest(BlockParams{Index: 1, Begin: 2, Length: 3}),
		NewPiece(PieceBlock{Index: 1, Begin: 0, Block: []byte("hello")}),
		NewCancel(BlockParams{Index: 1, Begin: 2, Length: 3}),
	}
	for _, m := range cases {
		data := m.Serialize()
		got, err := ReadMessage(bytes.NewReader(data))
		require.NoError(err)
		require.Equal(m, got)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	require := require.New(t)

	data := []byte{0x7f, 0xff, 0xff, 0xff}
	_, err := ReadMessage(bytes.NewReader(data))
	require.Error(err)
}

func TestParseHaveRejectsWrongLength(t *testing.T) {
	require := require.New(t)

	_, err := ParseHave(&Message{ID: Have, Payload: []byte{1, 2, 3}})
	require.Error(err)
}
