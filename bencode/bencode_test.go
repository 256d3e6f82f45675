package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeInt(t *testing.T) {
	require := require.New(t)

	v, n, err := Decode([]byte("i57e"))
	require.NoError(err)
	require.Equal(int64(57), v)
	require.Equal(4, n)
}

func TestDecodeNegativeInt(t *testing.T) {
	require := require.New(t)

	v, _, err := Decode([]byte("i-42e"))
	require.NoError(err)
	require.Equal(int64(-42), v)
}

func TestDecodeIntRejectsLeadingZero(t *testing.T) {
	require := require.New(t)

	_, _, err := Decode([]byte("i04e"))
	require.Error(err)
}

func TestDecodeIntRejectsNegativeZero(t *testing.T) {
	require := require.New(t)

	_, _, err := Decode([]byte("i-0e"))
	require.Error(err)
}

func TestDecodeString(t *testing.T) {
	require := require.New(t)

	v, n, err := Decode([]byte("5:hello"))
	require.NoError(err)
	require.Equal([]byte("hello"), v)
	require.Equal(7, n)
}

func TestDecodeStringLengthExceedsInput(t *testing.T) {
	require := require.New(t)

	_, _, err := Decode([]byte("10:short"))
	require.Error(err)
}

func TestDecodeList(t *testing.T) {
	require := require.New(t)

	v, _, err := Decode([]byte("li5ei10e7:bencodee"))
	require.NoError(err)
	list, ok := v.([]interface{})
	require.True(ok)
	require.Equal([]interface{}{int64(5), int64(10), []byte("bencode")}, list)
}

func TestDecodeEmptyList(t *testing.T) {
	require := require.New(t)

	v, _, err := Decode([]byte("le"))
	require.NoError(err)
	require.Equal([]interface{}{}, v)
}

func TestDecodeDictPreservesOrderAndRaw(t *testing.T) {
	require := require.New(t)

	v, n, err := Decode([]byte("d1:bi5e1:a5:helloe"))
	require.NoError(err)
	require.Equal(18, n)

	d, ok := v.(*Dict)
	require.True(ok)
	require.Equal([]string{"b", "a"}, d.Keys)

	b, ok := d.GetInt("b")
	require.True(ok)
	require.Equal(int64(5), b)

	require.Equal([]byte("i5e"), d.Raw["b"])
	require.Equal([]byte("5:hello"), d.Raw["a"])
}

func TestDecodeDictRejectsNonStringKey(t *testing.T) {
	require := require.New(t)

	_, _, err := Decode([]byte("di5ei6ee"))
	require.Error(err)
}

func TestDecodeUnterminatedFails(t *testing.T) {
	require := require.New(t)

	for _, in := range []string{"i5", "5:hel", "l5:hi", "d1:ai5e"} {
		_, _, err := Decode([]byte(in))
		require.Error(err, in)
	}
}

func TestDecodeConsumedLeavesTrailingBytes(t *testing.T) {
	require := require.New(t)

	v, n, err := Decode([]byte("i5e_trailing_binary_data"))
	require.NoError(err)
	require.Equal(int64(5), v)
	require.Equal(4, n)
}

func TestEncodeRoundTrip(t *testing.T) {
	require := require.New(t)

	inputs := []string{
		"i57e",
		"i-9223372036854775807e",
		"5:hello",
		"li5ei10ei15ei20e7:bencodee",
		"le",
	}
	for _, in := range inputs {
		v, n, err := Decode([]byte(in))
		require.NoError(err, in)
		require.Equal(len(in), n, in)
		require.Equal([]byte(in), Encode(v), in)
	}
}

func TestEncodeDictOrdersKeysLexicographically(t *testing.T) {
	require := require.New(t)

	d := NewDict()
	d.Set("zebra", int64(1))
	d.Set("apple", int64(2))

	require.Equal([]byte("d5:applei2e5:zebrai1ee"), Encode(d))
}

func TestInfoDictRawRangeDecodesIndependently(t *testing.T) {
	require := require.New(t)

	data := []byte("d8:announce9:http://x/4:infod12:piece lengthi16384e6:pieces20:" +
		string(make([]byte, 20)) + "4:name1:a6:lengthi1eee")

	v, n, err := Decode(data)
	require.NoError(err)
	require.Equal(len(data), n)

	d := v.(*Dict)
	raw, ok := d.Raw["info"]
	require.True(ok)

	// The raw info bytes decode back to an equal value independently of the
	// surrounding dict.
	infoVal, consumed, err := Decode(raw)
	require.NoError(err)
	require.Equal(len(raw), consumed)
	info := infoVal.(*Dict)
	pl, _ := info.GetInt("piece length")
	require.Equal(int64(16384), pl)
}
