package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber/kraken-torrent/bencode"
)

func buildSingleFileTorrent(announce string, pieceLength int64, pieces []byte, name string, length int64) []byte {
	info := bencode.NewDict()
	info.Set("piece length", pieceLength)
	info.Set("pieces", pieces)
	info.Set("name", name)
	info.Set("length", length)

	top := bencode.NewDict()
	top.Set("announce", announce)
	top.Set("info", info)
	return bencode.Encode(top)
}

func TestParseSingleFileTorrent(t *testing.T) {
	require := require.New(t)

	pieces := make([]byte, 20)
	data := buildSingleFileTorrent("http://x/", 16384, pieces, "a", 1)

	mi, err := Parse(data)
	require.NoError(err)
	require.Equal([]string{"http://x/"}, mi.Trackers)
	require.Equal(int64(16384), mi.Info.PieceLength)
	require.Equal(1, mi.Info.NumPieces())
	require.Equal(int64(1), mi.Info.TotalLength())
	require.Len(mi.Info.Files, 1)
	require.Equal(int64(0), mi.Info.Files[0].StartByte)
	require.Equal(int64(1), mi.Info.Files[0].EndByte)
}

func TestInfoHashMatchesRawInfoBytes(t *testing.T) {
	require := require.New(t)

	pieces := make([]byte, 20)
	data := buildSingleFileTorrent("http://x/", 16384, pieces, "a", 1)

	mi, err := Parse(data)
	require.NoError(err)

	v, _, err := bencode.Decode(data)
	require.NoError(err)
	top := v.(*bencode.Dict)
	raw := top.Raw["info"]

	expected := sha1.Sum(raw)
	require.Equal(expected[:], mi.InfoHash.Bytes())
}

func TestParseMultiFileTorrentLayout(t *testing.T) {
	require := require.New(t)

	fileA := bencode.NewDict()
	fileA.Set("length", int64(5))
	fileA.Set("path", []interface{}{[]byte("x.txt")})

	fileB := bencode.NewDict()
	fileB.Set("length", int64(3))
	fileB.Set("path", []interface{}{[]byte("sub"), []byte("y.txt")})

	info := bencode.NewDict()
	info.Set("piece length", int64(8))
	info.Set("pieces", make([]byte, 20))
	info.Set("name", "torrent-root")
	info.Set("files", []interface{}{fileA, fileB})

	top := bencode.NewDict()
	top.Set("announce", "http://x/")
	top.Set("info", info)

	mi, err := Parse(bencode.Encode(top))
	require.NoError(err)
	require.Len(mi.Info.Files, 2)

	require.Equal([]string{"torrent-root", "x.txt"}, mi.Info.Files[0].Path)
	require.Equal(int64(0), mi.Info.Files[0].StartByte)
	require.Equal(int64(5), mi.Info.Files[0].EndByte)

	require.Equal([]string{"torrent-root", "sub", "y.txt"}, mi.Info.Files[1].Path)
	require.Equal(int64(5), mi.Info.Files[1].StartByte)
	require.Equal(int64(8), mi.Info.Files[1].EndByte)
}

func TestParseRejectsEmptyFileList(t *testing.T) {
	require := require.New(t)

	info := bencode.NewDict()
	info.Set("piece length", int64(8))
	info.Set("pieces", []byte{})
	info.Set("name", "torrent-root")
	info.Set("files", []interface{}{})

	top := bencode.NewDict()
	top.Set("announce", "http://x/")
	top.Set("info", info)

	_, err := Parse(bencode.Encode(top))
	require.Error(err)
}

func TestParseRejectsPathTraversal(t *testing.T) {
	require := require.New(t)

	fileA := bencode.NewDict()
	fileA.Set("length", int64(1))
	fileA.Set("path", []interface{}{[]byte(".."), []byte("escape.txt")})

	info := bencode.NewDict()
	info.Set("piece length", int64(8))
	info.Set("pieces", make([]byte, 20))
	info.Set("name", "root")
	info.Set("files", []interface{}{fileA})

	top := bencode.NewDict()
	top.Set("announce", "http://x/")
	top.Set("info", info)

	_, err := Parse(bencode.Encode(top))
	require.Error(err)
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	require := require.New(t)

	data := buildSingleFileTorrent("http://x/", 16384, make([]byte, 40), "a", 1)
	_, err := Parse(data)
	require.Error(err)
}

func TestAnnounceListUnion(t *testing.T) {
	require := require.New(t)

	info := bencode.NewDict()
	info.Set("piece length", int64(8))
	info.Set("pieces", make([]byte, 20))
	info.Set("name", "a")
	info.Set("length", int64(1))

	tier1 := []interface{}{[]byte("http://a/"), []byte("http://b/")}
	tier2 := []interface{}{[]byte("http://c/")}

	top := bencode.NewDict()
	top.Set("announce", "http://a/")
	top.Set("announce-list", []interface{}{tier1, tier2})
	top.Set("info", info)

	mi, err := Parse(bencode.Encode(top))
	require.NoError(err)
	require.Equal([]string{"http://a/", "http://b/", "http://c/"}, mi.Trackers)
}

func TestPeerIDRoundTrip(t *testing.T) {
	require := require.New(t)

	id, err := RandomPeerID("-GK0001-")
	require.NoError(err)

	id2, err := NewPeerIDFromHex(id.String())
	require.NoError(err)
	require.Equal(id, id2)
	require.True(bytes.HasPrefix(id.Bytes(), []byte("-GK0001-")))
}
