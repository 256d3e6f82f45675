package storage

import (
	"crypto/sha1"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber/kraken-torrent/torrent/metainfo"
)

func newTestInfo(pieceLength int64, files []metainfo.FileInfo) *metainfo.Info {
	info := &metainfo.Info{PieceLength: pieceLength, Name: "t", Files: files}
	total := info.TotalLength()
	n := (total + pieceLength - 1) / pieceLength
	for i := int64(0); i < n; i++ {
		info.PieceHashes = append(info.PieceHashes, [20]byte{})
	}
	return info
}

func TestFileLayerWriteReadSpanningFiles(t *testing.T) {
	require := require.New(t)

	dir, err := os.MkdirTemp("", "filelayer")
	require.NoError(err)
	defer os.RemoveAll(dir)

	files := []metainfo.FileInfo{
		{Path: []string{"a.txt"}, Length: 4, StartByte: 0, EndByte: 4},
		{Path: []string{"b.txt"}, Length: 4, StartByte: 4, EndByte: 8},
	}
	info := newTestInfo(8, files)

	fl, err := Open(dir, info)
	require.NoError(err)
	defer fl.Close()

	data := []byte("abcdefgh")
	require.NoError(fl.Write(0, 0, data))

	got, err := fl.Read(0, 0, 8)
	require.NoError(err)
	require.Equal(data, got)

	// Confirm the write actually spanned both files on disk.
	a, err := os.ReadFile(dir + "/a.txt")
	require.NoError(err)
	require.Equal([]byte("abcd"), a)

	b, err := os.ReadFile(dir + "/b.txt")
	require.NoError(err)
	require.Equal([]byte("efgh"), b)
}

func TestFileLayerVerifyAll(t *testing.T) {
	require := require.New(t)

	dir, err := os.MkdirTemp("", "filelayer")
	require.NoError(err)
	defer os.RemoveAll(dir)

	files := []metainfo.FileInfo{{Path: []string{"a.txt"}, Length: 8, StartByte: 0, EndByte: 8}}
	info := newTestInfo(4, files)
	data0 := []byte("abcd")
	data1 := []byte("efgh")
	sum0 := sha1.Sum(data0)
	sum1 := sha1.Sum(data1)
	info.PieceHashes[0] = sum0
	info.PieceHashes[1] = sum1

	fl, err := Open(dir, info)
	require.NoError(err)
	defer fl.Close()

	require.NoError(fl.Write(0, 0, data0))
	// Piece 1 left as zeros: should fail verification.

	complete := fl.VerifyAll()
	require.True(complete[0])
	require.False(complete[1])
}

func TestFileLayerPreallocatesDeclaredSize(t *testing.T) {
	require := require.New(t)

	dir, err := os.MkdirTemp("", "filelayer")
	require.NoError(err)
	defer os.RemoveAll(dir)

	files := []metainfo.FileInfo{{Path: []string{"a.txt"}, Length: 100, StartByte: 0, EndByte: 100}}
	info := newTestInfo(50, files)

	fl, err := Open(dir, info)
	require.NoError(err)
	defer fl.Close()

	fi, err := os.Stat(dir + "/a.txt")
	require.NoError(err)
	require.Equal(int64(100), fi.Size())
}
