// Package storage implements the torrent file layer: byte-addressable
// read/write across a torrent's (possibly many) files, and startup
// SHA-1 verification of already-downloaded pieces.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/uber/kraken-torrent/torrent/metainfo"
)

// FileLayer maps a torrent's logical, contiguous byte stream onto the set
// of files declared by its Info, creating and pre-allocating them as
// needed. Writes are serialized; reads may proceed concurrently with each
// other, but callers (the scheduler) must order a write and a read that
// touch the same piece.
type FileLayer struct {
	dir   string
	info  *metainfo.Info
	files []*os.File

	mu sync.Mutex
}

// Open creates (or opens and truncates to the declared size) every file in
// info under dir, and returns a FileLayer ready for reads and writes.
func Open(dir string, info *metainfo.Info) (*FileLayer, error) {
	fl := &FileLayer{dir: dir, info: info}
	for _, fi := range info.Files {
		fullPath := filepath.Join(dir, filepath.Join(fi.Path...))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			return nil, fmt.Errorf("mkdir for %s: %s", fullPath, err)
		}
		f, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", fullPath, err)
		}
		if err := f.Truncate(fi.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s to %d: %s", fullPath, fi.Length, err)
		}
		fl.files = append(fl.files, f)
	}
	return fl, nil
}

// Close releases all open file descriptors.
func (fl *FileLayer) Close() error {
	var firstErr error
	for _, f := range fl.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// locate returns the file index and in-file offset for absolute torrent
// byte offset, found by binary search over file start offsets.
func (fl *FileLayer) locate(offset int64) (int, int64, error) {
	files := fl.info.Files
	i := sort.Search(len(files), func(i int) bool {
		return files[i].EndByte > offset
	})
	if i == len(files) {
		return 0, 0, fmt.Errorf("offset %d is beyond end of torrent", offset)
	}
	return i, offset - files[i].StartByte, nil
}

// absoluteOffset converts a (piece_index, begin) pair into a torrent-wide
// byte offset.
func (fl *FileLayer) absoluteOffset(pieceIndex int, begin int64) int64 {
	return int64(pieceIndex)*fl.info.PieceLength + begin
}

// Write spans the unique file ranges covering [offset, offset+len(data)),
// failing if any short write occurs.
func (fl *FileLayer) Write(pieceIndex int, begin int64, data []byte) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	offset := fl.absoluteOffset(pieceIndex, begin)
	return fl.writeAt(offset, data)
}

func (fl *FileLayer) writeAt(offset int64, data []byte) error {
	for len(data) > 0 {
		idx, inFileOffset, err := fl.locate(offset)
		if err != nil {
			return err
		}
		fi := fl.info.Files[idx]
		avail := fi.Length - inFileOffset
		n := int64(len(data))
		if n > avail {
			n = avail
		}
		wrote, err := fl.files[idx].WriteAt(data[:n], inFileOffset)
		if err != nil {
			return fmt.Errorf("write %s: %s", fi.DisplayPath(), err)
		}
		if int64(wrote) != n {
			return fmt.Errorf("short write to %s: wrote %d of %d", fi.DisplayPath(), wrote, n)
		}
		data = data[n:]
		offset += n
	}
	return nil
}

// Read returns length bytes starting at (piece_index, begin), spanning
// files as necessary.
func (fl *FileLayer) Read(pieceIndex int, begin int64, length int64) ([]byte, error) {
	offset := fl.absoluteOffset(pieceIndex, begin)
	buf := make([]byte, length)
	if err := fl.readAt(offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fl *FileLayer) readAt(offset int64, buf []byte) error {
	for len(buf) > 0 {
		idx, inFileOffset, err := fl.locate(offset)
		if err != nil {
			return err
		}
		fi := fl.info.Files[idx]
		avail := fi.Length - inFileOffset
		n := int64(len(buf))
		if n > avail {
			n = avail
		}
		read, err := fl.files[idx].ReadAt(buf[:n], inFileOffset)
		if err != nil {
			return fmt.Errorf("read %s: %s", fi.DisplayPath(), err)
		}
		if int64(read) != n {
			return fmt.Errorf("short read from %s: read %d of %d", fi.DisplayPath(), read, n)
		}
		buf = buf[n:]
		offset += n
	}
	return nil
}

// VerifyAll streams the full concatenation and SHA-1s each piece, returning
// the set of pieces whose hash matches the metainfo. Errors mid-scan yield
// a partial result; the scheduler treats any piece absent from the
// returned set as pending.
func (fl *FileLayer) VerifyAll() map[int]bool {
	complete := make(map[int]bool)
	for i := 0; i < fl.info.NumPieces(); i++ {
		length := fl.info.PieceLengthAt(i)
		data, err := fl.Read(i, 0, length)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		if sum == fl.info.PieceHashes[i] {
			complete[i] = true
		}
	}
	return complete
}
