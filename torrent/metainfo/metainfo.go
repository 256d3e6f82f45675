// Package metainfo parses a torrent descriptor into the data model the rest
// of the client operates on: trackers, piece hashes, and a contiguous
// multi-file byte-range layout.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path"
	"strings"

	"github.com/uber/kraken-torrent/bencode"
)

const pieceHashSize = sha1.Size

// FileInfo describes one file within a torrent's logical byte stream.
// StartByte and EndByte form the half-open range [StartByte, EndByte) that
// this file occupies within the concatenation of all files.
type FileInfo struct {
	Path      []string
	Length    int64
	StartByte int64
	EndByte   int64
}

// DisplayPath joins Path into a single filesystem-relative path.
func (fi FileInfo) DisplayPath() string {
	return strings.Join(fi.Path, string(path.Separator))
}

// Info is a torrent's info dictionary: piece layout and file list.
type Info struct {
	PieceLength int64
	PieceHashes [][20]byte
	Name        string
	Files       []FileInfo
}

// NumPieces returns the number of pieces described by Info.
func (info *Info) NumPieces() int {
	return len(info.PieceHashes)
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, fi := range info.Files {
		total += fi.Length
	}
	return total
}

// PieceLengthAt returns the length of piece i; the last piece may be
// shorter than PieceLength.
func (info *Info) PieceLengthAt(i int) int64 {
	if i < 0 || i >= info.NumPieces() {
		return 0
	}
	if i == info.NumPieces()-1 {
		if rem := info.TotalLength() % info.PieceLength; rem != 0 {
			return rem
		}
	}
	return info.PieceLength
}

// MetaInfo is the parsed form of a torrent descriptor file.
type MetaInfo struct {
	Info     Info
	Trackers []string
	InfoHash InfoHash
}

// Parse decodes a bencoded torrent descriptor.
func Parse(data []byte) (*MetaInfo, error) {
	v, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %s", err)
	}
	top, ok := v.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("top-level value is not a dict")
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, fmt.Errorf("missing required key: info")
	}
	infoDict, ok := infoVal.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("info is not a dict")
	}
	rawInfo, ok := top.Raw["info"]
	if !ok {
		return nil, fmt.Errorf("missing raw info bytes")
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, fmt.Errorf("parse info: %s", err)
	}

	infoHash, err := NewInfoHashFromBytes(sha1Sum(rawInfo))
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		Info:     *info,
		Trackers: parseTrackers(top),
		InfoHash: infoHash,
	}, nil
}

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}

// parseTrackers takes the union of "announce" and "announce-list" (a list
// of tiers, each a list of URLs), preserving first-seen order.
func parseTrackers(top *bencode.Dict) []string {
	seen := make(map[string]bool)
	var trackers []string

	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		trackers = append(trackers, url)
	}

	if announce, ok := top.GetString("announce"); ok {
		add(announce)
	}
	if tiers, ok := top.GetList("announce-list"); ok {
		for _, tierVal := range tiers {
			tier, ok := tierVal.([]interface{})
			if !ok {
				continue
			}
			for _, urlVal := range tier {
				if b, ok := urlVal.([]byte); ok {
					add(string(b))
				}
			}
		}
	}
	return trackers
}

func parseInfo(d *bencode.Dict) (*Info, error) {
	pieceLength, ok := d.GetInt("piece length")
	if !ok || pieceLength <= 0 {
		return nil, fmt.Errorf("missing or invalid piece length")
	}
	piecesRaw, ok := d.GetBytes("pieces")
	if !ok {
		return nil, fmt.Errorf("missing pieces")
	}
	if len(piecesRaw)%pieceHashSize != 0 {
		return nil, fmt.Errorf("pieces length %d is not a multiple of %d", len(piecesRaw), pieceHashSize)
	}
	name, ok := d.GetString("name")
	if !ok || name == "" {
		return nil, fmt.Errorf("missing or empty name")
	}

	var rawFiles []rawFile
	if filesList, ok := d.GetList("files"); ok {
		for _, fv := range filesList {
			fd, ok := fv.(*bencode.Dict)
			if !ok {
				return nil, fmt.Errorf("files entry is not a dict")
			}
			length, ok := fd.GetInt("length")
			if !ok || length < 0 {
				return nil, fmt.Errorf("files entry missing valid length")
			}
			pathList, ok := fd.GetList("path")
			if !ok || len(pathList) == 0 {
				return nil, fmt.Errorf("files entry missing path")
			}
			var comps []string
			for _, pv := range pathList {
				pb, ok := pv.([]byte)
				if !ok {
					return nil, fmt.Errorf("path component is not a byte string")
				}
				comps = append(comps, string(pb))
			}
			rawFiles = append(rawFiles, rawFile{path: comps, length: length})
		}
	} else {
		length, ok := d.GetInt("length")
		if !ok || length < 0 {
			return nil, fmt.Errorf("single-file torrent missing length")
		}
		rawFiles = append(rawFiles, rawFile{path: nil, length: length})
	}

	if len(rawFiles) == 0 {
		return nil, fmt.Errorf("torrent has no files")
	}

	files, err := buildFileLayout(name, rawFiles)
	if err != nil {
		return nil, err
	}

	info := &Info{
		PieceLength: pieceLength,
		Name:        name,
		Files:       files,
	}
	for i := 0; i < len(piecesRaw); i += pieceHashSize {
		var h [20]byte
		copy(h[:], piecesRaw[i:i+pieceHashSize])
		info.PieceHashes = append(info.PieceHashes, h)
	}

	total := info.TotalLength()
	expected := (total + pieceLength - 1) / pieceLength
	if total == 0 {
		expected = 0
	}
	if int64(info.NumPieces()) != expected {
		return nil, fmt.Errorf(
			"piece count %d does not match ceil(total_size/piece_length) = %d",
			info.NumPieces(), expected)
	}

	return info, nil
}

type rawFile struct {
	path   []string
	length int64
}

// buildFileLayout sanitizes paths, assigns contiguous byte ranges, and
// prepends a root directory derived from the torrent name for multi-file
// torrents (the on-disk layout convention; single-file torrents use name
// directly as the file's own path).
func buildFileLayout(name string, raw []rawFile) ([]FileInfo, error) {
	multi := len(raw) > 1 || raw[0].path != nil

	files := make([]FileInfo, 0, len(raw))
	var offset int64
	for _, rf := range raw {
		var comps []string
		if multi {
			comps = append(comps, sanitizeComponent(name))
			for _, c := range rf.path {
				comps = append(comps, sanitizeComponent(c))
			}
		} else {
			comps = []string{sanitizeComponent(name)}
		}
		if err := validatePath(rf.path); err != nil {
			return nil, err
		}
		files = append(files, FileInfo{
			Path:      comps,
			Length:    rf.length,
			StartByte: offset,
			EndByte:   offset + rf.length,
		})
		offset += rf.length
	}
	return files, nil
}

// validatePath rejects absolute paths and ".." traversal components.
func validatePath(comps []string) error {
	for _, c := range comps {
		if c == "" || c == "." || c == ".." {
			return fmt.Errorf("illegal path component %q", c)
		}
		if strings.HasPrefix(c, "/") || strings.Contains(c, "..") {
			return fmt.Errorf("illegal path component %q", c)
		}
	}
	return nil
}

// sanitizeComponent replaces characters invalid on common filesystems with
// underscores.
func sanitizeComponent(c string) string {
	var b strings.Builder
	for _, r := range c {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
