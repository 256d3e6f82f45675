// Package bencode implements the bencode serialization format used by
// BitTorrent metainfo files and tracker responses.
//
// Unlike a reflection-based Marshal/Unmarshal, Decode returns both a value
// and the number of bytes consumed, and dict values retain the raw encoded
// bytes they were parsed from. Both are needed to compute a torrent's
// info-hash over the exact byte range the info dict occupied in the source,
// rather than over a re-encoded form.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// SyntaxError reports a malformed bencode input.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: malformed input at offset %d: %s", e.Offset, e.Msg)
}

func syntaxErr(offset int, format string, args ...interface{}) error {
	return &SyntaxError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Dict is a bencoded dictionary. It preserves the insertion (decode) order
// of its keys, and records the raw encoded bytes of each value as they
// appeared in the source, so callers can recover an exact byte range (e.g.
// the info dict of a torrent file) without re-encoding.
type Dict struct {
	Keys   []string
	Values map[string]interface{}
	Raw    map[string][]byte
}

// NewDict returns an empty Dict ready for use with Set.
func NewDict() *Dict {
	return &Dict{Values: make(map[string]interface{}), Raw: make(map[string][]byte)}
}

// Set inserts or overwrites a key, appending it to Keys if new.
func (d *Dict) Set(key string, v interface{}) {
	if _, ok := d.Values[key]; !ok {
		d.Keys = append(d.Keys, key)
	}
	d.Values[key] = v
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (interface{}, bool) {
	v, ok := d.Values[key]
	return v, ok
}

// GetString returns a byte-string value as a Go string.
func (d *Dict) GetString(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	b, ok := v.([]byte)
	if !ok {
		return "", false
	}
	return string(b), true
}

// GetBytes returns a byte-string value.
func (d *Dict) GetBytes(key string) ([]byte, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// GetInt returns an integer value.
func (d *Dict) GetInt(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// GetList returns a list value.
func (d *Dict) GetList(key string) ([]interface{}, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.([]interface{})
	return l, ok
}

// GetDict returns a nested dict value.
func (d *Dict) GetDict(key string) (*Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	dd, ok := v.(*Dict)
	return dd, ok
}

// Decode parses a single bencoded value starting at the beginning of data.
// It returns the value, the number of bytes consumed, and an error if the
// input is malformed. Trailing bytes beyond the decoded value are left
// untouched in data, allowing a caller to locate appended raw data (as used
// by the ut_metadata extension's piece payload).
func Decode(data []byte) (interface{}, int, error) {
	v, pos, err := decodeValue(data, 0)
	if err != nil {
		return nil, 0, err
	}
	return v, pos, nil
}

func decodeValue(data []byte, pos int) (interface{}, int, error) {
	if pos >= len(data) {
		return nil, pos, syntaxErr(pos, "unexpected end of input")
	}
	switch c := data[pos]; {
	case c == 'i':
		return decodeInt(data, pos)
	case c == 'l':
		return decodeList(data, pos)
	case c == 'd':
		return decodeDict(data, pos)
	case c >= '0' && c <= '9':
		return decodeString(data, pos)
	default:
		return nil, pos, syntaxErr(pos, "unknown value type %q", c)
	}
}

func decodeInt(data []byte, pos int) (int64, int, error) {
	start := pos
	pos++ // consume 'i'
	end := bytes.IndexByte(data[pos:], 'e')
	if end < 0 {
		return 0, pos, syntaxErr(start, "unterminated integer")
	}
	end += pos
	s := string(data[pos:end])
	if s == "" {
		return 0, pos, syntaxErr(start, "empty integer")
	}
	if s == "-0" {
		return 0, pos, syntaxErr(start, "negative zero integer")
	}
	if (s[0] == '0' && len(s) > 1) || (s[0] == '-' && len(s) > 1 && s[1] == '0') {
		return 0, pos, syntaxErr(start, "integer with leading zero: %s", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, pos, syntaxErr(start, "invalid integer %q: %s", s, err)
	}
	return n, end + 1, nil
}

func decodeString(data []byte, pos int) ([]byte, int, error) {
	start := pos
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return nil, pos, syntaxErr(start, "unterminated string length")
	}
	colon += pos
	lenStr := string(data[pos:colon])
	n, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil || n < 0 {
		return nil, pos, syntaxErr(start, "invalid string length %q", lenStr)
	}
	strStart := colon + 1
	strEnd := strStart + int(n)
	if strEnd > len(data) || strEnd < strStart {
		return nil, pos, syntaxErr(start, "string length %d exceeds remaining input", n)
	}
	b := make([]byte, n)
	copy(b, data[strStart:strEnd])
	return b, strEnd, nil
}

func decodeList(data []byte, pos int) ([]interface{}, int, error) {
	start := pos
	pos++ // consume 'l'
	list := []interface{}{}
	for {
		if pos >= len(data) {
			return nil, pos, syntaxErr(start, "unterminated list")
		}
		if data[pos] == 'e' {
			return list, pos + 1, nil
		}
		v, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		list = append(list, v)
		pos = next
	}
}

func decodeDict(data []byte, pos int) (*Dict, int, error) {
	start := pos
	pos++ // consume 'd'
	d := NewDict()
	for {
		if pos >= len(data) {
			return nil, pos, syntaxErr(start, "unterminated dict")
		}
		if data[pos] == 'e' {
			return d, pos + 1, nil
		}
		keyBytes, next, err := decodeString(data, pos)
		if err != nil {
			return nil, pos, syntaxErr(pos, "dict key must be a byte string: %s", err)
		}
		pos = next
		valStart := pos
		v, next, err := decodeValue(data, pos)
		if err != nil {
			return nil, pos, err
		}
		key := string(keyBytes)
		d.Set(key, v)
		d.Raw[key] = data[valStart:next]
		pos = next
	}
}

// Encode canonically encodes v: dict keys are emitted in lexicographic byte
// order, integers have no leading zeros, byte strings are emitted verbatim.
// Supported Go types: int, int64, string, []byte, []interface{}, *Dict.
func Encode(v interface{}) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v interface{}) {
	switch t := v.(type) {
	case int:
		encodeInt(buf, int64(t))
	case int64:
		encodeInt(buf, t)
	case string:
		encodeString(buf, []byte(t))
	case []byte:
		encodeString(buf, t)
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range t {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case *Dict:
		encodeDict(buf, t)
	default:
		panic(fmt.Sprintf("bencode: unsupported type %T", v))
	}
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

func encodeString(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

func encodeDict(buf *bytes.Buffer, d *Dict) {
	keys := make([]string, len(d.Keys))
	copy(keys, d.Keys)
	sort.Strings(keys)
	buf.WriteByte('d')
	for _, k := range keys {
		encodeString(buf, []byte(k))
		encodeValue(buf, d.Values[k])
	}
	buf.WriteByte('e')
}
