package keyspace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Tuple is an ordered list of typed elements that packs to a byte key.
// Supported element types: nil, []byte, string, int, int64, uuid.UUID.
//
// Packing preserves order: for any two tuples a and b, a sorts before b
// element-wise exactly when Pack(a) sorts before Pack(b) byte-wise. This is
// what lets range scans over packed keys answer ordered queries directly.
type Tuple []any

// Type tags. Chosen so that nil < bytes < string < int < uuid holds for the
// packed encoding.
const (
	tagNil    = 0x00
	tagBytes  = 0x01
	tagString = 0x02
	tagIntMid = 0x14 // zero; positive ints use tagIntMid+len, negative tagIntMid-len
	tagUUID   = 0x30
)

var (
	// ErrMalformedKey indicates bytes that do not decode as a packed tuple.
	ErrMalformedKey = errors.New("malformed packed key")
)

// Pack serializes the tuple.
func Pack(t Tuple) []byte {
	var buf bytes.Buffer
	for _, elem := range t {
		packElement(&buf, elem)
	}
	return buf.Bytes()
}

func packElement(buf *bytes.Buffer, elem any) {
	switch v := elem.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case []byte:
		buf.WriteByte(tagBytes)
		writeEscaped(buf, v)
	case string:
		buf.WriteByte(tagString)
		writeEscaped(buf, []byte(v))
	case int:
		packInt(buf, int64(v))
	case int64:
		packInt(buf, v)
	case uuid.UUID:
		buf.WriteByte(tagUUID)
		buf.Write(v[:])
	default:
		panic(fmt.Sprintf("keyspace: unsupported tuple element type %T", elem))
	}
}

// writeEscaped writes data with 0x00 bytes escaped as 0x00 0xFF and a 0x00
// terminator, so embedded zero bytes cannot terminate the element early and
// prefix ordering is preserved.
func writeEscaped(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		buf.WriteByte(b)
		if b == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
}

// packInt encodes a signed integer with a length-prefixed tag. Positive
// values store minimal big-endian bytes under tag 0x14+len; negative values
// store the ones' complement of the absolute value under tag 0x14-len. Both
// give correct byte ordering across the full int64 range.
func packInt(buf *bytes.Buffer, v int64) {
	if v == 0 {
		buf.WriteByte(tagIntMid)
		return
	}

	if v > 0 {
		b := minimalBigEndian(uint64(v))
		buf.WriteByte(byte(tagIntMid + len(b)))
		buf.Write(b)
		return
	}

	// Negative: ones' complement of |v| in minimal width.
	abs := uint64(-v)
	b := minimalBigEndian(abs)
	for i := range b {
		b[i] = ^b[i]
	}
	buf.WriteByte(byte(tagIntMid - len(b)))
	buf.Write(b)
}

func minimalBigEndian(v uint64) []byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 7 && full[i] == 0 {
		i++
	}
	return full[i:]
}

// Unpack parses a packed key back into a tuple.
func Unpack(data []byte) (Tuple, error) {
	var t Tuple
	for len(data) > 0 {
		elem, rest, err := unpackElement(data)
		if err != nil {
			return nil, err
		}
		t = append(t, elem)
		data = rest
	}
	return t, nil
}

func unpackElement(data []byte) (any, []byte, error) {
	tag := data[0]
	rest := data[1:]

	switch {
	case tag == tagNil:
		return nil, rest, nil

	case tag == tagBytes:
		raw, rest, err := readEscaped(rest)
		return raw, rest, err

	case tag == tagString:
		raw, rest, err := readEscaped(rest)
		return string(raw), rest, err

	case tag == tagIntMid:
		return int64(0), rest, nil

	case tag > tagIntMid && tag <= tagIntMid+8:
		n := int(tag - tagIntMid)
		if len(rest) < n {
			return nil, nil, ErrMalformedKey
		}
		var full [8]byte
		copy(full[8-n:], rest[:n])
		return int64(binary.BigEndian.Uint64(full[:])), rest[n:], nil

	case tag >= tagIntMid-8 && tag < tagIntMid:
		n := int(tagIntMid - tag)
		if len(rest) < n {
			return nil, nil, ErrMalformedKey
		}
		b := make([]byte, n)
		copy(b, rest[:n])
		for i := range b {
			b[i] = ^b[i]
		}
		var full [8]byte
		copy(full[8-n:], b)
		return -int64(binary.BigEndian.Uint64(full[:])), rest[n:], nil

	case tag == tagUUID:
		if len(rest) < 16 {
			return nil, nil, ErrMalformedKey
		}
		var id uuid.UUID
		copy(id[:], rest[:16])
		return id, rest[16:], nil
	}

	return nil, nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedKey, tag)
}

func readEscaped(data []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		if i+1 < len(data) && data[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, data[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated element", ErrMalformedKey)
}
