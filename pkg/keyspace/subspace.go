package keyspace

import (
	"bytes"
	"fmt"
)

// Subspace is a packed key prefix. Keys packed under a subspace share the
// prefix, so one range scan covers exactly the subspace's contents.
type Subspace struct {
	prefix []byte
}

// NewSubspace creates a subspace rooted at the packed form of elems.
func NewSubspace(elems ...any) Subspace {
	return Subspace{prefix: Pack(Tuple(elems))}
}

// FromPrefix wraps raw bytes as a subspace prefix.
func FromPrefix(prefix []byte) Subspace {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return Subspace{prefix: p}
}

// Sub returns a child subspace with elems appended to the prefix.
func (s Subspace) Sub(elems ...any) Subspace {
	child := make([]byte, 0, len(s.prefix)+16)
	child = append(child, s.prefix...)
	child = append(child, Pack(Tuple(elems))...)
	return Subspace{prefix: child}
}

// Pack returns the key for t inside the subspace.
func (s Subspace) Pack(t Tuple) []byte {
	key := make([]byte, 0, len(s.prefix)+16)
	key = append(key, s.prefix...)
	key = append(key, Pack(t)...)
	return key
}

// Key returns the subspace prefix itself, usable as a key for a value
// stored directly at the subspace root.
func (s Subspace) Key() []byte {
	key := make([]byte, len(s.prefix))
	copy(key, s.prefix)
	return key
}

// Unpack parses a key from this subspace back into its tuple, with the
// prefix stripped.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if !s.Contains(key) {
		return nil, fmt.Errorf("%w: key outside subspace", ErrMalformedKey)
	}
	return Unpack(key[len(s.prefix):])
}

// Contains reports whether key lives under this subspace.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the half-open key range [begin, end) covering every key
// packed under the subspace. The end key appends the inclusive-end byte
// 0xFF, which no packed tuple element starts with.
func (s Subspace) Range() (begin, end []byte) {
	begin = make([]byte, len(s.prefix)+1)
	copy(begin, s.prefix)
	begin[len(s.prefix)] = 0x00

	end = make([]byte, len(s.prefix)+1)
	copy(end, s.prefix)
	end[len(s.prefix)] = 0xFF
	return begin, end
}
