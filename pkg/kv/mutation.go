package kv

import (
	"bytes"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// Mutation identifies an atomic read-modify-write operation.
type Mutation string

const (
	// MutationAdd treats the existing value and param as little-endian
	// signed 64-bit integers and stores their sum. A missing value counts
	// as zero.
	MutationAdd Mutation = "add"
	// MutationAnd stores the bitwise AND of value and param.
	MutationAnd Mutation = "and"
	// MutationOr stores the bitwise OR of value and param.
	MutationOr Mutation = "or"
	// MutationXor stores the bitwise XOR of value and param.
	MutationXor Mutation = "xor"
	// MutationMin keeps the smaller of value and param as integers.
	MutationMin Mutation = "min"
	// MutationMax keeps the larger of value and param as integers.
	MutationMax Mutation = "max"
	// MutationByteMin keeps the lexicographically smaller byte string.
	MutationByteMin Mutation = "byte_min"
	// MutationByteMax keeps the lexicographically larger byte string.
	MutationByteMax Mutation = "byte_max"
	// MutationCompareAndClear removes the key if its value equals param.
	MutationCompareAndClear Mutation = "compare_and_clear"
	// MutationAppendIfFits appends param if the result stays within the
	// value size limit, otherwise leaves the value unchanged.
	MutationAppendIfFits Mutation = "append_if_fits"
)

// maxValueSize bounds MutationAppendIfFits results.
const maxValueSize = 100_000

// Mutate applies an atomic mutation at key. Mutations run inside the write
// transaction, so they are atomic with respect to every other operation in
// the same transaction and all concurrent ones.
func (tx *Tx) Mutate(op Mutation, key, param []byte) error {
	if !tx.writable {
		return bolt.ErrTxNotWritable
	}

	existing := tx.bucket.Get(key)

	switch op {
	case MutationAdd:
		sum := decodeInt64(existing) + decodeInt64(param)
		return tx.bucket.Put(key, encodeInt64(sum))

	case MutationAnd, MutationOr, MutationXor:
		return tx.bucket.Put(key, bitwise(op, existing, param))

	case MutationMin:
		if existing == nil || decodeInt64(param) < decodeInt64(existing) {
			return tx.bucket.Put(key, encodeInt64(decodeInt64(param)))
		}
		return nil

	case MutationMax:
		if existing == nil || decodeInt64(param) > decodeInt64(existing) {
			return tx.bucket.Put(key, encodeInt64(decodeInt64(param)))
		}
		return nil

	case MutationByteMin:
		if existing == nil || bytes.Compare(param, existing) < 0 {
			return tx.bucket.Put(key, param)
		}
		return nil

	case MutationByteMax:
		if existing == nil || bytes.Compare(param, existing) > 0 {
			return tx.bucket.Put(key, param)
		}
		return nil

	case MutationCompareAndClear:
		if existing != nil && bytes.Equal(existing, param) {
			return tx.bucket.Delete(key)
		}
		return nil

	case MutationAppendIfFits:
		if len(existing)+len(param) > maxValueSize {
			return nil
		}
		appended := make([]byte, 0, len(existing)+len(param))
		appended = append(appended, existing...)
		appended = append(appended, param...)
		return tx.bucket.Put(key, appended)
	}

	return nil
}

// AddInt64 is a convenience wrapper for MutationAdd.
func (tx *Tx) AddInt64(key []byte, delta int64) error {
	return tx.Mutate(MutationAdd, key, encodeInt64(delta))
}

// GetInt64 reads a counter written by AddInt64. Missing keys read as zero.
func (tx *Tx) GetInt64(key []byte) (int64, error) {
	v, err := tx.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeInt64(v), nil
}

func encodeInt64(n int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	return buf[:]
}

func decodeInt64(v []byte) int64 {
	if len(v) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], v)
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// bitwise pads the shorter operand with zero bytes, matching the semantics
// of atomic bitwise mutations in ordered KV stores.
func bitwise(op Mutation, a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch op {
		case MutationAnd:
			out[i] = x & y
		case MutationOr:
			out[i] = x | y
		case MutationXor:
			out[i] = x ^ y
		}
	}
	return out
}
