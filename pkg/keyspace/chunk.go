package keyspace

import (
	"github.com/burrowops/burrow/pkg/kv"
)

// ChunkSize is the maximum size of a single stored value. Values larger
// than this are split into chunk_i sibling keys under their parent.
const ChunkSize = 90 * 1024

// SplitChunks slices value into ChunkSize pieces. An empty value yields a
// single empty chunk so that presence is still representable.
func SplitChunks(value []byte) [][]byte {
	if len(value) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(value); off += ChunkSize {
		end := off + ChunkSize
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[off:end])
	}
	return chunks
}

// CombineChunks concatenates chunks back into the original value.
func CombineChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// WriteChunked stores value under sub as chunk_i children, replacing any
// previous chunks.
func WriteChunked(tx *kv.Tx, sub Subspace, value []byte) error {
	begin, end := sub.Range()
	if err := tx.ClearRange(begin, end); err != nil {
		return err
	}
	for i, chunk := range SplitChunks(value) {
		if err := tx.Set(sub.Pack(Tuple{int64(i)}), chunk); err != nil {
			return err
		}
	}
	return nil
}

// ReadChunked reads a value stored by WriteChunked. Returns nil with no
// error when no chunks exist.
func ReadChunked(tx *kv.Tx, sub Subspace) ([]byte, error) {
	begin, end := sub.Range()
	var chunks [][]byte
	err := tx.ForEachRange(begin, end, kv.RangeOptions{}, func(k, v []byte) error {
		chunk := make([]byte, len(v))
		copy(chunk, v)
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		return nil, nil
	}
	return CombineChunks(chunks), nil
}

// ClearChunked removes every chunk stored under sub.
func ClearChunked(tx *kv.Tx, sub Subspace) error {
	begin, end := sub.Range()
	return tx.ClearRange(begin, end)
}
