package keyspace

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowops/burrow/pkg/kv"
)

func TestSplitCombineIdentity(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("small"),
		bytes.Repeat([]byte{0xAB}, ChunkSize),
		bytes.Repeat([]byte{0xCD}, ChunkSize+1),
		bytes.Repeat([]byte{0xEF}, 3*ChunkSize+17),
	}

	for _, value := range cases {
		chunks := SplitChunks(value)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), ChunkSize)
		}
		combined := CombineChunks(chunks)
		assert.Equal(t, len(value), len(combined))
		assert.True(t, bytes.Equal(value, combined))
	}
}

func TestWriteReadChunked(t *testing.T) {
	store, err := kv.Open(t.TempDir(), kv.Options{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	sub := NewSubspace("test", "input")
	big := bytes.Repeat([]byte("burrow"), (2*ChunkSize)/6)

	err = store.Update(ctx, func(tx *kv.Tx) error {
		return WriteChunked(tx, sub, big)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *kv.Tx) error {
		got, err := ReadChunked(tx, sub)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(big, got))
		return nil
	})
	require.NoError(t, err)

	// Overwriting with a shorter value drops stale chunks.
	err = store.Update(ctx, func(tx *kv.Tx) error {
		return WriteChunked(tx, sub, []byte("tiny"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx *kv.Tx) error {
		got, err := ReadChunked(tx, sub)
		require.NoError(t, err)
		assert.Equal(t, []byte("tiny"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestReadChunkedMissing(t *testing.T) {
	store, err := kv.Open(t.TempDir(), kv.Options{})
	require.NoError(t, err)
	defer store.Close()

	err = store.View(context.Background(), func(tx *kv.Tx) error {
		got, err := ReadChunked(tx, NewSubspace("missing"))
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	})
	require.NoError(t, err)
}
