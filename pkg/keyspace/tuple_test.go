package keyspace

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []Tuple{
		{},
		{nil},
		{"workflow"},
		{[]byte{0x00, 0xFF, 0x00}},
		{int64(0)},
		{int64(1)},
		{int64(-1)},
		{int64(1<<40 + 7)},
		{int64(-(1<<40 + 7))},
		{id},
		{"wake", "echo", int64(1722600000000), id, "immediate"},
		{"history", id, "active", int64(0), int64(2), "output"},
	}

	for _, tc := range cases {
		packed := Pack(tc)
		got, err := Unpack(packed)
		require.NoError(t, err)
		if len(tc) == 0 {
			assert.Empty(t, got)
			continue
		}
		assert.Equal(t, tc, got)
	}
}

func TestPackOrderPreserving(t *testing.T) {
	id1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	id2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	ordered := []Tuple{
		{nil},
		{[]byte("a")},
		{"a"},
		{"a", int64(1)},
		{"ab"},
		{"b"},
		{int64(-300)},
		{int64(-2)},
		{int64(0)},
		{int64(1)},
		{int64(2)},
		{int64(256)},
		{int64(1 << 50)},
		{id1},
		{id2},
	}

	for i := 0; i < len(ordered)-1; i++ {
		a := Pack(ordered[i])
		b := Pack(ordered[i+1])
		assert.Negative(t, bytes.Compare(a, b),
			"expected %v < %v", ordered[i], ordered[i+1])
	}
}

func TestSubspaceRangeContainsChildren(t *testing.T) {
	root := NewSubspace("root", "engine")
	wf := root.Sub("workflow", uuid.New())

	begin, end := wf.Range()
	childKey := wf.Pack(Tuple{"create_ts"})

	assert.True(t, wf.Contains(childKey))
	assert.Positive(t, bytes.Compare(childKey, begin))
	assert.Negative(t, bytes.Compare(childKey, end))

	// Sibling subspaces don't overlap.
	other := root.Sub("workflow", uuid.New())
	otherKey := other.Pack(Tuple{"create_ts"})
	assert.False(t, wf.Contains(otherKey))
}

func TestSubspaceUnpackStripsPrefix(t *testing.T) {
	sub := NewSubspace("root", "signal")
	id := uuid.New()
	key := sub.Pack(Tuple{id, "body", int64(3)})

	tup, err := sub.Unpack(key)
	require.NoError(t, err)
	require.Len(t, tup, 3)
	assert.Equal(t, id, tup[0])
	assert.Equal(t, "body", tup[1])
	assert.Equal(t, int64(3), tup[2])

	_, err = NewSubspace("elsewhere").Unpack(key)
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestUnpackMalformed(t *testing.T) {
	_, err := Unpack([]byte{0x02, 'a'}) // unterminated string
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Unpack([]byte{0x30, 0x01}) // truncated uuid
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Unpack([]byte{0xEE}) // unknown tag
	assert.ErrorIs(t, err, ErrMalformedKey)
}
