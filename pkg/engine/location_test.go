package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationChildParent(t *testing.T) {
	root := RootLocation()
	assert.Equal(t, "root", root.String())

	loc := root.Child(0).Child(2).Child(1)
	assert.Equal(t, "0.2.1", loc.String())
	assert.Equal(t, "0.2", loc.Parent().String())
	assert.Equal(t, "root", root.Parent().String())
}

func TestLocationEqual(t *testing.T) {
	a := Location{0, 1}
	assert.True(t, a.Equal(Location{0, 1}))
	assert.False(t, a.Equal(Location{0}))
	assert.False(t, a.Equal(Location{0, 2}))
	assert.True(t, RootLocation().Equal(Location{}))
}

func TestLocationHasPrefix(t *testing.T) {
	loop := Location{3}
	assert.True(t, Location{3, 0}.HasPrefix(loop))
	assert.True(t, Location{3, 1, 4}.HasPrefix(loop))
	assert.True(t, loop.HasPrefix(loop))
	assert.False(t, Location{4, 0}.HasPrefix(loop))
	assert.True(t, loop.HasPrefix(RootLocation()))
}

func TestChildDoesNotAliasParent(t *testing.T) {
	parent := Location{1, 2}
	a := parent.Child(3)
	b := parent.Child(4)
	assert.Equal(t, "1.2.3", a.String())
	assert.Equal(t, "1.2.4", b.String())
	assert.Equal(t, "1.2", parent.String())
}
