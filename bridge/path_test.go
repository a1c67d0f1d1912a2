package bridge

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPathCodec(t *testing.T) {
	path, err := ParsePath("0.1.0")
	assert.Equal(t, err, nil)
	assert.Equal(t, path, StructuralPath{0, 1, 0})
	assert.Equal(t, path.String(), "0.1.0")

	root, err := ParsePath("")
	assert.Equal(t, err, nil)
	assert.Equal(t, root.IsRoot(), true)
	assert.Equal(t, root.String(), "")

	_, err = ParsePath("0.x.1")
	assert.NotEqual(t, err, nil)

	_, err = ParsePath("0.-1")
	assert.NotEqual(t, err, nil)
}

func TestPathRelations(t *testing.T) {
	path := RequirePath("1.2.3")
	assert.Equal(t, path.Parent(), StructuralPath{1, 2})
	assert.Equal(t, path.Child(0), StructuralPath{1, 2, 3, 0})
	assert.Equal(t, path.Leaf(), 3)
	assert.Equal(t, RootPath.Leaf(), -1)

	assert.Equal(t, path.HasPrefix(RequirePath("1.2")), true)
	assert.Equal(t, path.HasPrefix(path), true)
	assert.Equal(t, path.HasPrefix(RequirePath("1.3")), false)
	assert.Equal(t, RequirePath("1.2").HasPrefix(path), false)

	// mutating a clone must not touch the original
	cloned := path.Clone()
	cloned[0] = 9
	assert.Equal(t, path[0], 1)
}

func TestPathOrder(t *testing.T) {
	ordered := []StructuralPath{
		RequirePath("0"),
		RequirePath("0.0"),
		RequirePath("0.1"),
		RequirePath("1"),
		RequirePath("1.0.2"),
		RequirePath("2"),
	}

	shuffled := slices.Clone(ordered)
	rand.Shuffle(len(shuffled), func(i int, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	slices.SortFunc(shuffled, func(a StructuralPath, b StructuralPath) int {
		return a.Compare(b)
	})

	for i := range ordered {
		assert.Equal(t, shuffled[i].Equal(ordered[i]), true)
	}
}
