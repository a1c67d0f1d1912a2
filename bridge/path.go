package bridge

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// StructuralPath identifies a node in the document tree by the sequence of
// child indices from the root. The wire form is dot-separated, e.g. "0.1.0".
// A path is only meaningful against the last document the surface rendered;
// a path computed against a stale document must be revalidated before use.
type StructuralPath []int

var RootPath = StructuralPath{}

func ParsePath(pathStr string) (StructuralPath, error) {
	if pathStr == "" {
		return RootPath, nil
	}
	segments := strings.Split(pathStr, ".")
	path := make(StructuralPath, len(segments))
	for i, segment := range segments {
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("Bad path segment %q in %q", segment, pathStr)
		}
		path[i] = index
	}
	return path, nil
}

func RequirePath(pathStr string) StructuralPath {
	path, err := ParsePath(pathStr)
	if err != nil {
		panic(err)
	}
	return path
}

func (self StructuralPath) String() string {
	if len(self) == 0 {
		return ""
	}
	segments := make([]string, len(self))
	for i, index := range self {
		segments[i] = strconv.Itoa(index)
	}
	return strings.Join(segments, ".")
}

func (self StructuralPath) IsRoot() bool {
	return len(self) == 0
}

func (self StructuralPath) Parent() StructuralPath {
	if len(self) == 0 {
		return nil
	}
	return slices.Clone(self[:len(self)-1])
}

func (self StructuralPath) Child(index int) StructuralPath {
	child := make(StructuralPath, len(self)+1)
	copy(child, self)
	child[len(self)] = index
	return child
}

// Leaf is the last segment, the index of the node among its siblings.
func (self StructuralPath) Leaf() int {
	if len(self) == 0 {
		return -1
	}
	return self[len(self)-1]
}

func (self StructuralPath) Equal(path StructuralPath) bool {
	return slices.Equal(self, path)
}

func (self StructuralPath) HasPrefix(prefix StructuralPath) bool {
	if len(self) < len(prefix) {
		return false
	}
	return slices.Equal(self[:len(prefix)], prefix)
}

// Compare orders paths by document order. An ancestor sorts before its
// descendants.
func (self StructuralPath) Compare(path StructuralPath) int {
	return slices.Compare(self, path)
}

func (self StructuralPath) Clone() StructuralPath {
	return slices.Clone(self)
}
