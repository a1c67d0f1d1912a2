package bridge

import (
	"slices"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/stagelink/stagelink/protocol"
)

func TestDocumentNodeAt(t *testing.T) {
	document := testDocument()

	hero, err := document.NodeAt(RequirePath("0"))
	assert.Equal(t, err, nil)
	assert.Equal(t, hero.Type, "hero")

	leaf, err := document.TextLeafAt(RequirePath("0.0.0"))
	assert.Equal(t, err, nil)
	assert.Equal(t, *leaf.Text, "Title")

	_, err = document.NodeAt(RequirePath("0.9"))
	assert.Equal(t, err, ErrPathNotFound)

	// an element path is not a text leaf
	_, err = document.TextLeafAt(RequirePath("0.0"))
	assert.Equal(t, err, ErrPathNotFound)
}

func TestDocumentPlainText(t *testing.T) {
	document := testDocument()

	text, err := document.PlainText(RequirePath("0.1"))
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "Hello world")

	text, err = document.PlainText(RequirePath("0"))
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "TitleHello world")
}

func TestDocumentInsertText(t *testing.T) {
	document := testDocument()

	err := document.InsertText(SelectionPoint{
		Path:   RequirePath("0.1.1.0"),
		Offset: 5,
	}, "!")
	assert.Equal(t, err, nil)

	text, err := document.PlainText(RequirePath("0.1"))
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "Hello world!")

	// offsets past the end clamp to the end
	err = document.InsertText(SelectionPoint{
		Path:   RequirePath("0.0.0"),
		Offset: 100,
	}, "?")
	assert.Equal(t, err, nil)
	leaf, _ := document.TextLeafAt(RequirePath("0.0.0"))
	assert.Equal(t, *leaf.Text, "Title?")
}

func TestDocumentReplaceFieldText(t *testing.T) {
	document := testDocument()

	err := document.ReplaceFieldText(RequirePath("0.1"), "plain")
	assert.Equal(t, err, nil)

	node, _ := document.NodeAt(RequirePath("0.1"))
	assert.Equal(t, len(node.Children), 1)
	assert.Equal(t, node.Children[0].IsText(), true)
	assert.Equal(t, *node.Children[0].Text, "plain")
}

func TestDocumentClone(t *testing.T) {
	document := testDocument()
	cloned := document.Clone()

	err := cloned.SetLeafText(RequirePath("0.0.0"), "Changed")
	assert.Equal(t, err, nil)

	original, _ := document.TextLeafAt(RequirePath("0.0.0"))
	assert.Equal(t, *original.Text, "Title")
	changed, _ := cloned.TextLeafAt(RequirePath("0.0.0"))
	assert.Equal(t, *changed.Text, "Changed")
}

func TestDocumentWalk(t *testing.T) {
	document := testDocument()

	paths := []string{}
	document.Walk(func(path StructuralPath, node *protocol.Node) bool {
		paths = append(paths, path.String())
		return true
	})

	// document order, parents before children
	assert.Equal(t, paths[0], "0")
	assert.Equal(t, paths[1], "0.0")
	assert.Equal(t, paths[2], "0.0.0")
	assert.Equal(t, slices.Contains(paths, "1.2.0.0"), true)

	// early stop
	count := 0
	document.Walk(func(path StructuralPath, node *protocol.Node) bool {
		count += 1
		return false
	})
	assert.Equal(t, count, 1)
}
