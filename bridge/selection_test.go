package bridge

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

func renderedCodec(t *testing.T, document Document) (*SelectionCodec, *renderedView) {
	t.Helper()
	renderer := newTestRenderer()
	root, err := renderer.Render(document)
	assert.Equal(t, err, nil)
	return NewSelectionCodec(document, root), newRenderedView(root)
}

func findRun(t *testing.T, view *renderedView, pathStr string, runIndex int) *html.Node {
	t.Helper()
	el := view.find(RequirePath(pathStr))
	assert.NotEqual(t, el, nil)
	runs := textRunsUnder(el)
	if len(runs) <= runIndex {
		t.Fatalf("no run %d under %s", runIndex, pathStr)
	}
	return runs[runIndex]
}

func TestSerializeInlinePoint(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("Hello "),
			protocol.ElementNode("strong",
				protocol.TextNode("world"),
			),
		),
	}
	codec, view := renderedCodec(t, document)
	paragraph := view.find(RequirePath("0"))

	// cursor at the end of "world" inside the inline element
	world := findRun(t, view, "0.1", 0)
	point, err := codec.SerializePoint(RenderPoint{Node: world, Offset: 5}, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.1.0")
	assert.Equal(t, point.Offset, 5)

	// and back
	renderPoint, err := codec.DeserializePoint(point)
	assert.Equal(t, err, nil)
	assert.Equal(t, renderPoint.Node, world)
	assert.Equal(t, renderPoint.Offset, 5)
}

func TestSelectionRoundTrip(t *testing.T) {
	document := testDocument()
	codec, view := renderedCodec(t, document)
	hero := view.find(RequirePath("0"))

	hello := findRun(t, view, "0.1", 0)
	world := findRun(t, view, "0.1.1", 0)

	selection, err := codec.SerializeSelection(
		RenderPoint{Node: hello, Offset: 2},
		RenderPoint{Node: world, Offset: 3},
		hero,
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, selection.Anchor.Path.String(), "0.1.0")
	assert.Equal(t, selection.Anchor.Offset, 2)
	assert.Equal(t, selection.Focus.Path.String(), "0.1.1.0")
	assert.Equal(t, selection.Focus.Offset, 3)

	anchor, focus, err := codec.DeserializeSelection(selection)
	assert.Equal(t, err, nil)
	assert.Equal(t, anchor.Node, hello)
	assert.Equal(t, anchor.Offset, 2)
	assert.Equal(t, focus.Node, world)
	assert.Equal(t, focus.Offset, 3)
}

func TestSerializeCollapsedWhitespace(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("Hello   world"),
		),
	}
	codec, view := renderedCodec(t, document)
	paragraph := view.find(RequirePath("0"))
	run := findRun(t, view, "0", 0)

	// a raw offset inside the collapsed whitespace serializes to the
	// visible offset of the single rendered space
	point, err := codec.SerializePoint(RenderPoint{Node: run, Offset: 7}, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.0")
	assert.Equal(t, point.Offset, 6)

	// deserializing lands at an equivalent raw position
	renderPoint, err := codec.DeserializePoint(point)
	assert.Equal(t, err, nil)
	assert.Equal(t, renderPoint.Node, run)
	again, err := codec.SerializePoint(renderPoint, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, again.Equal(point), true)
}

func TestSerializeUnboundWhitespaceFallback(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("content"),
		),
	}
	renderer := newTestRenderer()
	root, err := renderer.Render(document)
	assert.Equal(t, err, nil)

	// rendering artifacts: whitespace text outside any bound element
	leading := &html.Node{Type: html.TextNode, Data: "\n  "}
	root.InsertBefore(leading, root.FirstChild)
	trailing := &html.Node{Type: html.TextNode, Data: "\n"}
	root.AppendChild(trailing)

	codec := NewSelectionCodec(document, root)
	view := newRenderedView(root)
	paragraph := view.find(RequirePath("0"))

	// before all content resolves to the start of the first bound text
	point, err := codec.SerializePoint(RenderPoint{Node: leading, Offset: 1}, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.0")
	assert.Equal(t, point.Offset, 0)

	// after all content resolves to the end of the last bound text
	point, err = codec.SerializePoint(RenderPoint{Node: trailing, Offset: 0}, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.0")
	assert.Equal(t, point.Offset, 7)

	// without any bound content the unit is not structured
	bare := &html.Node{Type: html.ElementNode, Data: "div"}
	bareText := &html.Node{Type: html.TextNode, Data: " "}
	bare.AppendChild(bareText)
	_, err = codec.SerializePoint(RenderPoint{Node: bareText, Offset: 0}, bare)
	assert.Equal(t, err, ErrNotStructured)
}

func TestSerializeWhitespaceBetweenUnits(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph", protocol.TextNode("aaa")),
		protocol.ElementNode("paragraph", protocol.TextNode("bbb")),
		protocol.ElementNode("paragraph", protocol.TextNode("ccc")),
	}
	renderer := newTestRenderer()
	root, err := renderer.Render(document)
	assert.Equal(t, err, nil)

	// a rendering artifact between the first two paragraphs
	artifact := &html.Node{Type: html.TextNode, Data: "\n  "}
	root.InsertBefore(artifact, root.FirstChild.NextSibling)

	codec := NewSelectionCodec(document, root)

	// the nearest preceding bound text wins, not the last of the tree
	point, err := codec.SerializePoint(RenderPoint{Node: artifact, Offset: 1}, root)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.0")
	assert.Equal(t, point.Offset, 3)
}

func TestSerializeWhitespaceInsideUnit(t *testing.T) {
	document := Document{
		protocol.ElementNode("unit",
			protocol.ElementNode("paragraph", protocol.TextNode("aaa")),
			protocol.ElementNode("paragraph", protocol.TextNode("bbb")),
		),
	}
	renderer := newTestRenderer()
	root, err := renderer.Render(document)
	assert.Equal(t, err, nil)
	view := newRenderedView(root)
	unit := view.find(RequirePath("0"))

	// a rendering artifact between the bound children of the unit; it has
	// no model counterpart and must not shift offsets
	artifact := &html.Node{Type: html.TextNode, Data: "\n  "}
	unit.InsertBefore(artifact, view.find(RequirePath("0.0")).NextSibling)

	codec := NewSelectionCodec(document, root)

	// before the collapsed space: the end of the first paragraph
	point, err := codec.SerializePoint(RenderPoint{Node: artifact, Offset: 0}, unit)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.0.0")
	assert.Equal(t, point.Offset, 3)

	// past the collapsed space: the start of the second paragraph
	point, err = codec.SerializePoint(RenderPoint{Node: artifact, Offset: 3}, unit)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.1.0")
	assert.Equal(t, point.Offset, 0)

	// text offsets inside the second paragraph stay in model terms
	bbb := findRun(t, view, "0.1", 0)
	point, err = codec.SerializePoint(RenderPoint{Node: bbb, Offset: 1}, unit)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.1.0")
	assert.Equal(t, point.Offset, 1)
}

func TestSerializeModelWhitespaceLeaf(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.ElementNode("strong", protocol.TextNode("a")),
			protocol.TextNode(" "),
			protocol.ElementNode("strong", protocol.TextNode("b")),
		),
	}
	codec, view := renderedCodec(t, document)
	paragraph := view.find(RequirePath("0"))

	// a whitespace leaf the model itself carries still counts
	b := findRun(t, view, "0.2", 0)
	point, err := codec.SerializePoint(RenderPoint{Node: b, Offset: 1}, paragraph)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "0.2.0")
	assert.Equal(t, point.Offset, 1)
}

func TestCursorExitPlaceholder(t *testing.T) {
	empty := ""
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("ab"),
			protocol.ElementNode("strong",
				protocol.TextNode("cd"),
			),
			&protocol.Node{Text: &empty},
		),
	}
	codec, view := renderedCodec(t, document)
	paragraph := view.find(RequirePath("0"))
	strong := view.find(RequirePath("0.1"))

	// a collapsed cursor on the empty leaf after the inline element
	// anchors on a zero-width placeholder after that element
	renderPoint, err := codec.DeserializePoint(SelectionPoint{
		Path:   RequirePath("0.2"),
		Offset: 0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, renderPoint.Node.Type, html.TextNode)
	assert.Equal(t, isPlaceholderRun(renderPoint.Node), true)
	assert.Equal(t, renderPoint.Node.Parent, paragraph)
	assert.Equal(t, renderPoint.Node.PrevSibling, strong)

	// resolving the same point again reuses the placeholder
	again, err := codec.DeserializePoint(SelectionPoint{
		Path:   RequirePath("0.2"),
		Offset: 0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, again.Node, renderPoint.Node)
}

func TestProspectiveFormattingPlaceholder(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("ab"),
			protocol.ElementNode("strong"),
		),
	}
	codec, view := renderedCodec(t, document)
	strong := view.find(RequirePath("0.1"))

	// the cursor sits inside the empty inline element so the next
	// keystroke lands there
	renderPoint, err := codec.DeserializePoint(SelectionPoint{
		Path:   RequirePath("0.1"),
		Offset: 0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, isPlaceholderRun(renderPoint.Node), true)
	assert.Equal(t, renderPoint.Node.Parent, strong)
}

func TestDeserializeLaggingView(t *testing.T) {
	document := Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("abcdef"),
		),
	}
	renderer := newTestRenderer()
	root, err := renderer.Render(Document{
		protocol.ElementNode("paragraph",
			protocol.TextNode("abc"),
		),
	})
	assert.Equal(t, err, nil)

	// the view still shows the shorter text; the point past its end is
	// unresolvable, not defaulted
	codec := NewSelectionCodec(document, root)
	_, err = codec.DeserializePoint(SelectionPoint{
		Path:   RequirePath("0.0"),
		Offset: 5,
	})
	assert.Equal(t, err, ErrUnresolvable)
}

func TestSerializeElementPoint(t *testing.T) {
	document := testDocument()
	codec, view := renderedCodec(t, document)
	gallery := view.find(RequirePath("1"))

	// an element-granular point between the second and third slide
	point, err := codec.SerializePoint(RenderPoint{Node: gallery, Offset: 2}, gallery)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "1")
	assert.Equal(t, point.Offset, 2)

	// past the last child clamps to after it
	point, err = codec.SerializePoint(RenderPoint{Node: gallery, Offset: 9}, gallery)
	assert.Equal(t, err, nil)
	assert.Equal(t, point.Path.String(), "1")
	assert.Equal(t, point.Offset, 3)
}
