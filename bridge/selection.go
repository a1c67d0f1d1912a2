package bridge

import (
	"errors"
	"strings"

	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

// the point cannot be resolved yet. Retry after the next render settles,
// never guess a default position.
var ErrUnresolvable = errors.New("Selection point not resolvable in the rendered view.")

// the unit carries no bound content at all, so it is not a structured field
var ErrNotStructured = errors.New("Unit has no bound content.")

// SelectionPoint addresses the position Offset visible characters into the
// text run at Path.
type SelectionPoint struct {
	Path   StructuralPath
	Offset int
}

func (self SelectionPoint) Equal(point SelectionPoint) bool {
	return self.Path.Equal(point.Path) && self.Offset == point.Offset
}

func (self SelectionPoint) toProtocol() protocol.Point {
	return protocol.Point{
		Path:   self.Path.String(),
		Offset: self.Offset,
	}
}

type Selection struct {
	Anchor SelectionPoint
	Focus  SelectionPoint
}

func (self Selection) IsCollapsed() bool {
	return self.Anchor.Equal(self.Focus)
}

func (self Selection) Equal(selection Selection) bool {
	return self.Anchor.Equal(selection.Anchor) && self.Focus.Equal(selection.Focus)
}

func (self Selection) toProtocol() *protocol.Selection {
	return &protocol.Selection{
		Anchor: self.Anchor.toProtocol(),
		Focus:  self.Focus.toProtocol(),
	}
}

func selectionPointFromProtocol(point protocol.Point) (SelectionPoint, error) {
	path, err := ParsePath(point.Path)
	if err != nil {
		return SelectionPoint{}, err
	}
	return SelectionPoint{
		Path:   path,
		Offset: point.Offset,
	}, nil
}

func selectionFromProtocol(selection *protocol.Selection) (Selection, error) {
	anchor, err := selectionPointFromProtocol(selection.Anchor)
	if err != nil {
		return Selection{}, err
	}
	focus, err := selectionPointFromProtocol(selection.Focus)
	if err != nil {
		return Selection{}, err
	}
	return Selection{
		Anchor: anchor,
		Focus:  focus,
	}, nil
}

// RenderPoint is a live position in the rendered view: a rune offset into a
// text node, or a child index into an element.
type RenderPoint struct {
	Node   *html.Node
	Offset int
}

// SelectionCodec maps between rendered positions and structural selection
// points. It is only valid against the document the view was rendered from.
type SelectionCodec struct {
	document Document
	view     *renderedView
}

func NewSelectionCodec(document Document, root *html.Node) *SelectionCodec {
	return &SelectionCodec{
		document: document,
		view:     newRenderedView(root),
	}
}

func (self *SelectionCodec) SerializeSelection(anchor RenderPoint, focus RenderPoint, unit *html.Node) (Selection, error) {
	anchorPoint, err := self.SerializePoint(anchor, unit)
	if err != nil {
		return Selection{}, err
	}
	focusPoint, err := self.SerializePoint(focus, unit)
	if err != nil {
		return Selection{}, err
	}
	return Selection{
		Anchor: anchorPoint,
		Focus:  focusPoint,
	}, nil
}

// SerializePoint maps a live rendered position to a structural selection
// point. unit is the editable unit containing the position; it anchors the
// fallback for whitespace artifacts outside any bound element.
func (self *SelectionCodec) SerializePoint(point RenderPoint, unit *html.Node) (SelectionPoint, error) {
	if point.Node == nil {
		return SelectionPoint{}, ErrUnresolvable
	}
	switch point.Node.Type {
	case html.TextNode:
		return self.serializeTextPoint(point.Node, point.Offset, unit)
	case html.ElementNode:
		return self.serializeElementPoint(point.Node, point.Offset, unit)
	default:
		return SelectionPoint{}, ErrUnresolvable
	}
}

func (self *SelectionCodec) serializeTextPoint(run *html.Node, rawOffset int, unit *html.Node) (SelectionPoint, error) {
	el, elPath, ok := nearestBound(run)
	if !ok {
		// an ignorable whitespace artifact outside any bound element.
		// The nearest preceding bound text of the unit wins and the
		// point lands at its rendered end; only a point before all
		// content resolves forward.
		if unit == nil || !hasBoundContent(unit) {
			return SelectionPoint{}, ErrNotStructured
		}
		if preceding := precedingBoundText(unit, run); preceding != nil {
			return self.serializeTextPoint(preceding, len([]rune(preceding.Data)), unit)
		}
		if following := followingBoundText(unit, run); following != nil {
			return self.serializeTextPoint(following, 0, unit)
		}
		return SelectionPoint{}, ErrUnresolvable
	}
	absolute, snapForward := self.absoluteOffset(el, elPath, run, rawOffset)
	return self.modelPoint(elPath, absolute, snapForward)
}

// absoluteOffset is the visible-character offset of (run, rawOffset) from
// the start of el's rendered text, with whitespace collapsing carried
// across runs and zero-width anchors excluded. Whitespace runs the renderer
// injected directly under el with no model counterpart are skipped so the
// offset stays in model terms; snapForward reports that the point sits past
// such a run's collapsed space and belongs on the following model text.
func (self *SelectionCodec) absoluteOffset(el *html.Node, elPath StructuralPath, run *html.Node, rawOffset int) (int, bool) {
	countWhitespace := self.modelHasWhitespaceLeaf(elPath)
	absolute := 0
	endsInSpace := true
	for _, r := range textRunsUnder(el) {
		artifact := false
		if !countWhitespace && isWhitespaceRun(r) {
			if bound, _, ok := nearestBound(r); ok && bound == el {
				artifact = true
			}
		}
		if r == run {
			if artifact {
				return absolute, 0 < renderedPrefixLength(r.Data, rawOffset, endsInSpace)
			}
			absolute += renderedPrefixLength(r.Data, rawOffset, endsInSpace)
			return absolute, false
		}
		if artifact {
			continue
		}
		length, nextEndsInSpace := renderedLength(r.Data, endsInSpace)
		absolute += length
		endsInSpace = nextEndsInSpace
	}
	return absolute, false
}

// modelHasWhitespaceLeaf reports whether the element at elPath carries a
// whitespace-only text child of its own. When it does, whitespace runs
// under the rendered element are model text; when it does not, they are
// templating artifacts.
func (self *SelectionCodec) modelHasWhitespaceLeaf(elPath StructuralPath) bool {
	node, err := self.document.NodeAt(elPath)
	if err != nil {
		return true
	}
	for _, child := range node.Children {
		if child.IsText() && *child.Text != "" && strings.TrimSpace(*child.Text) == "" {
			return true
		}
	}
	return false
}

// modelPoint maps a visible-character offset within the element at elPath
// to a text-leaf selection point, descending through element children.
// preferNext resolves an offset on a child boundary to the start of the
// next child instead of the end of the previous one.
func (self *SelectionCodec) modelPoint(elPath StructuralPath, absolute int, preferNext bool) (SelectionPoint, error) {
	return self.modelPointWithState(elPath, absolute, true, preferNext)
}

func (self *SelectionCodec) modelPointWithState(elPath StructuralPath, absolute int, endsInSpace bool, preferNext bool) (SelectionPoint, error) {
	node, err := self.document.NodeAt(elPath)
	if err != nil {
		return SelectionPoint{}, err
	}
	cum := 0
	lastTextIndex := -1
	lastTextLength := 0
	for i, child := range node.Children {
		var text string
		if child.IsText() {
			text = *child.Text
		} else {
			text = nodePlainText(child)
		}
		length, nextEndsInSpace := renderedLength(text, endsInSpace)
		if absolute < cum+length || (absolute == cum+length && !preferNext) {
			if child.IsText() {
				return SelectionPoint{
					Path:   elPath.Child(i),
					Offset: absolute - cum,
				}, nil
			}
			return self.modelPointWithState(elPath.Child(i), absolute-cum, endsInSpace, preferNext)
		}
		cum += length
		endsInSpace = nextEndsInSpace
		if child.IsText() {
			lastTextIndex = i
			lastTextLength = length
		}
	}
	if 0 <= lastTextIndex {
		// past the end of the element's text, clamp to the last leaf
		return SelectionPoint{
			Path:   elPath.Child(lastTextIndex),
			Offset: lastTextLength,
		}, nil
	}
	return SelectionPoint{
		Path:   elPath,
		Offset: 0,
	}, nil
}

// serializeElementPoint maps an element-granular position. The sibling
// index is parsed from the last path segment of the nearest bound element,
// not counted from rendered siblings, because wrapper collapsing lets
// multiple rendered elements share one path.
func (self *SelectionCodec) serializeElementPoint(el *html.Node, childIndex int, unit *html.Node) (SelectionPoint, error) {
	children := elementChildren(el)
	if len(children) == 0 {
		// position the point inside the element itself
		_, elPath, ok := nearestBound(el)
		if !ok {
			if unit == nil || !hasBoundContent(unit) {
				return SelectionPoint{}, ErrNotStructured
			}
			return SelectionPoint{}, ErrUnresolvable
		}
		return SelectionPoint{
			Path:   elPath,
			Offset: 0,
		}, nil
	}
	after := false
	if len(children) <= childIndex {
		childIndex = len(children) - 1
		after = true
	}
	child := children[childIndex]
	bound, path, ok := nearestBound(child)
	if !ok || bound == el {
		// the child is an unbound wrapper, use its first bound descendant
		descendants := boundChildren(child)
		if len(descendants) == 0 {
			if unit == nil || !hasBoundContent(unit) {
				return SelectionPoint{}, ErrNotStructured
			}
			return SelectionPoint{}, ErrUnresolvable
		}
		path, _ = boundPath(descendants[0])
	}
	index := path.Leaf()
	if after {
		index += 1
	}
	return SelectionPoint{
		Path:   path.Parent(),
		Offset: index,
	}, nil
}

func elementChildren(el *html.Node) []*html.Node {
	children := []*html.Node{}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			children = append(children, c)
		}
	}
	return children
}

func (self *SelectionCodec) DeserializeSelection(selection Selection) (anchor RenderPoint, focus RenderPoint, err error) {
	anchor, err = self.DeserializePoint(selection.Anchor)
	if err != nil {
		return RenderPoint{}, RenderPoint{}, err
	}
	focus, err = self.DeserializePoint(selection.Focus)
	if err != nil {
		return RenderPoint{}, RenderPoint{}, err
	}
	return anchor, focus, nil
}

// DeserializePoint maps a structural selection point to a live rendered
// position. It returns ErrUnresolvable while the rendered view has not yet
// caught up to the document; callers retry instead of defaulting.
func (self *SelectionCodec) DeserializePoint(point SelectionPoint) (RenderPoint, error) {
	node, err := self.document.NodeAt(point.Path)
	if err != nil {
		return RenderPoint{}, err
	}
	if node.IsText() {
		return self.deserializeLeafPoint(point, node)
	}
	return self.deserializeElementPoint(point, node)
}

func (self *SelectionCodec) deserializeLeafPoint(point SelectionPoint, leaf *protocol.Node) (RenderPoint, error) {
	parentPath := point.Path.Parent()
	leafIndex := point.Path.Leaf()
	parent, err := self.document.NodeAt(parentPath)
	if err != nil {
		return RenderPoint{}, err
	}
	el := self.view.find(parentPath)
	if el == nil {
		return RenderPoint{}, ErrUnresolvable
	}

	// absolute offset from the cumulative rendered length of the
	// preceding model siblings
	absolute := 0
	endsInSpace := true
	for i := 0; i < leafIndex && i < len(parent.Children); i += 1 {
		child := parent.Children[i]
		var text string
		if child.IsText() {
			text = *child.Text
		} else {
			text = nodePlainText(child)
		}
		length, nextEndsInSpace := renderedLength(text, endsInSpace)
		absolute += length
		endsInSpace = nextEndsInSpace
	}
	absolute += point.Offset

	leafLength, _ := renderedLength(*leaf.Text, endsInSpace)
	if leafLength == 0 && 0 < leafIndex {
		if prev := parent.Children[leafIndex-1]; !prev.IsText() {
			// cursor exit: a collapsed cursor immediately after an
			// inline element with no following text. Anchor it on a
			// zero-width placeholder inserted after the inline
			// element, in rendered text only.
			return self.cursorExitPoint(parentPath, leafIndex-1)
		}
	}

	renderPoint, ok := self.renderPointAt(el, absolute)
	if !ok {
		return RenderPoint{}, ErrUnresolvable
	}
	return renderPoint, nil
}

func (self *SelectionCodec) deserializeElementPoint(point SelectionPoint, node *protocol.Node) (RenderPoint, error) {
	el := self.view.find(point.Path)
	if el == nil {
		return RenderPoint{}, ErrUnresolvable
	}
	visible := 0
	for _, run := range textRunsUnder(el) {
		length, _ := renderedLength(run.Data, true)
		visible += length
	}
	if len(node.Children) == 0 || (visible == 0 && nodePlainText(node) == "") {
		// prospective formatting: an empty inline element the cursor
		// must sit inside so the next keystroke lands there
		placeholder := self.findPlaceholder(el)
		if placeholder == nil {
			placeholder = appendText(el, placeholderText)
		}
		return RenderPoint{
			Node:   placeholder,
			Offset: len([]rune(placeholder.Data)),
		}, nil
	}

	// element point with a child-index offset
	absolute := 0
	endsInSpace := true
	for i := 0; i < point.Offset && i < len(node.Children); i += 1 {
		child := node.Children[i]
		var text string
		if child.IsText() {
			text = *child.Text
		} else {
			text = nodePlainText(child)
		}
		length, nextEndsInSpace := renderedLength(text, endsInSpace)
		absolute += length
		endsInSpace = nextEndsInSpace
	}
	renderPoint, ok := self.renderPointAt(el, absolute)
	if !ok {
		return RenderPoint{}, ErrUnresolvable
	}
	return renderPoint, nil
}

// cursorExitPoint places the cursor immediately after the inline element at
// parentPath.Child(inlineIndex), inserting a zero-width anchor if the
// rendered view has no text there.
func (self *SelectionCodec) cursorExitPoint(parentPath StructuralPath, inlineIndex int) (RenderPoint, error) {
	inlineEl := self.view.find(parentPath.Child(inlineIndex))
	if inlineEl == nil || inlineEl.Parent == nil {
		return RenderPoint{}, ErrUnresolvable
	}
	if next := inlineEl.NextSibling; next != nil && next.Type == html.TextNode && isPlaceholderRun(next) {
		return RenderPoint{
			Node:   next,
			Offset: len([]rune(next.Data)),
		}, nil
	}
	placeholder := insertTextAfter(inlineEl.Parent, inlineEl, placeholderText)
	return RenderPoint{
		Node:   placeholder,
		Offset: len([]rune(placeholder.Data)),
	}, nil
}

func (self *SelectionCodec) findPlaceholder(el *html.Node) *html.Node {
	for _, run := range textRunsUnder(el) {
		if isPlaceholderRun(run) {
			return run
		}
	}
	return nil
}

// renderPointAt maps a visible-character offset within el to a concrete
// text node and rune offset. ok is false when el's rendered text is shorter
// than the offset, which means the view has not caught up yet.
func (self *SelectionCodec) renderPointAt(el *html.Node, absolute int) (RenderPoint, bool) {
	remaining := absolute
	endsInSpace := true
	var lastRun *html.Node
	for _, run := range textRunsUnder(el) {
		rawOffset, remainder, nextEndsInSpace, ok := rawOffsetForRendered(run.Data, remaining, endsInSpace)
		if ok {
			// a boundary position prefers the end of the current run
			// unless the run is only a zero-width anchor
			if rawOffset == len([]rune(run.Data)) || !isPlaceholderRun(run) {
				return RenderPoint{
					Node:   run,
					Offset: rawOffset,
				}, true
			}
		}
		remaining = remainder
		endsInSpace = nextEndsInSpace
		lastRun = run
	}
	if remaining == 0 && lastRun != nil {
		return RenderPoint{
			Node:   lastRun,
			Offset: len([]rune(lastRun.Data)),
		}, true
	}
	return RenderPoint{}, false
}

func nodePlainText(node *protocol.Node) string {
	var b strings.Builder
	collectText(node, &b)
	return b.String()
}
