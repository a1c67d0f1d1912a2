package bridge

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// PathAttr is the binding attribute. A rendered element is bound to the
// model node whose structural path it carries; elements without the
// attribute are transparent wrappers and are skipped, not counted.
const PathAttr = "data-stage-path"

// zero-width cursor anchor inserted into rendered text only, never into the
// model. Stripped before any text is read back.
const placeholderRune = '​'

const placeholderText = string(placeholderRune)

func isZeroWidth(r rune) bool {
	return r == placeholderRune || r == '\ufeff'
}

func boundPath(node *html.Node) (StructuralPath, bool) {
	if node == nil || node.Type != html.ElementNode {
		return nil, false
	}
	for _, attr := range node.Attr {
		if attr.Key == PathAttr {
			path, err := ParsePath(attr.Val)
			if err != nil {
				return nil, false
			}
			return path, true
		}
	}
	return nil, false
}

// nearestBound walks from node through its ancestors to the closest bound
// element.
func nearestBound(node *html.Node) (*html.Node, StructuralPath, bool) {
	for n := node; n != nil; n = n.Parent {
		if path, ok := boundPath(n); ok {
			return n, path, true
		}
	}
	return nil, nil, false
}

type renderedView struct {
	root *html.Node
}

func newRenderedView(root *html.Node) *renderedView {
	return &renderedView{
		root: root,
	}
}

// find resolves a structural path to its rendered element. When multiple
// adjacent elements share the path (a node plus its own wrapper), the first
// in document order is authoritative.
func (self *renderedView) find(path StructuralPath) *html.Node {
	if self.root == nil {
		return nil
	}
	return htmlquery.FindOne(self.root, fmt.Sprintf("//*[@%s='%s']", PathAttr, path.String()))
}

// findGroup returns every element bound to the path, authoritative first.
func (self *renderedView) findGroup(path StructuralPath) []*html.Node {
	if self.root == nil {
		return nil
	}
	return htmlquery.Find(self.root, fmt.Sprintf("//*[@%s='%s']", PathAttr, path.String()))
}

// boundChildren returns the immediate bound descendants of el: bound
// elements reachable without passing through another bound element.
// Wrapper collapsing applies, so the group for one path contributes a single
// entry.
func boundChildren(el *html.Node) []*html.Node {
	children := []*html.Node{}
	seenPaths := map[string]bool{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if path, ok := boundPath(c); ok {
				if !seenPaths[path.String()] {
					seenPaths[path.String()] = true
					children = append(children, c)
				}
				continue
			}
			walk(c)
		}
	}
	walk(el)
	return children
}

// textRunsUnder returns the text nodes under el in document order.
func textRunsUnder(el *html.Node) []*html.Node {
	runs := []*html.Node{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				runs = append(runs, c)
				continue
			}
			walk(c)
		}
	}
	walk(el)
	return runs
}

// firstBoundText and lastBoundText anchor the unbound-whitespace fallback:
// a point outside any bound element resolves to the first or last text run
// inside a bound element of the unit.
func firstBoundText(unit *html.Node) *html.Node {
	for _, run := range textRunsUnder(unit) {
		if _, _, ok := nearestBound(run); ok && !isPlaceholderRun(run) {
			return run
		}
	}
	return nil
}

func lastBoundText(unit *html.Node) *html.Node {
	runs := textRunsUnder(unit)
	for i := len(runs) - 1; 0 <= i; i -= 1 {
		if _, _, ok := nearestBound(runs[i]); ok && !isPlaceholderRun(runs[i]) {
			return runs[i]
		}
	}
	return nil
}

// precedingBoundText is the closest bound text run of the unit before node
// in document order; followingBoundText the closest one after it.
func precedingBoundText(unit *html.Node, node *html.Node) *html.Node {
	var preceding *html.Node
	for _, run := range textRunsUnder(unit) {
		if _, _, ok := nearestBound(run); !ok || isPlaceholderRun(run) {
			continue
		}
		if 0 <= compareNodeOrder(run, node) {
			break
		}
		preceding = run
	}
	return preceding
}

func followingBoundText(unit *html.Node, node *html.Node) *html.Node {
	for _, run := range textRunsUnder(unit) {
		if _, _, ok := nearestBound(run); !ok || isPlaceholderRun(run) {
			continue
		}
		if 0 < compareNodeOrder(run, node) {
			return run
		}
	}
	return nil
}

func isPlaceholderRun(run *html.Node) bool {
	for _, r := range run.Data {
		if !isZeroWidth(r) {
			return false
		}
	}
	return true
}

// isWhitespaceRun reports a non-empty run of only whitespace and zero-width
// anchors with at least one whitespace character.
func isWhitespaceRun(run *html.Node) bool {
	if isPlaceholderRun(run) {
		return false
	}
	for _, r := range run.Data {
		if !isZeroWidth(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// hasBoundContent reports whether the unit contains any bound descendant.
// A unit without bound content is not a structured field at all.
func hasBoundContent(unit *html.Node) bool {
	return 0 < len(boundChildren(unit))
}

// renderedLength counts the visible characters of raw text the way the
// rendered view shows it: runs of whitespace collapse to one space and
// zero-width anchors do not count. precededBySpace carries collapsing state
// across adjacent runs.
func renderedLength(text string, precededBySpace bool) (length int, endsInSpace bool) {
	endsInSpace = precededBySpace
	for _, r := range text {
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if endsInSpace {
				continue
			}
			endsInSpace = true
			length += 1
			continue
		}
		endsInSpace = false
		length += 1
	}
	return length, endsInSpace
}

// renderedPrefixLength counts visible characters of text[:rawOffset] where
// rawOffset is a rune offset into the raw run.
func renderedPrefixLength(text string, rawOffset int, precededBySpace bool) int {
	runes := []rune(text)
	if len(runes) < rawOffset {
		rawOffset = len(runes)
	}
	length, _ := renderedLength(string(runes[:rawOffset]), precededBySpace)
	return length
}

// rawOffsetForRendered maps a visible-character offset back to a rune offset
// into the raw run. ok is false when the run is shorter than the requested
// offset; the remainder is returned so the caller can continue into the
// next run.
func rawOffsetForRendered(text string, renderedOffset int, precededBySpace bool) (rawOffset int, remainder int, endsInSpace bool, ok bool) {
	remaining := renderedOffset
	endsInSpace = precededBySpace
	for i, r := range []rune(text) {
		if remaining == 0 {
			return i, 0, endsInSpace, true
		}
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if endsInSpace {
				continue
			}
			endsInSpace = true
			remaining -= 1
			continue
		}
		endsInSpace = false
		remaining -= 1
	}
	if remaining == 0 {
		return len([]rune(text)), 0, endsInSpace, true
	}
	return 0, remaining, endsInSpace, false
}

// stripPlaceholders removes zero-width cursor anchors before text is read
// back into the model.
func stripPlaceholders(text string) string {
	if !strings.ContainsRune(text, placeholderRune) && !strings.ContainsRune(text, '\ufeff') {
		return text
	}
	var b strings.Builder
	for _, r := range text {
		if isZeroWidth(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// compareNodeOrder orders two nodes by document position: -1 when a precedes
// b. Ancestors precede descendants.
func compareNodeOrder(a *html.Node, b *html.Node) int {
	if a == b {
		return 0
	}
	ancestorsA := nodeAncestors(a)
	ancestorsB := nodeAncestors(b)
	i := 0
	for i < len(ancestorsA) && i < len(ancestorsB) && ancestorsA[i] == ancestorsB[i] {
		i += 1
	}
	if i == len(ancestorsA) {
		// a is an ancestor of b
		return -1
	}
	if i == len(ancestorsB) {
		return 1
	}
	// compare the diverging siblings
	for sibling := ancestorsA[i]; sibling != nil; sibling = sibling.NextSibling {
		if sibling == ancestorsB[i] {
			return -1
		}
	}
	return 1
}

func nodeAncestors(node *html.Node) []*html.Node {
	chain := []*html.Node{}
	for n := node; n != nil; n = n.Parent {
		chain = append(chain, n)
	}
	// root first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// insertTextAfter splices a new text node immediately after ref inside
// parent.
func insertTextAfter(parent *html.Node, ref *html.Node, text string) *html.Node {
	textNode := &html.Node{
		Type: html.TextNode,
		Data: text,
	}
	parent.InsertBefore(textNode, ref.NextSibling)
	return textNode
}

// appendText appends a text node as the last child of el.
func appendText(el *html.Node, text string) *html.Node {
	textNode := &html.Node{
		Type: html.TextNode,
		Data: text,
	}
	el.AppendChild(textNode)
	return textNode
}
