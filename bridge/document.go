package bridge

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/stagelink/stagelink/protocol"
)

// a path that does not exist in the current document
var ErrPathNotFound = errors.New("Path not found in document.")

// Document is the ordered tree of block, inline and text nodes. The bridge
// keeps a shadow copy that local edits are written into between round trips;
// the host owns the source of truth.
type Document []*protocol.Node

func DecodeDocument(data []byte) (Document, error) {
	var document Document
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	return document, nil
}

func (self Document) Encode() ([]byte, error) {
	return json.Marshal([]*protocol.Node(self))
}

func (self Document) NodeAt(path StructuralPath) (*protocol.Node, error) {
	nodes := []*protocol.Node(self)
	var node *protocol.Node
	for _, index := range path {
		if index < 0 || len(nodes) <= index {
			return nil, ErrPathNotFound
		}
		node = nodes[index]
		nodes = node.Children
	}
	if node == nil {
		return nil, ErrPathNotFound
	}
	return node, nil
}

// TextLeafAt resolves a path that addresses a text leaf. Model leaves are
// addressed by their parent element's path plus their sibling index.
func (self Document) TextLeafAt(path StructuralPath) (*protocol.Node, error) {
	node, err := self.NodeAt(path)
	if err != nil {
		return nil, err
	}
	if !node.IsText() {
		return nil, ErrPathNotFound
	}
	return node, nil
}

// PlainText concatenates all text leaves under the node at path, in order.
func (self Document) PlainText(path StructuralPath) (string, error) {
	node, err := self.NodeAt(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	collectText(node, &b)
	return b.String(), nil
}

func collectText(node *protocol.Node, b *strings.Builder) {
	// explicit stack, arbitrary nesting depth
	stack := []*protocol.Node{node}
	for 0 < len(stack) {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsText() {
			b.WriteString(*n.Text)
			continue
		}
		for i := len(n.Children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, n.Children[i])
		}
	}
}

// SetLeafText replaces the text of the leaf at path.
func (self Document) SetLeafText(path StructuralPath, text string) error {
	leaf, err := self.TextLeafAt(path)
	if err != nil {
		return err
	}
	leaf.Text = &text
	return nil
}

// ReplaceFieldText replaces the children of the element at path with a
// single text leaf. Used for plain and multiline fields where the host does
// not keep inline structure.
func (self Document) ReplaceFieldText(path StructuralPath, text string) error {
	node, err := self.NodeAt(path)
	if err != nil {
		return err
	}
	if node.IsText() {
		node.Text = &text
		return nil
	}
	node.Children = []*protocol.Node{protocol.TextNode(text)}
	return nil
}

// InsertText splices text into the leaf at point. Offsets are in runes so
// multi-byte text lands where the cursor is.
func (self Document) InsertText(point SelectionPoint, text string) error {
	leaf, err := self.TextLeafAt(point.Path)
	if err != nil {
		return err
	}
	runes := []rune(*leaf.Text)
	offset := point.Offset
	if offset < 0 {
		offset = 0
	}
	if len(runes) < offset {
		offset = len(runes)
	}
	next := string(runes[:offset]) + text + string(runes[offset:])
	leaf.Text = &next
	return nil
}

func (self Document) Clone() Document {
	cloned := make(Document, len(self))
	for i, node := range self {
		cloned[i] = cloneNode(node)
	}
	return cloned
}

func cloneNode(node *protocol.Node) *protocol.Node {
	cloned := &protocol.Node{
		Type: node.Type,
	}
	if node.IsText() {
		text := *node.Text
		cloned.Text = &text
	}
	if node.Children != nil {
		cloned.Children = make([]*protocol.Node, len(node.Children))
		for i, child := range node.Children {
			cloned.Children[i] = cloneNode(child)
		}
	}
	return cloned
}

type WalkFunc func(path StructuralPath, node *protocol.Node) bool

// Walk visits every node in document order. Return false from the callback
// to stop. Iterative so that nesting depth is unbounded.
func (self Document) Walk(walkFn WalkFunc) {
	type frame struct {
		path StructuralPath
		node *protocol.Node
	}
	stack := []*frame{}
	for i := len(self) - 1; 0 <= i; i -= 1 {
		stack = append(stack, &frame{
			path: StructuralPath{i},
			node: self[i],
		})
	}
	for 0 < len(stack) {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !walkFn(f.path, f.node) {
			return
		}
		for i := len(f.node.Children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, &frame{
				path: f.path.Child(i),
				node: f.node.Children[i],
			})
		}
	}
}
