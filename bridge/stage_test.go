package bridge

import (
	"flag"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}

// testRenderer renders every element node as a div stamped with its
// structural path. Element types listed as fields additionally carry the
// field attribute; group types carry the group attribute.
type testRenderer struct {
	stateLock sync.Mutex

	fieldTypes map[string]bool
	groupTypes map[string]bool

	root        *html.Node
	invoked     []*html.Node
	busyPaths   map[string]bool
	failedPaths map[string]string
	invokeFn    func(control *html.Node)
}

func newTestRenderer(fieldTypes ...string) *testRenderer {
	fields := map[string]bool{}
	for _, fieldType := range fieldTypes {
		fields[fieldType] = true
	}
	return &testRenderer{
		fieldTypes:  fields,
		groupTypes:  map[string]bool{},
		busyPaths:   map[string]bool{},
		failedPaths: map[string]string{},
	}
}

func (self *testRenderer) Render(document Document) (*html.Node, error) {
	root := &html.Node{
		Type: html.ElementNode,
		Data: "div",
	}
	for i, node := range document {
		root.AppendChild(self.renderNode(node, StructuralPath{i}))
	}
	self.stateLock.Lock()
	self.root = root
	self.stateLock.Unlock()
	return root, nil
}

func (self *testRenderer) renderNode(node *protocol.Node, path StructuralPath) *html.Node {
	if node.IsText() {
		return &html.Node{
			Type: html.TextNode,
			Data: *node.Text,
		}
	}
	el := &html.Node{
		Type: html.ElementNode,
		Data: "div",
		Attr: []html.Attribute{
			{Key: PathAttr, Val: path.String()},
		},
	}
	if self.fieldTypes[node.Type] {
		el.Attr = append(el.Attr, html.Attribute{Key: FieldAttr, Val: node.Type})
	}
	if self.groupTypes[node.Type] {
		el.Attr = append(el.Attr, html.Attribute{Key: GroupAttr, Val: "1"})
	}
	for i, child := range node.Children {
		el.AppendChild(self.renderNode(child, path.Child(i)))
	}
	return el
}

func (self *testRenderer) Root() *html.Node {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.root
}

func (self *testRenderer) Invoke(control *html.Node) {
	self.stateLock.Lock()
	self.invoked = append(self.invoked, control)
	invokeFn := self.invokeFn
	self.stateLock.Unlock()
	if invokeFn != nil {
		invokeFn(control)
	}
}

func (self *testRenderer) InvokeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.invoked)
}

func (self *testRenderer) SetUnitBusy(unit *html.Node, busy bool) {
	path, ok := boundPath(unit)
	if !ok {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.busyPaths[path.String()] = busy
}

func (self *testRenderer) Busy(pathStr string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.busyPaths[pathStr]
}

func (self *testRenderer) SetUnitFailed(unit *html.Node, reason string) {
	path, ok := boundPath(unit)
	if !ok {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.failedPaths[path.String()] = reason
}

func (self *testRenderer) Failed(pathStr string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.failedPaths[pathStr]
}

// testLayout reports geometry from a path-keyed table.
type testLayout struct {
	stateLock sync.Mutex

	root   *html.Node
	rects  map[string]protocol.Rect
	hidden map[string]bool
}

func newTestLayout() *testLayout {
	return &testLayout{
		rects:  map[string]protocol.Rect{},
		hidden: map[string]bool{},
	}
}

func (self *testLayout) setRoot(root *html.Node) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.root = root
}

func (self *testLayout) setBounds(pathStr string, rect protocol.Rect) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.rects[pathStr] = rect
}

func (self *testLayout) setHidden(pathStr string, hidden bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.hidden[pathStr] = hidden
}

func (self *testLayout) Bounds(node *html.Node) (protocol.Rect, bool) {
	path, ok := boundPath(node)
	if !ok {
		return protocol.Rect{}, false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rect, ok := self.rects[path.String()]
	return rect, ok
}

func (self *testLayout) Displayed(node *html.Node) bool {
	path, ok := boundPath(node)
	if !ok {
		return true
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return !self.hidden[path.String()]
}

// ElementFromPoint resolves the deepest bound element whose rect contains
// the point.
func (self *testLayout) ElementFromPoint(x float64, y float64) *html.Node {
	self.stateLock.Lock()
	root := self.root
	self.stateLock.Unlock()
	if root == nil {
		return nil
	}

	var best *html.Node
	bestDepth := -1
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		if path, ok := boundPath(n); ok {
			self.stateLock.Lock()
			rect, hasRect := self.rects[path.String()]
			hidden := self.hidden[path.String()]
			self.stateLock.Unlock()
			if hasRect && !hidden &&
				rect.Left <= x && x < rectRight(rect) &&
				rect.Top <= y && y < rectBottom(rect) &&
				bestDepth < depth {
				best = n
				bestDepth = depth
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return best
}

func testDocument() Document {
	return Document{
		protocol.ElementNode("hero",
			protocol.ElementNode("heading",
				protocol.TextNode("Title"),
			),
			protocol.ElementNode("paragraph",
				protocol.TextNode("Hello "),
				protocol.ElementNode("strong",
					protocol.TextNode("world"),
				),
			),
		),
		protocol.ElementNode("gallery",
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("First"),
				),
			),
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("Second"),
				),
			),
			protocol.ElementNode("slide",
				protocol.ElementNode("caption",
					protocol.TextNode("Third"),
				),
			),
		),
	}
}

func testRegistry() *FieldRegistry {
	registry := NewFieldRegistry()
	registry.DeclareUnit("", nil, []string{"hero", "gallery"})
	registry.DeclareUnit("hero", []protocol.FieldSpec{
		{Name: "heading", Editable: protocol.EditableText},
		{Name: "paragraph", Editable: protocol.EditableRichText},
	}, nil)
	registry.DeclareUnit("gallery", nil, []string{"slide"})
	registry.DeclareUnit("slide", []protocol.FieldSpec{
		{Name: "caption", Editable: protocol.EditableText},
	}, nil)
	return registry
}
