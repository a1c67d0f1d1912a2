package bridge

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

// layout axis override on a container element; anything else is vertical
const AxisAttr = "data-stage-axis"

// marks the floating drag proxy so hit resolution never lands on it
const ProxyAttr = "data-stage-proxy"

// reorderController implements pointer-driven relocation of structural
// units. A drop commits only when the drop indicator was visible at release
// time, which closes the race where a valid target turns invalid between
// hover and release.
type reorderController struct {
	ctx      context.Context
	layout   Layout
	registry *FieldRegistry
	viewFn   func() *renderedView
	docFn    func() Document

	stateLock sync.Mutex
	drag      *dragState
}

type dragState struct {
	sourcePath StructuralPath
	sourceType string
	proxy      *html.Node
	indicator  dropIndicator
}

type dropIndicator struct {
	visible      bool
	targetPath   StructuralPath
	targetParent StructuralPath
	side         protocol.Side
}

func newReorderController(
	ctx context.Context,
	layout Layout,
	registry *FieldRegistry,
	viewFn func() *renderedView,
	docFn func() Document,
) *reorderController {
	return &reorderController{
		ctx:      ctx,
		layout:   layout,
		registry: registry,
		viewFn:   viewFn,
		docFn:    docFn,
	}
}

// Begin clones the unit's visual representation as a floating proxy and
// starts tracking the pointer.
func (self *reorderController) Begin(sourcePath StructuralPath) error {
	view := self.viewFn()
	el := view.find(sourcePath)
	if el == nil {
		return ErrPathNotFound
	}
	node, err := self.docFn().NodeAt(sourcePath)
	if err != nil {
		return err
	}

	proxy := cloneRendered(el)
	proxy.Attr = append(proxy.Attr, html.Attribute{
		Key: ProxyAttr,
		Val: "1",
	})
	stripPathAttrs(proxy)
	if view.root != nil {
		view.root.AppendChild(proxy)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.drag = &dragState{
		sourcePath: sourcePath,
		sourceType: node.Type,
		proxy:      proxy,
	}
	glog.V(1).Infof("[drag]%s begin type = %s\n", sourcePath, node.Type)
	return nil
}

// Move resolves the unit under the pointer to a valid insertion target. The
// indicator is visible only while a fully valid target is resolved.
func (self *reorderController) Move(x float64, y float64) {
	self.stateLock.Lock()
	drag := self.drag
	self.stateLock.Unlock()
	if drag == nil {
		return
	}

	indicator := self.resolveTarget(drag, x, y)

	self.stateLock.Lock()
	if self.drag == drag {
		self.drag.indicator = indicator
	}
	self.stateLock.Unlock()
}

func (self *reorderController) resolveTarget(drag *dragState, x float64, y float64) dropIndicator {
	hit := self.layout.ElementFromPoint(x, y)
	if hit == nil {
		return dropIndicator{}
	}
	if isProxy(hit) {
		return dropIndicator{}
	}

	document := self.docFn()
	// walk up from the unit under the pointer to the nearest ancestor
	// whose parent allows the dragged type as a child
	for candidate, candidatePath, ok := nearestBound(hit); ok; candidate, candidatePath, ok = nearestBound(candidate.Parent) {
		// never target the dragged unit or anything inside it
		if candidatePath.HasPrefix(drag.sourcePath) {
			continue
		}
		parentPath := candidatePath.Parent()
		parentType := ""
		if !parentPath.IsRoot() {
			parentNode, err := document.NodeAt(parentPath)
			if err != nil {
				continue
			}
			parentType = parentNode.Type
		}
		if !self.registry.AllowsChild(parentType, drag.sourceType) {
			continue
		}

		bounds, hasBounds := self.layout.Bounds(candidate)
		if !hasBounds {
			continue
		}
		axis := containerAxis(candidate.Parent)
		return dropIndicator{
			visible:      true,
			targetPath:   candidatePath,
			targetParent: parentPath,
			side:         insertionSide(axis, bounds, x, y),
		}
	}
	return dropIndicator{}
}

// Indicator reports whether a valid drop target is currently shown, and
// where.
func (self *reorderController) Indicator() (StructuralPath, protocol.Side, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.drag == nil || !self.drag.indicator.visible {
		return nil, "", false
	}
	return self.drag.indicator.targetPath, self.drag.indicator.side, true
}

// End commits the drop. The relocation carries both units' structural
// parentage so the host can apply the move at any nesting depth. ok is
// false when the indicator was not visible at release.
func (self *reorderController) End() (*protocol.Relocate, bool) {
	self.stateLock.Lock()
	drag := self.drag
	self.drag = nil
	self.stateLock.Unlock()

	if drag == nil {
		return nil, false
	}
	self.removeProxy(drag)
	if !drag.indicator.visible {
		glog.V(1).Infof("[drag]%s released without a valid target\n", drag.sourcePath)
		return nil, false
	}
	return &protocol.Relocate{
		SourcePath:       drag.sourcePath.String(),
		SourceParentPath: drag.sourcePath.Parent().String(),
		TargetPath:       drag.indicator.targetPath.String(),
		TargetParentPath: drag.indicator.targetParent.String(),
		Side:             drag.indicator.side,
	}, true
}

func (self *reorderController) Cancel() {
	self.stateLock.Lock()
	drag := self.drag
	self.drag = nil
	self.stateLock.Unlock()
	if drag != nil {
		self.removeProxy(drag)
	}
}

func (self *reorderController) removeProxy(drag *dragState) {
	if drag.proxy != nil && drag.proxy.Parent != nil {
		drag.proxy.Parent.RemoveChild(drag.proxy)
	}
}

func isProxy(node *html.Node) bool {
	for n := node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, attr := range n.Attr {
			if attr.Key == ProxyAttr {
				return true
			}
		}
	}
	return false
}

func containerAxis(container *html.Node) Axis {
	for n := container; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, attr := range n.Attr {
			if attr.Key == AxisAttr && attr.Val == string(AxisHorizontal) {
				return AxisHorizontal
			}
		}
		if _, ok := boundPath(n); ok {
			break
		}
	}
	return AxisVertical
}

func cloneRendered(node *html.Node) *html.Node {
	cloned := &html.Node{
		Type:     node.Type,
		DataAtom: node.DataAtom,
		Data:     node.Data,
		Attr:     append([]html.Attribute{}, node.Attr...),
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		cloned.AppendChild(cloneRendered(c))
	}
	return cloned
}

func stripPathAttrs(node *html.Node) {
	if node.Type == html.ElementNode {
		attrs := node.Attr[:0]
		for _, attr := range node.Attr {
			if attr.Key == PathAttr {
				continue
			}
			attrs = append(attrs, attr)
		}
		node.Attr = attrs
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		stripPathAttrs(c)
	}
}
