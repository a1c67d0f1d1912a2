package bridge

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/stagelink/stagelink/protocol"
)

func newTestReorder(t *testing.T) (*reorderController, *testLayout, *renderedView) {
	t.Helper()
	ctx := context.Background()
	document := testDocument()
	renderer := newTestRenderer()
	root, err := renderer.Render(document)
	assert.Equal(t, err, nil)
	view := newRenderedView(root)

	layout := newTestLayout()
	layout.setRoot(root)
	layout.setBounds("0", protocol.Rect{Left: 0, Top: 0, Width: 100, Height: 50})
	layout.setBounds("1", protocol.Rect{Left: 0, Top: 50, Width: 100, Height: 150})
	layout.setBounds("1.0", protocol.Rect{Left: 0, Top: 50, Width: 100, Height: 50})
	layout.setBounds("1.1", protocol.Rect{Left: 0, Top: 100, Width: 100, Height: 50})
	layout.setBounds("1.2", protocol.Rect{Left: 0, Top: 150, Width: 100, Height: 50})

	controller := newReorderController(ctx, layout, testRegistry(), func() *renderedView {
		return view
	}, func() Document {
		return document
	})
	return controller, layout, view
}

func TestReorderCommit(t *testing.T) {
	controller, _, _ := newTestReorder(t)

	err := controller.Begin(RequirePath("1.0"))
	assert.Equal(t, err, nil)

	// below the midpoint of the second slide
	controller.Move(50, 130)
	targetPath, side, visible := controller.Indicator()
	assert.Equal(t, visible, true)
	assert.Equal(t, targetPath.String(), "1.1")
	assert.Equal(t, side, protocol.SideAfter)

	relocate, ok := controller.End()
	assert.Equal(t, ok, true)
	assert.Equal(t, relocate.SourcePath, "1.0")
	assert.Equal(t, relocate.SourceParentPath, "1")
	assert.Equal(t, relocate.TargetPath, "1.1")
	assert.Equal(t, relocate.TargetParentPath, "1")
	assert.Equal(t, relocate.Side, protocol.SideAfter)
}

func TestReorderInsertionSide(t *testing.T) {
	controller, _, _ := newTestReorder(t)

	err := controller.Begin(RequirePath("1.0"))
	assert.Equal(t, err, nil)

	// above the midpoint
	controller.Move(50, 110)
	_, side, visible := controller.Indicator()
	assert.Equal(t, visible, true)
	assert.Equal(t, side, protocol.SideBefore)
	controller.Cancel()
}

func TestReorderRejectsDisallowedContainer(t *testing.T) {
	controller, _, _ := newTestReorder(t)

	// a slide may only sit under a gallery, never at the document root
	err := controller.Begin(RequirePath("1.0"))
	assert.Equal(t, err, nil)

	controller.Move(50, 25)
	_, _, visible := controller.Indicator()
	assert.Equal(t, visible, false)

	// releasing without a visible indicator commits nothing, closing the
	// hover/release race
	relocate, ok := controller.End()
	assert.Equal(t, ok, false)
	assert.Equal(t, relocate, nil)
}

func TestReorderNeverTargetsSelf(t *testing.T) {
	controller, _, _ := newTestReorder(t)

	err := controller.Begin(RequirePath("1.1"))
	assert.Equal(t, err, nil)

	// the pointer is over the dragged unit itself
	controller.Move(50, 120)
	_, _, visible := controller.Indicator()
	assert.Equal(t, visible, false)
	controller.Cancel()
}

func TestReorderTopLevelMove(t *testing.T) {
	controller, _, _ := newTestReorder(t)

	// the hero is allowed at the root, so the gallery is a valid sibling
	// target
	err := controller.Begin(RequirePath("0"))
	assert.Equal(t, err, nil)

	// over the first slide: the slide itself rejects a hero, the walk up
	// lands on the gallery
	controller.Move(50, 60)
	targetPath, side, visible := controller.Indicator()
	assert.Equal(t, visible, true)
	assert.Equal(t, targetPath.String(), "1")
	assert.Equal(t, side, protocol.SideBefore)

	relocate, ok := controller.End()
	assert.Equal(t, ok, true)
	assert.Equal(t, relocate.SourcePath, "0")
	assert.Equal(t, relocate.TargetParentPath, "")
}

func TestReorderProxyLifecycle(t *testing.T) {
	controller, _, view := newTestReorder(t)

	err := controller.Begin(RequirePath("1.0"))
	assert.Equal(t, err, nil)

	// the proxy is a path-stripped clone at the end of the tree
	proxy := view.root.LastChild
	assert.Equal(t, isProxy(proxy), true)
	_, bound := boundPath(proxy)
	assert.Equal(t, bound, false)

	controller.Cancel()
	assert.Equal(t, view.root.LastChild == proxy, false)

	// a second gesture starts clean
	err = controller.Begin(RequirePath("1.2"))
	assert.Equal(t, err, nil)
	controller.Cancel()
}

func TestFieldRegistry(t *testing.T) {
	registry := testRegistry()

	assert.Equal(t, registry.FieldClass("hero", "heading"), protocol.EditableText)
	assert.Equal(t, registry.FieldClass("hero", "paragraph"), protocol.EditableRichText)
	// undeclared fields must not be assumed safe to edit
	assert.Equal(t, registry.FieldClass("hero", "subtitle"), protocol.EditableUnknown)
	assert.Equal(t, registry.FieldClass("mystery", "heading"), protocol.EditableUnknown)

	assert.Equal(t, registry.AllowsChild("gallery", "slide"), true)
	assert.Equal(t, registry.AllowsChild("gallery", "hero"), false)
	assert.Equal(t, registry.AllowsChild("", "hero"), true)
	// undeclared containers allow nothing
	assert.Equal(t, registry.AllowsChild("slide", "slide"), false)
	assert.Equal(t, registry.AllowsChild("mystery", "slide"), false)

	fields := registry.Fields("slide")
	assert.Equal(t, len(fields), 1)
	assert.Equal(t, fields[0].Name, "caption")
	assert.Equal(t, len(registry.Fields("mystery")), 0)
}
