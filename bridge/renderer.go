package bridge

import (
	"golang.org/x/net/html"
)

// attributes the renderer stamps on its output, beyond PathAttr
const (
	// field name of an editable bound element
	FieldAttr = "data-stage-field"
	// navigation control: "next" or "prev"
	NavAttr = "data-stage-nav"
	// navigation control addressed to one unit: the unit's path
	NavTargetAttr = "data-stage-nav-target"
	// sibling group container for visibility navigation
	GroupAttr = "data-stage-group"
)

// Renderer is the surface's own rendering logic. The bridge never renders;
// it drives the renderer and reads the tree the renderer produced.
type Renderer interface {
	// Render produces a fresh rendered tree for the document, stamping
	// PathAttr on every element it binds to a model node.
	Render(document Document) (*html.Node, error)

	// Invoke activates a rendering-provided control, equivalent to a
	// user click.
	Invoke(control *html.Node)

	// SetUnitBusy marks a unit visually unavailable while a structural
	// transform is in flight.
	SetUnitBusy(unit *html.Node, busy bool)

	// SetUnitFailed permanently marks a unit non-editable with a visible
	// explanation. Only a full reload recovers the unit.
	SetUnitFailed(unit *html.Node, reason string)
}
