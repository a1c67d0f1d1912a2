package bridge

import (
	"math"

	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

// Layout reports computed geometry for rendered nodes. A markup tree carries
// no layout of its own, so the embedding renderer supplies it.
type Layout interface {
	// Bounds returns the bounding box of a rendered element.
	// ok is false when the element is not laid out at all.
	Bounds(node *html.Node) (bounds protocol.Rect, ok bool)
	// Displayed is false for display:none-equivalent styling.
	Displayed(node *html.Node) bool
	// ElementFromPoint resolves the topmost rendered element under a point.
	ElementFromPoint(x float64, y float64) *html.Node
}

type Axis string

const (
	AxisVertical   Axis = "vertical"
	AxisHorizontal Axis = "horizontal"
)

func rectRight(r protocol.Rect) float64 {
	return r.Left + r.Width
}

func rectBottom(r protocol.Rect) float64 {
	return r.Top + r.Height
}

func rectArea(r protocol.Rect) float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

func rectIntersect(a protocol.Rect, b protocol.Rect) protocol.Rect {
	left := math.Max(a.Left, b.Left)
	top := math.Max(a.Top, b.Top)
	right := math.Min(rectRight(a), rectRight(b))
	bottom := math.Min(rectBottom(a), rectBottom(b))
	if right <= left || bottom <= top {
		return protocol.Rect{}
	}
	return protocol.Rect{
		Left:   left,
		Top:    top,
		Width:  right - left,
		Height: bottom - top,
	}
}

// visibleFraction is the fraction of inner's area inside container.
func visibleFraction(inner protocol.Rect, container protocol.Rect) float64 {
	innerArea := rectArea(inner)
	if innerArea == 0 {
		return 0
	}
	return rectArea(rectIntersect(inner, container)) / innerArea
}

// rectDelta is the largest absolute component change between two rects.
func rectDelta(a protocol.Rect, b protocol.Rect) float64 {
	delta := math.Abs(a.Left - b.Left)
	delta = math.Max(delta, math.Abs(a.Top-b.Top))
	delta = math.Max(delta, math.Abs(a.Width-b.Width))
	delta = math.Max(delta, math.Abs(a.Height-b.Height))
	return delta
}

// insertionSide picks before/after from the pointer position relative to the
// candidate's midpoint, measured perpendicular to the container's layout
// axis.
func insertionSide(axis Axis, candidate protocol.Rect, x float64, y float64) protocol.Side {
	switch axis {
	case AxisHorizontal:
		if x < candidate.Left+candidate.Width/2 {
			return protocol.SideBefore
		}
		return protocol.SideAfter
	default:
		if y < candidate.Top+candidate.Height/2 {
			return protocol.SideBefore
		}
		return protocol.SideAfter
	}
}
