package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

var ErrNavigationAborted = errors.New("Navigation aborted: sibling group changed.")

type NavigatorSettings struct {
	// bounded polling after each navigation step
	PollRetryCount int
	PollTimeout    time.Duration
	// fraction of a sibling's area that must be inside the container for
	// the sibling to count as the visible one
	VisibleFraction float64
}

func DefaultNavigatorSettings() *NavigatorSettings {
	return &NavigatorSettings{
		PollRetryCount:  10,
		PollTimeout:     100 * time.Millisecond,
		VisibleFraction: 0.5,
	}
}

// visibilityNavigator drives the rendering's own navigation controls until
// a hidden unit (a carousel slide, a tab panel) becomes visible. It never
// re-implements the rendering's navigation; it only invokes it.
type visibilityNavigator struct {
	ctx      context.Context
	layout   Layout
	renderer Renderer
	settings *NavigatorSettings

	// viewFn resolves the current rendered view; node pointers go stale
	// whenever the renderer replaces the tree
	viewFn func() *renderedView
}

func newVisibilityNavigator(
	ctx context.Context,
	layout Layout,
	renderer Renderer,
	viewFn func() *renderedView,
	settings *NavigatorSettings,
) *visibilityNavigator {
	return &visibilityNavigator{
		ctx:      ctx,
		layout:   layout,
		renderer: renderer,
		viewFn:   viewFn,
		settings: settings,
	}
}

// isHidden follows the derived visibility rule: zero extent, display:none
// styling, or entirely outside the logical container's visible bounds.
func (self *visibilityNavigator) isHidden(el *html.Node, container *html.Node) bool {
	if el == nil {
		return true
	}
	if !self.layout.Displayed(el) {
		return true
	}
	bounds, ok := self.layout.Bounds(el)
	if !ok || rectArea(bounds) == 0 {
		return true
	}
	if container != nil {
		containerBounds, ok := self.layout.Bounds(container)
		if ok && visibleFraction(bounds, containerBounds) == 0 {
			return true
		}
	}
	return false
}

// MakeVisible navigates until the target unit is visible. It returns the
// path that should be selected: the target on success, otherwise the most
// visible sibling, otherwise the containing unit. It never returns an
// unresolved selection along with a nil error.
func (self *visibilityNavigator) MakeVisible(ctx context.Context, target StructuralPath) (StructuralPath, error) {
	view := self.viewFn()
	if view == nil || view.root == nil {
		// a select can arrive before the first document render
		glog.Warningf("[nav]%s no rendered view\n", target)
		return nil, ErrNoDocument
	}
	el := view.find(target)
	if el == nil {
		return nil, ErrPathNotFound
	}
	container := self.groupContainer(el)
	if !self.isHidden(el, container) {
		return target, nil
	}

	// a rendering-provided direct selector wins over stepping
	if control := self.directControl(view, target); control != nil {
		glog.V(1).Infof("[nav]%s direct selector\n", target)
		self.renderer.Invoke(control)
		if self.pollVisible(ctx, target, container) {
			return target, nil
		}
		return self.fallback(target, container), nil
	}

	return self.stepToTarget(ctx, target, container)
}

// groupContainer finds the logical container whose bounds clip the sibling
// group: the nearest ancestor marked as a group, else the nearest bound
// ancestor above the unit.
func (self *visibilityNavigator) groupContainer(el *html.Node) *html.Node {
	for n := el.Parent; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, attr := range n.Attr {
			if attr.Key == GroupAttr {
				return n
			}
		}
	}
	if el.Parent != nil {
		if bound, _, ok := nearestBound(el.Parent); ok {
			return bound
		}
	}
	return nil
}

func (self *visibilityNavigator) directControl(view *renderedView, target StructuralPath) *html.Node {
	if view.root == nil {
		return nil
	}
	return htmlquery.FindOne(view.root, fmt.Sprintf("//*[@%s='%s']", NavTargetAttr, target.String()))
}

func (self *visibilityNavigator) stepControl(container *html.Node, direction string) *html.Node {
	if container == nil {
		return nil
	}
	return htmlquery.FindOne(container, fmt.Sprintf(".//*[@%s='%s']", NavAttr, direction))
}

// siblingPaths is the identity of the sibling group. Polling compares it
// each iteration; a change means the user navigated away and the sequence
// is stale.
func (self *visibilityNavigator) siblingPaths(container *html.Node) []string {
	paths := []string{}
	for _, sibling := range boundChildren(container) {
		if path, ok := boundPath(sibling); ok {
			paths = append(paths, path.String())
		}
	}
	return paths
}

func (self *visibilityNavigator) stepToTarget(ctx context.Context, target StructuralPath, container *html.Node) (StructuralPath, error) {
	if container == nil {
		return self.fallback(target, nil), nil
	}
	siblings := boundChildren(container)
	targetIndex := -1
	currentIndex := -1
	bestFraction := 0.0
	containerBounds, _ := self.layout.Bounds(container)
	for i, sibling := range siblings {
		path, _ := boundPath(sibling)
		if path.Equal(target) {
			targetIndex = i
		}
		if bounds, ok := self.layout.Bounds(sibling); ok {
			fraction := visibleFraction(bounds, containerBounds)
			if bestFraction < fraction {
				bestFraction = fraction
				currentIndex = i
			}
		}
	}
	if targetIndex < 0 || currentIndex < 0 {
		return self.fallback(target, container), nil
	}

	steps := targetIndex - currentIndex
	direction := "next"
	if steps < 0 {
		direction = "prev"
		steps = -steps
	}
	initialPaths := self.siblingPaths(container)

	glog.V(1).Infof("[nav]%s stepping %s x%d\n", target, direction, steps)
	for step := 0; step < steps; step += 1 {
		control := self.stepControl(container, direction)
		if control == nil {
			return self.fallback(target, container), nil
		}
		self.renderer.Invoke(control)

		// poll for the next expected sibling before the following step
		var expectedIndex int
		if direction == "next" {
			expectedIndex = currentIndex + step + 1
		} else {
			expectedIndex = currentIndex - step - 1
		}
		expectedPath, _ := boundPath(siblings[expectedIndex])
		reached, err := self.pollSibling(ctx, expectedPath, container, initialPaths)
		if err != nil {
			return self.fallback(target, container), nil
		}
		if !reached {
			return self.fallback(target, container), nil
		}
	}
	return target, nil
}

// pollSibling waits for expected to become visible, with bounded retries.
// It aborts when the sibling set changes mid-poll.
func (self *visibilityNavigator) pollSibling(ctx context.Context, expected StructuralPath, container *html.Node, initialPaths []string) (bool, error) {
	for i := 0; i < self.settings.PollRetryCount; i += 1 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-self.ctx.Done():
			return false, ErrChannelClosed
		case <-time.After(self.settings.PollTimeout):
		}

		currentPaths := self.siblingPaths(container)
		if !slices.Equal(initialPaths, currentPaths) {
			glog.V(1).Infof("[nav]sibling group changed, aborting\n")
			return false, ErrNavigationAborted
		}

		el := self.viewFn().find(expected)
		if el != nil && !self.isHidden(el, container) {
			return true, nil
		}
	}
	return false, nil
}

func (self *visibilityNavigator) pollVisible(ctx context.Context, target StructuralPath, container *html.Node) bool {
	for i := 0; i < self.settings.PollRetryCount; i += 1 {
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-time.After(self.settings.PollTimeout):
		}
		el := self.viewFn().find(target)
		if el != nil && !self.isHidden(el, container) {
			return true
		}
	}
	return false
}

// fallback picks the most visible sibling, else the containing unit, so a
// failed navigation still ends in a defined selection.
func (self *visibilityNavigator) fallback(target StructuralPath, container *html.Node) StructuralPath {
	if container != nil {
		containerBounds, _ := self.layout.Bounds(container)
		var bestPath StructuralPath
		bestFraction := 0.0
		for _, sibling := range boundChildren(container) {
			bounds, ok := self.layout.Bounds(sibling)
			if !ok {
				continue
			}
			fraction := visibleFraction(bounds, containerBounds)
			if bestFraction < fraction {
				if path, ok := boundPath(sibling); ok {
					bestFraction = fraction
					bestPath = path
				}
			}
		}
		if bestPath != nil {
			glog.V(1).Infof("[nav]%s fallback to most visible sibling %s\n", target, bestPath)
			return bestPath
		}
		if path, ok := boundPath(container); ok {
			return path
		}
		if _, path, ok := nearestBound(container); ok {
			return path
		}
	}
	// last resort: the target's parent unit
	if parent := target.Parent(); parent != nil {
		return parent
	}
	return target
}

// geometry of a protocol rect for logging
func rectString(r protocol.Rect) string {
	return fmt.Sprintf("(%g,%g %gx%g)", r.Left, r.Top, r.Width, r.Height)
}
