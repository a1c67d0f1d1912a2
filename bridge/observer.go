package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

type ObserverSettings struct {
	// animation-frame-equivalent tick for motion polling
	FrameInterval time.Duration
	// consecutive still frames before a motion poll stops
	MotionStillFrames int
	// upper bound on one motion poll
	MotionMaxFrames int
	// a size change at or above this many rendered pixels re-issues the
	// overlay geometry
	SizeEpsilon float64
}

func DefaultObserverSettings() *ObserverSettings {
	return &ObserverSettings{
		FrameInterval:     16 * time.Millisecond,
		MotionStillFrames: 3,
		MotionMaxFrames:   240,
		SizeEpsilon:       1,
	}
}

type MutationFunction func(unitPath StructuralPath, fieldPath StructuralPath, fieldName string, value string)

type GeometryFunction func(unitPath StructuralPath, bounds protocol.Rect)

// renderObserver watches selected units for local mutations, size changes
// and transition-driven motion. Watchers are keyed by logical unit identity
// so re-attachment after a re-render is idempotent; watchers attached to
// detached nodes are dead and must be re-resolved.
type renderObserver struct {
	ctx      context.Context
	layout   Layout
	settings *ObserverSettings

	mutationCallbacks *CallbackList[MutationFunction]
	geometryCallbacks *CallbackList[GeometryFunction]

	stateLock sync.Mutex
	view      *renderedView
	watchers  map[string]*unitWatcher
}

type unitWatcher struct {
	unitPath StructuralPath
	node     *html.Node

	lastBounds      protocol.Rect
	hasBounds       bool
	lastFieldValues map[string]string

	motionCancel context.CancelFunc
}

func newRenderObserver(ctx context.Context, layout Layout, settings *ObserverSettings) *renderObserver {
	return &renderObserver{
		ctx:               ctx,
		layout:            layout,
		settings:          settings,
		mutationCallbacks: NewCallbackList[MutationFunction](),
		geometryCallbacks: NewCallbackList[GeometryFunction](),
		watchers:          map[string]*unitWatcher{},
	}
}

func (self *renderObserver) AddMutationCallback(mutationCallback MutationFunction) func() {
	callbackId := self.mutationCallbacks.Add(mutationCallback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

func (self *renderObserver) AddGeometryCallback(geometryCallback GeometryFunction) func() {
	callbackId := self.geometryCallbacks.Add(geometryCallback)
	return func() {
		self.geometryCallbacks.Remove(callbackId)
	}
}

// setRoot re-points every watcher at the replacement tree. Called whenever
// a host update makes the renderer produce new nodes.
func (self *renderObserver) setRoot(root *html.Node) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.view = newRenderedView(root)
	for _, watcher := range self.watchers {
		watcher.node = self.view.find(watcher.unitPath)
		if watcher.node == nil {
			glog.V(1).Infof("[observe]%s not present after render\n", watcher.unitPath)
			continue
		}
		self.snapshotLocked(watcher)
	}
}

// Attach starts watching a unit. Attaching an already-watched unit
// refreshes its node binding instead of stacking a second watcher.
func (self *renderObserver) Attach(unitPath StructuralPath) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.view == nil {
		return false
	}
	key := unitPath.String()
	watcher, ok := self.watchers[key]
	if !ok {
		watcher = &unitWatcher{
			unitPath:        unitPath,
			lastFieldValues: map[string]string{},
		}
		self.watchers[key] = watcher
	}
	watcher.node = self.view.find(unitPath)
	if watcher.node == nil {
		return false
	}
	self.snapshotLocked(watcher)
	return true
}

func (self *renderObserver) Detach(unitPath StructuralPath) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := unitPath.String()
	if watcher, ok := self.watchers[key]; ok {
		if watcher.motionCancel != nil {
			watcher.motionCancel()
		}
		delete(self.watchers, key)
	}
}

func (self *renderObserver) snapshotLocked(watcher *unitWatcher) {
	bounds, ok := self.layout.Bounds(watcher.node)
	watcher.lastBounds = bounds
	watcher.hasBounds = ok
	watcher.lastFieldValues = fieldValues(watcher.node)
}

// fieldValues reads the rendered text of every declared field element under
// the unit, with zero-width cursor anchors stripped.
func fieldValues(unit *html.Node) map[string]string {
	values := map[string]string{}
	if unit == nil {
		return values
	}
	for _, el := range fieldElements(unit) {
		name := fieldName(el)
		var b strings.Builder
		for _, run := range textRunsUnder(el) {
			b.WriteString(run.Data)
		}
		values[name] = stripPlaceholders(b.String())
	}
	return values
}

func fieldElements(unit *html.Node) []*html.Node {
	return htmlquery.Find(unit, fmt.Sprintf(".//*[@%s]", FieldAttr))
}

func fieldName(el *html.Node) string {
	for _, attr := range el.Attr {
		if attr.Key == FieldAttr {
			return attr.Val
		}
	}
	return ""
}

// NotifyMutation is the mutation watcher entry point. The renderer calls it
// after any local change below node; changed field values feed the edit
// flow.
func (self *renderObserver) NotifyMutation(node *html.Node) {
	self.stateLock.Lock()
	var watcher *unitWatcher
	for n := node; n != nil; n = n.Parent {
		if path, ok := boundPath(n); ok {
			if w, ok := self.watchers[path.String()]; ok {
				watcher = w
				break
			}
		}
	}
	if watcher == nil || watcher.node == nil {
		self.stateLock.Unlock()
		return
	}

	values := fieldValues(watcher.node)
	type change struct {
		fieldPath StructuralPath
		fieldName string
		value     string
	}
	changes := []change{}
	for _, el := range fieldElements(watcher.node) {
		name := fieldName(el)
		if values[name] == watcher.lastFieldValues[name] {
			continue
		}
		fieldPath, ok := boundPath(el)
		if !ok {
			continue
		}
		changes = append(changes, change{
			fieldPath: fieldPath,
			fieldName: name,
			value:     values[name],
		})
	}
	watcher.lastFieldValues = values
	unitPath := watcher.unitPath
	self.stateLock.Unlock()

	for _, c := range changes {
		for _, mutationCallback := range self.mutationCallbacks.Get() {
			HandleError(func() {
				mutationCallback(unitPath, c.fieldPath, c.fieldName, c.value)
			})
		}
	}
}

// NotifyLayout is the size watcher entry point: re-reads every watched
// unit's bounding box and re-issues overlay geometry for changes of at
// least one rendered pixel.
func (self *renderObserver) NotifyLayout() {
	type update struct {
		unitPath StructuralPath
		bounds   protocol.Rect
	}
	updates := []update{}

	self.stateLock.Lock()
	for _, watcher := range self.watchers {
		if watcher.node == nil {
			continue
		}
		bounds, ok := self.layout.Bounds(watcher.node)
		if !ok {
			continue
		}
		if watcher.hasBounds && rectDelta(bounds, watcher.lastBounds) < self.settings.SizeEpsilon {
			continue
		}
		watcher.lastBounds = bounds
		watcher.hasBounds = true
		updates = append(updates, update{
			unitPath: watcher.unitPath,
			bounds:   bounds,
		})
	}
	self.stateLock.Unlock()

	for _, u := range updates {
		self.emitGeometry(u.unitPath, u.bounds)
	}
}

func (self *renderObserver) emitGeometry(unitPath StructuralPath, bounds protocol.Rect) {
	for _, geometryCallback := range self.geometryCallbacks.Get() {
		HandleError(func() {
			geometryCallback(unitPath, bounds)
		})
	}
}

// BeginMotion is the motion watcher entry point. Size and mutation watching
// do not fire for pure positional transforms, so during a transition the
// unit's position is polled every frame until it stops moving. Re-entry for
// the same unit replaces the running poll.
func (self *renderObserver) BeginMotion(unitPath StructuralPath) {
	self.stateLock.Lock()
	watcher, ok := self.watchers[unitPath.String()]
	if !ok || watcher.node == nil {
		self.stateLock.Unlock()
		return
	}
	if watcher.motionCancel != nil {
		watcher.motionCancel()
	}
	motionCtx, motionCancel := context.WithCancel(self.ctx)
	watcher.motionCancel = motionCancel
	self.stateLock.Unlock()

	go self.pollMotion(motionCtx, unitPath)
}

func (self *renderObserver) pollMotion(ctx context.Context, unitPath StructuralPath) {
	stillFrames := 0
	for frame := 0; frame < self.settings.MotionMaxFrames; frame += 1 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.FrameInterval):
		}

		self.stateLock.Lock()
		watcher, ok := self.watchers[unitPath.String()]
		if !ok || watcher.node == nil {
			// unit no longer watched, stale poll must stop
			self.stateLock.Unlock()
			return
		}
		bounds, hasBounds := self.layout.Bounds(watcher.node)
		moved := false
		if hasBounds {
			if !watcher.hasBounds || 0 < rectDelta(bounds, watcher.lastBounds) {
				moved = true
				watcher.lastBounds = bounds
				watcher.hasBounds = true
			}
		}
		self.stateLock.Unlock()

		if moved {
			stillFrames = 0
			self.emitGeometry(unitPath, bounds)
		} else {
			stillFrames += 1
			if self.settings.MotionStillFrames <= stillFrames {
				return
			}
		}
	}
}
