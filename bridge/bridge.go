package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/stagelink/stagelink/protocol"
)

var ErrNoDocument = errors.New("No document has been rendered yet.")
var ErrNoSelectedUnit = errors.New("No unit is selected.")

type BridgeSettings struct {
	FlowSettings      *FlowSettings
	ObserverSettings  *ObserverSettings
	NavigatorSettings *NavigatorSettings

	// bounded retries applying a host selection to a rendered view that
	// has not caught up with the document yet
	SelectionRetryCount   int
	SelectionRetryTimeout time.Duration
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		FlowSettings:          DefaultFlowSettings(),
		ObserverSettings:      DefaultObserverSettings(),
		NavigatorSettings:     DefaultNavigatorSettings(),
		SelectionRetryCount:   20,
		SelectionRetryTimeout: 50 * time.Millisecond,
	}
}

// SelectionFunction is notified when a host-provided selection resolves
// against the rendered view, so the embedding runtime can move the real
// cursor.
type SelectionFunction func(anchor RenderPoint, focus RenderPoint)

// Bridge is the surface side of one host conversation. One bridge per
// rendered document; use the process table to look it up across host
// script reloads.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId protocol.Id
	channel    Channel
	renderer   Renderer
	layout     Layout
	registry   *FieldRegistry
	settings   *BridgeSettings

	sequencer sequencer

	observer  *renderObserver
	navigator *visibilityNavigator
	reorder   *reorderController

	selectionCallbacks *CallbackList[SelectionFunction]

	stateLock sync.Mutex
	// the host document as last rendered
	document Document
	// working copy that local edits write into
	shadow Document
	view   *renderedView
	codec  *SelectionCodec
	// bumps on every host update so stale selection retries abort
	renderEpoch     int
	selection       *Selection
	selectionStable bool
	selectedUnit    StructuralPath
	hasSelectedUnit bool
	focusedField    string
	flows           map[string]*editFlow
	desyncLogged    bool

	removeReceive func()
}

func NewBridgeWithDefaults(
	ctx context.Context,
	channel Channel,
	renderer Renderer,
	layout Layout,
	registry *FieldRegistry,
) *Bridge {
	return NewBridge(ctx, channel, renderer, layout, registry, DefaultBridgeSettings())
}

func NewBridge(
	ctx context.Context,
	channel Channel,
	renderer Renderer,
	layout Layout,
	registry *FieldRegistry,
	settings *BridgeSettings,
) *Bridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &Bridge{
		ctx:                cancelCtx,
		cancel:             cancel,
		instanceId:         protocol.NewId(),
		channel:            channel,
		renderer:           renderer,
		layout:             layout,
		registry:           registry,
		settings:           settings,
		selectionCallbacks: NewCallbackList[SelectionFunction](),
		flows:              map[string]*editFlow{},
	}
	bridge.observer = newRenderObserver(cancelCtx, layout, settings.ObserverSettings)
	bridge.navigator = newVisibilityNavigator(cancelCtx, layout, renderer, bridge.snapshotView, settings.NavigatorSettings)
	bridge.reorder = newReorderController(cancelCtx, layout, registry, bridge.snapshotView, bridge.snapshotDocument)

	bridge.observer.AddMutationCallback(bridge.mutation)
	bridge.observer.AddGeometryCallback(bridge.geometry)
	bridge.removeReceive = channel.AddReceiveCallback(bridge.receive)

	glog.V(1).Infof("[bridge]%s created\n", bridge.instanceId)
	return bridge
}

func (self *Bridge) InstanceId() protocol.Id {
	return self.instanceId
}

func (self *Bridge) AddSelectionCallback(selectionCallback SelectionFunction) func() {
	callbackId := self.selectionCallbacks.Add(selectionCallback)
	return func() {
		self.selectionCallbacks.Remove(callbackId)
	}
}

func (self *Bridge) snapshotView() *renderedView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.view
}

func (self *Bridge) snapshotDocument() Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document
}

// receive dispatches one inbound host message. The channel serializes
// calls, so updates apply in arrival order.
func (self *Bridge) receive(message protocol.Message) {
	switch v := message.(type) {
	case *protocol.DocumentUpdate:
		self.handleDocumentUpdate(v)
	case *protocol.SelectUnit:
		self.handleSelectUnit(v)
	case *protocol.Flush:
		self.handleFlush(v)
	case *protocol.TransformError:
		self.handleTransformError(v)
	case *protocol.Hello:
		// consumed by the channel during auth
	default:
		glog.Warningf("[bridge]%s unexpected message kind %s\n", self.instanceId, message.MessageKind())
	}
}

func (self *Bridge) handleDocumentUpdate(update *protocol.DocumentUpdate) {
	if update.Document == nil {
		// required companion data is missing. Fatal for this call.
		glog.Errorf("[bridge]%s document update without a document\n", self.instanceId)
		return
	}
	document := Document(update.Document)

	root, err := self.renderer.Render(document)
	if err != nil {
		glog.Errorf("[bridge]%s render error = %s\n", self.instanceId, err)
		return
	}

	self.stateLock.Lock()
	self.document = document
	self.shadow = document.Clone()
	self.view = newRenderedView(root)
	self.codec = NewSelectionCodec(document, root)
	self.renderEpoch += 1
	epoch := self.renderEpoch
	self.selectionStable = update.Selection == nil
	flows := make([]*editFlow, 0, len(self.flows))
	for _, flow := range self.flows {
		flows = append(flows, flow)
	}
	view := self.view
	self.stateLock.Unlock()

	self.observer.setRoot(root)

	// the new document defines the host values. The next identical local
	// mutation per field is the echo of this render.
	for _, flow := range flows {
		if unitEl := view.find(flow.unitPath); unitEl != nil {
			for name, value := range fieldValues(unitEl) {
				flow.SetHostValue(name, value)
			}
		}
	}

	if update.RequestId != nil {
		if flow := self.findFlowByRequest(*update.RequestId); flow != nil {
			flow.Resolve(*update.RequestId)
		} else {
			glog.V(1).Infof("[bridge]%s ack for unknown request %s\n", self.instanceId, *update.RequestId)
		}
	}

	if update.Selection != nil {
		selection, err := selectionFromProtocol(update.Selection)
		if err != nil {
			glog.Errorf("[bridge]%s malformed selection in update: %s\n", self.instanceId, err)
		} else {
			go HandleError(func() {
				self.applyTargetSelection(epoch, selection)
			})
		}
	}

	// re-rendering can move every overlay target
	self.observer.NotifyLayout()
}

// applyTargetSelection resolves a host selection against the rendered view,
// retrying while the view catches up. A newer update aborts the retries.
func (self *Bridge) applyTargetSelection(epoch int, selection Selection) {
	var lastErr error
	for i := 0; i < self.settings.SelectionRetryCount; i += 1 {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.stateLock.Lock()
		live := self.renderEpoch == epoch
		codec := self.codec
		self.stateLock.Unlock()
		if !live {
			return
		}

		anchor, focus, err := codec.DeserializeSelection(selection)
		if err == nil {
			self.stateLock.Lock()
			if self.renderEpoch != epoch {
				self.stateLock.Unlock()
				return
			}
			self.selection = &selection
			self.selectionStable = true
			self.stateLock.Unlock()

			for _, selectionCallback := range self.selectionCallbacks.Get() {
				selectionCallback(anchor, focus)
			}
			glog.V(2).Infof("[bridge]%s selection restored at %s:%d\n", self.instanceId, selection.Focus.Path, selection.Focus.Offset)
			return
		}
		lastErr = err

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SelectionRetryTimeout):
		}
	}
	glog.Warningf("[bridge]%s selection never resolved: %s\n", self.instanceId, lastErr)
}

func (self *Bridge) handleSelectUnit(selectUnit *protocol.SelectUnit) {
	target, err := ParsePath(selectUnit.Path)
	if err != nil {
		glog.Errorf("[bridge]%s malformed unit path %q: %s\n", self.instanceId, selectUnit.Path, err)
		return
	}

	// navigation polls the rendered view and must not stall the
	// message loop
	go HandleError(func() {
		selectedPath, err := self.navigator.MakeVisible(self.ctx, target)
		if err != nil && selectedPath == nil {
			glog.Warningf("[bridge]%s select %s failed: %s\n", self.instanceId, target, err)
			return
		}
		if err != nil {
			glog.V(1).Infof("[bridge]%s select %s settled on %s: %s\n", self.instanceId, target, selectedPath, err)
		}
		if selectErr := self.SelectUnit(selectedPath); selectErr != nil {
			glog.Warningf("[bridge]%s select %s error = %s\n", self.instanceId, selectedPath, selectErr)
		}
	})
}

// SelectUnit marks a unit as the editing target, attaches its watchers, and
// reports the selection with overlay geometry to the host. Both host
// requests and local clicks land here.
func (self *Bridge) SelectUnit(unitPath StructuralPath) error {
	self.stateLock.Lock()
	if self.view == nil {
		self.stateLock.Unlock()
		return ErrNoDocument
	}
	unitEl := self.view.find(unitPath)
	if unitEl == nil {
		self.logDesyncLocked(unitPath, "select")
		self.stateLock.Unlock()
		return ErrPathNotFound
	}
	unitType := ""
	if node, err := self.document.NodeAt(unitPath); err == nil {
		unitType = node.Type
	}
	fields := self.registry.Fields(unitType)
	focusedField := self.focusedField
	if !self.hasSelectedUnit || !self.selectedUnit.Equal(unitPath) || !fieldDeclared(fields, focusedField) {
		focusedField = ""
		if 0 < len(fields) {
			focusedField = fields[0].Name
		}
	}
	var previousUnit StructuralPath
	if self.hasSelectedUnit && !self.selectedUnit.Equal(unitPath) {
		previousUnit = self.selectedUnit
	}
	self.selectedUnit = unitPath.Clone()
	self.hasSelectedUnit = true
	self.focusedField = focusedField
	bounds, _ := self.layout.Bounds(unitEl)
	self.stateLock.Unlock()

	// geometry watchers are scoped to the selected unit
	if previousUnit != nil {
		self.observer.Detach(previousUnit)
	}
	self.observer.Attach(unitPath)

	err := self.channel.Send(&protocol.UnitSelected{
		Path:         unitPath.String(),
		Bounds:       bounds,
		Fields:       fields,
		FocusedField: focusedField,
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("[bridge]%s selected %s bounds = %s\n", self.instanceId, unitPath, rectString(bounds))
	return nil
}

func (self *Bridge) SelectedUnit() (StructuralPath, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.hasSelectedUnit {
		return nil, false
	}
	return self.selectedUnit.Clone(), true
}

// FocusField moves the focused field of the selected unit and re-reports
// the selection so host overlays follow.
func (self *Bridge) FocusField(fieldName string) error {
	self.stateLock.Lock()
	if !self.hasSelectedUnit {
		self.stateLock.Unlock()
		return ErrNoSelectedUnit
	}
	unitType := ""
	if node, err := self.document.NodeAt(self.selectedUnit); err == nil {
		unitType = node.Type
	}
	if !fieldDeclared(self.registry.Fields(unitType), fieldName) {
		self.stateLock.Unlock()
		return ErrPathNotFound
	}
	self.focusedField = fieldName
	unitPath := self.selectedUnit.Clone()
	self.stateLock.Unlock()

	return self.SelectUnit(unitPath)
}

func fieldDeclared(fields []protocol.FieldSpec, fieldName string) bool {
	if fieldName == "" {
		return false
	}
	for _, field := range fields {
		if field.Name == fieldName {
			return true
		}
	}
	return false
}

// handleFlush pushes every buffered edit out immediately and acks with the
// highest sequence number in flight, so the host can wait for that edit
// before acting on its own document copy.
func (self *Bridge) handleFlush(flush *protocol.Flush) {
	maxSequenceNumber := uint64(0)
	for _, flow := range self.flowSnapshot() {
		sequenceNumber, flushed, err := flow.Flush("host-flush", false)
		if err != nil {
			glog.Infof("[bridge]%s flush %s error = %s\n", self.instanceId, flow.unitPath, err)
			continue
		}
		if flushed && maxSequenceNumber < sequenceNumber {
			maxSequenceNumber = sequenceNumber
		}
	}
	if maxSequenceNumber == 0 {
		// nothing was dirty. Ack with the last send so the host still
		// gets an authoritative ordering point.
		maxSequenceNumber = self.sequencer.LastSequenceNumber()
	}

	err := self.channel.Send(&protocol.FlushAck{
		RequestId:      flush.RequestId,
		SequenceNumber: maxSequenceNumber,
	})
	if err != nil {
		glog.Warningf("[bridge]%s flush ack error = %s\n", self.instanceId, err)
	}
}

func (self *Bridge) handleTransformError(transformError *protocol.TransformError) {
	if flow := self.findFlowByRequest(transformError.RequestId); flow != nil {
		flow.Fail(transformError.RequestId, transformError.Reason)
	} else {
		glog.V(1).Infof("[bridge]%s error for unknown request %s\n", self.instanceId, transformError.RequestId)
	}
}

func (self *Bridge) flowSnapshot() []*editFlow {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	flows := make([]*editFlow, 0, len(self.flows))
	for _, flow := range self.flows {
		flows = append(flows, flow)
	}
	return flows
}

func (self *Bridge) findFlowByRequest(requestId protocol.Id) *editFlow {
	for _, flow := range self.flowSnapshot() {
		if pendingId, ok := flow.PendingRequestId(); ok && pendingId == requestId {
			return flow
		}
	}
	return nil
}

func (self *Bridge) flowFor(unitPath StructuralPath) *editFlow {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	key := unitPath.String()
	flow, ok := self.flows[key]
	if !ok {
		flow = newEditFlow(self.ctx, self, unitPath.Clone(), self.settings.FlowSettings)
		self.flows[key] = flow
	}
	return flow
}

// mutation is the observer callback for a local text change inside a
// watched unit.
func (self *Bridge) mutation(unitPath StructuralPath, fieldPath StructuralPath, fieldName string, value string) {
	self.stateLock.Lock()
	unitType := ""
	if self.document != nil {
		if node, err := self.document.NodeAt(unitPath); err == nil {
			unitType = node.Type
		}
	}
	selection := self.selection
	self.stateLock.Unlock()

	if self.registry.FieldClass(unitType, fieldName) == protocol.EditableUnknown {
		glog.V(1).Infof("[bridge]%s mutation on undeclared field %s.%s ignored\n", self.instanceId, unitPath, fieldName)
		return
	}

	flow := self.flowFor(unitPath)
	if !flow.LocalEdit(fieldName, value, selection) {
		return
	}

	self.stateLock.Lock()
	if self.shadow != nil {
		self.syncShadowFieldLocked(fieldPath, value)
	}
	self.stateLock.Unlock()
}

// syncShadowFieldLocked writes a mutated field value into the shadow copy.
// For a structured field the rendered runs map onto the model leaves run
// for run, which keeps inline markup intact over plain typing.
func (self *Bridge) syncShadowFieldLocked(fieldPath StructuralPath, value string) {
	node, err := self.shadow.NodeAt(fieldPath)
	if err != nil {
		self.logDesyncLocked(fieldPath, "mutation")
		return
	}
	if node.IsText() || len(node.Children) == 0 {
		if err := self.shadow.ReplaceFieldText(fieldPath, value); err != nil {
			self.logDesyncLocked(fieldPath, "mutation")
		}
		return
	}
	if fieldEl := self.view.find(fieldPath); fieldEl != nil {
		runs := textRunsUnder(fieldEl)
		leaves := modelTextLeaves(node)
		if len(runs) == len(leaves) {
			for i, run := range runs {
				text := stripPlaceholders(run.Data)
				leaves[i].Text = &text
			}
			return
		}
	}
	// run structure diverged, fall back to a flat replacement
	if err := self.shadow.ReplaceFieldText(fieldPath, value); err != nil {
		self.logDesyncLocked(fieldPath, "mutation")
	}
}

func modelTextLeaves(node *protocol.Node) []*protocol.Node {
	var leaves []*protocol.Node
	stack := []*protocol.Node{node}
	for 0 < len(stack) {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if next.IsText() {
			leaves = append(leaves, next)
			continue
		}
		for i := len(next.Children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, next.Children[i])
		}
	}
	return leaves
}

// geometry is the observer callback for overlay repositioning.
func (self *Bridge) geometry(unitPath StructuralPath, bounds protocol.Rect) {
	self.stateLock.Lock()
	selected := self.hasSelectedUnit && self.selectedUnit.Equal(unitPath)
	var fields []protocol.FieldSpec
	focusedField := ""
	if selected {
		if node, err := self.document.NodeAt(unitPath); err == nil {
			fields = self.registry.Fields(node.Type)
		}
		focusedField = self.focusedField
	}
	self.stateLock.Unlock()

	err := self.channel.Send(&protocol.UnitSelected{
		Path:         unitPath.String(),
		Bounds:       bounds,
		Fields:       fields,
		FocusedField: focusedField,
	})
	if err != nil {
		glog.V(1).Infof("[bridge]%s geometry send error = %s\n", self.instanceId, err)
	}
}

// DispatchTransform sends a structural command for the selected unit.
// Returns ErrTransformPending while one is already in flight.
func (self *Bridge) DispatchTransform(kind protocol.TransformKind, detail map[string]string) (protocol.Id, error) {
	self.stateLock.Lock()
	if !self.hasSelectedUnit {
		self.stateLock.Unlock()
		return protocol.Id{}, ErrNoSelectedUnit
	}
	unitPath := self.selectedUnit.Clone()
	selection := self.selection
	self.stateLock.Unlock()

	flow := self.flowFor(unitPath)
	return flow.Dispatch(kind, selection, detail)
}

// CaptureInput offers raw input to the selected unit's flow. Returns true
// when the input was buffered or swallowed and must not apply locally.
func (self *Bridge) CaptureInput(text string) bool {
	self.stateLock.Lock()
	if !self.hasSelectedUnit {
		self.stateLock.Unlock()
		return false
	}
	unitPath := self.selectedUnit.Clone()
	self.stateLock.Unlock()

	return self.flowFor(unitPath).CaptureInput(text)
}

// SetLocalSelection records the surface cursor in structural terms. Called
// by the embedding runtime on every cursor move.
func (self *Bridge) SetLocalSelection(anchor RenderPoint, focus RenderPoint) error {
	self.stateLock.Lock()
	codec := self.codec
	view := self.view
	var unitEl *html.Node
	if self.hasSelectedUnit && view != nil {
		unitEl = view.find(self.selectedUnit)
	}
	self.stateLock.Unlock()

	if codec == nil {
		return ErrNoDocument
	}
	if unitEl == nil {
		if el, _, ok := nearestBound(anchor.Node); ok {
			unitEl = el
		}
	}

	selection, err := codec.SerializeSelection(anchor, focus, unitEl)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.selection = &selection
	self.selectionStable = true
	self.stateLock.Unlock()
	return nil
}

func (self *Bridge) CurrentSelection() (Selection, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.selection == nil {
		return Selection{}, false
	}
	return *self.selection, true
}

// BeginDrag starts a reorder gesture for the unit under the pointer.
func (self *Bridge) BeginDrag(sourcePath StructuralPath) error {
	return self.reorder.Begin(sourcePath)
}

func (self *Bridge) MoveDrag(x float64, y float64) {
	self.reorder.Move(x, y)
}

func (self *Bridge) DragIndicator() (StructuralPath, protocol.Side, bool) {
	return self.reorder.Indicator()
}

// EndDrag commits the gesture if a drop target is indicated and reports the
// relocation to the host. Returns false when the gesture ended without a
// valid target.
func (self *Bridge) EndDrag() (bool, error) {
	relocate, ok := self.reorder.End()
	if !ok {
		return false, nil
	}
	if err := self.channel.Send(relocate); err != nil {
		return false, err
	}
	glog.V(1).Infof("[bridge]%s relocate %s %s %s\n", self.instanceId, relocate.SourcePath, relocate.Side, relocate.TargetPath)
	return true, nil
}

func (self *Bridge) CancelDrag() {
	self.reorder.Cancel()
}

// NotifyMutation forwards a low-level mutation record from the embedding
// runtime to the render observer.
func (self *Bridge) NotifyMutation(node *html.Node) {
	self.observer.NotifyMutation(node)
}

func (self *Bridge) NotifyLayout() {
	self.observer.NotifyLayout()
}

func (self *Bridge) BeginMotion(unitPath StructuralPath) {
	self.observer.BeginMotion(unitPath)
}

// ReportNavigation tells the host the surface is about to navigate, so the
// host can follow with its own editing context.
func (self *Bridge) ReportNavigation(url string) error {
	return self.channel.Send(&protocol.Navigation{
		Url: url,
	})
}

// flushEdit implements flowDelegate. The sequence number is allocated under
// the send lock so send order and sequence order agree.
func (self *Bridge) flushEdit(selection *Selection, source string) (uint64, error) {
	self.stateLock.Lock()
	if self.shadow == nil {
		self.stateLock.Unlock()
		return 0, ErrNoDocument
	}
	document := self.shadow.Clone()
	self.stateLock.Unlock()

	var protocolSelection *protocol.Selection
	if selection != nil {
		protocolSelection = selection.toProtocol()
	}
	return self.sequencer.sendSequenced(self.channel, func(sequenceNumber uint64) protocol.Message {
		return &protocol.Edit{
			SequenceNumber: sequenceNumber,
			Document:       document,
			Selection:      protocolSelection,
			Source:         source,
		}
	})
}

func (self *Bridge) sendTransform(requestId protocol.Id, kind protocol.TransformKind, selection *Selection, detail map[string]string) error {
	self.stateLock.Lock()
	if self.shadow == nil {
		self.stateLock.Unlock()
		return ErrNoDocument
	}
	document := self.shadow.Clone()
	self.stateLock.Unlock()

	var protocolSelection *protocol.Selection
	if selection != nil {
		protocolSelection = selection.toProtocol()
	}
	_, err := self.sequencer.sendSequenced(self.channel, func(sequenceNumber uint64) protocol.Message {
		return &protocol.Transform{
			RequestId:      requestId,
			Kind:           kind,
			SequenceNumber: sequenceNumber,
			Document:       document,
			Selection:      protocolSelection,
			Detail:         detail,
		}
	})
	return err
}

// replayReady implements flowDelegate. Buffered input replays only when the
// unit survived the update, is still the editing target, and the selection
// resolved against the new view.
func (self *Bridge) replayReady(unitPath StructuralPath) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.view == nil {
		return false
	}
	if self.view.find(unitPath) == nil {
		return false
	}
	if self.hasSelectedUnit && !self.selectedUnit.Equal(unitPath) {
		// the user moved on, stale input must not follow them
		return false
	}
	if !self.selectionStable {
		return false
	}
	if self.selection != nil && !self.selection.Focus.Path.HasPrefix(unitPath) {
		return false
	}
	return true
}

// applyReplayText implements flowDelegate: best-effort plain-text insertion
// of buffered input at the current cursor, then an immediate flush.
func (self *Bridge) applyReplayText(unitPath StructuralPath, text string) {
	self.stateLock.Lock()
	if self.shadow == nil || self.selection == nil {
		self.stateLock.Unlock()
		glog.Warningf("[bridge]%s no insertion point for replayed input, dropped %d chars\n", self.instanceId, len(text))
		return
	}
	collapsed := self.selection.IsCollapsed()
	point := self.selection.Focus
	if err := self.shadow.InsertText(point, text); err != nil {
		self.stateLock.Unlock()
		glog.Warningf("[bridge]%s replay insert at %s failed: %s\n", self.instanceId, point.Path, err)
		return
	}
	// keep the rendered run in sync so the next serialization agrees with
	// the shadow
	if renderPoint, err := self.codec.DeserializePoint(point); err == nil && renderPoint.Node.Type == html.TextNode {
		renderPoint.Node.Data = spliceText(renderPoint.Node.Data, renderPoint.Offset, text)
	}
	advanced, _ := renderedLength(text, false)
	point.Offset += advanced
	self.selection.Focus = point
	if collapsed {
		self.selection.Anchor = point
	}
	self.stateLock.Unlock()

	flow := self.flowFor(unitPath)
	if _, _, err := flow.Flush("replay", true); err != nil {
		glog.Infof("[bridge]%s replay flush error = %s\n", self.instanceId, err)
	}
}

func (self *Bridge) setUnitBusy(unitPath StructuralPath, busy bool) {
	self.stateLock.Lock()
	var unitEl *html.Node
	if self.view != nil {
		unitEl = self.view.find(unitPath)
	}
	self.stateLock.Unlock()

	if unitEl == nil {
		return
	}
	self.renderer.SetUnitBusy(unitEl, busy)
}

func (self *Bridge) failUnit(unitPath StructuralPath, reason string) {
	self.stateLock.Lock()
	var unitEl *html.Node
	if self.view != nil {
		unitEl = self.view.find(unitPath)
	}
	self.stateLock.Unlock()

	if unitEl == nil {
		glog.Warningf("[bridge]%s failed unit %s is not rendered\n", self.instanceId, unitPath)
		return
	}
	self.renderer.SetUnitFailed(unitEl, reason)
}

// logDesyncLocked reports a structural mismatch between the document and
// the rendered view. The first occurrence dumps both sides; later ones stay
// quiet unless verbose logging is on. Caller holds stateLock.
func (self *Bridge) logDesyncLocked(path StructuralPath, where string) {
	if self.desyncLogged {
		glog.V(2).Infof("[bridge]%s desync at %s (%s)\n", self.instanceId, path, where)
		return
	}
	self.desyncLogged = true

	logical := "<missing>"
	if self.document != nil {
		if node, err := self.document.NodeAt(path); err == nil {
			if data, jsonErr := json.Marshal(node); jsonErr == nil {
				logical = string(data)
			}
		}
	}

	rendered := "<missing>"
	if self.view != nil {
		// the addressed element is the one that is missing, dump the
		// nearest rendered ancestor instead
		ancestor := path
		for {
			if el := self.view.find(ancestor); el != nil {
				var b bytes.Buffer
				if renderErr := html.Render(&b, el); renderErr == nil {
					rendered = b.String()
				}
				break
			}
			if ancestor.IsRoot() {
				break
			}
			ancestor = ancestor.Parent()
		}
	}

	glog.Errorf(
		"[bridge]%s structural desync at %s (%s)\nlogical subtree: %s\nrendered subtree: %s\n",
		self.instanceId, path, where, logical, rendered,
	)
}

func spliceText(text string, offset int, insert string) string {
	runes := []rune(text)
	if offset < 0 {
		offset = 0
	}
	if len(runes) < offset {
		offset = len(runes)
	}
	return string(runes[:offset]) + insert + string(runes[offset:])
}

// Close tears the bridge down. The channel is closed as well; the bridge
// owns the conversation it was created with.
func (self *Bridge) Close() {
	self.cancel()
	if self.removeReceive != nil {
		self.removeReceive()
	}
	for _, flow := range self.flowSnapshot() {
		flow.Close()
	}
	self.channel.Close()
	glog.V(1).Infof("[bridge]%s closed\n", self.instanceId)
}

// the process-wide bridge table. Host tooling can tear down and reload its
// own scripts without reloading the surface; a reloaded host must find the
// existing bridge for a document instead of spawning a duplicate.
var bridgeTable = struct {
	stateLock sync.Mutex
	bridges   map[string]*Bridge
}{
	bridges: map[string]*Bridge{},
}

// GetOrCreateBridge returns the bridge registered under documentKey,
// creating it with newBridge on first use.
func GetOrCreateBridge(documentKey string, newBridge func() *Bridge) *Bridge {
	bridgeTable.stateLock.Lock()
	defer bridgeTable.stateLock.Unlock()
	bridge, ok := bridgeTable.bridges[documentKey]
	if !ok {
		bridge = newBridge()
		bridgeTable.bridges[documentKey] = bridge
		glog.V(1).Infof("[bridge] registered %q\n", documentKey)
	}
	return bridge
}

func LookupBridge(documentKey string) (*Bridge, bool) {
	bridgeTable.stateLock.Lock()
	defer bridgeTable.stateLock.Unlock()
	bridge, ok := bridgeTable.bridges[documentKey]
	return bridge, ok
}

// ReleaseBridge removes and closes the bridge registered under documentKey.
func ReleaseBridge(documentKey string) {
	bridgeTable.stateLock.Lock()
	bridge, ok := bridgeTable.bridges[documentKey]
	delete(bridgeTable.bridges, documentKey)
	bridgeTable.stateLock.Unlock()

	if ok {
		bridge.Close()
	}
}
