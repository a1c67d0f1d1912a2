package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/stagelink/stagelink/protocol"
)

// a second structural command was issued while one is in flight. Callers
// must disable their affordances while a unit is blocked, never queue.
var ErrTransformPending = errors.New("A structural transform is already in flight for this unit.")

// the unit timed out waiting for a transform acknowledgement and is locked
// until a full reload
var ErrUnitFailed = errors.New("Unit is locked after a transform timeout.")

// edit flow state machine per editable unit:
// Idle
//
//	-> Buffering -> Flushing -> Idle
//	-> Blocked <-> Replaying -> Idle
//	-> Failed (terminal)
type EditFlowState string

const (
	EditFlowStateIdle      EditFlowState = "Idle"
	EditFlowStateBuffering EditFlowState = "Buffering"
	EditFlowStateFlushing  EditFlowState = "Flushing"
	EditFlowStateBlocked   EditFlowState = "Blocked"
	EditFlowStateReplaying EditFlowState = "Replaying"
	EditFlowStateFailed    EditFlowState = "Failed"
)

func (self EditFlowState) IsTerminal() bool {
	return self == EditFlowStateFailed
}

type FlowSettings struct {
	// debounce between a local text mutation and its flush to the host
	DebounceTimeout time.Duration
	// how long to wait for a transform acknowledgement before the unit
	// is locked
	TransformTimeout time.Duration
	// bounded stabilization polling before buffered input replays
	ReplayRetryCount   int
	ReplayRetryTimeout time.Duration
}

func DefaultFlowSettings() *FlowSettings {
	return &FlowSettings{
		DebounceTimeout:    400 * time.Millisecond,
		TransformTimeout:   10 * time.Second,
		ReplayRetryCount:   20,
		ReplayRetryTimeout: 50 * time.Millisecond,
	}
}

// what the flow controller needs from the bridge around it
type flowDelegate interface {
	// flushEdit sends the current shadow document. The sequence number is
	// assigned at send time so debounce flushes and structural commands
	// stay monotonic in send order.
	flushEdit(selection *Selection, source string) (uint64, error)
	sendTransform(requestId protocol.Id, kind protocol.TransformKind, selection *Selection, detail map[string]string) error
	// replayReady is the liveness and stabilization check polled before
	// buffered input replays
	replayReady(unitPath StructuralPath) bool
	applyReplayText(unitPath StructuralPath, text string)
	setUnitBusy(unitPath StructuralPath, busy bool)
	failUnit(unitPath StructuralPath, reason string)
}

type pendingTransform struct {
	requestId       protocol.Id
	kind            protocol.TransformKind
	inputSuppressed bool
}

type bufferedEvent struct {
	text      string
	eventTime time.Time
}

// editFlow owns the edit lifecycle of one editable unit. At most one
// pendingTransform exists at any time.
type editFlow struct {
	ctx      context.Context
	delegate flowDelegate
	unitPath StructuralPath
	settings *FlowSettings

	stateLock      sync.Mutex
	state          EditFlowState
	lastHostValues map[string]string
	dirty          bool
	dirtySelection *Selection
	debounce       *time.Timer
	timeout        *time.Timer
	pending        *pendingTransform
	eventBuffer    []bufferedEvent
	replayEpoch    int
}

func newEditFlow(ctx context.Context, delegate flowDelegate, unitPath StructuralPath, settings *FlowSettings) *editFlow {
	return &editFlow{
		ctx:            ctx,
		delegate:       delegate,
		unitPath:       unitPath,
		settings:       settings,
		state:          EditFlowStateIdle,
		lastHostValues: map[string]string{},
	}
}

func (self *editFlow) State() EditFlowState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *editFlow) PendingRequestId() (protocol.Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pending == nil {
		return protocol.Id{}, false
	}
	return self.pending.requestId, true
}

// SetHostValue records the value most recently received from the host for a
// field. The next identical local mutation is the echo of that update and
// is dropped.
func (self *editFlow) SetHostValue(fieldName string, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastHostValues[fieldName] = value
}

// LocalEdit accepts or rejects a local text mutation. Accepting arms the
// debounce; the caller writes the value into the shadow copy.
func (self *editFlow) LocalEdit(fieldName string, value string, selection *Selection) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case EditFlowStateFailed:
		return false
	case EditFlowStateBlocked, EditFlowStateReplaying:
		// raw input for a blocked unit is captured, not applied
		return false
	}

	if hostValue, ok := self.lastHostValues[fieldName]; ok && hostValue == value {
		glog.V(2).Infof("[flow]%s echo suppressed for field %s\n", self.unitPath, fieldName)
		return false
	}
	self.lastHostValues[fieldName] = value

	self.state = EditFlowStateBuffering
	self.dirty = true
	self.dirtySelection = selection
	if self.debounce == nil {
		self.debounce = time.AfterFunc(self.settings.DebounceTimeout, self.flushDebounced)
	} else {
		self.debounce.Reset(self.settings.DebounceTimeout)
	}
	return true
}

func (self *editFlow) flushDebounced() {
	self.stateLock.Lock()
	if self.state != EditFlowStateBuffering || !self.dirty {
		self.stateLock.Unlock()
		return
	}
	self.state = EditFlowStateFlushing
	selection := self.dirtySelection
	self.dirty = false
	self.stateLock.Unlock()

	_, err := self.delegate.flushEdit(selection, "debounce")
	if err != nil {
		glog.Infof("[flow]%s flush error = %s\n", self.unitPath, err)
	}

	self.stateLock.Lock()
	if err != nil && !self.dirty {
		// keep the edit buffered so a later flush retries it
		self.dirty = true
		self.dirtySelection = selection
		self.state = EditFlowStateBuffering
	} else if self.state == EditFlowStateFlushing {
		self.state = EditFlowStateIdle
	}
	self.stateLock.Unlock()
}

// Flush sends the shadow copy immediately. force sends even when no edit is
// buffered, which a host flush request uses to get an authoritative ack.
func (self *editFlow) Flush(source string, force bool) (uint64, bool, error) {
	self.stateLock.Lock()
	if self.state == EditFlowStateFailed {
		self.stateLock.Unlock()
		return 0, false, ErrUnitFailed
	}
	if !self.dirty && !force {
		self.stateLock.Unlock()
		return 0, false, nil
	}
	if self.debounce != nil {
		self.debounce.Stop()
	}
	selection := self.dirtySelection
	wasDirty := self.dirty
	self.dirty = false
	if self.state == EditFlowStateBuffering {
		self.state = EditFlowStateIdle
	}
	self.stateLock.Unlock()

	sequenceNumber, err := self.delegate.flushEdit(selection, source)
	if err != nil {
		self.stateLock.Lock()
		if wasDirty && !self.dirty {
			// keep the edit buffered so a later flush retries it
			self.dirty = true
			self.dirtySelection = selection
			if self.state == EditFlowStateIdle {
				self.state = EditFlowStateBuffering
			}
		}
		self.stateLock.Unlock()
		return 0, false, err
	}
	return sequenceNumber, true, nil
}

// Dispatch issues a structural command to the host. The shadow copy is
// flushed synchronously first so the host transform applies atop the latest
// text.
func (self *editFlow) Dispatch(kind protocol.TransformKind, selection *Selection, detail map[string]string) (protocol.Id, error) {
	self.stateLock.Lock()
	if self.state == EditFlowStateFailed {
		self.stateLock.Unlock()
		return protocol.Id{}, ErrUnitFailed
	}
	if self.pending != nil {
		self.stateLock.Unlock()
		return protocol.Id{}, ErrTransformPending
	}
	pending := &pendingTransform{
		requestId:       protocol.NewId(),
		kind:            kind,
		inputSuppressed: true,
	}
	self.pending = pending
	dirty := self.dirty
	dirtySelection := self.dirtySelection
	self.dirty = false
	if self.debounce != nil {
		self.debounce.Stop()
	}
	self.state = EditFlowStateBlocked
	self.stateLock.Unlock()

	if dirty {
		if _, err := self.delegate.flushEdit(dirtySelection, "pre-transform"); err != nil {
			self.abandonPending(pending.requestId, EditFlowStateIdle)
			return protocol.Id{}, err
		}
	}

	self.delegate.setUnitBusy(self.unitPath, true)

	if err := self.delegate.sendTransform(pending.requestId, kind, selection, detail); err != nil {
		self.delegate.setUnitBusy(self.unitPath, false)
		self.abandonPending(pending.requestId, EditFlowStateIdle)
		return protocol.Id{}, err
	}

	self.stateLock.Lock()
	self.timeout = time.AfterFunc(self.settings.TransformTimeout, func() {
		self.transformTimeout(pending.requestId)
	})
	self.stateLock.Unlock()

	glog.V(1).Infof("[flow]%s dispatch %s request = %s\n", self.unitPath, kind, pending.requestId)
	return pending.requestId, nil
}

func (self *editFlow) abandonPending(requestId protocol.Id, nextState EditFlowState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pending == nil || self.pending.requestId != requestId {
		return
	}
	self.pending = nil
	self.state = nextState
}

// CaptureInput buffers raw input while the unit is blocked. Returns false
// when the unit is not blocked and the input should apply normally.
func (self *editFlow) CaptureInput(text string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case EditFlowStateBlocked, EditFlowStateReplaying:
		self.eventBuffer = append(self.eventBuffer, bufferedEvent{
			text:      text,
			eventTime: time.Now(),
		})
		return true
	case EditFlowStateFailed:
		// swallow input for a locked unit
		return true
	default:
		return false
	}
}

// Resolve is called when the acknowledging update for requestId arrives.
// Buffered input replays once the rendered view stabilizes.
func (self *editFlow) Resolve(requestId protocol.Id) {
	self.stateLock.Lock()
	if self.pending == nil || self.pending.requestId != requestId {
		self.stateLock.Unlock()
		glog.V(1).Infof("[flow]%s stale ack request = %s\n", self.unitPath, requestId)
		return
	}
	if self.timeout != nil {
		self.timeout.Stop()
		self.timeout = nil
	}
	self.pending = nil
	self.state = EditFlowStateReplaying
	self.replayEpoch += 1
	epoch := self.replayEpoch
	self.stateLock.Unlock()

	self.delegate.setUnitBusy(self.unitPath, false)
	go self.replay(epoch)
}

// Fail is called on a transform-error notification. The unit unblocks;
// buffered input still replays because the document did not change.
func (self *editFlow) Fail(requestId protocol.Id, reason string) {
	self.stateLock.Lock()
	if self.pending == nil || self.pending.requestId != requestId {
		self.stateLock.Unlock()
		return
	}
	if self.timeout != nil {
		self.timeout.Stop()
		self.timeout = nil
	}
	self.pending = nil
	self.state = EditFlowStateReplaying
	self.replayEpoch += 1
	epoch := self.replayEpoch
	self.stateLock.Unlock()

	glog.Warningf("[flow]%s transform failed: %s\n", self.unitPath, reason)
	self.delegate.setUnitBusy(self.unitPath, false)
	go self.replay(epoch)
}

func (self *editFlow) replay(epoch int) {
	ready := false
	for i := 0; i < self.settings.ReplayRetryCount; i += 1 {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.stateLock.Lock()
		live := self.replayEpoch == epoch && self.state == EditFlowStateReplaying
		self.stateLock.Unlock()
		if !live {
			// the unit moved on, stale replay must not mutate it
			return
		}
		if self.delegate.replayReady(self.unitPath) {
			ready = true
			break
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReplayRetryTimeout):
		}
	}

	self.stateLock.Lock()
	if self.replayEpoch != epoch || self.state != EditFlowStateReplaying {
		self.stateLock.Unlock()
		return
	}
	events := self.eventBuffer
	self.eventBuffer = nil
	self.state = EditFlowStateIdle
	self.stateLock.Unlock()

	if !ready {
		if 0 < len(events) {
			// a developer-visible warning, never a silent drop
			glog.Warningf("[flow]%s view did not stabilize, dropping %d buffered events\n", self.unitPath, len(events))
		}
		return
	}
	if len(events) == 0 {
		return
	}
	var b strings.Builder
	for _, event := range events {
		b.WriteString(event.text)
	}
	text := b.String()
	if text != "" {
		glog.V(1).Infof("[flow]%s replaying %d buffered events\n", self.unitPath, len(events))
		self.delegate.applyReplayText(self.unitPath, text)
	}
}

func (self *editFlow) transformTimeout(requestId protocol.Id) {
	self.stateLock.Lock()
	if self.pending == nil || self.pending.requestId != requestId {
		self.stateLock.Unlock()
		return
	}
	self.pending = nil
	self.timeout = nil
	self.eventBuffer = nil
	self.state = EditFlowStateFailed
	self.stateLock.Unlock()

	// fatal for this unit only. Locking the unit is chosen over risking
	// silent divergence between the shadow copy and the host document.
	glog.Warningf("[flow]%s no acknowledgement for request %s, unit locked\n", self.unitPath, requestId)
	self.delegate.setUnitBusy(self.unitPath, false)
	self.delegate.failUnit(self.unitPath, "This block stopped responding. Reload the page to keep editing it.")
}

func (self *editFlow) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.debounce != nil {
		self.debounce.Stop()
	}
	if self.timeout != nil {
		self.timeout.Stop()
	}
	self.replayEpoch += 1
}
