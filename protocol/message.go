package protocol

import (
	"encoding/json"
	"fmt"
)

type MessageKind string

const (
	// host -> surface
	MessageKindHello          MessageKind = "hello"
	MessageKindDocumentUpdate MessageKind = "documentUpdate"
	MessageKindSelectUnit     MessageKind = "selectUnit"
	MessageKindFlush          MessageKind = "flush"
	MessageKindTransformError MessageKind = "transformError"

	// surface -> host
	MessageKindEdit         MessageKind = "edit"
	MessageKindTransform    MessageKind = "transform"
	MessageKindUnitSelected MessageKind = "unitSelected"
	MessageKindRelocate     MessageKind = "relocate"
	MessageKindNavigation   MessageKind = "navigation"
	MessageKindFlushAck     MessageKind = "flushAck"
)

type Message interface {
	MessageKind() MessageKind
}

type envelope struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

func EncodeMessage(message Message) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Kind: message.MessageKind(),
		Body: body,
	})
}

func DecodeMessage(data []byte) (Message, error) {
	var envelope envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var message Message
	switch envelope.Kind {
	case MessageKindHello:
		message = &Hello{}
	case MessageKindDocumentUpdate:
		message = &DocumentUpdate{}
	case MessageKindSelectUnit:
		message = &SelectUnit{}
	case MessageKindFlush:
		message = &Flush{}
	case MessageKindTransformError:
		message = &TransformError{}
	case MessageKindEdit:
		message = &Edit{}
	case MessageKindTransform:
		message = &Transform{}
	case MessageKindUnitSelected:
		message = &UnitSelected{}
	case MessageKindRelocate:
		message = &Relocate{}
	case MessageKindNavigation:
		message = &Navigation{}
	case MessageKindFlushAck:
		message = &FlushAck{}
	default:
		return nil, fmt.Errorf("Unknown message kind: %s", envelope.Kind)
	}
	if err := json.Unmarshal(envelope.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}

// Hello authenticates the channel. It must be the first inbound message.
type Hello struct {
	Auth       string `json:"auth"`
	Origin     string `json:"origin"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion,omitempty"`
}

func (self *Hello) MessageKind() MessageKind {
	return MessageKindHello
}

// DocumentUpdate replaces the rendered document. When RequestId is set, the
// update acknowledges the structural transform dispatched with that id.
type DocumentUpdate struct {
	Document  []*Node    `json:"document"`
	Selection *Selection `json:"selection,omitempty"`
	RequestId *Id        `json:"requestId,omitempty"`
}

func (self *DocumentUpdate) MessageKind() MessageKind {
	return MessageKindDocumentUpdate
}

type SelectUnit struct {
	Path string `json:"path"`
}

func (self *SelectUnit) MessageKind() MessageKind {
	return MessageKindSelectUnit
}

type Flush struct {
	RequestId Id `json:"requestId"`
}

func (self *Flush) MessageKind() MessageKind {
	return MessageKindFlush
}

type TransformError struct {
	RequestId Id     `json:"requestId"`
	Reason    string `json:"reason"`
}

func (self *TransformError) MessageKind() MessageKind {
	return MessageKindTransformError
}

// Edit carries the full shadow document after local text edits.
// Source is a diagnostic label for where the edit came from.
type Edit struct {
	SequenceNumber uint64     `json:"sequenceNumber"`
	Document       []*Node    `json:"document"`
	Selection      *Selection `json:"selection,omitempty"`
	Source         string     `json:"source,omitempty"`
}

func (self *Edit) MessageKind() MessageKind {
	return MessageKindEdit
}

type TransformKind string

const (
	TransformPaste          TransformKind = "paste"
	TransformDeleteBoundary TransformKind = "deleteBoundary"
	TransformEnter          TransformKind = "enter"
	TransformFormat         TransformKind = "format"
)

type Transform struct {
	RequestId      Id                `json:"requestId"`
	Kind           TransformKind     `json:"transformKind"`
	SequenceNumber uint64            `json:"sequenceNumber"`
	Document       []*Node           `json:"document"`
	Selection      *Selection        `json:"selection,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
}

func (self *Transform) MessageKind() MessageKind {
	return MessageKindTransform
}

type UnitSelected struct {
	Path         string      `json:"path"`
	Bounds       Rect        `json:"bounds"`
	Fields       []FieldSpec `json:"fields,omitempty"`
	FocusedField string      `json:"focusedField,omitempty"`
}

func (self *UnitSelected) MessageKind() MessageKind {
	return MessageKindUnitSelected
}

type Side string

const (
	SideBefore Side = "before"
	SideAfter  Side = "after"
)

// Relocate carries both endpoints with their structural parentage so the
// host can apply the move at any nesting depth.
type Relocate struct {
	SourcePath       string `json:"sourcePath"`
	SourceParentPath string `json:"sourceParentPath"`
	TargetPath       string `json:"targetPath"`
	TargetParentPath string `json:"targetParentPath"`
	Side             Side   `json:"side"`
}

func (self *Relocate) MessageKind() MessageKind {
	return MessageKindRelocate
}

type Navigation struct {
	Url string `json:"url"`
}

func (self *Navigation) MessageKind() MessageKind {
	return MessageKindNavigation
}

type FlushAck struct {
	RequestId      Id     `json:"requestId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

func (self *FlushAck) MessageKind() MessageKind {
	return MessageKindFlushAck
}
