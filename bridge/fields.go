package bridge

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/stagelink/stagelink/protocol"
)

// FieldRegistry holds the host-declared structural rules: per unit type,
// the editable fields and the unit types allowed as direct children.
// An undeclared field is unknown and must not be assumed safe to edit.
type FieldRegistry struct {
	stateLock sync.Mutex

	unitFields      map[string][]protocol.FieldSpec
	allowedChildren map[string]map[string]bool
}

func NewFieldRegistry() *FieldRegistry {
	return &FieldRegistry{
		unitFields:      map[string][]protocol.FieldSpec{},
		allowedChildren: map[string]map[string]bool{},
	}
}

func (self *FieldRegistry) DeclareUnit(unitType string, fields []protocol.FieldSpec, allowedChildTypes []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.unitFields[unitType] = fields
	children := map[string]bool{}
	for _, childType := range allowedChildTypes {
		children[childType] = true
	}
	self.allowedChildren[unitType] = children
}

func (self *FieldRegistry) UnitTypes() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.unitFields)
}

func (self *FieldRegistry) Fields(unitType string) []protocol.FieldSpec {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.unitFields[unitType]
}

func (self *FieldRegistry) FieldClass(unitType string, fieldName string) protocol.EditableClass {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, field := range self.unitFields[unitType] {
		if field.Name == fieldName {
			return field.Editable
		}
	}
	return protocol.EditableUnknown
}

// AllowsChild reports whether childType may sit as a direct child of
// containerType. Undeclared container types allow nothing.
func (self *FieldRegistry) AllowsChild(containerType string, childType string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	children, ok := self.allowedChildren[containerType]
	if !ok {
		return false
	}
	return children[childType]
}
