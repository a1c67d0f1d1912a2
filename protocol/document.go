package protocol

// Node is one node of the document tree. A text leaf carries Text and no
// children; an element carries Type and an ordered list of children.
type Node struct {
	Type     string  `json:"type,omitempty"`
	Text     *string `json:"text,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

func TextNode(text string) *Node {
	return &Node{
		Text: &text,
	}
}

func ElementNode(nodeType string, children ...*Node) *Node {
	return &Node{
		Type:     nodeType,
		Children: children,
	}
}

func (self *Node) IsText() bool {
	return self.Text != nil
}

// Point addresses the position `Offset` visible characters into the text run
// at `Path`. Path is the dot-separated child-index path from the document
// root, e.g. "0.1.0".
type Point struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
}

type Selection struct {
	Anchor Point `json:"anchor"`
	Focus  Point `json:"focus"`
}

func (self *Selection) IsCollapsed() bool {
	return self.Anchor == self.Focus
}

func CollapsedSelection(point Point) *Selection {
	return &Selection{
		Anchor: point,
		Focus:  point,
	}
}

type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type EditableClass string

const (
	EditableText      EditableClass = "text"
	EditableMultiline EditableClass = "multiline"
	EditableRichText  EditableClass = "richtext"
	// fields with no declared class must not be assumed safe to edit
	EditableUnknown EditableClass = "unknown"
)

type FieldSpec struct {
	Name     string        `json:"name"`
	Editable EditableClass `json:"editable"`
}
