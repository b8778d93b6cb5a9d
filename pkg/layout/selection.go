package layout

// State is the derived visual state of a section.
type State int

const (
	// Unselected means no child of the section is selected.
	Unselected State = iota
	// Partial means some, but not all, children are selected.
	Partial
	// Selected means every child is selected.
	Selected
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Unselected:
		return "unselected"
	case Partial:
		return "partial"
	case Selected:
		return "selected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

const (
	// ChangeLeaf is a single subsection set on or off.
	ChangeLeaf ChangeKind = "leaf"
	// ChangeSection is a section and all of its children set at once.
	ChangeSection ChangeKind = "section"
	// ChangeAll is every subsection set to Value.
	ChangeAll ChangeKind = "all"
	// ChangeApply is a batch of client-sent flags overlaid on the selection.
	// Value is not meaningful for it.
	ChangeApply ChangeKind = "apply"
	// ChangeMove is a section moved Delta places within the ordering.
	ChangeMove ChangeKind = "move"
	// ChangeMoveTo is a section moved to the position of the To section.
	ChangeMoveTo ChangeKind = "move_to"
)

// Change describes one successful mutation.
type Change struct {
	Kind  ChangeKind
	Key   string
	Value bool   // selection changes
	Delta int    // ChangeMove
	To    string // ChangeMoveTo target key
}

// Observer is notified once per successful mutating call, synchronously.
type Observer func(Change)

// Selection holds the included flag of every subsection of a schema.
// Section flags are always derived from their children.
type Selection struct {
	schema   *Schema
	leaves   map[string]bool
	observer Observer
}

// NewSelection returns a selection with every subsection included.
func NewSelection(schema *Schema) *Selection {
	return NewSelectionFrom(schema, nil)
}

// NewSelectionFrom returns a selection built from the schema defaults overlaid with
// values. Keys that are not subsections of the schema are ignored. Building a
// selection does not notify any observer.
func NewSelectionFrom(schema *Schema, values map[string]bool) *Selection {
	sel := &Selection{
		schema: schema,
		leaves: make(map[string]bool),
	}
	for _, sec := range schema.sections {
		for _, child := range sec.Children {
			v, ok := values[child.Key]
			if !ok {
				v = true
			}
			sel.leaves[child.Key] = v
		}
	}
	return sel
}

// Schema returns the schema the selection was built from.
func (s *Selection) Schema() *Schema {
	return s.schema
}

// OnChange registers the observer, replacing any previous one.
func (s *Selection) OnChange(fn Observer) {
	s.observer = fn
}

func (s *Selection) notify(c Change) {
	if s.observer != nil {
		s.observer(c)
	}
}

// SetLeaf sets the included flag of one subsection.
func (s *Selection) SetLeaf(key string, value bool) error {
	if !s.schema.IsSubsection(key) {
		return UnknownKeyError(key, "subsection").WithOperation("set_leaf")
	}
	s.leaves[key] = value
	s.notify(Change{Kind: ChangeLeaf, Key: key, Value: value})
	return nil
}

// SetSection sets every subsection of the section to value. The section then
// reads value as well.
func (s *Selection) SetSection(key string, value bool) error {
	sec, ok := s.schema.Section(key)
	if !ok {
		return UnknownKeyError(key, "section").WithOperation("set_section")
	}
	for _, child := range sec.Children {
		s.leaves[child.Key] = value
	}
	s.notify(Change{Kind: ChangeSection, Key: key, Value: value})
	return nil
}

// SetAll sets every subsection of the schema to value.
func (s *Selection) SetAll(value bool) {
	for key := range s.leaves {
		s.leaves[key] = value
	}
	s.notify(Change{Kind: ChangeAll, Value: value})
}

// Leaf returns the flag of a subsection.
func (s *Selection) Leaf(key string) (bool, error) {
	v, ok := s.leaves[key]
	if !ok {
		return false, UnknownKeyError(key, "subsection").WithOperation("leaf")
	}
	return v, nil
}

// Derived computes the state of a section from its children.
func (s *Selection) Derived(key string) (State, error) {
	sec, ok := s.schema.Section(key)
	if !ok {
		return Unselected, UnknownKeyError(key, "section").WithOperation("derived_state")
	}
	return s.derive(sec), nil
}

func (s *Selection) derive(sec Section) State {
	on := 0
	for _, child := range sec.Children {
		if s.leaves[child.Key] {
			on++
		}
	}
	switch on {
	case 0:
		return Unselected
	case len(sec.Children):
		return Selected
	default:
		return Partial
	}
}

// Included reports the boolean flag of any key: the leaf value for a subsection,
// and for a section true when at least one child is included.
func (s *Selection) Included(key string) (bool, error) {
	if sec, ok := s.schema.Section(key); ok {
		return s.derive(sec) != Unselected, nil
	}
	return s.Leaf(key)
}

// ToPersisted flattens section and subsection flags into one map.
func (s *Selection) ToPersisted() map[string]bool {
	out := make(map[string]bool, len(s.schema.index))
	for _, sec := range s.schema.sections {
		out[sec.Key] = s.derive(sec) != Unselected
		for _, child := range sec.Children {
			out[child.Key] = s.leaves[child.Key]
		}
	}
	return out
}

// SelectedCount returns the number of included subsections.
func (s *Selection) SelectedCount() int {
	n := 0
	for _, v := range s.leaves {
		if v {
			n++
		}
	}
	return n
}

// Equal reports whether both selections hold the same leaf values.
func (s *Selection) Equal(other *Selection) bool {
	if len(s.leaves) != len(other.leaves) {
		return false
	}
	for k, v := range s.leaves {
		ov, ok := other.leaves[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
