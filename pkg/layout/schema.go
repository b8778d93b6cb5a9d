package layout

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Subsection is a leaf toggle unit within a section.
type Subsection struct {
	// Key uniquely identifies the subsection across the whole schema.
	Key string `json:"key" yaml:"key" validate:"required,layoutkey"`

	// Label is the human-readable name shown to the user.
	Label string `json:"label" yaml:"label" validate:"required"`
}

// Section is a top-level toggleable and orderable group of subsections.
type Section struct {
	// Key uniquely identifies the section across the whole schema.
	Key string `json:"key" yaml:"key" validate:"required,layoutkey"`

	// Label is the human-readable name shown to the user.
	Label string `json:"label" yaml:"label" validate:"required"`

	// Children are the subsections, in display order.
	Children []Subsection `json:"children" yaml:"children" validate:"required,min=1,dive"`
}

// ChildKeys returns the keys of the section's subsections in declaration order.
func (s Section) ChildKeys() []string {
	keys := make([]string, len(s.Children))
	for i, c := range s.Children {
		keys[i] = c.Key
	}
	return keys
}

// keyRef locates a key inside the schema.
type keyRef struct {
	section int
	child   int // -1 for the section itself
}

// Schema is the immutable set of sections the layout is built from.
type Schema struct {
	sections []Section
	index    map[string]keyRef
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var schemaValidator = newSchemaValidator()

func newSchemaValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("layoutkey", func(fl validator.FieldLevel) bool {
		return keyPattern.MatchString(fl.Field().String())
	})
	return v
}

// NewSchema builds a schema from the given sections. Keys must be unique across
// sections and subsections and every section needs at least one subsection.
func NewSchema(sections []Section) (*Schema, error) {
	if len(sections) == 0 {
		return nil, schemaError("schema has no sections", nil)
	}

	s := &Schema{
		sections: make([]Section, len(sections)),
		index:    make(map[string]keyRef),
	}

	for i, sec := range sections {
		if err := schemaValidator.Struct(sec); err != nil {
			return nil, schemaError(fmt.Sprintf("section %d (%q) is invalid", i, sec.Key), err)
		}

		if err := s.register(sec.Key, keyRef{section: i, child: -1}); err != nil {
			return nil, err
		}
		children := make([]Subsection, len(sec.Children))
		for j, child := range sec.Children {
			if err := s.register(child.Key, keyRef{section: i, child: j}); err != nil {
				return nil, err
			}
			children[j] = child
		}

		s.sections[i] = Section{Key: sec.Key, Label: sec.Label, Children: children}
	}

	return s, nil
}

// MustSchema is like NewSchema but panics on error. It is meant for static schemas.
func MustSchema(sections []Section) *Schema {
	s, err := NewSchema(sections)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) register(key string, ref keyRef) error {
	if _, exists := s.index[key]; exists {
		return schemaError(fmt.Sprintf("duplicate key %q", key), nil)
	}
	s.index[key] = ref
	return nil
}

func schemaError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeInvalidSchema,
		Err:     err,
	}
}

// Sections returns a copy of the sections in declaration order.
func (s *Schema) Sections() []Section {
	out := make([]Section, len(s.sections))
	for i, sec := range s.sections {
		out[i] = Section{
			Key:      sec.Key,
			Label:    sec.Label,
			Children: append([]Subsection(nil), sec.Children...),
		}
	}
	return out
}

// Section returns the section with the given key.
func (s *Schema) Section(key string) (Section, bool) {
	ref, ok := s.index[key]
	if !ok || ref.child != -1 {
		return Section{}, false
	}
	return s.sections[ref.section], true
}

// SectionKeys returns the section keys in declaration order.
func (s *Schema) SectionKeys() []string {
	keys := make([]string, len(s.sections))
	for i, sec := range s.sections {
		keys[i] = sec.Key
	}
	return keys
}

// Keys returns every section and subsection key, each section followed by its children.
func (s *Schema) Keys() []string {
	keys := make([]string, 0, len(s.index))
	for _, sec := range s.sections {
		keys = append(keys, sec.Key)
		keys = append(keys, sec.ChildKeys()...)
	}
	return keys
}

// IsSection reports whether key names a section.
func (s *Schema) IsSection(key string) bool {
	ref, ok := s.index[key]
	return ok && ref.child == -1
}

// IsSubsection reports whether key names a subsection.
func (s *Schema) IsSubsection(key string) bool {
	ref, ok := s.index[key]
	return ok && ref.child >= 0
}

// Has reports whether key names a section or a subsection.
func (s *Schema) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// ParentOf returns the section key owning the given subsection.
func (s *Schema) ParentOf(subsectionKey string) (string, bool) {
	ref, ok := s.index[subsectionKey]
	if !ok || ref.child < 0 {
		return "", false
	}
	return s.sections[ref.section].Key, true
}

// Label returns the label of any section or subsection key.
func (s *Schema) Label(key string) string {
	ref, ok := s.index[key]
	if !ok {
		return ""
	}
	if ref.child < 0 {
		return s.sections[ref.section].Label
	}
	return s.sections[ref.section].Children[ref.child].Label
}

// Defaults returns the full-default selection: every key included.
func (s *Schema) Defaults() map[string]bool {
	defaults := make(map[string]bool, len(s.index))
	for key := range s.index {
		defaults[key] = true
	}
	return defaults
}

// String returns a compact description, e.g. "A{a1,a2} B{b1}".
func (s *Schema) String() string {
	parts := make([]string, len(s.sections))
	for i, sec := range s.sections {
		parts[i] = sec.Key + "{" + strings.Join(sec.ChildKeys(), ",") + "}"
	}
	return strings.Join(parts, " ")
}
