package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
)

// Built-in schema names.
const (
	SchemaSnapshot = "snapshot"
	SchemaLayout   = "layout"
)

// Issue is one schema violation with its source position.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Line == 0 {
		return i.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", i.File, i.Line, i.Column, i.Message)
}

// SchemaError lists every violation found in a document.
type SchemaError struct {
	Schema string
	Issues []Issue
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("document does not match %s schema", e.Schema)
	}
	if len(e.Issues) == 1 {
		return fmt.Sprintf("document does not match %s schema: %s", e.Schema, e.Issues[0])
	}
	return fmt.Sprintf("document does not match %s schema: %s (and %d more)", e.Schema, e.Issues[0], len(e.Issues)-1)
}

type registeredSchema struct {
	source string
	value  cue.Value
}

// SchemaRegistry manages CUE schemas for validating persisted documents.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]registeredSchema
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]registeredSchema),
	}

	if err := sr.RegisterSchema(SchemaSnapshot, builtinSchemas, "#Snapshot"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaLayout, builtinSchemas, "#Layout"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the named definition in it.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = registeredSchema{source: source, value: def}
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	return s.value, ok
}

// Source returns the CUE source a schema was registered from.
func (sr *SchemaRegistry) Source(name string) (string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	return s.source, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateJSON checks a JSON document against a named schema.
func (sr *SchemaRegistry) ValidateJSON(schemaName, filename string, data []byte) error {
	expr, err := cuejson.Extract(filename, data)
	if err != nil {
		return &SchemaError{Schema: schemaName, Issues: convertCUEErrors(err)}
	}
	return sr.validate(schemaName, func(ctx *cue.Context) cue.Value {
		return ctx.BuildExpr(expr)
	})
}

// ValidateYAML checks a YAML document against a named schema.
func (sr *SchemaRegistry) ValidateYAML(schemaName, filename string, data []byte) error {
	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return &SchemaError{Schema: schemaName, Issues: convertCUEErrors(err)}
	}
	return sr.validate(schemaName, func(ctx *cue.Context) cue.Value {
		return ctx.BuildFile(file)
	})
}

// ValidateValue encodes a Go value and checks it against a named schema.
func (sr *SchemaRegistry) ValidateValue(schemaName string, data interface{}) error {
	return sr.validate(schemaName, func(ctx *cue.Context) cue.Value {
		return ctx.Encode(data)
	})
}

func (sr *SchemaRegistry) validate(schemaName string, build func(*cue.Context) cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := build(sr.ctx)
	if err := val.Err(); err != nil {
		return &SchemaError{Schema: schemaName, Issues: convertCUEErrors(err)}
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: schemaName, Issues: convertCUEErrors(err)}
	}

	return nil
}

// DecodeSnapshot validates raw snapshot bytes and decodes them. A shape
// violation is reported as a layout validation error.
func (sr *SchemaRegistry) DecodeSnapshot(data []byte) (*stores.PersistedConfig, error) {
	if err := sr.ValidateJSON(SchemaSnapshot, "snapshot.json", data); err != nil {
		return nil, layout.ValidationError("invalid config snapshot", err)
	}

	cfg, err := stores.Decode(data)
	if err != nil {
		return nil, layout.ValidationError("invalid config snapshot", err)
	}
	return cfg, nil
}

// DecodeLayout validates a YAML layout file and builds the schema it
// describes. Shape violations carry the file positions CUE reports.
func (sr *SchemaRegistry) DecodeLayout(filename string, data []byte) (*layout.Schema, error) {
	if err := sr.ValidateYAML(SchemaLayout, filename, data); err != nil {
		return nil, &layout.Error{
			Class:   layout.ErrorClassValidation,
			Message: "invalid layout file " + filename,
			Code:    layout.ErrCodeInvalidSchema,
			Err:     err,
		}
	}
	return layout.ParseSchema(data)
}

// LoadLayoutFile reads and validates a layout file.
func LoadLayoutFile(path string) (*layout.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	return NewSchemaRegistry().DecodeLayout(path, data)
}

// convertCUEErrors flattens a CUE error into positioned issues.
func convertCUEErrors(err error) []Issue {
	var issues []Issue

	for _, e := range cueerrors.Errors(err) {
		issue := Issue{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			issue.File = pos[0].Filename()
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		issues = append(issues, issue)
	}

	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}

// builtinSchemas holds the CUE definitions for every document sheetsmith reads.
const builtinSchemas = `
#Key: =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

// Persisted layout configuration. Unknown top-level fields are tolerated.
#Snapshot: {
	sections?:      {[string]: bool}
	section_order?: [...string]
	last_json?:     string | null
	last_preview?:  string | null
	...
}

#Subsection: {
	key:   #Key
	label: string & !=""
}

#Section: {
	key:   #Key
	label: string & !=""
	children: [#Subsection, ...#Subsection]
}

// Schema file describing the sections of the sheet.
#Layout: {
	sections: [#Section, ...#Section]
}
`
