package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks generation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks generation.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity denies the request.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Operations a guard is evaluated for.
const (
	OperationGenerate = "generate"
	OperationPreview  = "preview"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Rules named deny produce violations
	// and rules named warn produce warnings.
	Rego string `json:"rego"`

	// Severity is the default severity for deny results.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with sheetsmith.
	Builtin bool `json:"builtin"`

	// Source is the file a loaded policy came from.
	Source string `json:"source,omitempty"`
}

// Violation is a single policy finding.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Input is the document handed to every policy as input.
type Input struct {
	// Operation is generate or preview.
	Operation string `json:"operation"`

	// Document is the selected document identifier, empty when none is selected.
	Document string `json:"document"`

	// Sections holds the section and subsection flags sent to the generator.
	Sections map[string]bool `json:"sections"`

	SectionOrder []string `json:"section_order"`

	// Selected and Total count subsections.
	Selected int `json:"selected"`
	Total    int `json:"total"`

	Timestamp time.Time `json:"timestamp"`
}

// Result represents the result of a guard evaluation.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the result is not allowed.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError is returned when a request is rejected by policy.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if !v.Severity.Blocks() {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	if len(msgs) == 0 {
		return "denied by policy"
	}
	return "denied by policy " + strings.Join(msgs, "; ")
}
