package policy

// Built-in policy names.
const (
	PolicyDocumentRequired  = "document-required"
	PolicyNonEmptySelection = "non-empty-selection"
	PolicyExcludedSections  = "excluded-sections"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		documentRequiredPolicy(),
		nonEmptySelectionPolicy(),
		excludedSectionsPolicy(),
	}
}

// documentRequiredPolicy rejects requests without a selected document.
func documentRequiredPolicy() Policy {
	return Policy{
		Name:        PolicyDocumentRequired,
		Description: "A document must be selected before generating or previewing",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package sheetsmith.guard.document

import rego.v1

deny contains violation if {
	input.document == ""
	violation := {
		"message": sprintf("select a document before running %s", [input.operation]),
		"severity": "error",
	}
}
`,
	}
}

// nonEmptySelectionPolicy rejects a sheet with nothing in it.
func nonEmptySelectionPolicy() Policy {
	return Policy{
		Name:        PolicyNonEmptySelection,
		Description: "At least one subsection must be included",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package sheetsmith.guard.selection

import rego.v1

deny contains violation if {
	input.total > 0
	input.selected == 0
	violation := {
		"message": "no subsection is selected",
		"severity": "error",
	}
}
`,
	}
}

// excludedSectionsPolicy warns about sections that will be left out entirely.
func excludedSectionsPolicy() Policy {
	return Policy{
		Name:        PolicyExcludedSections,
		Description: "Reports sections that are fully excluded",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Rego: `package sheetsmith.guard.excluded

import rego.v1

warn contains violation if {
	some key in input.section_order
	input.sections[key] == false
	violation := {
		"message": sprintf("section %s is excluded", [key]),
		"severity": "info",
		"section": key,
	}
}
`,
	}
}
