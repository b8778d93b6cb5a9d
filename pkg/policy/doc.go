// Package policy guards document generation with Open Policy Agent (OPA)
// policies.
//
// Before a generate or preview request reaches the generator, the server and
// the CLI build an Input from the session (operation, selected document,
// section flags, order and counts) and call Engine.Evaluate. Rules named deny
// produce violations; an error-severity violation rejects the request.
// Rules named warn produce warnings that are reported but never block.
//
// # Built-in policies
//
//   - document-required: a document must be selected
//   - non-empty-selection: at least one subsection must be included
//   - excluded-sections: warns about sections that are entirely left out
//
// Built-ins can be switched off with DisablePolicy or the policy.disabled
// config list.
//
// # Custom policies
//
// Extra policies are loaded from .rego files (named after the file, with the
// leading comment block as description) or from .json definitions:
//
//	{"name": "max-sections", "severity": "error", "rego": "package custom ..."}
//
// A policy file looks like:
//
//	# Limit how many sections a preview may render
//	package custom.maxsections
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.operation == "preview"
//	    count(input.section_order) > 3
//	    msg := "previews are limited to three sections"
//	}
//
// Engine.Watch reloads policy directories when files change, debounced by
// 500ms.
package policy
