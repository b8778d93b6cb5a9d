package layout

// MergeOrder reconciles a stored section order with the schema: foreign keys and
// duplicates are dropped, the relative order of the remaining keys is preserved, and
// section keys missing from stored are appended in declaration order.
func MergeOrder(schema *Schema, stored []string) []string {
	out := make([]string, 0, len(schema.sections))
	seen := make(map[string]bool, len(schema.sections))

	for _, key := range stored {
		if !schema.IsSection(key) || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}

	for _, sec := range schema.sections {
		if !seen[sec.Key] {
			out = append(out, sec.Key)
		}
	}

	return out
}

// MergeSelection overlays stored flags on the schema defaults. Unknown keys are
// dropped. The result covers every section and subsection key; section flags are
// recomputed from the merged children.
func MergeSelection(schema *Schema, stored map[string]bool) map[string]bool {
	return NewSelectionFrom(schema, stored).ToPersisted()
}

// DroppedKeys returns the stored keys the schema does not know, in no particular order.
func DroppedKeys(schema *Schema, stored map[string]bool, order []string) []string {
	var dropped []string
	for key := range stored {
		if !schema.Has(key) {
			dropped = append(dropped, key)
		}
	}
	for _, key := range order {
		if !schema.IsSection(key) {
			dropped = append(dropped, key)
		}
	}
	return dropped
}
