package layout

// Ordering is a permutation of a schema's section keys.
type Ordering struct {
	schema   *Schema
	keys     []string
	observer Observer
}

// NewOrdering returns the schema's declaration order.
func NewOrdering(schema *Schema) *Ordering {
	return &Ordering{schema: schema, keys: schema.SectionKeys()}
}

// NewOrderingFrom returns an ordering reconciled from a stored sequence (see MergeOrder).
func NewOrderingFrom(schema *Schema, stored []string) *Ordering {
	return &Ordering{schema: schema, keys: MergeOrder(schema, stored)}
}

// OnChange registers the observer, replacing any previous one.
func (o *Ordering) OnChange(fn Observer) {
	o.observer = fn
}

func (o *Ordering) notify(c Change) {
	if o.observer != nil {
		o.observer(c)
	}
}

// Keys returns a copy of the current order.
func (o *Ordering) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Index returns the position of key, or -1.
func (o *Ordering) Index(key string) int {
	for i, k := range o.keys {
		if k == key {
			return i
		}
	}
	return -1
}

// Len returns the number of sections.
func (o *Ordering) Len() int {
	return len(o.keys)
}

// MoveRelative moves a section one slot up (delta < 0) or down (delta > 0).
// Moving past either end is a no-op.
func (o *Ordering) MoveRelative(key string, delta int) error {
	from := o.Index(key)
	if from < 0 {
		return UnknownKeyError(key, "section").WithOperation("move_relative")
	}

	switch {
	case delta < 0:
		delta = -1
	case delta > 0:
		delta = 1
	default:
		return nil
	}

	to := from + delta
	if to < 0 || to >= len(o.keys) {
		return nil
	}

	o.keys[from], o.keys[to] = o.keys[to], o.keys[from]
	o.notify(Change{Kind: ChangeMove, Key: key, Delta: delta})
	return nil
}

// MoveTo removes a section and reinserts it at the target's current position,
// pushing the target one slot away. It is a no-op when key equals target or when
// either key is absent.
func (o *Ordering) MoveTo(key, target string) {
	if key == target {
		return
	}
	from, to := o.Index(key), o.Index(target)
	if from < 0 || to < 0 {
		return
	}

	moved := o.keys[from]
	if from < to {
		copy(o.keys[from:to], o.keys[from+1:to+1])
	} else {
		copy(o.keys[to+1:from+1], o.keys[to:from])
	}
	o.keys[to] = moved

	o.notify(Change{Kind: ChangeMoveTo, Key: key, To: target})
}

// Equal reports whether both orderings hold the same sequence.
func (o *Ordering) Equal(other *Ordering) bool {
	if len(o.keys) != len(other.keys) {
		return false
	}
	for i := range o.keys {
		if o.keys[i] != other.keys[i] {
			return false
		}
	}
	return true
}
