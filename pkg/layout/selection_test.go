package layout

import (
	"testing"
)

// testSchema builds the A{a1,a2} B{b1} schema used across the layout tests.
func testSchema(t *testing.T) *Schema {
	t.Helper()

	s, err := NewSchema([]Section{
		{Key: "A", Label: "Section A", Children: []Subsection{
			{Key: "a1", Label: "A one"},
			{Key: "a2", Label: "A two"},
		}},
		{Key: "B", Label: "Section B", Children: []Subsection{
			{Key: "b1", Label: "B one"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	return s
}

func TestSelection_DefaultsAllSelected(t *testing.T) {
	sel := NewSelection(testSchema(t))

	for _, key := range []string{"A", "B"} {
		state, err := sel.Derived(key)
		if err != nil {
			t.Fatalf("derived(%s): %v", key, err)
		}
		if state != Selected {
			t.Errorf("expected %s to be selected, got %s", key, state)
		}
	}
}

func TestSelection_DerivationTruthTable(t *testing.T) {
	tests := []struct {
		name string
		a1   bool
		a2   bool
		want State
		flag bool
	}{
		{name: "all on", a1: true, a2: true, want: Selected, flag: true},
		{name: "first only", a1: true, a2: false, want: Partial, flag: true},
		{name: "second only", a1: false, a2: true, want: Partial, flag: true},
		{name: "all off", a1: false, a2: false, want: Unselected, flag: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := NewSelection(testSchema(t))
			if err := sel.SetLeaf("a1", tt.a1); err != nil {
				t.Fatalf("set a1: %v", err)
			}
			if err := sel.SetLeaf("a2", tt.a2); err != nil {
				t.Fatalf("set a2: %v", err)
			}

			state, err := sel.Derived("A")
			if err != nil {
				t.Fatalf("derived: %v", err)
			}
			if state != tt.want {
				t.Errorf("expected %s, got %s", tt.want, state)
			}

			flag, err := sel.Included("A")
			if err != nil {
				t.Fatalf("included: %v", err)
			}
			if flag != tt.flag {
				t.Errorf("expected section flag %v, got %v", tt.flag, flag)
			}
			if got := sel.ToPersisted()["A"]; got != tt.flag {
				t.Errorf("expected persisted section flag %v, got %v", tt.flag, got)
			}
		})
	}
}

func TestSelection_SetSectionOverridesChildren(t *testing.T) {
	sel := NewSelection(testSchema(t))
	_ = sel.SetLeaf("a1", false)

	if err := sel.SetSection("A", true); err != nil {
		t.Fatalf("set section: %v", err)
	}

	state, _ := sel.Derived("A")
	if state != Selected {
		t.Errorf("expected selected after SetSection(true), got %s", state)
	}
	for _, key := range []string{"a1", "a2"} {
		if v, _ := sel.Leaf(key); !v {
			t.Errorf("expected %s to be true", key)
		}
	}

	if err := sel.SetSection("A", false); err != nil {
		t.Fatalf("set section: %v", err)
	}
	state, _ = sel.Derived("A")
	if state != Unselected {
		t.Errorf("expected unselected after SetSection(false), got %s", state)
	}
	if v, _ := sel.Leaf("b1"); !v {
		t.Error("SetSection must not touch other sections")
	}
}

func TestSelection_UnknownKeys(t *testing.T) {
	sel := NewSelection(testSchema(t))

	calls := 0
	sel.OnChange(func(Change) { calls++ })

	if err := sel.SetLeaf("zz", true); !IsUnknownKey(err) {
		t.Errorf("expected unknown key error, got %v", err)
	}
	// A section key is not a leaf.
	if err := sel.SetLeaf("A", true); !IsUnknownKey(err) {
		t.Errorf("expected unknown key error for section key, got %v", err)
	}
	if err := sel.SetSection("a1", true); !IsUnknownKey(err) {
		t.Errorf("expected unknown key error for subsection key, got %v", err)
	}
	if _, err := sel.Derived("nope"); !IsUnknownKey(err) {
		t.Errorf("expected unknown key error, got %v", err)
	}

	if calls != 0 {
		t.Errorf("failed mutations must not notify, got %d calls", calls)
	}
}

func TestSelection_NotifiesOncePerCall(t *testing.T) {
	sel := NewSelection(testSchema(t))

	var changes []Change
	sel.OnChange(func(c Change) { changes = append(changes, c) })

	_ = sel.SetLeaf("a1", false)
	_ = sel.SetLeaf("a1", false) // same value still counts as a call
	_ = sel.SetSection("A", true)
	sel.SetAll(false)

	if len(changes) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(changes))
	}
	if changes[0].Kind != ChangeLeaf || changes[0].Key != "a1" || changes[0].Value {
		t.Errorf("unexpected first change: %+v", changes[0])
	}
	if changes[2].Kind != ChangeSection || changes[2].Key != "A" || !changes[2].Value {
		t.Errorf("unexpected section change: %+v", changes[2])
	}
	if changes[3].Kind != ChangeAll {
		t.Errorf("unexpected all change: %+v", changes[3])
	}
}

func TestSelection_ObserverSeesNewState(t *testing.T) {
	sel := NewSelection(testSchema(t))

	var seen State
	sel.OnChange(func(Change) {
		seen, _ = sel.Derived("A")
	})

	_ = sel.SetLeaf("a2", false)
	if seen != Partial {
		t.Errorf("observer should run after the mutation, saw %s", seen)
	}
}

func TestSelection_ToPersistedCoversEveryKey(t *testing.T) {
	schema := testSchema(t)
	sel := NewSelection(schema)
	_ = sel.SetLeaf("b1", false)

	persisted := sel.ToPersisted()
	for _, key := range schema.Keys() {
		if _, ok := persisted[key]; !ok {
			t.Errorf("missing key %s", key)
		}
	}
	if persisted["B"] || persisted["b1"] {
		t.Errorf("expected B and b1 false, got %v", persisted)
	}
	if len(persisted) != 5 {
		t.Errorf("expected 5 keys, got %d", len(persisted))
	}
}

func TestSelection_SetAll(t *testing.T) {
	sel := NewSelection(testSchema(t))
	sel.SetAll(false)

	if n := sel.SelectedCount(); n != 0 {
		t.Errorf("expected 0 selected, got %d", n)
	}
	sel.SetAll(true)
	if n := sel.SelectedCount(); n != 3 {
		t.Errorf("expected 3 selected, got %d", n)
	}
}
