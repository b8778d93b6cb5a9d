package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetsmith/sheetsmith/pkg/configsync"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

func testSchema() *layout.Schema {
	return layout.MustSchema([]layout.Section{
		{Key: "A", Label: "Alpha", Children: []layout.Subsection{{Key: "a1", Label: "A one"}, {Key: "a2", Label: "A two"}}},
		{Key: "B", Label: "Beta", Children: []layout.Subsection{{Key: "b1", Label: "B one"}}},
		{Key: "C", Label: "Gamma", Children: []layout.Subsection{{Key: "c1", Label: "C one"}}},
	})
}

func newTestSession(t *testing.T) (*Session, *configsync.Sync, *stores.FileStore) {
	t.Helper()

	store, err := stores.NewFileStore(filepath.Join(t.TempDir(), "output", "config.json"), zerolog.Nop())
	require.NoError(t, err)

	sync, err := configsync.New(configsync.Options{
		Schema:    testSchema(),
		Store:     store,
		StoreName: "file",
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	sess := New(sync, nil, zerolog.Nop())
	t.Cleanup(func() {
		_ = sess.Flush(context.Background())
	})
	return sess, sync, store
}

func storedSnapshot(t *testing.T, sess *Session, store *stores.FileStore) *stores.PersistedConfig {
	t.Helper()
	require.NoError(t, sess.Flush(context.Background()))
	data, err := store.Get(context.Background())
	require.NoError(t, err)
	cfg, err := stores.Decode(data)
	require.NoError(t, err)
	return cfg
}

func TestSession_OpenDefaults(t *testing.T) {
	sess, _, _ := newTestSession(t)

	res := sess.Open(context.Background())
	assert.Equal(t, configsync.SourceDefaults, res.Source)

	v := sess.View()
	require.Len(t, v.Sections, 3)
	assert.Equal(t, 4, v.Selected)
	assert.Equal(t, 4, v.Total)
	assert.Equal(t, "", v.Document)
	for _, sec := range v.Sections {
		assert.Equal(t, layout.Selected, sec.State, sec.Key)
	}
	assert.True(t, v.Sections[0].First)
	assert.True(t, v.Sections[2].Last)
}

func TestSession_MutationsSaveOncePerCall(t *testing.T) {
	sess, sync, store := newTestSession(t)
	sess.Open(context.Background())

	steps := []struct {
		name    string
		do      func() error
		saves   uint64
		wantErr bool
	}{
		{"leaf", func() error { return sess.SetLeaf("a1", false) }, 1, false},
		{"section", func() error { return sess.SetSection("B", false) }, 1, false},
		{"set dispatches to section", func() error { return sess.Set("C", false) }, 1, false},
		{"set dispatches to leaf", func() error { return sess.Set("c1", true) }, 1, false},
		{"toggle leaf", func() error { return sess.Toggle("a2") }, 1, false},
		{"move down", func() error { return sess.MoveRelative("A", 1) }, 1, false},
		{"move past the top is a no-op", func() error { return sess.MoveRelative("B", -1) }, 0, false},
		{"move to", func() error { sess.MoveTo("C", "B"); return nil }, 1, false},
		{"move to unknown is a no-op", func() error { sess.MoveTo("C", "Z"); return nil }, 0, false},
		{"all", func() error { sess.SetAll(true); return nil }, 1, false},
		{"unknown leaf", func() error { return sess.SetLeaf("zz", true) }, 0, true},
		{"unknown key", func() error { return sess.Set("zz", true) }, 0, true},
		{"leaf key as section", func() error { return sess.SetSection("a1", true) }, 0, true},
	}

	for _, step := range steps {
		before := sync.Revision()
		err := step.do()
		if step.wantErr {
			assert.True(t, layout.IsUnknownKey(err), "%s: %v", step.name, err)
		} else {
			assert.NoError(t, err, step.name)
		}
		assert.Equal(t, step.saves, sync.Revision()-before, step.name)
	}

	cfg := storedSnapshot(t, sess, store)
	assert.Equal(t, []string{"C", "B", "A"}, cfg.SectionOrder)
	assert.Equal(t, sess.Snapshot().Sections, cfg.Sections)
}

func TestSession_ToggleSection(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Open(context.Background())

	require.NoError(t, sess.SetLeaf("a1", false))
	// Partial becomes selected.
	require.NoError(t, sess.Toggle("A"))
	v := sess.View()
	assert.Equal(t, layout.Selected, v.Sections[0].State)

	require.NoError(t, sess.Toggle("A"))
	v = sess.View()
	assert.Equal(t, layout.Unselected, v.Sections[0].State)
	assert.False(t, v.Sections[0].Included)
	assert.False(t, v.Sections[0].Children[0].Included)
	assert.False(t, v.Sections[0].Children[1].Included)

	assert.Error(t, sess.Toggle("nope"))
}

func TestSession_DocumentAndPreview(t *testing.T) {
	sess, sync, store := newTestSession(t)
	sess.Open(context.Background())

	sess.SelectDocument("jsons/hero.json")
	rev := sync.Revision()
	sess.SelectDocument("jsons/hero.json")
	assert.Equal(t, rev, sync.Revision(), "reselecting the same document must not save")

	sess.SetPreview("output/preview/p.html")
	assert.Equal(t, "jsons/hero.json", sess.Document())
	assert.Equal(t, "output/preview/p.html", sess.Preview())

	cfg := storedSnapshot(t, sess, store)
	require.NotNil(t, cfg.LastJSON)
	assert.Equal(t, "jsons/hero.json", *cfg.LastJSON)
	require.NotNil(t, cfg.LastPreview)

	sess.SelectDocument("")
	cfg = storedSnapshot(t, sess, store)
	assert.Nil(t, cfg.LastJSON)
}

func TestSession_PersistsAcrossSessions(t *testing.T) {
	sess, sync, _ := newTestSession(t)
	sess.Open(context.Background())

	require.NoError(t, sess.SetLeaf("a2", false))
	require.NoError(t, sess.SetSection("B", false))
	sess.MoveTo("C", "A")
	sess.SelectDocument("hero.json")
	require.NoError(t, sess.Close(context.Background()))

	again := New(sync, nil, zerolog.Nop())
	res := again.Open(context.Background())
	assert.Equal(t, configsync.SourceStore, res.Source)
	assert.Equal(t, sess.View(), withSource(again.View(), sess.View().Source))
	assert.Equal(t, []string{"C", "A", "B"}, again.Order())
}

func withSource(v View, src configsync.Source) View {
	v.Source = src
	return v
}

func TestSession_Apply(t *testing.T) {
	sess, _, store := newTestSession(t)
	sess.Open(context.Background())

	res, err := sess.Apply(context.Background(), []byte(`{"sections":{"a1":true,"a2":false,"b1":false,"old":true},"section_order":["B","A"],"last_json":"x.json"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, res.Dropped)

	v := sess.View()
	assert.Equal(t, "B", v.Sections[0].Key)
	assert.Equal(t, layout.Unselected, v.Sections[0].State)
	assert.Equal(t, layout.Partial, v.Sections[1].State)
	assert.Equal(t, "C", v.Sections[2].Key, "missing sections are appended")
	assert.Equal(t, "x.json", v.Document)

	cfg := storedSnapshot(t, sess, store)
	assert.Equal(t, []string{"B", "A", "C"}, cfg.SectionOrder)
	assert.NotContains(t, cfg.Sections, "old")

	// Mutations after Apply still save.
	require.NoError(t, sess.SetLeaf("b1", true))
	cfg = storedSnapshot(t, sess, store)
	assert.True(t, cfg.Sections["b1"])

	_, err = sess.Apply(context.Background(), []byte(`{"sections":[]}`))
	assert.True(t, layout.IsValidation(err))
	assert.Equal(t, "B", sess.View().Sections[0].Key, "rejected snapshot leaves state untouched")
}

func TestSession_Reload(t *testing.T) {
	sess, _, store := newTestSession(t)
	sess.Open(context.Background())
	require.NoError(t, sess.SetLeaf("a1", false))
	require.NoError(t, sess.Flush(context.Background()))

	// External edit.
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"sections":{"c1":false},"section_order":["C"]}`), 0o644))

	res := sess.Reload(context.Background(), "file")
	assert.Equal(t, configsync.SourceStore, res.Source)
	assert.Equal(t, []string{"C", "A", "B"}, sess.Order())
	v := sess.View()
	assert.Equal(t, layout.Unselected, v.Sections[0].State)

	// A broken file is ignored.
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{broken`), 0o644))
	res = sess.Reload(context.Background(), "file")
	assert.Equal(t, configsync.SourceInvalid, res.Source)
	assert.Equal(t, []string{"C", "A", "B"}, sess.Order())
}

func TestSession_RequestAndGuardInput(t *testing.T) {
	sess, _, _ := newTestSession(t)
	sess.Open(context.Background())
	require.NoError(t, sess.SetSection("B", false))
	sess.SelectDocument("hero.json")

	req := sess.Request()
	assert.Equal(t, "hero.json", req.JSONPath)
	assert.False(t, req.Sections["B"])
	assert.False(t, req.Sections["b1"])
	assert.True(t, req.Sections["A"])
	assert.Equal(t, []string{"A", "B", "C"}, req.SectionOrder)

	in := sess.GuardInput(policy.OperationPreview)
	assert.Equal(t, policy.OperationPreview, in.Operation)
	assert.Equal(t, "hero.json", in.Document)
	assert.Equal(t, 3, in.Selected)
	assert.Equal(t, 4, in.Total)
}

func TestSession_ApplySections(t *testing.T) {
	sess, sync, store := newTestSession(t)
	sess.Open(context.Background())

	before := sync.Revision()
	sess.ApplySections(map[string]bool{
		"A":    false, // clears a1 and a2 even though a1 is sent as true
		"a1":   true,
		"b1":   false,
		"junk": true,
	})
	assert.Equal(t, before+1, sync.Revision(), "one save per call")

	v := sess.View()
	assert.Equal(t, layout.Unselected, v.Sections[0].State)
	assert.Equal(t, layout.Unselected, v.Sections[1].State)
	assert.Equal(t, layout.Selected, v.Sections[2].State)

	// Nothing changes, nothing is saved.
	before = sync.Revision()
	sess.ApplySections(map[string]bool{"b1": false})
	assert.Equal(t, before, sync.Revision())

	// The selection keeps notifying after being replaced.
	require.NoError(t, sess.SetLeaf("b1", true))
	cfg := storedSnapshot(t, sess, store)
	assert.True(t, cfg.Sections["b1"])
	assert.False(t, cfg.Sections["a1"])
}

func TestSession_ApplySectionsRecordsApplyKind(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)

	store, err := stores.NewFileStore(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	require.NoError(t, err)
	sync, err := configsync.New(configsync.Options{
		Schema:    testSchema(),
		Store:     store,
		StoreName: "file",
		Telemetry: tel,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	sess := New(sync, tel, zerolog.Nop())
	t.Cleanup(func() {
		_ = sess.Flush(context.Background())
	})
	sess.Open(context.Background())

	// Clearing sections is still reported as an apply, not as select-all.
	sess.ApplySections(map[string]bool{"A": false, "B": false})

	want := `
		# HELP sheetsmith_mutations_total Total number of layout mutations by kind
		# TYPE sheetsmith_mutations_total counter
		sheetsmith_mutations_total{kind="apply"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(tel.Metrics.Registry(),
		strings.NewReader(want), "sheetsmith_mutations_total"))
}
