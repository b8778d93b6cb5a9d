// Package session owns the live layout state of a running sheetsmith process.
//
// A Session is the single controller for the selection, the section order and
// the selected document. Every mutation runs to completion under the session
// lock and hands a snapshot to configsync for a background save.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sheetsmith/sheetsmith/pkg/configsync"
	"github.com/sheetsmith/sheetsmith/pkg/documents"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// Session is the layout controller shared by the server, the terminal editor
// and the CLI.
type Session struct {
	mu sync.Mutex

	sync   *configsync.Sync
	schema *layout.Schema
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	sel      *layout.Selection
	ord      *layout.Ordering
	document *string
	preview  *string
	source   configsync.Source
}

// New creates a session with default state. Call Open to load persisted state.
func New(s *configsync.Sync, tel *telemetry.Telemetry, logger zerolog.Logger) *Session {
	if tel == nil {
		tel = telemetry.Nop()
	}
	sess := &Session{
		sync:   s,
		schema: s.Schema(),
		tel:    tel,
		logger: logger.With().Str("component", "session").Logger(),
	}
	sess.adopt(s.Merge(nil))
	return sess
}

// Open loads the persisted snapshot and replaces the current state with it.
func (s *Session) Open(ctx context.Context) *configsync.Result {
	res := s.sync.Load(ctx)

	s.mu.Lock()
	s.adopt(res)
	s.mu.Unlock()

	s.logger.Info().
		Str("source", string(res.Source)).
		Int("selected", res.Selection.SelectedCount()).
		Strs("order", res.Ordering.Keys()).
		Msg("Layout loaded")

	return res
}

// Reload re-reads the store after an external edit. Unlike Open it publishes
// a reload event; it never writes back.
func (s *Session) Reload(ctx context.Context, origin string) *configsync.Result {
	res := s.sync.Load(ctx)
	if res.Source == configsync.SourceInvalid || res.Source == configsync.SourceUnavailable {
		s.logger.Warn().Err(res.Err).Str("origin", origin).Msg("Ignoring config reload")
		return res
	}

	s.mu.Lock()
	s.adopt(res)
	s.mu.Unlock()

	s.tel.Metrics.RecordReload()
	_ = s.tel.Events.PublishConfigReloaded(origin)
	s.logger.Info().Str("origin", origin).Msg("Layout reloaded")

	return res
}

// Apply replaces the state with a client-supplied snapshot and saves it
// synchronously. Malformed snapshots are rejected with a validation error
// and leave the state untouched.
func (s *Session) Apply(ctx context.Context, data []byte) (*configsync.Result, error) {
	res, err := s.sync.Decode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.adopt(res)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.sync.Save(ctx, snap); err != nil {
		return res, err
	}
	_ = s.tel.Events.PublishLayoutChanged("apply", "")
	return res, nil
}

// ApplySections overlays client-sent flags on the current selection in one
// mutation. A section sent as false clears all of its children; subsection
// flags are applied as given; unknown keys are ignored.
func (s *Session) ApplySections(flags map[string]bool) {
	if len(flags) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.sel.ToPersisted()
	changed := false
	set := func(key string, v bool) {
		if merged[key] != v {
			merged[key] = v
			changed = true
		}
	}

	for _, sec := range s.schema.Sections() {
		if v, ok := flags[sec.Key]; ok && !v {
			for _, child := range sec.Children {
				set(child.Key, false)
			}
			continue
		}
		for _, child := range sec.Children {
			if v, ok := flags[child.Key]; ok {
				set(child.Key, v)
			}
		}
	}
	if !changed {
		return
	}

	s.sel = layout.NewSelectionFrom(s.schema, merged)
	s.sel.OnChange(s.onChange)
	s.onChange(layout.Change{Kind: layout.ChangeApply})
}

// adopt installs merged state and wires the mutation observers. Callers hold
// s.mu, except during construction.
func (s *Session) adopt(res *configsync.Result) {
	s.sel = res.Selection
	s.ord = res.Ordering
	s.document = res.Document
	s.preview = res.Preview
	s.source = res.Source

	s.sel.OnChange(s.onChange)
	s.ord.OnChange(s.onChange)
}

// onChange runs inside the mutating call, under s.mu.
func (s *Session) onChange(c layout.Change) {
	s.tel.Metrics.RecordMutation(string(c.Kind))
	_ = s.tel.Events.PublishLayoutChanged(string(c.Kind), c.Key)

	rev := s.sync.Enqueue(s.snapshotLocked())
	s.logger.Debug().
		Str("kind", string(c.Kind)).
		Str("key", c.Key).
		Uint64("revision", rev).
		Msg("Layout changed")
}

// SetLeaf sets one subsection.
func (s *Session) SetLeaf(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.SetLeaf(key, value)
}

// SetSection sets every subsection of a section.
func (s *Session) SetSection(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.SetSection(key, value)
}

// Set dispatches to SetSection or SetLeaf depending on the key.
func (s *Session) Set(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema.IsSection(key) {
		return s.sel.SetSection(key, value)
	}
	if s.schema.IsSubsection(key) {
		return s.sel.SetLeaf(key, value)
	}
	return layout.UnknownKeyError(key, "section or subsection").WithOperation("set")
}

// Toggle flips a subsection, or a whole section: a section that is not fully
// selected becomes selected, a selected one becomes unselected.
func (s *Session) Toggle(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema.IsSection(key) {
		st, _ := s.sel.Derived(key)
		return s.sel.SetSection(key, st != layout.Selected)
	}
	v, err := s.sel.Leaf(key)
	if err != nil {
		return err
	}
	return s.sel.SetLeaf(key, !v)
}

// SetAll sets every subsection.
func (s *Session) SetAll(value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.SetAll(value)
}

// MoveRelative moves a section one slot up or down.
func (s *Session) MoveRelative(key string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ord.MoveRelative(key, delta)
}

// MoveTo relocates a section to the position of target.
func (s *Session) MoveTo(key, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ord.MoveTo(key, target)
}

// SelectDocument records the document to generate from. An empty id clears
// the selection. Selecting the current document again is a no-op.
func (s *Session) SelectDocument(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *string
	if id != "" {
		next = &id
	}
	if equalPtr(s.document, next) {
		return
	}
	s.document = next

	_ = s.tel.Events.PublishDocumentSelected(id)
	s.sync.Enqueue(s.snapshotLocked())
}

// SetPreview records the last generated preview.
func (s *Session) SetPreview(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *string
	if path != "" {
		next = &path
	}
	if equalPtr(s.preview, next) {
		return
	}
	s.preview = next
	s.sync.Enqueue(s.snapshotLocked())
}

// Document returns the selected document id, or "".
func (s *Session) Document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.document == nil {
		return ""
	}
	return *s.document
}

// Preview returns the last preview path, or "".
func (s *Session) Preview() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		return ""
	}
	return *s.preview
}

// Order returns the current section order.
func (s *Session) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ord.Keys()
}

// Schema returns the session schema.
func (s *Session) Schema() *layout.Schema {
	return s.schema
}

// Snapshot returns the state in persisted form.
func (s *Session) Snapshot() *stores.PersistedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *stores.PersistedConfig {
	return &stores.PersistedConfig{
		Sections:     s.sel.ToPersisted(),
		SectionOrder: s.ord.Keys(),
		LastJSON:     clonePtr(s.document),
		LastPreview:  clonePtr(s.preview),
	}
}

// Request builds the generator payload for the selected document.
func (s *Session) Request() documents.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := documents.Request{
		Sections:     s.sel.ToPersisted(),
		SectionOrder: s.ord.Keys(),
	}
	if s.document != nil {
		req.JSONPath = *s.document
	}
	return req
}

// GuardInput builds the policy input for an operation.
func (s *Session) GuardInput(operation string) *policy.Input {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := &policy.Input{
		Operation:    operation,
		Sections:     s.sel.ToPersisted(),
		SectionOrder: s.ord.Keys(),
		Selected:     s.sel.SelectedCount(),
		Total:        len(s.schema.Keys()) - len(s.schema.SectionKeys()),
	}
	if s.document != nil {
		in.Document = *s.document
	}
	return in
}

// Flush waits for pending saves.
func (s *Session) Flush(ctx context.Context) error {
	return s.sync.Wait(ctx)
}

// Close waits for pending saves and reports the last save failure, if any.
func (s *Session) Close(ctx context.Context) error {
	if err := s.sync.Wait(ctx); err != nil {
		return err
	}
	if err := s.sync.LastError(); err != nil {
		return fmt.Errorf("last config save failed: %w", err)
	}
	return nil
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
