package configsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/sheetsmith/sheetsmith/pkg/config"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// Source records where loaded state came from.
type Source string

const (
	// SourceStore means a valid snapshot was read from the store.
	SourceStore Source = "store"
	// SourceDefaults means the store holds no snapshot yet.
	SourceDefaults Source = "defaults"
	// SourceInvalid means the snapshot was malformed and ignored.
	SourceInvalid Source = "invalid"
	// SourceUnavailable means the store could not be read.
	SourceUnavailable Source = "unavailable"
)

// Save results reported to metrics.
const (
	resultOK         = "ok"
	resultError      = "error"
	resultSuperseded = "superseded"
)

// Result is the merged state produced by Load or Merge.
type Result struct {
	Selection *layout.Selection
	Ordering  *layout.Ordering
	Document  *string
	Preview   *string

	Source Source
	// Dropped lists stored keys the schema does not know, sorted.
	Dropped []string
	// Err is the load failure behind SourceInvalid or SourceUnavailable.
	Err error
}

// Options configures a Sync.
type Options struct {
	Schema *layout.Schema
	Store  stores.ConfigStore

	// StoreName labels spans and log lines. Defaults to "store".
	StoreName string

	// Registry validates snapshot shape. Defaults to the built-in registry.
	Registry *config.SchemaRegistry

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Sync bridges a config store and live layout state.
type Sync struct {
	schema    *layout.Schema
	store     stores.ConfigStore
	storeName string
	registry  *config.SchemaRegistry
	tel       *telemetry.Telemetry
	logger    zerolog.Logger

	mu       sync.Mutex
	revision uint64
	landed   uint64
	lastErr  error

	// writeMu serializes store writes. attempted is the newest revision
	// handed to the store, landed or not; older saves are skipped so a
	// failed newer save is never papered over by stale state.
	writeMu   sync.Mutex
	attempted uint64
	wg        sync.WaitGroup
}

// New creates a Sync.
func New(opts Options) (*Sync, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("configsync: schema is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("configsync: store is required")
	}

	s := &Sync{
		schema:    opts.Schema,
		store:     opts.Store,
		storeName: opts.StoreName,
		registry:  opts.Registry,
		tel:       opts.Telemetry,
		logger:    opts.Logger.With().Str("component", "configsync").Logger(),
	}
	if s.storeName == "" {
		s.storeName = "store"
	}
	if s.registry == nil {
		s.registry = config.NewSchemaRegistry()
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}

	return s, nil
}

// Schema returns the schema state is merged against.
func (s *Sync) Schema() *layout.Schema {
	return s.schema
}

// Store returns the underlying config store.
func (s *Sync) Store() stores.ConfigStore {
	return s.store
}

// Load fetches the persisted snapshot and merges it with the schema. It never
// fails; see Result.Source and Result.Err for what happened.
func (s *Sync) Load(ctx context.Context) *Result {
	ctx, span := s.tel.Tracer.StartSpan(ctx, telemetry.SpanConfigLoad,
		telemetry.AttrStore.String(s.storeName),
	)
	defer span.End()

	var res *Result

	data, err := s.store.Get(ctx)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		res = s.Merge(nil)
		res.Source = SourceDefaults

	case err != nil:
		res = s.Merge(nil)
		res.Source = SourceUnavailable
		res.Err = layout.PersistenceError("config store unavailable", err).WithOperation("load")
		s.logger.Warn().Err(err).Str("store", s.storeName).Msg("Config store unavailable, using defaults")

	default:
		res, err = s.Decode(data)
		if err != nil {
			res = s.Merge(nil)
			res.Source = SourceInvalid
			res.Err = err
			s.logger.Warn().Err(err).Str("store", s.storeName).Msg("Ignoring malformed config snapshot")
		}
	}

	if len(res.Dropped) > 0 {
		s.logger.Info().Strs("keys", res.Dropped).Msg("Dropped unknown keys from stored config")
	}

	span.SetAttributes(telemetry.AttrLoadSource.String(string(res.Source)))
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	} else {
		telemetry.RecordSuccess(span)
	}

	s.tel.Metrics.RecordLoad(string(res.Source))
	_ = s.tel.Events.PublishConfigLoaded(string(res.Source), res.Dropped)

	return res
}

// Decode validates raw snapshot bytes and merges them with the schema.
func (s *Sync) Decode(data []byte) (*Result, error) {
	cfg, err := s.registry.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	res := s.Merge(cfg)
	res.Source = SourceStore
	return res, nil
}

// Merge builds state from a snapshot: schema defaults overlaid with stored
// flags, and the stored order reconciled with the schema. A nil snapshot
// yields the defaults.
func (s *Sync) Merge(cfg *stores.PersistedConfig) *Result {
	res := &Result{Source: SourceDefaults}
	if cfg == nil {
		res.Selection = layout.NewSelection(s.schema)
		res.Ordering = layout.NewOrdering(s.schema)
		return res
	}

	res.Selection = layout.NewSelectionFrom(s.schema, cfg.Sections)
	res.Ordering = layout.NewOrderingFrom(s.schema, cfg.SectionOrder)
	res.Document = cloneString(cfg.LastJSON)
	res.Preview = cloneString(cfg.LastPreview)
	res.Source = SourceStore

	res.Dropped = layout.DroppedKeys(s.schema, cfg.Sections, cfg.SectionOrder)
	sort.Strings(res.Dropped)

	return res
}

// Save writes a snapshot and waits for the result. It takes a revision like
// Enqueue, so a later Enqueue still supersedes it.
func (s *Sync) Save(ctx context.Context, cfg *stores.PersistedConfig) error {
	return s.write(ctx, s.nextRevision(), cfg)
}

// Enqueue starts a background save of cfg and returns its revision. The
// caller must not modify cfg afterwards.
func (s *Sync) Enqueue(cfg *stores.PersistedConfig) uint64 {
	rev := s.nextRevision()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Saves outlive the request that triggered them.
		if err := s.write(context.Background(), rev, cfg); err != nil {
			s.logger.Error().Err(err).Uint64("revision", rev).Msg("Config save failed")
			_ = s.tel.Events.PublishSaveFailed(rev, err.Error())
		}
	}()

	return rev
}

// Wait blocks until every enqueued save has finished or ctx is done.
func (s *Sync) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for config saves: %w", ctx.Err())
	}
}

// Revision returns the last revision handed out.
func (s *Sync) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Landed returns the newest revision written successfully.
func (s *Sync) Landed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.landed
}

// LastError returns the error of the most recent failed save, cleared by the
// next successful one.
func (s *Sync) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Sync) nextRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	return s.revision
}

func (s *Sync) write(ctx context.Context, rev uint64, cfg *stores.PersistedConfig) error {
	s.tel.Metrics.SaveStarted()
	timer := telemetry.NewTimer()
	ctx, span := s.tel.Tracer.StartSaveSpan(ctx, s.storeName, rev)
	defer span.End()

	data, err := stores.Encode(cfg)
	if err != nil {
		err = layout.ValidationError("failed to encode config snapshot", err)
		s.finish(span, rev, resultError, timer, err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if rev < s.attempted || rev < s.Landed() {
		s.logger.Debug().Uint64("revision", rev).Msg("Skipping superseded config save")
		s.finish(span, rev, resultSuperseded, timer, nil)
		return nil
	}
	s.attempted = rev

	if err := s.store.Put(ctx, data); err != nil {
		err = layout.PersistenceError("failed to save config", err).WithOperation("save")
		s.finish(span, rev, resultError, timer, err)
		return err
	}

	s.finish(span, rev, resultOK, timer, nil)
	return nil
}

func (s *Sync) finish(span trace.Span, rev uint64, result string, timer *telemetry.Timer, err error) {
	s.mu.Lock()
	switch {
	case err != nil:
		s.lastErr = err
	case result == resultOK:
		s.lastErr = nil
		if rev > s.landed {
			s.landed = rev
		}
	}
	s.mu.Unlock()

	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	var elapsed time.Duration
	if result != resultSuperseded {
		elapsed = timer.Duration()
	}
	s.tel.Metrics.RecordSave(result, elapsed)
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
