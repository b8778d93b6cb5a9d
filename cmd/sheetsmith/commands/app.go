package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sheetsmith/sheetsmith/pkg/config"
	"github.com/sheetsmith/sheetsmith/pkg/configsync"
	"github.com/sheetsmith/sheetsmith/pkg/documents"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
	"github.com/sheetsmith/sheetsmith/pkg/session"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

// app is the wiring shared by every command that works on the layout.
type app struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	schema *layout.Schema

	store     stores.ConfigStore
	fileStore *stores.FileStore
	sqlite    *stores.SQLiteStore

	sync *configsync.Sync
	sess *session.Session
	open *configsync.Result
}

// loadConfig reads the application config named by --config.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = version
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// loadApp builds the store, the sync layer and a session opened on the
// persisted snapshot.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	if err := a.loadSchema(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a.sync, err = configsync.New(configsync.Options{
		Schema:    a.schema,
		Store:     a.store,
		StoreName: cfg.Store.Backend,
		Telemetry: tel,
		Logger:    tel.Logger.NewComponentLogger("configsync").Zerolog(),
	})
	if err != nil {
		_ = a.closeStore()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a.sess = session.New(a.sync, tel, a.logger)
	a.open = a.sess.Open(ctx)
	if len(a.open.Dropped) > 0 {
		a.logger.Info().Strs("keys", a.open.Dropped).Msg("Ignoring keys that are not in the layout")
	}
	if a.open.Err != nil {
		a.logger.Warn().Err(a.open.Err).Str("source", string(a.open.Source)).Msg("Using default layout")
	}

	return a, nil
}

func (a *app) loadSchema() error {
	schema, err := layoutSchema(a.cfg)
	if err != nil {
		return err
	}
	a.schema = schema
	return nil
}

// layoutSchema returns the configured layout, or the built-in one.
func layoutSchema(cfg *config.AppConfig) (*layout.Schema, error) {
	if cfg.SchemaPath == "" {
		return layout.DefaultSchema(), nil
	}
	schema, err := config.LoadLayoutFile(cfg.Resolve(cfg.SchemaPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load layout schema: %w", err)
	}
	return schema, nil
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendFile:
		fs, err := stores.NewFileStore(a.cfg.Resolve(sc.Path), a.logger)
		if err != nil {
			return err
		}
		a.fileStore = fs
		a.store = fs

	case config.BackendSQLite:
		st, err := openSQLite(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.sqlite = st
		a.store = st

	case config.BackendHTTP:
		hs, err := stores.NewHTTPStore(sc.URL, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			return err
		}
		a.store = hs

	default:
		return fmt.Errorf("unsupported store backend: %s", sc.Backend)
	}
	return nil
}

func openSQLite(ctx context.Context, cfg *config.AppConfig) (*stores.SQLiteStore, error) {
	st, err := stores.NewSQLiteStore(stores.Config{
		Path:    cfg.Resolve(cfg.Store.Path),
		Profile: cfg.Store.Profile,
		Keep:    cfg.Store.Keep,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return st, nil
}

func (a *app) closeStore() error {
	if a.sqlite != nil {
		return a.sqlite.Close()
	}
	return nil
}

// close waits for pending saves and releases the store and telemetry.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(
		a.sess.Close(ctx),
		a.closeStore(),
		a.tel.Shutdown(ctx),
	)
}

// history returns the store as a history store, or an error naming the
// backends that keep history.
func (a *app) history() (stores.HistoryStore, error) {
	if a.sqlite == nil {
		return nil, fmt.Errorf("the %s backend keeps no history; use store.backend: sqlite", a.cfg.Store.Backend)
	}
	return a.sqlite, nil
}

func (a *app) provider() *documents.Provider {
	return documents.NewProvider(
		a.cfg.DocumentDirs(),
		a.cfg.Resolve(a.cfg.Documents.UploadDir),
		a.cfg.Documents.MaxUploadBytes,
		a.logger,
	)
}

func (a *app) generator() *documents.CommandGenerator {
	gc := a.cfg.Generator
	return documents.NewCommandGenerator(documents.CommandConfig{
		Command:    gc.Command,
		OutputDir:  a.cfg.Resolve(gc.OutputDir),
		PreviewDir: a.cfg.Resolve(gc.PreviewDir),
		Timeout:    gc.Timeout,
	}, a.tel, a.logger)
}

// policyEngine returns the generation guard, or nil when policies are off.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pc := a.cfg.Policy
	if !pc.Enabled {
		return nil, nil
	}

	engine, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	engine.SetTelemetry(a.tel)

	if paths := a.policyPaths(); len(paths) > 0 {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	// Disabled names may refer to file-loaded policies, so they apply after
	// loading. The engine keeps them disabled across hot reloads.
	for _, name := range pc.Disabled {
		if err := engine.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	return engine, nil
}

func (a *app) policyPaths() []string {
	paths := make([]string, 0, len(a.cfg.Policy.Paths))
	for _, p := range a.cfg.Policy.Paths {
		paths = append(paths, a.cfg.Resolve(p))
	}
	return paths
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseSwitch accepts the on/off spellings used by the CLI.
func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
