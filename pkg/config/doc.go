// Package config loads the sheetsmith application configuration and
// validates the documents sheetsmith reads from disk or from clients.
//
// # Application config
//
// AppConfig is read from sheetsmith.yaml with yaml.v3 over DefaultAppConfig and
// checked with validator tags. Unknown keys are rejected so that typos surface
// at startup instead of being ignored. Relative paths are resolved against
// DataDir, which is itself relative to the config file.
//
//	cfg, err := config.LoadAppConfig(flagConfig)
//	if err != nil {
//	    return err
//	}
//	store := cfg.Resolve(cfg.Store.Path)
//
// # Document shapes
//
// SchemaRegistry holds CUE definitions for the persisted layout snapshot
// (#Snapshot) and for layout schema files (#Layout). Violations are reported
// with file, line and column:
//
//	reg := config.NewSchemaRegistry()
//	snap, err := reg.DecodeSnapshot(data)
//	if layout.IsValidation(err) {
//	    // treat as absent and fall back to defaults
//	}
//
// Additional definitions can be registered with RegisterSchema.
package config
