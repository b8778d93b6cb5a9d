package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/config"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
)

func newInitCommand() *cobra.Command {
	var (
		backend     string
		writeSchema bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a sheetsmith workspace",
		Long: `Initialize a sheetsmith workspace with a config file and the document,
output and preview directories.

With --schema the built-in sheet layout is written to layout.yaml and the config
points at it, so sections can be renamed or added without rebuilding.`,
		Example: `  # Initialize in the current directory
  sheetsmith init

  # Keep layout history in SQLite
  sheetsmith init --backend sqlite

  # Write an editable layout file too
  sheetsmith init --schema`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			log.Info().
				Str("config", path).
				Str("backend", backend).
				Msg("Initializing workspace")

			cfg := config.DefaultAppConfig()
			cfg.Store.Backend = backend
			if backend == config.BackendSQLite {
				cfg.Store.Path = filepath.Join("output", "sheetsmith.db")
			}
			if writeSchema {
				cfg.SchemaPath = "layout.yaml"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			base := filepath.Dir(path)
			dirs := append([]string{}, cfg.Documents.Dirs...)
			dirs = append(dirs, cfg.Documents.UploadDir, cfg.Generator.OutputDir, cfg.Generator.PreviewDir)
			for _, d := range dirs {
				dir := filepath.Join(base, d)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			if writeSchema {
				data, err := layout.MarshalSchema(layout.DefaultSchema())
				if err != nil {
					return err
				}
				schemaPath := filepath.Join(base, cfg.SchemaPath)
				if err := os.WriteFile(schemaPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write layout file: %w", err)
				}
				fmt.Printf("✓ Created layout file: %s\n", schemaPath)
			}

			data, err := config.MarshalAppConfig(cfg)
			if err != nil {
				return err
			}
			content := append([]byte("# sheetsmith configuration\n"), data...)
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Put character JSON files in %s\n", filepath.Join(base, cfg.Documents.Dirs[0]))
			fmt.Printf("  2. Set generator.command in %s\n", path)
			fmt.Printf("  3. Edit the layout:\n")
			fmt.Printf("     sheetsmith edit   or   sheetsmith serve\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendFile, "store backend (file or sqlite)")
	cmd.Flags().BoolVar(&writeSchema, "schema", false, "write the layout to layout.yaml")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
