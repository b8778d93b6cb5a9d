package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/config"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
)

type validateReport struct {
	Path    string         `json:"path"`
	Valid   bool           `json:"valid"`
	Issues  []config.Issue `json:"issues,omitempty"`
	Dropped []string       `json:"dropped,omitempty"`
	Missing []string       `json:"missing,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [snapshot]",
		Short: "Validate a layout snapshot",
		Long: `Validate a persisted layout snapshot against the snapshot schema and the
configured layout.

This command checks:
  - JSON syntax and snapshot shape
  - keys the layout no longer knows (dropped on load)
  - layout keys the snapshot does not mention (default to included)

Without an argument the configured file store is checked. With --strict,
dropped keys are an error.`,
		Example: `  sheetsmith validate
  sheetsmith validate output/config.json --strict`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			schema, err := layoutSchema(cfg)
			if err != nil {
				return err
			}

			path := cfg.Resolve(cfg.Store.Path)
			if len(args) > 0 {
				path = args[0]
			}
			log.Debug().Str("path", path).Bool("strict", strict).Msg("Validating snapshot")

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}

			report := validateReport{Path: path, Valid: true}
			snap, err := config.NewSchemaRegistry().DecodeSnapshot(data)
			if err != nil {
				report.Valid = false
				var serr *config.SchemaError
				if errors.As(err, &serr) {
					report.Issues = serr.Issues
				} else {
					report.Issues = []config.Issue{{Message: err.Error()}}
				}
			} else {
				report.Dropped = layout.DroppedKeys(schema, snap.Sections, snap.SectionOrder)
				for _, k := range schema.Keys() {
					if _, ok := snap.Sections[k]; !ok {
						report.Missing = append(report.Missing, k)
					}
				}
				if strict && len(report.Dropped) > 0 {
					report.Valid = false
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}

			if !report.Valid {
				return fmt.Errorf("%s is not a valid snapshot", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat unknown keys as errors")

	return cmd
}

func printReport(r validateReport) {
	for _, issue := range r.Issues {
		fmt.Printf("✗ %s\n", issue)
	}
	for _, k := range r.Dropped {
		fmt.Printf("! unknown key %s will be dropped\n", k)
	}
	for _, k := range r.Missing {
		fmt.Printf("- %s is not set and defaults to included\n", k)
	}
	if r.Valid {
		fmt.Printf("✓ %s is valid\n", r.Path)
	}
}
