package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/config"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
)

func newSchemaCommand() *cobra.Command {
	var cueSource bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the sheet layout",
		Long: `Print the sections and subsections of the configured layout as YAML, in
the format accepted by schema_path.

With --cue the CUE definitions used to validate snapshots and layout files
are printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cueSource {
				src, ok := config.NewSchemaRegistry().Source(config.SchemaSnapshot)
				if !ok {
					return fmt.Errorf("snapshot schema not registered")
				}
				fmt.Print(src)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			schema, err := layoutSchema(cfg)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(schema.Sections())
			}
			data, err := layout.MarshalSchema(schema)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&cueSource, "cue", false, "print the CUE validation schema")

	return cmd
}
