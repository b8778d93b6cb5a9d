package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sheetsmith/sheetsmith/pkg/stores"
)

func newBackupCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write the current layout snapshot to a file",
		Long: `Write the layout snapshot held by the configured store to a file.

When nothing has been saved yet the effective layout (defaults plus any
document selection) is written instead.`,
		Example: `  sheetsmith backup --out layout-backup.json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}()

			data, err := a.store.Get(ctx)
			if errors.Is(err, stores.ErrNotFound) {
				log.Debug().Msg("Store is empty, writing effective layout")
				data, err = stores.Encode(a.sess.Snapshot())
			}
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}

			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}

			fmt.Printf("✓ Wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "sheetsmith-backup.json", "backup file")

	return cmd
}
